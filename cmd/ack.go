package cmd

import (
	"fmt"
	"strconv"

	"github.com/andresmejia3/hardhat/internal/utils"
	"github.com/spf13/cobra"
)

var ackCmd = &cobra.Command{
	Use:         "ack <alert_id> [alert_id...]",
	Short:       "Acknowledge alerts after they have been handled on site",
	Args:        cobra.MinimumNArgs(1),
	Annotations: map[string]string{"db": "required"},
	Run: func(cmd *cobra.Command, args []string) {
		ids := make([]int64, 0, len(args))
		for _, a := range args {
			id, err := strconv.ParseInt(a, 10, 64)
			if err != nil {
				utils.Die("Invalid alert ID", err, nil)
			}
			ids = append(ids, id)
		}

		for _, id := range ids {
			if err := DB.AcknowledgeAlert(cmd.Context(), id); err != nil {
				utils.Die(fmt.Sprintf("Failed to acknowledge alert %d", id), err, nil)
			}
			fmt.Printf("✅ Alert %d acknowledged\n", id)
		}
	},
}

func init() {
	rootCmd.AddCommand(ackCmd)
}
