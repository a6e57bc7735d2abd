package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/hardhat/internal/store"
	"github.com/andresmejia3/hardhat/internal/types"
	"github.com/andresmejia3/hardhat/internal/utils"
	"github.com/spf13/cobra"
)

var (
	alertsSession  string
	alertsSeverity string
	alertsLimit    int
	alertsOpen     bool
)

var alertsCmd = &cobra.Command{
	Use:         "alerts",
	Short:       "List alerts raised by past and running monitors",
	Annotations: map[string]string{"db": "required"},
	Run: func(cmd *cobra.Command, args []string) {
		filter := store.AlertFilter{Limit: alertsLimit, Unacknowledged: alertsOpen}
		if alertsSeverity != "" {
			sev, err := types.ParseSeverity(strings.ToUpper(alertsSeverity))
			if err != nil {
				utils.Die("Invalid --severity", err, nil)
			}
			filter.MinSeverity = sev
		}
		if alertsSession != "" {
			sess, err := DB.GetSession(cmd.Context(), alertsSession)
			if err != nil {
				utils.Die("Failed to resolve session", err, nil)
			}
			filter.SessionID = sess.ID
		}

		alerts, err := DB.ListAlerts(cmd.Context(), filter)
		if err != nil {
			utils.Die("Failed to list alerts", err, nil)
		}
		if len(alerts) == 0 {
			fmt.Println("No alerts found in database.")
			return
		}
		writeAlerts(os.Stdout, alerts)
	},
}

func init() {
	alertsCmd.Flags().StringVarP(&alertsSession, "session", "s", "", "Only alerts of this session (id or unique prefix)")
	alertsCmd.Flags().StringVar(&alertsSeverity, "severity", "", "Minimum severity: INFO, WARNING, ERROR or CRITICAL")
	alertsCmd.Flags().IntVarP(&alertsLimit, "limit", "n", 50, "Maximum number of alerts to show (0 for all)")
	alertsCmd.Flags().BoolVar(&alertsOpen, "open", false, "Only alerts that have not been acknowledged")
	rootCmd.AddCommand(alertsCmd)
}

func writeAlerts(out io.Writer, alerts []store.Alert) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tRAISED\tSEVERITY\tSOURCE\tPERSON\tMESSAGE\tACK")
	fmt.Fprintln(w, "--\t------\t--------\t------\t------\t-------\t---")
	for _, a := range alerts {
		person := "-"
		if a.PersonID != nil {
			person = strconv.Itoa(*a.PersonID)
		}
		ack := ""
		if a.Acknowledged {
			ack = "✓"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.RaisedAt.Local().Format("2006-01-02 15:04:05"),
			a.Severity, a.Source, person, a.Message, ack)
	}
	w.Flush()
}
