package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/hardhat/internal/store"
	"github.com/andresmejia3/hardhat/internal/utils"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:         "sessions",
	Short:       "List monitoring sessions",
	Annotations: map[string]string{"db": "required"},
	Run: func(cmd *cobra.Command, args []string) {
		sessions, err := DB.ListSessions(cmd.Context())
		if err != nil {
			utils.Die("Failed to list sessions", err, nil)
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions found in database.")
			return
		}
		writeSessions(os.Stdout, sessions)
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
}

func writeSessions(out io.Writer, sessions []store.Session) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tSTARTED\tDURATION\tFRAMES\tCRITICAL")
	fmt.Fprintln(w, "--\t------\t-------\t--------\t------\t--------")
	for _, s := range sessions {
		duration := "running"
		if s.EndedAt != nil {
			duration = utils.FmtDuration(s.EndedAt.Sub(s.StartedAt))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n", s.ID.String()[:8], s.Source,
			s.StartedAt.Local().Format("2006-01-02 15:04"), duration, s.Frames, s.CriticalAlerts)
	}
	w.Flush()
}
