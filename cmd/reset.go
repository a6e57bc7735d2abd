package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/hardhat/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetTables  bool
	resetFiles   bool
	resetLogFile string
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Alert Log)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetTables && !resetFiles {
			resetTables = true
			resetFiles = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetTables {
			if DB == nil {
				fmt.Fprintln(os.Stderr, "⚠️  Database disabled (--no-db), skipping tables.")
			} else if confirm(os.Stdout, reader, "⚠️  Are you sure you want to DROP all sessions and alerts?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetFiles && resetLogFile != "" {
			if confirm(os.Stdout, reader, fmt.Sprintf("⚠️  Are you sure you want to delete the alert log %s?", resetLogFile)) {
				fmt.Println("🗑️  Clearing Alert Log...")
				removeFile(resetLogFile)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetTables, "tables", false, "Drop the sessions and alerts tables")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Delete the alert log file")
	resetCmd.Flags().StringVar(&resetLogFile, "log-file", "hardhat.log", "Alert log written by monitor")
	rootCmd.AddCommand(resetCmd)
}

func confirm(out io.Writer, r *bufio.Reader, prompt string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
