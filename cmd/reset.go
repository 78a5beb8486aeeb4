package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/groove/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB   bool
	resetLogs bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Database, Logs)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetLogs {
			resetDB = true
			resetLogs = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if confirm(reader, os.Stdout, "⚠️  Are you sure you want to DROP all session tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetLogs {
			if confirm(reader, os.Stdout, "⚠️  Are you sure you want to delete all log files?") {
				fmt.Println("🗑️  Clearing Logs...")
				removeLogs(App.LogFilePath)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "sessions", false, "Clear recorded sessions from PostgreSQL")
	resetCmd.Flags().BoolVar(&resetLogs, "logs", false, "Clear the rotated log files")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

// removeLogs deletes the active log file and its rotated backups.
func removeLogs(logFile string) {
	ext := filepath.Ext(logFile)
	pattern := strings.TrimSuffix(logFile, ext) + "*" + ext + "*"
	matches, err := filepath.Glob(pattern)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to list logs: %v\n", err)
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", m, err)
		}
	}
}
