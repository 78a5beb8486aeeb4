package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/groove/internal/utils"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded dance sessions",
	Run: func(cmd *cobra.Command, args []string) {
		sessions, err := DB.ListSessions(cmd.Context(), historyLimit)
		if err != nil {
			utils.Die("Failed to list sessions", err, nil)
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions recorded yet.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tPLAYER\tSTATE\tSCORE\tMODEL\tSTARTED")
		fmt.Fprintln(w, "--\t------\t-----\t-----\t-----\t-------")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%s\n",
				s.ID, s.Player, s.State, s.FinalScore, s.Architecture,
				s.StartedAt.Local().Format("2006-01-02 15:04"))
		}
		w.Flush()
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of sessions to show")
	rootCmd.AddCommand(historyCmd)
}
