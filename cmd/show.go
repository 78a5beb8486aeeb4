package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/andresmejia3/groove/internal/store"
	"github.com/andresmejia3/groove/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <session_id>",
	Short: "Show a recorded session and its score timeline",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := uuid.Parse(args[0])
		if err != nil {
			utils.Die("Invalid session ID", err, nil)
		}

		sess, err := DB.GetSession(cmd.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			utils.Die(fmt.Sprintf("Session %s does not exist", id), nil, nil)
		}
		if err != nil {
			utils.Die("Failed to load session", err, nil)
		}
		samples, err := DB.GetSamples(cmd.Context(), id)
		if err != nil {
			utils.Die("Failed to load score timeline", err, nil)
		}

		writeSession(os.Stdout, sess, samples)
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func writeSession(out io.Writer, sess store.Session, samples []store.Sample) {
	fmt.Fprintf(out, "💃 Session %s\n", sess.ID)
	fmt.Fprintf(out, "   Player:     %s\n", sess.Player)
	fmt.Fprintf(out, "   Reference:  %s\n", filepath.Base(sess.ReferencePath))
	fmt.Fprintf(out, "   Model:      %s\n", sess.Architecture)
	fmt.Fprintf(out, "   State:      %s\n", sess.State)
	fmt.Fprintf(out, "   Score:      %.2f (%d frames)\n", sess.FinalScore, sess.Frames)
	if sess.Message != "" {
		fmt.Fprintf(out, "   Message:    %s\n", sess.Message)
	}
	fmt.Fprintf(out, "   Started:    %s\n", sess.StartedAt.Local().Format("2006-01-02 15:04:05"))

	if len(samples) == 0 {
		fmt.Fprintln(out, "\nNo score timeline recorded.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nTIME\tSCORE\tDEVIATION\tJOINTS\t")
	fmt.Fprintln(w, "----\t-----\t---------\t------\t")
	for _, s := range samples {
		fmt.Fprintf(w, "%s\t%.2f\t%.1f°\t%d\t%s\n", fmtTime(s.ElapsedSeconds), s.Score, s.MeanDeviation, s.MatchCount, scoreBar(s.Score))
	}
	w.Flush()
}

// scoreBar draws a score as a row of blocks, one per half point.
func scoreBar(score float64) string {
	n := int(score * 2)
	if n <= 0 {
		return ""
	}
	if n > 40 {
		n = 40
	}
	return strings.Repeat("█", n)
}
