package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/groove/internal/config"
	"github.com/andresmejia3/groove/internal/pose"
	"github.com/andresmejia3/groove/internal/score"
	"github.com/andresmejia3/groove/internal/types"
	"github.com/andresmejia3/groove/internal/utils"
	"github.com/andresmejia3/groove/internal/worker"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// CompareOptions holds the flags of the compare command.
type CompareOptions struct {
	Architecture      string
	MinPoseConfidence float64
	MinPartConfidence float64
	FlipPerformer     bool
	Debug             bool
}

var compareOpts CompareOptions

var compareCmd = &cobra.Command{
	Use:         "compare <reference.jpg> <performer.jpg>",
	Short:       "Compare the poses in two still images",
	Args:        cobra.ExactArgs(2),
	Annotations: noDB,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runCompare(cmd.Context(), args[0], args[1], compareOpts)
	},
}

func init() {
	d := config.DefaultSession()
	compareCmd.Flags().StringVarP(&compareOpts.Architecture, "architecture", "a", d.Architecture, "Model architecture (0.50, 0.75, 1.00, 1.01)")
	compareCmd.Flags().Float64Var(&compareOpts.MinPoseConfidence, "min-pose-confidence", d.MinPoseConfidence, "Poses below this score are ignored")
	compareCmd.Flags().Float64Var(&compareOpts.MinPartConfidence, "min-part-confidence", d.MinPartConfidence, "Keypoints below this score are ignored")
	compareCmd.Flags().BoolVar(&compareOpts.FlipPerformer, "flip", false, "Mirror the performer image before estimation")
	compareCmd.Flags().BoolVarP(&compareOpts.Debug, "debug", "d", false, "Start the pose worker in debug mode")
	rootCmd.AddCommand(compareCmd)
}

func runCompare(ctx context.Context, referencePath, performerPath string, opts CompareOptions) error {
	images := make([][]byte, 2)
	for i, path := range []string{referencePath, performerPath} {
		data, err := os.ReadFile(path)
		if err != nil {
			utils.ShowError("Failed to read image file", err, nil)
			return err
		}
		images[i] = data
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting pose engine...")
	loader := worker.Loader{
		Python:      App.PythonBin,
		Script:      App.WorkerScript,
		ReadTimeout: 60 * time.Second,
		Debug:       opts.Debug,
	}
	// We use ID 0 for this ad-hoc worker
	w, err := loader.Load(ctx, 0, opts.Architecture)
	if err != nil {
		utils.ShowError("Failed to start pose worker", err, nil)
		return err
	}
	defer w.Dispose()

	d := config.DefaultSession()
	sets := make([]pose.AngleSet, 2)
	for i, stream := range []types.StreamID{types.Reference, types.Performer} {
		fmt.Fprintf(os.Stderr, "🔍 Estimating %s pose...\n", stream)
		p, err := w.EstimateSinglePose(ctx, types.Frame{Stream: stream, Index: 1, Data: images[i]}, types.EstimateOptions{
			ImageScaleFactor: d.ImageScaleFactor,
			FlipHorizontal:   stream == types.Performer && opts.FlipPerformer,
			OutputStride:     d.OutputStride,
		})
		if err != nil {
			utils.ShowError("Pose estimation failed", err, w.Cmd)
			return err
		}
		if p.Score < opts.MinPoseConfidence {
			fmt.Printf("⚠️  %s pose confidence %.2f is below %.2f; it would not be scored.\n", stream, p.Score, opts.MinPoseConfidence)
			continue
		}
		sets[i] = pose.ExtractAngles(p.Keypoints, opts.MinPartConfidence)
	}

	return writeComparison(os.Stdout, sets[0], sets[1], d.Scoring)
}

// writeComparison prints the per-joint angle table and the similarity
// each kernel assigns to the mean deviation.
func writeComparison(out io.Writer, ref, perf pose.AngleSet, scoring config.Scoring) error {
	tw := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "JOINT\tREFERENCE\tPERFORMER\tDIFF")
	fmt.Fprintln(tw, "-----\t---------\t---------\t----")
	for _, j := range pose.Catalog {
		r, rok := ref.Get(j.Name)
		p, pok := perf.Get(j.Name)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", j.Name, fmtAngle(r, rok), fmtAngle(p, pok), fmtDiff(r, p, rok && pok))
	}
	tw.Flush()

	res := pose.Compare(ref, perf)
	fmt.Fprintf(out, "\nMatched joints: %d\n", res.MatchCount)
	mean, ok := res.MeanAbsDiff()
	if !ok || res.MatchCount < scoring.MinMatches {
		fmt.Fprintf(out, "%s\n", color.YellowString("Not comparable: at least %d matched joints are needed.", scoring.MinMatches))
		return nil
	}
	fmt.Fprintf(out, "Mean deviation: %.1f°\n", mean)

	for _, kernel := range []string{"gaussian", "chord"} {
		cfg := scoring
		cfg.Kernel = kernel
		integ, err := score.New(cfg)
		if err != nil {
			return err
		}
		sim := integ.Similarity(mean)
		verdict := color.GreenString("reward")
		if sim <= scoring.RewardThreshold {
			verdict = color.RedString("penalty")
		}
		fmt.Fprintf(out, "Similarity (%s): %.3f  %s\n", kernel, sim, verdict)
	}
	return nil
}

func fmtAngle(a float64, ok bool) string {
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.1f°", a)
}

func fmtDiff(a, b float64, ok bool) string {
	if !ok {
		return "-"
	}
	d := a - b
	if d < 0 {
		d = -d
	}
	return fmt.Sprintf("%.1f°", d)
}
