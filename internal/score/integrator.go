package score

import (
	"time"

	"github.com/andresmejia3/groove/internal/config"
	"github.com/andresmejia3/groove/internal/pose"
)

// Step describes what a single frame contributed to the score.
type Step struct {
	Comparable  bool    `json:"comparable"`
	MatchCount  int     `json:"match_count"`
	MeanAbsDiff float64 `json:"mean_abs_diff"`
	Similarity  float64 `json:"similarity"` // kernel output minus the floor bias
	FPS         float64 `json:"fps"`
	Delta       float64 `json:"delta"`
	Score       float64 `json:"score"`
}

// State is the mutable score record of a session.
type State struct {
	Score     float64
	LastFrame time.Time
	Frames    int
}

// Integrator accumulates frame deltas into the session score. It is not safe
// for concurrent use; callers serialize Update.
type Integrator struct {
	cfg    config.Scoring
	kernel Kernel
	state  State
}

// New builds an integrator for the given tunables.
func New(cfg config.Scoring) (*Integrator, error) {
	k, err := KernelFor(cfg)
	if err != nil {
		return nil, err
	}
	return &Integrator{cfg: cfg, kernel: k, state: State{Score: cfg.Baseline}}, nil
}

// Reset restores the baseline score and starts frame timing at now.
func (in *Integrator) Reset(now time.Time) {
	in.state = State{Score: in.cfg.Baseline, LastFrame: now}
}

// State returns a copy of the current score record.
func (in *Integrator) State() State {
	return in.state
}

// Similarity is the kernel output for a mean deviation, less the floor bias.
func (in *Integrator) Similarity(meanAbsDiff float64) float64 {
	return in.kernel(meanAbsDiff) - in.cfg.FloorBias
}

// Update folds one frame comparison, observed at now, into the score.
func (in *Integrator) Update(res pose.ComparisonResult, now time.Time) Step {
	elapsed := now.Sub(in.state.LastFrame)
	in.state.LastFrame = now
	in.state.Frames++

	step := Step{MatchCount: res.MatchCount, Score: in.state.Score}
	if elapsed > 0 {
		if in.cfg.MaxFrameGap > 0 && elapsed > in.cfg.MaxFrameGap {
			elapsed = in.cfg.MaxFrameGap
		}
		step.FPS = float64(time.Second) / float64(elapsed)
	}

	mean, ok := res.MeanAbsDiff()
	step.MeanAbsDiff = mean
	if !ok || res.MatchCount < in.cfg.MinMatches {
		return step
	}
	step.Comparable = true
	step.Similarity = in.Similarity(mean)

	// A zero gap means an unbounded frame rate; the contribution clamps to zero
	if step.FPS == 0 {
		return step
	}

	if step.Similarity > in.cfg.RewardThreshold {
		step.Delta = step.Similarity / step.FPS
	} else {
		step.Delta = -in.cfg.PenaltyRate / step.FPS
	}

	in.state.Score += step.Delta
	step.Score = in.state.Score
	return step
}
