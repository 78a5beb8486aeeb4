// Package session drives a timed dance session: it pulls a frame from each
// stream every tick, estimates both poses, compares their joint angles and
// folds the deviation into the running score until the countdown expires.
package session

import (
	"context"
	"time"

	"github.com/andresmejia3/groove/internal/config"
	"github.com/andresmejia3/groove/internal/pose"
	"github.com/andresmejia3/groove/internal/score"
	"github.com/andresmejia3/groove/internal/types"
)

// State is a position in the session lifecycle.
type State int

const (
	Idle State = iota
	Loading
	Running
	Expired
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Running:
		return "running"
	case Expired:
		return "expired"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == Expired || s == Failed
}

// Clock abstracts wall time so sessions can run on simulated time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Model is a loaded pose-estimation model.
type Model interface {
	EstimateSinglePose(ctx context.Context, frame types.Frame, opts types.EstimateOptions) (types.Pose, error)
	Dispose() error
}

// ModelLoader loads the model for an architecture ("0.50", "0.75", "1.00", "1.01").
type ModelLoader func(ctx context.Context, architecture string) (Model, error)

// Source is a playable frame-bearing handle for one stream.
type Source interface {
	Stream() types.StreamID
	Open(ctx context.Context) error
	Frame() (types.Frame, error)
	// Err is non-nil once the stream can no longer produce frames.
	Err() error
	Play()
	Pause()
	Close() error
}

// Publisher receives every score update for display.
type Publisher interface {
	Publish(ctx context.Context, u Update) error
}

// StreamView is what one stream looked like during a tick.
type StreamView struct {
	Stream    string           `json:"stream"`
	Frame     int              `json:"frame"`
	PoseScore float64          `json:"pose_score"`
	Keypoints []types.Keypoint `json:"keypoints,omitempty"`
	Angles    pose.AngleSet    `json:"angles,omitempty"`
}

// Update is published after every state change and every processed tick.
type Update struct {
	SessionID        string        `json:"session_id"`
	State            string        `json:"state"`
	Architecture     string        `json:"architecture"`
	Tick             int           `json:"tick"`
	Score            float64       `json:"score"`
	Step             score.Step    `json:"step"`
	ElapsedSeconds   float64       `json:"elapsed_seconds"`
	RemainingSeconds float64       `json:"remaining_seconds"`
	Reference        StreamView    `json:"reference"`
	Performer        StreamView    `json:"performer"`
	Output           config.Output `json:"output"`
	Message          string        `json:"message,omitempty"`
	At               time.Time     `json:"at"`
}

// Final reports whether this update ends the session.
func (u Update) Final() bool {
	return u.State == Expired.String() || u.State == Failed.String()
}

// Snapshot is a point-in-time copy of the session record.
type Snapshot struct {
	ID           string
	State        State
	Architecture string
	Score        float64
	Ticks        int
	Remaining    time.Duration
	LastStep     score.Step
	Message      string
	StartedAt    time.Time
	EndedAt      time.Time
}
