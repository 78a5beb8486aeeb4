package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// App holds process-wide settings read from the environment.
type App struct {
	Environment  string
	LogFilePath  string
	DatabaseURL  string
	RedisURL     string
	PythonBin    string
	WorkerScript string
	FFmpegBin    string
	CameraFormat string
}

// Output toggles are forwarded to the rendering collaborator untouched.
type Output struct {
	ShowVideo       bool `json:"show_video"`
	ShowSkeleton    bool `json:"show_skeleton"`
	ShowPoints      bool `json:"show_points"`
	ShowBoundingBox bool `json:"show_bounding_box"`
}

// Scoring holds the tunables of the score integrator.
type Scoring struct {
	Baseline        float64       `validate:"-"`
	Kernel          string        `validate:"oneof=gaussian chord"`
	MinMatches      int           `validate:"gte=1"`
	DecayScale      float64       `validate:"gt=0"`
	FloorBias       float64       `validate:"gte=0,lt=1"`
	RewardThreshold float64       `validate:"gte=0,lte=1"`
	PenaltyRate     float64       `validate:"gte=0"`
	KernelAlpha     float64       `validate:"gt=0,lte=180"`
	// MaxFrameGap caps the elapsed time credited to one frame; 0 disables the cap
	MaxFrameGap     time.Duration `validate:"gte=0"`
}

// Session is the immutable configuration of one timed play-through.
type Session struct {
	Algorithm         string        `validate:"oneof=single-pose"`
	Architecture      string        `validate:"oneof=0.50 0.75 1.00 1.01"`
	OutputStride      int           `validate:"oneof=8 16 32"`
	ImageScaleFactor  float64       `validate:"gte=0.2,lte=1"`
	MinPoseConfidence float64       `validate:"gte=0,lte=1"`
	MinPartConfidence float64       `validate:"gte=0,lte=1"`
	Duration          time.Duration `validate:"gt=0"`
	TickRate          float64       `validate:"gt=0,lte=240"`
	FlipPerformer     bool
	Parallel          bool
	Output            Output
	Scoring           Scoring
}

// Architectures lists the supported model sizes, largest last.
var Architectures = []string{"0.50", "0.75", "1.00", "1.01"}

// DefaultScoring returns the tunables used by the original game.
func DefaultScoring() Scoring {
	return Scoring{
		Baseline:        0,
		Kernel:          "gaussian",
		MinMatches:      3,
		DecayScale:      10,
		FloorBias:       0.01,
		RewardThreshold: 0.1,
		PenaltyRate:     0.1,
		KernelAlpha:     60,
		MaxFrameGap:     time.Second,
	}
}

// DefaultSession returns a 60 second single-pose session.
func DefaultSession() Session {
	return Session{
		Algorithm:         "single-pose",
		Architecture:      "0.75",
		OutputStride:      16,
		ImageScaleFactor:  0.5,
		MinPoseConfidence: 0.7,
		MinPartConfidence: 0.9,
		Duration:          60 * time.Second,
		TickRate:          30,
		FlipPerformer:     true,
		Output: Output{
			ShowVideo:    true,
			ShowSkeleton: true,
			ShowPoints:   true,
		},
		Scoring: DefaultScoring(),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every field against its allowed range.
func (s Session) Validate() error {
	if err := validate.Struct(s); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: must satisfy '%s %s', got %v", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
			}
			return fmt.Errorf("invalid session configuration: %s", strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// Load reads .env (if present) and the process environment.
func Load() *App {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Note: could not read .env: %v", err)
	}

	return &App{
		Environment:  getEnv("GROOVE_ENV", "development"),
		LogFilePath:  getEnv("GROOVE_LOG_FILE", "logs/groove.log"),
		DatabaseURL:  databaseURL(),
		RedisURL:     getEnv("GROOVE_REDIS_URL", ""),
		PythonBin:    getEnv("GROOVE_PYTHON", "python3"),
		WorkerScript: getEnv("GROOVE_WORKER_SCRIPT", "python/pose_worker.py"),
		FFmpegBin:    getEnv("GROOVE_FFMPEG", "ffmpeg"),
		CameraFormat: getEnv("GROOVE_CAMERA_FORMAT", DefaultCameraFormat()),
	}
}

// IsProduction reports whether logs should be emitted as JSON on the console.
func (a *App) IsProduction() bool {
	return a.Environment == "production"
}

// DefaultCameraFormat is the ffmpeg capture device format for this OS.
func DefaultCameraFormat() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "v4l2"
	}
}

func databaseURL() string {
	if url := os.Getenv("GROOVE_DB_URL"); url != "" {
		return url
	}
	// Build the connection string from the Postgres container variables
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			os.Getenv("POSTGRES_USER"),
			os.Getenv("POSTGRES_PASSWORD"),
			host,
			getEnv("POSTGRES_PORT", "5432"),
			os.Getenv("POSTGRES_DB"),
		)
	}
	return "postgres://localhost:5432/groove"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

// envFloat parses key when it is set. An unparseable value is an error, not a fallback.
func envFloat(key string, dst *float64) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	*dst = v
	return nil
}

// ApplyEnv overrides session defaults with GROOVE_* variables, before flags
// apply. Variables that are set but unparseable are reported together.
func (s *Session) ApplyEnv() error {
	s.Architecture = getEnv("GROOVE_ARCHITECTURE", s.Architecture)
	s.Scoring.Kernel = getEnv("GROOVE_KERNEL", s.Scoring.Kernel)

	errs := []error{
		envFloat("GROOVE_MIN_POSE_CONFIDENCE", &s.MinPoseConfidence),
		envFloat("GROOVE_MIN_PART_CONFIDENCE", &s.MinPartConfidence),
	}
	if raw := os.Getenv("GROOVE_DURATION"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid GROOVE_DURATION %q (use '60s', '2m'): %w", raw, err))
		} else {
			s.Duration = d
		}
	}
	return errors.Join(errs...)
}
