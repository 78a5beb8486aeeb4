package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/groove/internal/config"
	"github.com/andresmejia3/groove/internal/pose"
	"github.com/andresmejia3/groove/internal/score"
	"github.com/andresmejia3/groove/internal/session"
	"github.com/andresmejia3/groove/internal/store"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func running(tick int, elapsed, total float64) session.Update {
	return session.Update{
		SessionID:      "s1",
		State:          session.Running.String(),
		Tick:           tick,
		ElapsedSeconds: elapsed,
		Score:          total,
		Step:           score.Step{Comparable: true, MatchCount: 8, MeanAbsDiff: 10},
	}
}

func TestRecordSamples(t *testing.T) {
	updates := make(chan session.Update, 16)
	updates <- session.Update{State: session.Loading.String()}
	updates <- session.Update{State: session.Running.String()} // start, no tick yet
	updates <- running(1, 0.4, 0.1)
	updates <- running(2, 1.05, 0.2)
	updates <- running(3, 1.6, 0.3)
	updates <- running(4, 3.2, 0.5) // second 2 had no frame
	updates <- running(5, 3.9, 0.6)
	updates <- session.Update{State: session.Expired.String(), ElapsedSeconds: 4, Score: 0.6}
	close(updates)

	got := recordSamples(updates)
	want := []store.Sample{
		{ElapsedSeconds: 1, Score: 0.2, MeanDeviation: 10, MatchCount: 8},
		{ElapsedSeconds: 3, Score: 0.5, MeanDeviation: 10, MatchCount: 8},
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d samples, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Sample %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestScoreLine(t *testing.T) {
	color.NoColor = true

	tests := []struct {
		name string
		u    session.Update
		want string
	}{
		{
			name: "Reward",
			u:    session.Update{Score: 1.5, RemainingSeconds: 41.2, Step: score.Step{Comparable: true, Delta: 0.03, MeanAbsDiff: 4}},
			want: "42s  score    1.50  ▲  4.0°",
		},
		{
			name: "Penalty",
			u:    session.Update{Score: -0.25, RemainingSeconds: 9, Step: score.Step{Comparable: true, Delta: -0.003, MeanAbsDiff: 97.5}},
			want: " 9s  score   -0.25  ▼ 97.5°",
		},
		{
			name: "No pose",
			u:    session.Update{Score: 0, RemainingSeconds: 60},
			want: "60s  score    0.00  (no pose)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scoreLine(tt.u); !strings.Contains(got, tt.want) {
				t.Errorf("scoreLine() = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestFmtTime(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00"},
		{65, "00:01:05"},
		{3661, "01:01:01"},
	}

	for _, tt := range tests {
		if got := fmtTime(tt.seconds); got != tt.want {
			t.Errorf("fmtTime(%v) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func validPlayOptions(reference string) PlayOptions {
	d := config.DefaultSession()
	return PlayOptions{
		ReferencePath:     reference,
		CameraSize:        "640x480",
		Architecture:      d.Architecture,
		Duration:          "60s",
		OutputStride:      d.OutputStride,
		ImageScaleFactor:  d.ImageScaleFactor,
		MinPoseConfidence: d.MinPoseConfidence,
		MinPartConfidence: d.MinPartConfidence,
		Kernel:            d.Scoring.Kernel,
		TickRate:          d.TickRate,
		WorkerTimeout:     "10s",
	}
}

func TestValidatePlayFlags(t *testing.T) {
	for _, key := range []string{"GROOVE_ARCHITECTURE", "GROOVE_DURATION", "GROOVE_KERNEL", "GROOVE_MIN_POSE_CONFIDENCE", "GROOVE_MIN_PART_CONFIDENCE"} {
		t.Setenv(key, "")
	}

	tmpFile := filepath.Join(t.TempDir(), "dance.mp4")
	if err := os.WriteFile(tmpFile, []byte("video"), 0644); err != nil {
		t.Fatal(err)
	}
	tmpDir := t.TempDir()

	tests := []struct {
		name    string
		mutate  func(o *PlayOptions)
		wantErr bool
	}{
		{name: "Valid options", mutate: func(o *PlayOptions) {}},
		{name: "Reference does not exist", mutate: func(o *PlayOptions) { o.ReferencePath = "nonexistent.mp4" }, wantErr: true},
		{name: "Reference is directory", mutate: func(o *PlayOptions) { o.ReferencePath = tmpDir }, wantErr: true},
		{name: "Performer does not exist", mutate: func(o *PlayOptions) { o.PerformerPath = "missing.mp4" }, wantErr: true},
		{name: "Unknown architecture", mutate: func(o *PlayOptions) { o.Architecture = "2.00" }, wantErr: true},
		{name: "Bad duration", mutate: func(o *PlayOptions) { o.Duration = "sixty" }, wantErr: true},
		{name: "Zero duration", mutate: func(o *PlayOptions) { o.Duration = "0s" }, wantErr: true},
		{name: "Bad stride", mutate: func(o *PlayOptions) { o.OutputStride = 12 }, wantErr: true},
		{name: "Unknown kernel", mutate: func(o *PlayOptions) { o.Kernel = "cosine" }, wantErr: true},
		{name: "Bad camera size", mutate: func(o *PlayOptions) { o.CameraSize = "large" }, wantErr: true},
		{name: "Bad worker timeout", mutate: func(o *PlayOptions) { o.WorkerTimeout = "soon" }, wantErr: true},
		{name: "Chord kernel", mutate: func(o *PlayOptions) { o.Kernel = "chord" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := validPlayOptions(tmpFile)
			tt.mutate(&opts)
			_, err := validatePlayFlags(nil, opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePlayFlags() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	opts := validPlayOptions(tmpFile)
	opts.NoFlip = true
	opts.Duration = "90s"
	cfg, err := validatePlayFlags(nil, opts)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.FlipPerformer || cfg.Duration != 90*time.Second {
		t.Errorf("Flags not applied: %+v", cfg)
	}
}

func TestValidatePlayFlagsEnvironment(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "dance.mp4")
	if err := os.WriteFile(tmpFile, []byte("video"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GROOVE_ARCHITECTURE", "1.01")
	t.Setenv("GROOVE_DURATION", "")
	t.Setenv("GROOVE_KERNEL", "")
	t.Setenv("GROOVE_MIN_POSE_CONFIDENCE", "")
	t.Setenv("GROOVE_MIN_PART_CONFIDENCE", "")

	// Without an explicit flag the environment wins over the flag default
	cfg, err := validatePlayFlags(nil, validPlayOptions(tmpFile))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Architecture != "1.01" {
		t.Errorf("Expected architecture from environment, got %s", cfg.Architecture)
	}
}

func TestValidatePlayFlagsInvalidEnvironment(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "dance.mp4")
	if err := os.WriteFile(tmpFile, []byte("video"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GROOVE_DURATION", "forever")

	_, err := validatePlayFlags(nil, validPlayOptions(tmpFile))
	if err == nil {
		t.Fatal("Expected an unparseable GROOVE_DURATION to be reported")
	}
	if !strings.Contains(err.Error(), "GROOVE_DURATION") {
		t.Errorf("Error should name the variable, got %v", err)
	}
}

func TestWriteComparison(t *testing.T) {
	color.NoColor = true
	ref := pose.AngleSet{{Name: "left-elbow", Angle: 90}, {Name: "left-knee", Angle: 170}, {Name: "left-hip", Angle: 160}}
	perf := pose.AngleSet{{Name: "left-elbow", Angle: 95}, {Name: "left-knee", Angle: 168}, {Name: "left-hip", Angle: 120}}

	var buf bytes.Buffer
	if err := writeComparison(&buf, ref, perf, config.DefaultScoring()); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"left-elbow", "5.0°", "40.0°", "Matched joints: 3", "Mean deviation: 15.7°", "Similarity (gaussian)", "Similarity (chord)"} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	if err := writeComparison(&buf, ref[:2], perf[:2], config.DefaultScoring()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "Not comparable") {
		t.Errorf("Two matched joints should not be comparable:\n%s", buf.String())
	}
}

func TestWriteSession(t *testing.T) {
	sess := store.Session{
		ID:            uuid.MustParse("8a6e0804-2bd0-4672-b79d-d97027f9071a"),
		ReferencePath: "/videos/dance.mp4",
		Player:        "Ana",
		Architecture:  "0.75",
		State:         "expired",
		FinalScore:    3.25,
		Frames:        1800,
		Message:       "Game Over! Your score is 3.2",
		StartedAt:     time.Date(2024, 5, 1, 18, 0, 0, 0, time.UTC),
	}
	var buf bytes.Buffer
	writeSession(&buf, sess, []store.Sample{{ElapsedSeconds: 1, Score: 1.5, MeanDeviation: 12.5, MatchCount: 8}})
	out := buf.String()
	for _, want := range []string{"8a6e0804", "Ana", "dance.mp4", "3.25 (1800 frames)", "00:00:01", "12.5°", "███"} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q:\n%s", want, out)
		}
	}

	buf.Reset()
	writeSession(&buf, sess, nil)
	if !strings.Contains(buf.String(), "No score timeline") {
		t.Errorf("Expected empty timeline notice:\n%s", buf.String())
	}
}

func TestScoreBar(t *testing.T) {
	tests := []struct {
		score float64
		want  int
	}{
		{-1, 0},
		{0, 0},
		{1.5, 3},
		{100, 40},
	}
	for _, tt := range tests {
		if got := len([]rune(scoreBar(tt.score))); got != tt.want {
			t.Errorf("scoreBar(%v) has %d blocks, want %d", tt.score, got, tt.want)
		}
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		if got := confirm(bufio.NewReader(strings.NewReader(tt.input)), &out, "Drop?"); got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
		if !strings.Contains(out.String(), "Drop? [y/N]") {
			t.Errorf("Prompt not written: %q", out.String())
		}
	}
}

func TestRemoveLogs(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "groove.log")
	for _, name := range []string{"groove.log", "groove-2024-05-01T18-00-00.000.log.gz", "keep.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	removeLogs(logFile)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "keep.txt" {
		t.Errorf("Expected only keep.txt to remain, got %v", entries)
	}
}

// TestPlayPersistence mirrors the persistence steps at the end of runPlay.
func TestPlayPersistence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("groove_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer pgContainer.Terminate(ctx)

	connStr, _ := pgContainer.ConnectionString(ctx, "sslmode=disable")
	db, err := store.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close(ctx)

	id := uuid.New()
	if err := db.CreateSession(ctx, store.Session{ID: id, ReferencePath: "/tmp/dance.mp4", Architecture: "0.75", DurationSeconds: 3, State: "idle", StartedAt: time.Now()}); err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	updates := make(chan session.Update, 4)
	updates <- running(1, 1.0, 0.5)
	updates <- running(2, 2.1, 0.9)
	updates <- session.Update{State: session.Expired.String(), Score: 0.9, Message: "Game Over!"}
	close(updates)
	samples := recordSamples(updates)

	if err := db.FinishSession(ctx, id, "expired", 0.9, 2, "Game Over!", time.Now()); err != nil {
		t.Fatalf("Failed to finish session: %v", err)
	}
	if err := db.InsertSamples(ctx, id, samples); err != nil {
		t.Fatalf("Failed to insert samples: %v", err)
	}

	got, err := db.GetSamples(ctx, id)
	if err != nil {
		t.Fatalf("Failed to read samples: %v", err)
	}
	if len(got) != 2 || got[0].ElapsedSeconds != 1 || got[1].ElapsedSeconds != 2 {
		t.Errorf("Unexpected persisted timeline: %+v", got)
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
