package cmd

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/groove/internal/config"
	"github.com/andresmejia3/groove/internal/events"
	"github.com/andresmejia3/groove/internal/hud"
	"github.com/andresmejia3/groove/internal/media"
	"github.com/andresmejia3/groove/internal/session"
	"github.com/andresmejia3/groove/internal/store"
	"github.com/andresmejia3/groove/internal/types"
	"github.com/andresmejia3/groove/internal/utils"
	"github.com/andresmejia3/groove/internal/worker"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// PlayOptions holds the flags of the play command.
type PlayOptions struct {
	ReferencePath     string
	PerformerPath     string
	CameraDevice      string
	CameraSize        string
	Player            string
	Architecture      string
	Duration          string
	OutputStride      int
	ImageScaleFactor  float64
	MinPoseConfidence float64
	MinPartConfidence float64
	Kernel            string
	TickRate          float64
	Parallel          bool
	NoFlip            bool
	HUDAddr           string
	Redis             bool
	WorkerTimeout     string
	Debug             bool
	Output            config.Output
}

var playOpts PlayOptions

var playCmd = &cobra.Command{
	Use:   "play",
	Short: "Dance against a reference video and get scored live",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runPlay(cmd, playOpts)
	},
}

func init() {
	d := config.DefaultSession()
	f := playCmd.Flags()
	f.StringVarP(&playOpts.ReferencePath, "reference", "r", "", "Path to the reference dance video")
	f.StringVarP(&playOpts.PerformerPath, "performer", "p", "", "Score a recorded performance instead of the camera")
	f.StringVar(&playOpts.CameraDevice, "camera", "", "Camera device (default: /dev/video0, \"0\" on macOS, video=\"Integrated Camera\" on Windows)")
	f.StringVar(&playOpts.CameraSize, "camera-size", "640x480", "Camera capture size WIDTHxHEIGHT")
	f.StringVar(&playOpts.Player, "player", "Player", "Name recorded with the session")
	f.StringVarP(&playOpts.Architecture, "architecture", "a", d.Architecture, "Model architecture (0.50, 0.75, 1.00, 1.01)")
	f.StringVarP(&playOpts.Duration, "duration", "d", d.Duration.String(), "Session length")
	f.IntVar(&playOpts.OutputStride, "output-stride", d.OutputStride, "Model output stride (8, 16, 32)")
	f.Float64Var(&playOpts.ImageScaleFactor, "image-scale", d.ImageScaleFactor, "Input image scale factor (0.2 - 1.0)")
	f.Float64Var(&playOpts.MinPoseConfidence, "min-pose-confidence", d.MinPoseConfidence, "Poses below this score are ignored")
	f.Float64Var(&playOpts.MinPartConfidence, "min-part-confidence", d.MinPartConfidence, "Keypoints below this score are ignored")
	f.StringVarP(&playOpts.Kernel, "kernel", "k", d.Scoring.Kernel, "Similarity kernel (gaussian, chord)")
	f.Float64Var(&playOpts.TickRate, "tick-rate", d.TickRate, "Frame pairs scored per second")
	f.BoolVar(&playOpts.Parallel, "parallel", false, "Run one model per stream and estimate both poses concurrently")
	f.BoolVar(&playOpts.NoFlip, "no-flip", false, "Do not mirror the performer before estimation")
	f.StringVar(&playOpts.HUDAddr, "hud", "", "Serve the live overlay on this address (e.g. :8080)")
	f.BoolVar(&playOpts.Redis, "redis", false, "Forward score updates to $GROOVE_REDIS_URL")
	f.StringVar(&playOpts.WorkerTimeout, "worker-timeout", "10s", "Maximum time to wait for one pose estimate")
	f.BoolVar(&playOpts.Debug, "debug", false, "Start the pose worker in debug mode")
	f.BoolVar(&playOpts.Output.ShowVideo, "show-video", d.Output.ShowVideo, "Overlay: draw the video")
	f.BoolVar(&playOpts.Output.ShowSkeleton, "show-skeleton", d.Output.ShowSkeleton, "Overlay: draw the skeleton")
	f.BoolVar(&playOpts.Output.ShowPoints, "show-points", d.Output.ShowPoints, "Overlay: draw keypoints")
	f.BoolVar(&playOpts.Output.ShowBoundingBox, "show-bbox", d.Output.ShowBoundingBox, "Overlay: draw the bounding box")

	playCmd.MarkFlagRequired("reference")
	rootCmd.AddCommand(playCmd)
}

// runPlay wires worker, media sources, event consumers and the database around one session.
func runPlay(cmd *cobra.Command, opts PlayOptions) error {
	ctx := cmd.Context()

	cfg, err := validatePlayFlags(cmd, opts)
	if err != nil {
		utils.ShowError("Invalid play options", err, nil)
		return err
	}
	workerTimeout, _ := time.ParseDuration(opts.WorkerTimeout)

	// 1. Collaborators
	models := &workerPool{loader: worker.Loader{
		Python:      App.PythonBin,
		Script:      App.WorkerScript,
		ReadTimeout: workerTimeout,
		Debug:       opts.Debug,
	}}
	reference := media.NewFileSource(App.FFmpegBin, opts.ReferencePath, types.Reference)
	var performer *media.FFmpegSource
	if opts.PerformerPath != "" {
		performer = media.NewFileSource(App.FFmpegBin, opts.PerformerPath, types.Performer)
	} else {
		performer = media.NewCameraSource(App.FFmpegBin, cameraOptions(opts), types.Performer)
	}

	bus := events.NewBus(Log)
	driver, err := session.New(cfg, session.Options{
		Loader:    models.Load,
		Reference: reference,
		Performer: performer,
		Publisher: bus,
		Logger:    Log,
	})
	if err != nil {
		utils.ShowError("Could not create session", err, nil)
		return err
	}
	defer driver.Close()

	sessionID := uuid.MustParse(driver.ID())
	started := time.Now()
	if err := DB.CreateSession(ctx, store.Session{
		ID:              sessionID,
		ReferencePath:   opts.ReferencePath,
		Player:          opts.Player,
		Architecture:    cfg.Architecture,
		DurationSeconds: cfg.Duration.Seconds(),
		State:           session.Idle.String(),
		StartedAt:       started,
	}); err != nil {
		utils.ShowError("Failed to register session", err, nil)
		return err
	}

	// 2. Consumers. They outlive ctx so the final update of an interrupted session is still seen.
	consumers, stopConsumers := context.WithCancel(context.Background())
	defer stopConsumers()
	var wg sync.WaitGroup
	subscribe := func(name string, consume func(<-chan session.Update)) error {
		ch, err := bus.Subscribe(consumers)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			consume(ch)
		}()
		return nil
	}

	var samples []store.Sample
	if err := subscribe("recorder", func(ch <-chan session.Update) { samples = recordSamples(ch) }); err != nil {
		return err
	}
	if err := subscribe("console", func(ch <-chan session.Update) { renderConsole(ch, cfg.Duration) }); err != nil {
		return err
	}

	if opts.HUDAddr != "" {
		srv := hud.New(Log)
		srv.Attach(sessionID.String(), driver)
		if err := subscribe("hud", func(ch <-chan session.Update) { srv.Consume(consumers, ch) }); err != nil {
			return err
		}
		go func() {
			if err := srv.Listen(consumers, opts.HUDAddr); err != nil {
				Log.Error("HUD", "Overlay server stopped", map[string]interface{}{"error": err})
			}
		}()
		fmt.Fprintf(os.Stderr, "📺 Overlay at http://localhost%s/ws (snapshot: /api/sessions/%s)\n", opts.HUDAddr, sessionID)
		fmt.Fprintf(os.Stderr, "   Switch model: POST /api/sessions/%s/architecture {\"architecture\":\"1.01\"}\n", sessionID)
	}

	if opts.Redis {
		rdb, err := events.NewRedisClient(ctx, App.RedisURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Redis unavailable, continuing without it: %v\n", err)
		} else {
			defer rdb.Close()
			if err := subscribe("redis", func(ch <-chan session.Update) { events.ForwardToRedis(consumers, ch, rdb, Log) }); err != nil {
				return err
			}
		}
	}

	// 3. Play
	fmt.Fprintf(os.Stderr, "💃 Session %s\n", sessionID)
	describeReference(ctx, opts.ReferencePath, cfg.Duration)
	fmt.Fprintf(os.Stderr, "⚙️  Loading %s model and opening streams...\n", cfg.Architecture)
	runErr := driver.Run(ctx)
	closeErr := driver.Close()

	bus.Close()
	wg.Wait()

	// 4. Persist
	snap := driver.Snapshot()
	ended := snap.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	// ctx may be cancelled already; the record must still be written
	persistCtx := context.WithoutCancel(ctx)
	if err := DB.FinishSession(persistCtx, sessionID, snap.State.String(), snap.Score, snap.Ticks, snap.Message, ended); err != nil {
		utils.ShowError("Failed to save session result", err, nil)
	}
	if err := DB.InsertSamples(persistCtx, sessionID, samples); err != nil {
		utils.ShowError("Failed to save score timeline", err, nil)
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			fmt.Fprintln(os.Stderr, "\n🛑 Session interrupted.")
			return nil
		}
		utils.ShowError(snap.Message, runErr, models.lastCmd())
		if reference.Cmd != nil && reference.Cmd.Logs() != "" {
			utils.ShowError("Reference stream", nil, reference.Cmd)
		}
		if performer.Cmd != nil && performer.Cmd.Logs() != "" {
			utils.ShowError("Performer stream", nil, performer.Cmd)
		}
		return runErr
	}
	if closeErr != nil {
		Log.Warn("Play", "Cleanup incomplete", map[string]interface{}{"error": closeErr.Error()})
	}

	fmt.Fprintf(os.Stderr, "\n🏁 %s\n", snap.Message)
	fmt.Fprintf(os.Stderr, "   Frames scored: %d   Recorded: %s\n", snap.Ticks, fmtTime(cfg.Duration.Seconds()))
	return nil
}

// describeReference prints the reference clip's native rate and warns when
// it ends before the countdown. Probe failures are not fatal.
func describeReference(ctx context.Context, path string, duration time.Duration) {
	fps, err := utils.GetVideoFPS(ctx, path)
	if err != nil {
		Log.Debug("Play", "Could not probe reference", map[string]interface{}{"path": path, "error": err.Error()})
		return
	}
	length := utils.GetVideoDuration(ctx, path)
	fmt.Fprintf(os.Stderr, "🎞️  Reference: %s at %.2f fps\n", fmtTime(length), fps)
	if length > 0 && length < duration.Seconds() {
		fmt.Fprintf(os.Stderr, "⚠️  Reference is shorter than the session; its last frame is held for the remaining %s\n", fmtTime(duration.Seconds()-length))
	}
}

// workerPool hands out Python workers to the session and remembers the
// latest one so its crash logs can be shown.
type workerPool struct {
	loader worker.Loader
	nextID atomic.Int32

	mu   sync.Mutex
	last *worker.PoseWorker
}

func (p *workerPool) Load(ctx context.Context, architecture string) (session.Model, error) {
	id := int(p.nextID.Add(1))
	fmt.Fprintf(os.Stderr, "🚀 Starting pose engine %d (%s)...\n", id, architecture)
	w, err := p.loader.Load(ctx, id, architecture)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.last = w
	p.mu.Unlock()
	return w, nil
}

func (p *workerPool) lastCmd() *utils.SafeCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil
	}
	return p.last.Cmd
}

// recordSamples keeps one score sample per elapsed second of a running session.
func recordSamples(updates <-chan session.Update) []store.Sample {
	var samples []store.Sample
	next := 1.0
	for u := range updates {
		if u.State != session.Running.String() || u.Tick == 0 {
			continue
		}
		if u.ElapsedSeconds < next {
			continue
		}
		samples = append(samples, store.Sample{
			ElapsedSeconds: math.Floor(u.ElapsedSeconds),
			Score:          u.Score,
			MeanDeviation:  u.Step.MeanAbsDiff,
			MatchCount:     u.Step.MatchCount,
		})
		next = math.Floor(u.ElapsedSeconds) + 1
	}
	return samples
}

// renderConsole drives the countdown bar and the live score line.
func renderConsole(updates <-chan session.Update, duration time.Duration) {
	bar := progressbar.NewOptions(int(duration.Seconds()),
		progressbar.OptionSetDescription("⏳ Waiting for streams"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetElapsedTime(false),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
	for u := range updates {
		switch u.State {
		case session.Running.String():
			bar.Describe(scoreLine(u))
			bar.Set(int(u.ElapsedSeconds))
		case session.Expired.String():
			bar.Describe(scoreLine(u))
			bar.Finish()
		case session.Failed.String():
			bar.Exit()
		}
	}
}

var (
	gainColor    = color.New(color.FgGreen, color.Bold)
	lossColor    = color.New(color.FgRed)
	neutralColor = color.New(color.FgYellow)
)

// scoreLine renders the score, colored by whether the last frame earned or cost points.
func scoreLine(u session.Update) string {
	remaining := fmt.Sprintf("%2.0fs", math.Ceil(u.RemainingSeconds))
	switch {
	case !u.Step.Comparable:
		return fmt.Sprintf("💃 %s  %s", remaining, neutralColor.Sprintf("score %7.2f  (no pose)", u.Score))
	case u.Step.Delta >= 0:
		return fmt.Sprintf("💃 %s  %s", remaining, gainColor.Sprintf("score %7.2f  ▲ %4.1f°", u.Score, u.Step.MeanAbsDiff))
	default:
		return fmt.Sprintf("💃 %s  %s", remaining, lossColor.Sprintf("score %7.2f  ▼ %4.1f°", u.Score, u.Step.MeanAbsDiff))
	}
}

func cameraOptions(opts PlayOptions) media.CameraOptions {
	var w, h int
	fmt.Sscanf(opts.CameraSize, "%dx%d", &w, &h)
	device := opts.CameraDevice
	if device == "" {
		device = defaultCameraDevice()
	}
	return media.CameraOptions{
		Format:    App.CameraFormat,
		Device:    device,
		Width:     w,
		Height:    h,
		FrameRate: 30,
	}
}

func defaultCameraDevice() string {
	switch runtime.GOOS {
	case "darwin":
		return "0"
	case "windows":
		return "video=Integrated Camera"
	default:
		return "/dev/video0"
	}
}

// validatePlayFlags ensures all CLI arguments are valid before starting heavy processes.
func validatePlayFlags(cmd *cobra.Command, opts PlayOptions) (config.Session, error) {
	for _, path := range []string{opts.ReferencePath, opts.PerformerPath} {
		if path == "" {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			return config.Session{}, fmt.Errorf("cannot access %s: %w", path, err)
		}
		if info.IsDir() {
			return config.Session{}, fmt.Errorf("%s is a directory, expected a video file", path)
		}
	}
	if _, err := time.ParseDuration(opts.WorkerTimeout); err != nil {
		return config.Session{}, fmt.Errorf("invalid worker-timeout %q (use '10s', '500ms'): %w", opts.WorkerTimeout, err)
	}
	if opts.CameraSize != "" {
		var w, h int
		if n, _ := fmt.Sscanf(opts.CameraSize, "%dx%d", &w, &h); n != 2 || w <= 0 || h <= 0 {
			return config.Session{}, fmt.Errorf("invalid camera-size %q, expected WIDTHxHEIGHT", opts.CameraSize)
		}
	}

	cfg := config.DefaultSession()
	if err := cfg.ApplyEnv(); err != nil {
		return config.Session{}, err
	}

	// Explicit flags win over the environment
	set := func(name string) bool { return cmd != nil && cmd.Flags().Changed(name) }
	if set("architecture") || os.Getenv("GROOVE_ARCHITECTURE") == "" {
		cfg.Architecture = opts.Architecture
	}
	if set("duration") || os.Getenv("GROOVE_DURATION") == "" {
		d, err := time.ParseDuration(opts.Duration)
		if err != nil {
			return config.Session{}, fmt.Errorf("invalid duration %q (use '60s', '2m'): %w", opts.Duration, err)
		}
		cfg.Duration = d
	}
	if set("min-pose-confidence") || os.Getenv("GROOVE_MIN_POSE_CONFIDENCE") == "" {
		cfg.MinPoseConfidence = opts.MinPoseConfidence
	}
	if set("min-part-confidence") || os.Getenv("GROOVE_MIN_PART_CONFIDENCE") == "" {
		cfg.MinPartConfidence = opts.MinPartConfidence
	}
	if set("kernel") || os.Getenv("GROOVE_KERNEL") == "" {
		cfg.Scoring.Kernel = opts.Kernel
	}
	cfg.OutputStride = opts.OutputStride
	cfg.ImageScaleFactor = opts.ImageScaleFactor
	cfg.TickRate = opts.TickRate
	cfg.Parallel = opts.Parallel
	cfg.FlipPerformer = !opts.NoFlip
	cfg.Output = opts.Output

	if err := cfg.Validate(); err != nil {
		return config.Session{}, err
	}
	return cfg, nil
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
