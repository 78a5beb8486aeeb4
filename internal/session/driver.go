package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/andresmejia3/groove/internal/config"
	"github.com/andresmejia3/groove/internal/logger"
	"github.com/andresmejia3/groove/internal/pose"
	"github.com/andresmejia3/groove/internal/score"
	"github.com/andresmejia3/groove/internal/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotRunning     = errors.New("session is not running")
	ErrAlreadyStarted = errors.New("session already started")
)

// Options wires a Driver to its collaborators.
type Options struct {
	ID        string
	Clock     Clock
	Loader    ModelLoader
	Reference Source
	Performer Source
	Publisher Publisher
	Logger    logger.Logger
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Update) error { return nil }

// Driver owns one session record and advances it tick by tick.
type Driver struct {
	cfg     config.Session
	id      string
	clock   Clock
	loader  ModelLoader
	sources [2]Source
	pub     Publisher
	log     logger.Logger
	integ   *score.Integrator

	// tickMu serializes Start, Tick and architecture swaps
	tickMu sync.Mutex
	// models[0] serves the reference stream; models[1] the performer in parallel mode
	models []Model

	mu          sync.Mutex
	state       State
	arch        string
	pendingArch string
	ticks       int
	score       float64
	lastStep    score.Step
	message     string
	deadline    time.Time
	startedAt   time.Time
	endedAt     time.Time
	released    bool
}

// New validates cfg and builds an idle session.
func New(cfg config.Session, opts Options) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Loader == nil {
		return nil, errors.New("session needs a model loader")
	}
	if opts.Reference == nil || opts.Performer == nil {
		return nil, errors.New("session needs a reference and a performer source")
	}
	integ, err := score.New(cfg.Scoring)
	if err != nil {
		return nil, err
	}

	d := &Driver{
		cfg:     cfg,
		id:      opts.ID,
		clock:   opts.Clock,
		loader:  opts.Loader,
		sources: [2]Source{opts.Reference, opts.Performer},
		pub:     opts.Publisher,
		log:     opts.Logger,
		integ:   integ,
		state:   Idle,
		arch:    cfg.Architecture,
		score:   cfg.Scoring.Baseline,
	}
	if d.id == "" {
		d.id = uuid.NewString()
	}
	if d.clock == nil {
		d.clock = systemClock{}
	}
	if d.pub == nil {
		d.pub = nopPublisher{}
	}
	if d.log == nil {
		d.log = logger.NewNop()
	}
	return d, nil
}

func (d *Driver) ID() string { return d.id }

// Start loads the model and opens both streams. Any failure moves the
// session to Failed and releases whatever was acquired.
func (d *Driver) Start(ctx context.Context) error {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	d.mu.Lock()
	if d.state != Idle {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.state = Loading
	if d.pendingArch != "" {
		d.arch, d.pendingArch = d.pendingArch, ""
	}
	arch := d.arch
	d.mu.Unlock()

	d.log.Info("Session", "Loading session", map[string]interface{}{"session_id": d.id, "architecture": arch, "parallel": d.cfg.Parallel})
	d.publish(ctx, d.update(d.clock.Now(), StreamView{}, StreamView{}))

	if err := d.loadModels(ctx, arch); err != nil {
		return d.fail(ctx, "Could not load the pose model", err)
	}
	for _, src := range d.sources {
		if err := src.Open(ctx); err != nil {
			return d.fail(ctx, fmt.Sprintf("Could not open the %s stream", src.Stream()), err)
		}
	}

	now := d.clock.Now()
	d.integ.Reset(now)
	for _, src := range d.sources {
		src.Play()
	}

	d.mu.Lock()
	d.state = Running
	d.startedAt = now
	d.deadline = now.Add(d.cfg.Duration)
	d.score = d.integ.State().Score
	d.mu.Unlock()

	d.log.Info("Session", "Session running", map[string]interface{}{"session_id": d.id, "duration": d.cfg.Duration.String()})
	d.publish(ctx, d.update(now, StreamView{}, StreamView{}))
	return nil
}

// Tick processes one frame pair. It returns false once the session has
// reached a terminal state.
func (d *Driver) Tick(ctx context.Context) (bool, error) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	d.mu.Lock()
	state := d.state
	deadline := d.deadline
	d.mu.Unlock()
	if state.Terminal() {
		return false, nil
	}
	if state != Running {
		return false, ErrNotRunning
	}

	if !d.clock.Now().Before(deadline) {
		d.expire(ctx)
		return false, nil
	}

	if err := d.applyPendingArchitecture(ctx); err != nil {
		return false, err
	}

	for _, src := range d.sources {
		if err := src.Err(); err != nil {
			return false, d.fail(ctx, fmt.Sprintf("Lost the %s stream", src.Stream()), err)
		}
	}

	ref, perf, err := d.estimate(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, d.fail(ctx, "Session interrupted", ctx.Err())
		}
		return false, d.fail(ctx, "Pose estimation failed", err)
	}

	now := d.clock.Now()
	// Inference can outlast the countdown; such frames no longer count
	if !now.Before(deadline) {
		d.expire(ctx)
		return false, nil
	}

	res := pose.Compare(ref.Angles, perf.Angles)
	step := d.integ.Update(res, now)

	d.mu.Lock()
	d.ticks++
	d.lastStep = step
	d.score = step.Score
	d.mu.Unlock()

	d.publish(ctx, d.update(now, ref, perf))
	return true, nil
}

// Run starts the session if needed and ticks at the configured rate until
// the countdown expires, an error occurs or ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	d.mu.Lock()
	idle := d.state == Idle
	d.mu.Unlock()
	if idle {
		if err := d.Start(ctx); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(time.Duration(float64(time.Second) / d.cfg.TickRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Abort(ctx, "Session interrupted")
			return ctx.Err()
		case <-ticker.C:
			more, err := d.Tick(ctx)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
	}
}

// Abort fails a session that has not yet finished.
func (d *Driver) Abort(ctx context.Context, reason string) {
	_ = d.fail(ctx, reason, errors.New("aborted"))
}

// RequestArchitecture schedules a model swap, applied at the start of the
// next tick.
func (d *Driver) RequestArchitecture(arch string) error {
	if !slices.Contains(config.Architectures, arch) {
		return fmt.Errorf("unknown architecture %q (valid: %v)", arch, config.Architectures)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state.Terminal() {
		return fmt.Errorf("session is %s", d.state)
	}
	d.pendingArch = arch
	return nil
}

// Snapshot returns a copy of the session record.
func (d *Driver) Snapshot() Snapshot {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	return Snapshot{
		ID:           d.id,
		State:        d.state,
		Architecture: d.arch,
		Score:        d.score,
		Ticks:        d.ticks,
		Remaining:    d.remaining(now),
		LastStep:     d.lastStep,
		Message:      d.message,
		StartedAt:    d.startedAt,
		EndedAt:      d.endedAt,
	}
}

// Close releases the model and both sources. It is safe to call more than once.
func (d *Driver) Close() error {
	return d.release()
}

func (d *Driver) loadModels(ctx context.Context, arch string) error {
	n := 1
	if d.cfg.Parallel {
		n = 2
	}
	models := make([]Model, 0, n)
	for i := 0; i < n; i++ {
		m, err := d.loader(ctx, arch)
		if err != nil {
			for _, loaded := range models {
				loaded.Dispose()
			}
			return err
		}
		models = append(models, m)
	}
	d.mu.Lock()
	d.models = models
	d.mu.Unlock()
	return nil
}

func (d *Driver) disposeModels() error {
	d.mu.Lock()
	models := d.models
	d.models = nil
	d.mu.Unlock()

	var errs []error
	for _, m := range models {
		if err := m.Dispose(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Driver) applyPendingArchitecture(ctx context.Context) error {
	d.mu.Lock()
	next, current := d.pendingArch, d.arch
	d.pendingArch = ""
	d.mu.Unlock()
	if next == "" || next == current {
		return nil
	}

	d.log.Info("Session", "Switching model architecture", map[string]interface{}{"session_id": d.id, "from": current, "to": next})
	// The old model is released before the new one is loaded
	if err := d.disposeModels(); err != nil {
		d.log.Warn("Session", "Dispose of previous model failed", map[string]interface{}{"error": err.Error()})
	}
	if err := d.loadModels(ctx, next); err != nil {
		return d.fail(ctx, fmt.Sprintf("Could not load the %s model", next), err)
	}

	d.mu.Lock()
	d.arch = next
	d.mu.Unlock()
	return nil
}

func (d *Driver) estimate(ctx context.Context) (StreamView, StreamView, error) {
	d.mu.Lock()
	models := d.models
	d.mu.Unlock()
	if len(models) == 0 {
		return StreamView{}, StreamView{}, errors.New("no model loaded")
	}

	var ref, perf StreamView
	if len(models) == 1 {
		var err error
		if ref, err = d.view(ctx, models[0], d.sources[0]); err != nil {
			return ref, perf, err
		}
		perf, err = d.view(ctx, models[0], d.sources[1])
		return ref, perf, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		ref, err = d.view(gctx, models[0], d.sources[0])
		return err
	})
	g.Go(func() error {
		var err error
		perf, err = d.view(gctx, models[1], d.sources[1])
		return err
	})
	err := g.Wait()
	return ref, perf, err
}

// view estimates the pose in a stream's current frame. A stream without a
// frame, or a pose below the confidence floor, yields an empty angle set.
func (d *Driver) view(ctx context.Context, m Model, src Source) (StreamView, error) {
	v := StreamView{Stream: src.Stream().String()}

	frame, err := src.Frame()
	if err != nil {
		d.log.Debug("Session", "No frame available", map[string]interface{}{"stream": v.Stream, "error": err.Error()})
		return v, nil
	}
	v.Frame = frame.Index

	opts := types.EstimateOptions{
		ImageScaleFactor: d.cfg.ImageScaleFactor,
		FlipHorizontal:   src.Stream() == types.Performer && d.cfg.FlipPerformer,
		OutputStride:     d.cfg.OutputStride,
	}
	p, err := m.EstimateSinglePose(ctx, frame, opts)
	if err != nil {
		return v, fmt.Errorf("%s stream: %w", v.Stream, err)
	}
	v.PoseScore = p.Score
	v.Keypoints = p.Keypoints
	if p.Score < d.cfg.MinPoseConfidence {
		return v, nil
	}
	v.Angles = pose.ExtractAngles(p.Keypoints, d.cfg.MinPartConfidence)
	return v, nil
}

func (d *Driver) expire(ctx context.Context) {
	d.mu.Lock()
	if d.state.Terminal() {
		d.mu.Unlock()
		return
	}
	d.state = Expired
	d.endedAt = d.clock.Now()
	d.message = fmt.Sprintf("Game Over! Your score is %.1f", d.score)
	finalScore := d.score
	d.mu.Unlock()

	for _, src := range d.sources {
		src.Pause()
	}
	d.log.Info("Session", "Session expired", map[string]interface{}{"session_id": d.id, "score": finalScore})
	d.publish(context.WithoutCancel(ctx), d.update(d.clock.Now(), StreamView{}, StreamView{}))
}

// fail moves a non-terminal session to Failed, releases resources and
// publishes the final update. It returns cause wrapped with msg.
func (d *Driver) fail(ctx context.Context, msg string, cause error) error {
	err := fmt.Errorf("%s: %w", msg, cause)

	d.mu.Lock()
	if d.state.Terminal() {
		d.mu.Unlock()
		return err
	}
	d.state = Failed
	d.endedAt = d.clock.Now()
	d.message = msg
	d.mu.Unlock()

	d.log.Error("Session", msg, map[string]interface{}{"session_id": d.id, "error": cause})
	if rerr := d.release(); rerr != nil {
		d.log.Warn("Session", "Release after failure incomplete", map[string]interface{}{"error": rerr.Error()})
	}
	d.publish(context.WithoutCancel(ctx), d.update(d.clock.Now(), StreamView{}, StreamView{}))
	return err
}

func (d *Driver) release() error {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return nil
	}
	d.released = true
	d.mu.Unlock()

	errs := []error{d.disposeModels()}
	for _, src := range d.sources {
		errs = append(errs, src.Close())
	}
	return errors.Join(errs...)
}

// remaining must be called with d.mu held.
func (d *Driver) remaining(now time.Time) time.Duration {
	switch {
	case d.state == Idle || d.state == Loading:
		return d.cfg.Duration
	case d.state.Terminal():
		return 0
	}
	if r := d.deadline.Sub(now); r > 0 {
		return r
	}
	return 0
}

func (d *Driver) update(now time.Time, ref, perf StreamView) Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	var elapsed time.Duration
	if !d.startedAt.IsZero() {
		elapsed = now.Sub(d.startedAt)
		if d.cfg.Duration < elapsed {
			elapsed = d.cfg.Duration
		}
	}
	return Update{
		SessionID:        d.id,
		State:            d.state.String(),
		Architecture:     d.arch,
		Tick:             d.ticks,
		Score:            d.score,
		Step:             d.lastStep,
		ElapsedSeconds:   elapsed.Seconds(),
		RemainingSeconds: d.remaining(now).Seconds(),
		Reference:        ref,
		Performer:        perf,
		Output:           d.cfg.Output,
		Message:          d.message,
		At:               now,
	}
}

func (d *Driver) publish(ctx context.Context, u Update) {
	if err := d.pub.Publish(ctx, u); err != nil {
		d.log.Warn("Session", "Publish failed", map[string]interface{}{"session_id": d.id, "error": err.Error()})
	}
}
