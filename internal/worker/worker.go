package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/groove/internal/types"
	"github.com/andresmejia3/groove/internal/utils" // Using the SafeCommand wrapper
)

// maxMessageSize guards against a corrupted length header allocating gigabytes.
const maxMessageSize = 64 * 1024 * 1024

// ErrWorkerClosed is returned by calls made after Dispose.
var ErrWorkerClosed = errors.New("pose worker is closed")

// Loader spawns pose-estimation workers for a given model architecture.
type Loader struct {
	Python      string
	Script      string
	ReadTimeout time.Duration // per-estimate budget
	LoadTimeout time.Duration // model download + warmup budget
	Debug       bool
}

// PoseWorker is one Python process holding a loaded pose model.
// Requests are serialized: the process handles a single frame at a time.
type PoseWorker struct {
	ID           int
	Architecture string
	Cmd          *utils.SafeCommand
	Stdin        io.WriteCloser
	DataPipe     io.ReadCloser
	ReadTimeout  time.Duration

	mu     sync.Mutex
	closed bool
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Load starts a worker and waits until it reports the model as ready.
func (l Loader) Load(ctx context.Context, id int, architecture string) (*PoseWorker, error) {
	args := []string{"-u", l.Script, "--architecture", architecture}
	if l.Debug {
		args = append(args, "--debug")
	}
	py := utils.NewSafeCommand(ctx, l.Python, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	pw := &PoseWorker{
		ID:           id,
		Architecture: architecture,
		Cmd:          py,
		Stdin:        stdin,
		DataPipe:     r,
		ReadTimeout:  l.ReadTimeout,
	}

	timeout := l.LoadTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if err := pw.awaitReady(ctx, timeout); err != nil {
		pw.Dispose()
		return nil, err
	}
	return pw, nil
}

func (w *PoseWorker) awaitReady(ctx context.Context, timeout time.Duration) error {
	w.setDeadline(ctx, timeout)
	body, err := w.readMessage()
	if err != nil {
		return fmt.Errorf("worker %d never became ready: %w", w.ID, err)
	}
	var ready types.ReadyResult
	if err := json.Unmarshal(body, &ready); err != nil {
		return fmt.Errorf("worker %d sent a malformed handshake: %w", w.ID, err)
	}
	if ready.Error != "" {
		return fmt.Errorf("python worker error: %s", ready.Error)
	}
	if !ready.Ready {
		return fmt.Errorf("worker %d refused to load architecture %s", w.ID, w.Architecture)
	}
	return nil
}

// EstimateSinglePose sends one frame to the model and decodes the resulting pose.
func (w *PoseWorker) EstimateSinglePose(ctx context.Context, frame types.Frame, opts types.EstimateOptions) (types.Pose, error) {
	if err := ctx.Err(); err != nil {
		return types.Pose{}, err
	}
	header, err := json.Marshal(opts)
	if err != nil {
		return types.Pose{}, err
	}

	resp, err := w.Communicate(ctx, header, frame.Data)
	if err != nil {
		return types.Pose{}, err
	}

	var errorResult types.ErrorResult
	if json.Unmarshal(resp, &errorResult) == nil && errorResult.Error != "" {
		return types.Pose{}, fmt.Errorf("python worker error: %s", errorResult.Error)
	}

	var p types.Pose
	if err := json.Unmarshal(resp, &p); err != nil {
		return types.Pose{}, fmt.Errorf("worker %d returned malformed pose: %w", w.ID, err)
	}
	return p, nil
}

// Communicate performs one request/response exchange.
// Protocol: [HeaderLen][Header][DataLen][Data] -> [Length][Body]
func (w *PoseWorker) Communicate(ctx context.Context, header, data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWorkerClosed
	}

	if err := writeChunk(w.Stdin, header); err != nil {
		return nil, err
	}
	if err := writeChunk(w.Stdin, data); err != nil {
		return nil, err
	}

	w.setDeadline(ctx, w.ReadTimeout)
	return w.readMessage()
}

func writeChunk(out io.Writer, b []byte) error {
	if err := binary.Write(out, binary.BigEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := out.Write(b)
	return err
}

func (w *PoseWorker) readMessage() ([]byte, error) {
	// Read Result from our clean DataPipe, so no Magic Byte is needed.
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxMessageSize {
		return nil, fmt.Errorf("worker %d response too large: %d bytes", w.ID, respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// setDeadline bounds the next read by timeout or the context deadline, whichever is sooner.
func (w *PoseWorker) setDeadline(ctx context.Context, timeout time.Duration) {
	d, ok := w.DataPipe.(deadliner)
	if !ok {
		return
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if cd, ok := ctx.Deadline(); ok && (deadline.IsZero() || cd.Before(deadline)) {
		deadline = cd
	}
	_ = d.SetReadDeadline(deadline)
}

// Dispose releases the model: closes the pipes and reaps the process.
func (w *PoseWorker) Dispose() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		// Closing stdin is the shutdown signal; a non-zero exit here is expected noise
		_ = w.Cmd.Wait()
	}
	return nil
}
