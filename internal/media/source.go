// Package media acquires frames for the two session streams through ffmpeg.
package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/andresmejia3/groove/internal/types"
	"github.com/andresmejia3/groove/internal/utils"
)

const megabyte = 1024 * 1024

var (
	// ErrSourceClosed is returned by Frame after Close.
	ErrSourceClosed = errors.New("media source is closed")
	// ErrNoFrame is returned by Frame before the first frame was decoded.
	ErrNoFrame = errors.New("media source has not produced a frame yet")
	// ErrStreamEnded reports a live capture whose ffmpeg output stopped.
	ErrStreamEnded = errors.New("live stream ended")
)

// FFmpegSource decodes a file or capture device to MJPEG and keeps the most
// recent frame available for the session tick.
type FFmpegSource struct {
	stream types.StreamID
	bin    string
	args   []string
	// live sources cannot hold their last frame once ffmpeg stops
	live bool

	Cmd    *utils.SafeCommand
	cancel context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	latest   types.Frame
	hasFrame bool
	paused   bool
	closed   bool
	started  bool
	err      error

	ready chan struct{}
	done  chan struct{}
}

func newSource(stream types.StreamID, bin string, args []string) *FFmpegSource {
	s := &FFmpegSource{
		stream: stream,
		bin:    bin,
		args:   args,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// NewFileSource plays a local media file at its native frame rate.
func NewFileSource(ffmpegBin, path string, stream types.StreamID) *FFmpegSource {
	return newSource(stream, ffmpegBin, []string{
		"-hide_banner", "-loglevel", "error",
		"-re", "-i", path,
		"-an", "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-",
	})
}

// CameraOptions selects a capture device for NewCameraSource.
type CameraOptions struct {
	Format    string // v4l2, avfoundation, dshow
	Device    string // /dev/video0, "0", video="Integrated Camera"
	Width     int
	Height    int
	FrameRate int
}

// NewCameraSource captures from a live camera device.
func NewCameraSource(ffmpegBin string, opts CameraOptions, stream types.StreamID) *FFmpegSource {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", opts.Format}
	if opts.Width > 0 && opts.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", opts.Width, opts.Height))
	}
	if opts.FrameRate > 0 {
		args = append(args, "-framerate", strconv.Itoa(opts.FrameRate))
	}
	args = append(args, "-i", opts.Device, "-an", "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
	s := newSource(stream, ffmpegBin, args)
	s.live = true
	return s
}

// Stream identifies which session stream this source feeds.
func (s *FFmpegSource) Stream() types.StreamID {
	return s.stream
}

// Args exposes the ffmpeg argument list.
func (s *FFmpegSource) Args() []string {
	return s.args
}

// Open starts decoding and blocks until the first frame is available.
func (s *FFmpegSource) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("%s source already opened", s.stream)
	}
	s.mu.Unlock()

	// The process outlives Open's ctx; Close cancels it
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.Cmd = utils.NewSafeCommand(runCtx, s.bin, s.args...)

	out, err := s.Cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create ffmpeg stdout pipe: %w", err)
	}
	if err := s.Cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start ffmpeg for %s stream: %w", s.stream, err)
	}

	s.startReader(out)
	return s.awaitFirstFrame(ctx)
}

func (s *FFmpegSource) startReader(r io.Reader) {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	go s.readLoop(r)
}

func (s *FFmpegSource) awaitFirstFrame(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		s.mu.Lock()
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		if logs := s.Cmd.Logs(); logs != "" {
			return fmt.Errorf("%s stream ended before its first frame: %w (%s)", s.stream, err, logs)
		}
		return fmt.Errorf("%s stream ended before its first frame: %w", s.stream, err)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *FFmpegSource) readLoop(r io.Reader) {
	defer close(s.done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	index := 0
	for scanner.Scan() {
		// Paused: stop draining so ffmpeg blocks on the pipe
		s.mu.Lock()
		for s.paused && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		buf := make([]byte, len(scanner.Bytes()))
		copy(buf, scanner.Bytes())
		index++

		s.mu.Lock()
		first := !s.hasFrame
		s.latest = types.Frame{Stream: s.stream, Index: index, Data: buf}
		s.hasFrame = true
		s.mu.Unlock()

		if first {
			close(s.ready)
		}
	}

	s.mu.Lock()
	s.err = scanner.Err()
	if s.err == nil && s.live && !s.closed {
		s.err = ErrStreamEnded
	}
	s.mu.Unlock()
}

// Err reports why the source stopped producing frames: a read failure, or
// the end of a live capture. It is nil while frames can still arrive and
// for a file that simply reached its end.
func (s *FFmpegSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Frame returns the most recent decoded frame. A file source that reached its
// end keeps returning its last frame; a live source fails instead.
func (s *FFmpegSource) Frame() (types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.Frame{}, ErrSourceClosed
	}
	if s.err != nil {
		return types.Frame{}, fmt.Errorf("%s stream failed: %w", s.stream, s.err)
	}
	if !s.hasFrame {
		return types.Frame{}, ErrNoFrame
	}
	return s.latest, nil
}

// Pause stops consuming frames.
func (s *FFmpegSource) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Play resumes consuming frames.
func (s *FFmpegSource) Play() {
	s.mu.Lock()
	s.paused = false
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Close stops ffmpeg and releases the reader.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.cond.Broadcast()
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if !started {
		return nil
	}
	<-s.done
	if s.Cmd != nil && s.Cmd.Process != nil {
		// Killed by cancel: the exit status carries no information
		_ = s.Cmd.Wait()
	}
	return nil
}
