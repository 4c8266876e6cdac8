// internal/recording/recorder.go
package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/config"
)

var (
	ErrAlreadyRecording = errors.New("a recording is already in progress")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrStaleRecording   = errors.New("recording id does not match the current recording")
	ErrStartAborted     = errors.New("recording start was aborted by a stop")
)

// State is the recorder lifecycle state.
type State string

const (
	StateIdle          State = "idle"
	StateRequestingMic State = "requestingMic"
	StateRecording     State = "recording"
	StateStopping      State = "stopping"
)

// AutoStopReason says why the detector asked for a stop.
type AutoStopReason string

const (
	ReasonSilence AutoStopReason = "silence"
	ReasonSegment AutoStopReason = "segment"
)

// AutoStop is raised at most once per recording.
type AutoStop struct {
	RecordingID string         `json:"recordingId"`
	Reason      AutoStopReason `json:"reason"`
}

// StartOptions configure one recording.
type StartOptions struct {
	// RecordingID is minted when empty.
	RecordingID string
	// AutoStop enables the silence detector.
	AutoStop bool
	// MaxDuration, when positive, raises an auto-stop once the recording is that long.
	MaxDuration time.Duration
}

// Capture is the result of a stopped recording.
type Capture struct {
	RecordingID string        `json:"recordingId"`
	AudioData   string        `json:"audioData"`
	Samples     int           `json:"samples"`
	Duration    time.Duration `json:"duration"`
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithAutoStopHandler sets the function called when the detector fires. It
// runs on the detector goroutine after detection has ended, so it may call Stop.
func WithAutoStopHandler(fn func(AutoStop)) Option {
	return func(r *Recorder) { r.onAutoStop = fn }
}

// WithIDGenerator replaces uuid generation for recording ids.
func WithIDGenerator(fn func() string) Option {
	return func(r *Recorder) { r.newID = fn }
}

// Recorder owns the microphone. One recording runs at a time and every
// operation is fenced by its recording id.
type Recorder struct {
	logger     *zap.Logger
	cfg        config.RecordingConfig
	source     AudioSource
	onAutoStop func(AutoStop)
	newID      func() string

	mu          sync.Mutex
	state       State
	id          string
	stream      io.ReadCloser
	samples     []int16
	started     time.Time
	abortOpen   context.CancelFunc
	detectorEnd chan struct{}
	loops       sync.WaitGroup
	inflight    *pendingStop
}

type pendingStop struct {
	done    chan struct{}
	capture *Capture
}

// NewRecorder creates an idle Recorder.
func NewRecorder(cfg config.RecordingConfig, source AudioSource, logger *zap.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		logger: logger.Named("recorder"),
		cfg:    cfg,
		source: source,
		newID:  uuid.NewString,
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Status returns the current state and recording id.
func (r *Recorder) Status() (State, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.id
}

// IsCurrent reports whether id is the live recording and no stop is in flight.
func (r *Recorder) IsCurrent(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return id != "" && id == r.id && r.state == StateRecording
}

// Start opens the microphone and begins capturing. It returns the recording id.
func (r *Recorder) Start(ctx context.Context, opts StartOptions) (string, error) {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return "", ErrAlreadyRecording
	}
	id := opts.RecordingID
	if id == "" {
		id = r.newID()
	}
	openCtx, cancel := context.WithCancel(ctx)
	r.state = StateRequestingMic
	r.id = id
	r.abortOpen = cancel
	r.mu.Unlock()

	stream, err := r.source.Open(openCtx)
	cancel()

	r.mu.Lock()
	if r.id != id || r.state != StateRequestingMic {
		r.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		r.logger.Debug("Start aborted before the microphone opened.", zap.String("recording_id", id))
		return "", ErrStartAborted
	}
	if err != nil {
		r.reset()
		r.mu.Unlock()
		if stream != nil {
			_ = stream.Close()
		}
		r.logger.Warn("Could not open the microphone.", zap.String("recording_id", id), zap.Error(err))
		return "", fmt.Errorf("failed to open microphone: %w", err)
	}

	r.state = StateRecording
	r.stream = stream
	r.samples = nil
	r.started = time.Now()
	r.abortOpen = nil
	r.detectorEnd = make(chan struct{})

	r.loops.Add(1)
	go r.capture(stream)
	if opts.AutoStop || opts.MaxDuration > 0 {
		r.loops.Add(1)
		go r.detect(id, opts, r.detectorEnd)
	}
	r.mu.Unlock()

	r.logger.Info("Recording started.",
		zap.String("recording_id", id),
		zap.Bool("auto_stop", opts.AutoStop),
		zap.Duration("max_duration", opts.MaxDuration))
	return id, nil
}

// Stop ends the recording and returns its audio. An empty id stops whatever
// is current; any other id must match. Concurrent stops share one result.
func (r *Recorder) Stop(ctx context.Context, id string) (*Capture, error) {
	r.mu.Lock()
	if r.state == StateIdle {
		r.mu.Unlock()
		return nil, ErrNotRecording
	}
	if id != "" && id != r.id {
		r.mu.Unlock()
		return nil, ErrStaleRecording
	}
	id = r.id

	switch r.state {
	case StateRequestingMic:
		if r.abortOpen != nil {
			r.abortOpen()
		}
		r.reset()
		r.mu.Unlock()
		return &Capture{RecordingID: id, AudioData: DataURL(wavMIME, EncodeWAV(nil, r.cfg.SampleRate))}, nil

	case StateStopping:
		p := r.inflight
		r.mu.Unlock()
		select {
		case <-p.done:
			return p.capture, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p := &pendingStop{done: make(chan struct{})}
	r.inflight = p
	r.state = StateStopping
	stream := r.stream
	close(r.detectorEnd)
	r.mu.Unlock()

	_ = stream.Close()
	r.loops.Wait()

	r.mu.Lock()
	samples := r.samples
	duration := time.Since(r.started)
	r.reset()
	r.mu.Unlock()

	p.capture = &Capture{
		RecordingID: id,
		AudioData:   DataURL(wavMIME, EncodeWAV(samples, r.cfg.SampleRate)),
		Samples:     len(samples),
		Duration:    duration,
	}
	close(p.done)

	r.logger.Info("Recording stopped.",
		zap.String("recording_id", id),
		zap.Int("samples", len(samples)),
		zap.Duration("duration", duration))
	return p.capture, nil
}

// Close stops any recording and releases the microphone.
func (r *Recorder) Close() error {
	_, err := r.Stop(context.Background(), "")
	if errors.Is(err, ErrNotRecording) {
		return nil
	}
	return err
}

// reset returns to idle. Callers hold r.mu.
func (r *Recorder) reset() {
	r.state = StateIdle
	r.id = ""
	r.stream = nil
	r.samples = nil
	r.abortOpen = nil
	r.inflight = nil
}

// capture appends decoded samples until the stream ends.
func (r *Recorder) capture(stream io.Reader) {
	defer r.loops.Done()
	buf := make([]byte, 4096)
	var carry []byte
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			whole := len(data) &^ 1
			chunk := make([]int16, whole/2)
			for i := range chunk {
				chunk[i] = int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
			}
			carry = append([]byte(nil), data[whole:]...)

			r.mu.Lock()
			r.samples = append(r.samples, chunk...)
			r.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Debug("Capture stream ended.", zap.Error(err))
			}
			return
		}
	}
}

// detect raises a single auto-stop when the latest window stays below the
// silence threshold long enough or the segment limit is reached.
func (r *Recorder) detect(id string, opts StartOptions, end <-chan struct{}) {
	interval := r.cfg.AnalysisInterval
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	var silentSince time.Time
	var fired *AutoStop

	func() {
		defer r.loops.Done()
		for {
			select {
			case <-end:
				return
			case now := <-ticker.C:
				if opts.MaxDuration > 0 && now.Sub(start) >= opts.MaxDuration {
					fired = &AutoStop{RecordingID: id, Reason: ReasonSegment}
					return
				}
				if !opts.AutoStop {
					continue
				}
				if r.windowRMS() >= r.cfg.SilenceThreshold {
					silentSince = time.Time{}
					continue
				}
				if silentSince.IsZero() {
					silentSince = now
				} else if now.Sub(silentSince) >= r.cfg.SilenceDuration {
					fired = &AutoStop{RecordingID: id, Reason: ReasonSilence}
					return
				}
			}
		}
	}()

	if fired == nil {
		return
	}
	r.logger.Debug("Auto-stop detected.", zap.String("recording_id", id), zap.String("reason", string(fired.Reason)))
	if r.onAutoStop != nil {
		r.onAutoStop(*fired)
	}
}

func (r *Recorder) windowRMS() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	window := r.samples
	if n := r.cfg.AnalysisWindow; n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}
	return RMS(window)
}
