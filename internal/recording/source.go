// internal/recording/source.go
package recording

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrMicUnavailable is returned when the capture device cannot be opened.
var ErrMicUnavailable = errors.New("microphone unavailable")

// AudioSource opens the microphone. The returned stream yields raw
// little-endian signed 16-bit mono PCM until it is closed.
type AudioSource interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// CommandSource captures audio by running an external recorder such as
// arecord or ffmpeg and reading its stdout.
type CommandSource struct {
	logger  *zap.Logger
	command []string
}

// NewCommandSource creates a CommandSource for the given argv.
func NewCommandSource(command []string, logger *zap.Logger) *CommandSource {
	return &CommandSource{logger: logger.Named("audio_source"), command: command}
}

func (s *CommandSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if len(s.command) == 0 {
		return nil, fmt.Errorf("%w: no capture command configured", ErrMicUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The process outlives ctx; it is stopped by Close.
	cmd := exec.Command(s.command[0], s.command[1:]...)
	stderr := &tailBuffer{limit: 2048}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMicUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMicUnavailable, err)
	}
	s.logger.Debug("Capture process started.", zap.String("command", s.command[0]), zap.Int("pid", cmd.Process.Pid))
	return &commandStream{ReadCloser: stdout, cmd: cmd, stderr: stderr, logger: s.logger}, nil
}

type commandStream struct {
	io.ReadCloser
	cmd    *exec.Cmd
	stderr *tailBuffer
	logger *zap.Logger
	once   sync.Once
}

func (c *commandStream) Close() error {
	c.once.Do(func() {
		_ = c.cmd.Process.Kill()
		_ = c.ReadCloser.Close()
		err := c.cmd.Wait()
		if msg := strings.TrimSpace(c.stderr.String()); msg != "" {
			c.logger.Debug("Capture process exited.", zap.Error(err), zap.String("stderr", msg))
		}
	})
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// MemorySource serves fixed samples, then idles like a silent open
// microphone until the stream is closed. It counts opens and closes.
type MemorySource struct {
	// Samples are delivered as soon as the stream is read.
	Samples []int16
	// Err, when set, is returned by Open.
	Err error
	// Gate, when set, blocks Open until it is closed, ignoring ctx.
	Gate chan struct{}

	mu     sync.Mutex
	opened int
	closed int
}

func (m *MemorySource) Open(ctx context.Context) (io.ReadCloser, error) {
	if m.Gate != nil {
		<-m.Gate
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}

	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, m.Samples)

	m.mu.Lock()
	m.opened++
	m.mu.Unlock()
	return &memStream{src: m, data: buf.Bytes(), done: make(chan struct{})}, nil
}

// Opened returns how many streams were opened.
func (m *MemorySource) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// Closed returns how many streams were closed.
func (m *MemorySource) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type memStream struct {
	src  *MemorySource
	mu   sync.Mutex
	data []byte
	done chan struct{}
	once sync.Once
}

func (s *memStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.data) > 0 {
		n := copy(p, s.data)
		s.data = s.data[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()
	<-s.done
	return 0, io.EOF
}

func (s *memStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.src.mu.Lock()
		s.src.closed++
		s.src.mu.Unlock()
	})
	return nil
}
