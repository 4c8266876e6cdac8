package recording

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pagepilot/internal/config"
)

func testConfig() config.RecordingConfig {
	return config.RecordingConfig{
		SampleRate:       16000,
		SilenceThreshold: 0.08,
		SilenceDuration:  40 * time.Millisecond,
		AnalysisInterval: 5 * time.Millisecond,
		AnalysisWindow:   64,
	}
}

func tone(n int, amplitude int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		if i%2 == 0 {
			out[i] = amplitude
		} else {
			out[i] = -amplitude
		}
	}
	return out
}

func decodeWAV(t *testing.T, dataURL string) []byte {
	t.Helper()
	payload, ok := strings.CutPrefix(dataURL, "data:audio/wav;base64,")
	require.True(t, ok, "unexpected data URL prefix")
	raw, err := base64.StdEncoding.DecodeString(payload)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), 44)
	assert.Equal(t, "RIFF", string(raw[0:4]))
	assert.Equal(t, "WAVE", string(raw[8:12]))
	assert.Equal(t, uint32(len(raw)-44), binary.LittleEndian.Uint32(raw[40:44]))
	return raw[44:]
}

// waitForSamples blocks until the capture goroutine has consumed n samples.
func waitForSamples(t *testing.T, r *Recorder, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.samples) >= n
	}, time.Second, time.Millisecond)
}

func TestRecorder_StartStop(t *testing.T) {
	src := &MemorySource{Samples: tone(1001, 12000)}
	r := NewRecorder(testConfig(), src, zaptest.NewLogger(t), WithIDGenerator(func() string { return "rec-1" }))
	ctx := context.Background()

	id, err := r.Start(ctx, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, "rec-1", id)
	state, current := r.Status()
	assert.Equal(t, StateRecording, state)
	assert.Equal(t, "rec-1", current)
	assert.True(t, r.IsCurrent("rec-1"))

	_, err = r.Start(ctx, StartOptions{})
	assert.ErrorIs(t, err, ErrAlreadyRecording)

	waitForSamples(t, r, 1001)
	capture, err := r.Stop(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", capture.RecordingID)
	assert.Equal(t, 1001, capture.Samples)
	pcm := decodeWAV(t, capture.AudioData)
	assert.Len(t, pcm, 2002)
	assert.Equal(t, int16(12000), int16(binary.LittleEndian.Uint16(pcm[0:2])))

	state, current = r.Status()
	assert.Equal(t, StateIdle, state)
	assert.Empty(t, current)
	assert.Equal(t, 1, src.Opened())
	assert.Equal(t, 1, src.Closed(), "microphone must be released")
}

func TestRecorder_StopWithoutAudio(t *testing.T) {
	src := &MemorySource{}
	r := NewRecorder(testConfig(), src, zaptest.NewLogger(t))

	id, err := r.Start(context.Background(), StartOptions{RecordingID: "given"})
	require.NoError(t, err)
	assert.Equal(t, "given", id)

	capture, err := r.Stop(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "given", capture.RecordingID)
	assert.Zero(t, capture.Samples)
	assert.Empty(t, decodeWAV(t, capture.AudioData))
	assert.Equal(t, 1, src.Closed())
}

func TestRecorder_Fencing(t *testing.T) {
	src := &MemorySource{}
	r := NewRecorder(testConfig(), src, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := r.Stop(ctx, "")
	assert.ErrorIs(t, err, ErrNotRecording)

	id, err := r.Start(ctx, StartOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = r.Stop(ctx, "someone-else")
	assert.ErrorIs(t, err, ErrStaleRecording)
	state, _ := r.Status()
	assert.Equal(t, StateRecording, state, "a stale stop must not affect the live recording")
	assert.False(t, r.IsCurrent("someone-else"))

	_, err = r.Stop(ctx, id)
	require.NoError(t, err)
	_, err = r.Stop(ctx, id)
	assert.ErrorIs(t, err, ErrNotRecording)
	assert.False(t, r.IsCurrent(id))
}

func TestRecorder_ConcurrentStopsJoin(t *testing.T) {
	src := &MemorySource{Samples: tone(10, 500)}
	r := NewRecorder(testConfig(), src, zaptest.NewLogger(t))
	id, err := r.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	waitForSamples(t, r, 10)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*Capture, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Stop(context.Background(), id)
		}(i)
	}
	wg.Wait()

	var first *Capture
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			// Callers that arrive after the stop completed find the recorder idle.
			assert.ErrorIs(t, errs[i], ErrNotRecording)
			continue
		}
		if first == nil {
			first = results[i]
		}
		assert.Same(t, first, results[i], "joined stops share one capture")
	}
	require.NotNil(t, first)
	assert.Equal(t, 10, first.Samples)
	assert.Equal(t, 1, src.Closed())
}

func TestRecorder_SilenceAutoStop(t *testing.T) {
	src := &MemorySource{Samples: make([]int16, 256)}
	events := make(chan AutoStop, 4)
	var r *Recorder
	r = NewRecorder(testConfig(), src, zaptest.NewLogger(t), WithAutoStopHandler(func(ev AutoStop) {
		if r.IsCurrent(ev.RecordingID) {
			_, err := r.Stop(context.Background(), ev.RecordingID)
			assert.NoError(t, err)
		}
		events <- ev
	}))

	id, err := r.Start(context.Background(), StartOptions{AutoStop: true})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, AutoStop{RecordingID: id, Reason: ReasonSilence}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("silence did not trigger an auto-stop")
	}

	select {
	case ev := <-events:
		t.Fatalf("auto-stop fired twice: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
	state, _ := r.Status()
	assert.Equal(t, StateIdle, state)
	assert.Equal(t, 1, src.Closed())
}

func TestRecorder_SpeechDoesNotAutoStop(t *testing.T) {
	src := &MemorySource{Samples: tone(256, 16000)}
	fired := make(chan AutoStop, 1)
	r := NewRecorder(testConfig(), src, zaptest.NewLogger(t), WithAutoStopHandler(func(ev AutoStop) { fired <- ev }))

	_, err := r.Start(context.Background(), StartOptions{AutoStop: true})
	require.NoError(t, err)
	waitForSamples(t, r, 256)

	select {
	case ev := <-fired:
		t.Fatalf("unexpected auto-stop: %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}
	_, err = r.Stop(context.Background(), "")
	require.NoError(t, err)
}

func TestRecorder_SegmentLimit(t *testing.T) {
	src := &MemorySource{Samples: tone(256, 16000)}
	fired := make(chan AutoStop, 1)
	r := NewRecorder(testConfig(), src, zaptest.NewLogger(t), WithAutoStopHandler(func(ev AutoStop) { fired <- ev }))

	id, err := r.Start(context.Background(), StartOptions{AutoStop: true, MaxDuration: 50 * time.Millisecond})
	require.NoError(t, err)

	select {
	case ev := <-fired:
		assert.Equal(t, AutoStop{RecordingID: id, Reason: ReasonSegment}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("segment limit did not trigger an auto-stop")
	}
	_, err = r.Stop(context.Background(), id)
	require.NoError(t, err)
}

func TestRecorder_StopDuringMicRequest(t *testing.T) {
	src := &MemorySource{Gate: make(chan struct{})}
	r := NewRecorder(testConfig(), src, zaptest.NewLogger(t), WithIDGenerator(func() string { return "rec-gated" }))

	startErr := make(chan error, 1)
	go func() {
		_, err := r.Start(context.Background(), StartOptions{AutoStop: true})
		startErr <- err
	}()

	require.Eventually(t, func() bool {
		state, _ := r.Status()
		return state == StateRequestingMic
	}, time.Second, time.Millisecond)

	capture, err := r.Stop(context.Background(), "rec-gated")
	require.NoError(t, err)
	assert.Equal(t, "rec-gated", capture.RecordingID)
	assert.Zero(t, capture.Samples)

	close(src.Gate)
	assert.ErrorIs(t, <-startErr, ErrStartAborted)
	assert.Equal(t, 1, src.Opened())
	assert.Equal(t, 1, src.Closed(), "the stream produced after the abort must be closed")
	state, _ := r.Status()
	assert.Equal(t, StateIdle, state)
}

func TestRecorder_OpenFailure(t *testing.T) {
	src := &MemorySource{Err: ErrMicUnavailable}
	r := NewRecorder(testConfig(), src, zaptest.NewLogger(t))

	_, err := r.Start(context.Background(), StartOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMicUnavailable)
	state, id := r.Status()
	assert.Equal(t, StateIdle, state)
	assert.Empty(t, id)

	src.Err = nil
	_, err = r.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestEncodeWAV(t *testing.T) {
	wav := EncodeWAV([]int16{1, -1}, 8000)
	require.Len(t, wav, 48)
	assert.Equal(t, uint32(40), binary.LittleEndian.Uint32(wav[4:8]))
	assert.Equal(t, "fmt ", string(wav[12:16]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[20:22]), "PCM")
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[22:24]), "mono")
	assert.Equal(t, uint32(8000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint32(16000), binary.LittleEndian.Uint32(wav[28:32]), "byte rate")
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(wav[34:36]))
	assert.Equal(t, []byte{1, 0, 0xff, 0xff}, wav[44:])
}

func TestRMS(t *testing.T) {
	assert.Zero(t, RMS(nil))
	assert.Zero(t, RMS(make([]int16, 10)))
	assert.InDelta(t, 0.5, RMS(tone(100, 16384)), 1e-9)
	assert.Less(t, RMS(tone(100, 2000)), 0.08)
}

func TestCommandSource(t *testing.T) {
	t.Run("missing command", func(t *testing.T) {
		_, err := NewCommandSource(nil, zaptest.NewLogger(t)).Open(context.Background())
		assert.ErrorIs(t, err, ErrMicUnavailable)
	})

	t.Run("unknown binary", func(t *testing.T) {
		_, err := NewCommandSource([]string{"pagepilot-no-such-recorder"}, zaptest.NewLogger(t)).Open(context.Background())
		assert.ErrorIs(t, err, ErrMicUnavailable)
	})

	t.Run("reads stdout until closed", func(t *testing.T) {
		if _, err := exec.LookPath("sh"); err != nil {
			t.Skip("sh not available")
		}
		src := NewCommandSource([]string{"sh", "-c", "printf 'abcd'; exec sleep 30"}, zaptest.NewLogger(t))
		stream, err := src.Open(context.Background())
		require.NoError(t, err)

		buf := make([]byte, 4)
		_, err = io.ReadFull(stream, buf)
		require.NoError(t, err)
		assert.Equal(t, "abcd", string(buf))

		require.NoError(t, stream.Close())
		require.NoError(t, stream.Close())
		_, err = stream.Read(buf)
		assert.Error(t, err, "reads fail once the stream is closed")
	})
}
