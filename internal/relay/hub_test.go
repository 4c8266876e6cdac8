package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/backend"
	"github.com/xkilldash9x/pagepilot/internal/browser/dom"
	"github.com/xkilldash9x/pagepilot/internal/config"
	"github.com/xkilldash9x/pagepilot/internal/recording"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := NewHub(logger, NewBus(logger, 8))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, h.Close(ctx))
	})
	return h
}

// MockTranscriber is a mock implementation of the Transcriber interface.
type MockTranscriber struct {
	mock.Mock
}

func (m *MockTranscriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	args := m.Called(ctx, audio, mimeType)
	return args.String(0), args.Error(1)
}

// MockAPI is a mock implementation of the APIClient interface.
type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) Do(ctx context.Context, req backend.APIRequest) backend.APIResponse {
	args := m.Called(ctx, req)
	return args.Get(0).(backend.APIResponse)
}

type fakePage struct {
	url, shot          string
	snap               *schemas.PageSnapshot
	urlErr, shotErr    error
	snapErr            error
	screenshotRequests int
}

func (p *fakePage) URL(context.Context) (string, error) { return p.url, p.urlErr }
func (p *fakePage) Screenshot(context.Context) (string, error) {
	p.screenshotRequests++
	return p.shot, p.shotErr
}
func (p *fakePage) Snapshot(context.Context) (*schemas.PageSnapshot, error) { return p.snap, p.snapErr }

func recordingConfig() config.RecordingConfig {
	return config.RecordingConfig{
		SampleRate:       16000,
		SilenceThreshold: 0.08,
		SilenceDuration:  time.Hour,
		AnalysisInterval: 5 * time.Millisecond,
		AnalysisWindow:   64,
	}
}

func TestHub_Routing(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	_, err := h.Request(ctx, Ping{})
	assert.ErrorIs(t, err, ErrNoHandler)

	require.NoError(t, Register(h, Services{}))
	reply, err := Call[PingReply](ctx, h, Ping{})
	require.NoError(t, err)
	assert.True(t, reply.Ready)

	err = h.Handle(TypePing, func(context.Context, Request) (interface{}, error) { return nil, nil })
	assert.Error(t, err, "each type has exactly one handler")

	_, err = Call[StopRecordingReply](ctx, h, Ping{})
	assert.ErrorContains(t, err, "unexpected reply")

	_, err = Call[CaptureAllReply](ctx, h, CaptureAll{})
	assert.ErrorIs(t, err, ErrNoHandler, "capture-all needs a page")
}

func TestHub_HandlerPanicAndCancellation(t *testing.T) {
	h := newTestHub(t)
	release := make(chan struct{})
	require.NoError(t, h.Handle(TypeCaptureAll, func(context.Context, Request) (interface{}, error) {
		panic("boom")
	}))
	require.NoError(t, h.Handle(TypeAPIRequest, func(context.Context, Request) (interface{}, error) {
		<-release
		return APIResponse{Success: true}, nil
	}))

	_, err := h.Request(context.Background(), CaptureAll{})
	assert.ErrorContains(t, err, "panicked")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = h.Request(ctx, APIRequest{Endpoint: "/slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestHub_NotifyLogsHandlerFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	h := NewHub(zap.New(core), NewBus(zap.NewNop(), 1))
	require.NoError(t, h.Handle(TypeAutoStopRequest, func(context.Context, Request) (interface{}, error) {
		return nil, errors.New("mic gone")
	}))

	require.NoError(t, h.Notify(context.Background(), AutoStopRequest{RecordingID: "rec-1"}))
	require.NoError(t, h.Close(context.Background()))

	entries := logs.FilterMessage("Notification handler failed.").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "auto-stop-request", entries[0].ContextMap()["type"])
	assert.Equal(t, "mic gone", entries[0].ContextMap()["error"])
}

func TestHub_ClosedRejectsRequests(t *testing.T) {
	logger := zaptest.NewLogger(t)
	h := NewHub(logger, NewBus(logger, 1))
	require.NoError(t, Register(h, Services{}))
	require.NoError(t, h.Close(context.Background()))
	_, err := h.Request(context.Background(), Ping{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.Notify(context.Background(), Ping{}), ErrClosed)
}

func TestServices_RecordingRoundTrip(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	src := &recording.MemorySource{Samples: []int16{100, -100, 200}}
	rec := recording.NewRecorder(recordingConfig(), src, zaptest.NewLogger(t))
	require.NoError(t, Register(h, Services{Recorder: rec}))

	stopped, unsub := h.Bus().Subscribe(EventRecordingStopped)
	defer unsub()

	started, err := Call[StartRecordingReply](ctx, h, StartRecording{RecordingID: "rec-7"})
	require.NoError(t, err)
	assert.Equal(t, StartRecordingReply{Success: true, RecordingID: "rec-7"}, started)

	again, err := Call[StartRecordingReply](ctx, h, StartRecording{})
	require.NoError(t, err)
	assert.False(t, again.Success)
	assert.Contains(t, again.Error, "already in progress")

	stale, err := Call[StopRecordingReply](ctx, h, StopRecording{RecordingID: "rec-old"})
	require.NoError(t, err)
	assert.False(t, stale.Success)
	assert.Empty(t, stale.AudioData)

	require.Eventually(t, func() bool { return src.Opened() == 1 }, time.Second, time.Millisecond)
	reply, err := Call[StopRecordingReply](ctx, h, StopRecording{RecordingID: "rec-7"})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, "rec-7", reply.RecordingID)
	audio, mime, err := DecodeAudio(reply.AudioData)
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", mime)
	assert.GreaterOrEqual(t, len(audio), 44)

	ev := <-stopped
	assert.Equal(t, "rec-7", ev.Payload.(RecordingStopped).RecordingID)
	h.Bus().Acknowledge(ev)
	assert.Equal(t, 1, src.Closed())
}

func TestServices_AutoStopForwardingIsFenced(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	rec := recording.NewRecorder(recordingConfig(), &recording.MemorySource{}, zaptest.NewLogger(t))
	require.NoError(t, Register(h, Services{Recorder: rec}))
	signals, unsub := h.Bus().Subscribe(EventAutoStop)
	defer unsub()

	id, err := rec.Start(ctx, recording.StartOptions{AutoStop: true})
	require.NoError(t, err)

	require.NoError(t, h.Notify(ctx, AutoStopRequest{RecordingID: "not-current"}))
	require.NoError(t, h.Notify(ctx, AutoStopRequest{RecordingID: id}))

	select {
	case ev := <-signals:
		assert.Equal(t, AutoStopSignal{RecordingID: id}, ev.Payload)
		h.Bus().Acknowledge(ev)
	case <-time.After(time.Second):
		t.Fatal("auto-stop was not forwarded")
	}
	select {
	case ev := <-signals:
		t.Fatalf("stale auto-stop forwarded: %+v", ev.Payload)
	case <-time.After(50 * time.Millisecond):
	}

	_, err = rec.Stop(ctx, id)
	require.NoError(t, err)
	require.NoError(t, h.Notify(ctx, AutoStopRequest{RecordingID: id}))
	select {
	case ev := <-signals:
		t.Fatalf("auto-stop after stop forwarded: %+v", ev.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServices_AudioCaptured(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()
	tr := new(MockTranscriber)
	require.NoError(t, Register(h, Services{Transcriber: tr}))
	results, unsub := h.Bus().Subscribe(EventTranscriptionResult)
	defer unsub()

	wav := recording.EncodeWAV([]int16{1, 2, 3}, 16000)
	tr.On("Transcribe", mock.Anything, wav, "audio/wav").Return("open the menu", nil).Once()
	require.NoError(t, h.Notify(ctx, AudioCaptured{AudioData: recording.DataURL("audio/wav", wav), RecordingID: "rec-1"}))

	ev := <-results
	assert.Equal(t, TranscriptionResult{Text: "open the menu", RecordingID: "rec-1"}, ev.Payload)
	h.Bus().Acknowledge(ev)

	tr.On("Transcribe", mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("backend down")).Once()
	require.NoError(t, h.Notify(ctx, AudioCaptured{AudioData: recording.DataURL("audio/wav", wav), RecordingID: "rec-2"}))
	ev = <-results
	assert.Equal(t, TranscriptionResult{Error: "backend down", RecordingID: "rec-2"}, ev.Payload)
	h.Bus().Acknowledge(ev)

	require.NoError(t, h.Notify(ctx, AudioCaptured{AudioData: "not audio", RecordingID: "rec-3"}))
	ev = <-results
	res := ev.Payload.(TranscriptionResult)
	assert.Equal(t, "rec-3", res.RecordingID)
	assert.Contains(t, res.Error, "not a data URL")
	h.Bus().Acknowledge(ev)
	tr.AssertExpectations(t)
}

func TestServices_CaptureAll(t *testing.T) {
	ctx := context.Background()

	t.Run("all parts", func(t *testing.T) {
		h := newTestHub(t)
		page := &fakePage{url: "https://a.test/", shot: "data:image/jpeg;base64,AA==", snap: &schemas.PageSnapshot{Title: "A"}}
		require.NoError(t, Register(h, Services{Page: page, IncludeScreenshot: true}))

		reply, err := Call[CaptureAllReply](ctx, h, CaptureAll{})
		require.NoError(t, err)
		assert.Equal(t, "https://a.test/", reply.URL)
		require.NotNil(t, reply.Screenshot)
		assert.Equal(t, page.shot, *reply.Screenshot)
		assert.Equal(t, "A", reply.DistilledDOM.Title)
		assert.False(t, reply.Timestamp.IsZero())
	})

	t.Run("degraded", func(t *testing.T) {
		h := newTestHub(t)
		page := &fakePage{
			url:     "https://b.test/",
			shotErr: errors.New("tab hidden"),
			snapErr: errors.New("restricted page"),
		}
		require.NoError(t, Register(h, Services{Page: page, IncludeScreenshot: true}))

		reply, err := Call[CaptureAllReply](ctx, h, CaptureAll{})
		require.NoError(t, err, "sub-capture failures do not fail capture-all")
		assert.Equal(t, "https://b.test/", reply.URL)
		assert.Nil(t, reply.Screenshot)
		assert.Nil(t, reply.DistilledDOM)

		state, err := NewObserver(h, zaptest.NewLogger(t)).Observe(ctx)
		require.NoError(t, err)
		assert.Equal(t, schemas.PageState{URL: "https://b.test/"}, state)
	})

	t.Run("screenshot disabled", func(t *testing.T) {
		h := newTestHub(t)
		page := &fakePage{urlErr: errors.New("gone"), snap: &schemas.PageSnapshot{URL: "https://c.test/"}}
		require.NoError(t, Register(h, Services{Page: page}))

		reply, err := Call[CaptureAllReply](ctx, h, CaptureAll{})
		require.NoError(t, err)
		assert.Nil(t, reply.Screenshot)
		assert.Zero(t, page.screenshotRequests)
		assert.Equal(t, "https://c.test/", reply.URL, "falls back to the snapshot URL")
	})

	t.Run("restricted page", func(t *testing.T) {
		h := newTestHub(t)
		page := &fakePage{
			url:     "chrome://settings",
			snapErr: fmt.Errorf("failed to read page document: %w: chrome://settings", dom.ErrRestrictedPage),
		}
		require.NoError(t, Register(h, Services{Page: page}))

		reply, err := Call[CaptureAllReply](ctx, h, CaptureAll{})
		require.NoError(t, err)
		assert.True(t, reply.Restricted)
		assert.Nil(t, reply.DistilledDOM)

		state, err := NewObserver(h, zaptest.NewLogger(t)).Observe(ctx)
		assert.ErrorIs(t, err, dom.ErrRestrictedPage)
		assert.Equal(t, "chrome://settings", state.URL)
	})
}

func TestObserver_NoCapture(t *testing.T) {
	h := newTestHub(t)
	state, err := NewObserver(h, zaptest.NewLogger(t)).Observe(context.Background())
	require.NoError(t, err, "a missing capture handler is not a restricted page")
	assert.Equal(t, schemas.PageState{}, state)
}

func TestServices_APIRequest(t *testing.T) {
	h := newTestHub(t)
	api := new(MockAPI)
	require.NoError(t, Register(h, Services{API: api}))

	req := backend.APIRequest{Endpoint: "/api/me", Method: "GET"}
	api.On("Do", mock.Anything, req).Return(backend.APIResponse{Success: true, Status: 200, Data: []byte(`{"id":1}`)}).Once()

	resp, err := Call[APIResponse](context.Background(), h, APIRequest(req))
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 200, resp.Status)
	api.AssertExpectations(t)
}

func TestDecodeAudio(t *testing.T) {
	audio, mime, err := DecodeAudio("data:audio/webm;base64," + base64.StdEncoding.EncodeToString([]byte("webm")))
	require.NoError(t, err)
	assert.Equal(t, "audio/webm", mime)
	assert.Equal(t, []byte("webm"), audio)

	_, mime, err = DecodeAudio("data:;base64,")
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", mime)

	for _, bad := range []string{"audio", "data:audio/wav;base64", "data:audio/wav,AAAA", "data:audio/wav;base64,%%%"} {
		_, _, err := DecodeAudio(bad)
		assert.Error(t, err, bad)
	}
}
