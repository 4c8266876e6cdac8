// internal/relay/services.go
package relay

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/backend"
	"github.com/xkilldash9x/pagepilot/internal/browser/dom"
	"github.com/xkilldash9x/pagepilot/internal/recording"
)

// Recorder is the microphone owner. *recording.Recorder satisfies it.
type Recorder interface {
	Start(ctx context.Context, opts recording.StartOptions) (string, error)
	Stop(ctx context.Context, id string) (*recording.Capture, error)
	IsCurrent(id string) bool
}

// Transcriber turns audio into text. *backend.Client satisfies it.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// PageCapturer captures the active tab.
type PageCapturer interface {
	URL(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) (string, error)
	Snapshot(ctx context.Context) (*schemas.PageSnapshot, error)
}

// APIClient performs generic backend calls. *backend.Client satisfies it.
type APIClient interface {
	Do(ctx context.Context, req backend.APIRequest) backend.APIResponse
}

// Services are the components behind the relay handlers. Nil members leave
// their request types unregistered.
type Services struct {
	Recorder    Recorder
	Transcriber Transcriber
	Page        PageCapturer
	API         APIClient
	// IncludeScreenshot controls whether capture-all takes a screenshot.
	IncludeScreenshot bool
}

// Register installs the standard handlers on h.
func Register(h *Hub, svc Services) error {
	s := &service{hub: h, svc: svc, logger: h.logger}
	routes := map[MessageType]Handler{
		TypePing: s.ping,
	}
	if svc.Recorder != nil {
		routes[TypeStartRecording] = s.startRecording
		routes[TypeStopRecording] = s.stopRecording
		routes[TypeAutoStopRequest] = s.autoStopRequest
	}
	if svc.Transcriber != nil {
		routes[TypeAudioCaptured] = s.audioCaptured
	}
	if svc.Page != nil {
		routes[TypeCaptureAll] = s.captureAll
	}
	if svc.API != nil {
		routes[TypeAPIRequest] = s.apiRequest
	}
	for t, fn := range routes {
		if err := h.Handle(t, fn); err != nil {
			return err
		}
	}
	return nil
}

type service struct {
	hub    *Hub
	svc    Services
	logger *zap.Logger
}

func (s *service) ping(context.Context, Request) (interface{}, error) {
	return PingReply{Ready: true}, nil
}

func (s *service) startRecording(ctx context.Context, req Request) (interface{}, error) {
	r := req.(StartRecording)
	id, err := s.svc.Recorder.Start(ctx, recording.StartOptions{
		RecordingID: r.RecordingID,
		AutoStop:    r.AutoStop,
		MaxDuration: r.MaxDuration,
	})
	if err != nil {
		return StartRecordingReply{Success: false, RecordingID: r.RecordingID, Error: err.Error()}, nil
	}
	return StartRecordingReply{Success: true, RecordingID: id}, nil
}

func (s *service) stopRecording(ctx context.Context, req Request) (interface{}, error) {
	r := req.(StopRecording)
	capture, err := s.svc.Recorder.Stop(ctx, r.RecordingID)
	if err != nil {
		return StopRecordingReply{Success: false, RecordingID: r.RecordingID, Error: err.Error()}, nil
	}
	if err := s.hub.Publish(ctx, EventRecordingStopped, RecordingStopped{RecordingID: capture.RecordingID, Samples: capture.Samples}); err != nil {
		s.logger.Debug("Could not publish recording-stopped.", zap.Error(err))
	}
	return StopRecordingReply{Success: true, AudioData: capture.AudioData, RecordingID: capture.RecordingID}, nil
}

// autoStopRequest forwards the detector's signal only while that recording is
// still live and not already stopping.
func (s *service) autoStopRequest(ctx context.Context, req Request) (interface{}, error) {
	r := req.(AutoStopRequest)
	if !s.svc.Recorder.IsCurrent(r.RecordingID) {
		s.logger.Debug("Dropped stale auto-stop request.", zap.String("recording_id", r.RecordingID))
		return nil, nil
	}
	return nil, s.hub.Publish(ctx, EventAutoStop, AutoStopSignal{RecordingID: r.RecordingID})
}

func (s *service) audioCaptured(ctx context.Context, req Request) (interface{}, error) {
	r := req.(AudioCaptured)
	result := TranscriptionResult{RecordingID: r.RecordingID}

	audio, mime, err := DecodeAudio(r.AudioData)
	if err == nil {
		result.Text, err = s.svc.Transcriber.Transcribe(ctx, audio, mime)
	}
	if err != nil {
		s.logger.Warn("Transcription failed.", zap.String("recording_id", r.RecordingID), zap.Error(err))
		result.Error = err.Error()
		result.Text = ""
	}
	return nil, s.hub.Publish(ctx, EventTranscriptionResult, result)
}

// captureAll runs the sub-captures concurrently. A failed sub-capture leaves
// its field null instead of failing the whole reply.
func (s *service) captureAll(ctx context.Context, _ Request) (interface{}, error) {
	reply := CaptureAllReply{Timestamp: time.Now().UTC()}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		u, err := s.svc.Page.URL(gctx)
		if err != nil {
			s.logger.Debug("URL capture failed.", zap.Error(err))
			return nil
		}
		reply.URL = u
		return nil
	})
	g.Go(func() error {
		snap, err := s.svc.Page.Snapshot(gctx)
		if errors.Is(err, dom.ErrRestrictedPage) {
			s.logger.Info("Page is restricted.", zap.Error(err))
			reply.Restricted = true
			return nil
		}
		if err != nil {
			s.logger.Warn("Page snapshot failed.", zap.Error(err))
			return nil
		}
		reply.DistilledDOM = snap
		return nil
	})
	if s.svc.IncludeScreenshot {
		g.Go(func() error {
			shot, err := s.svc.Page.Screenshot(gctx)
			if err != nil {
				s.logger.Warn("Screenshot failed.", zap.Error(err))
				return nil
			}
			reply.Screenshot = &shot
			return nil
		})
	}
	_ = g.Wait()

	if reply.URL == "" && reply.DistilledDOM != nil {
		reply.URL = reply.DistilledDOM.URL
	}
	return reply, nil
}

func (s *service) apiRequest(ctx context.Context, req Request) (interface{}, error) {
	return s.svc.API.Do(ctx, backend.APIRequest(req.(APIRequest))), nil
}

// DecodeAudio parses a base64 audio data URL into bytes and MIME type.
func DecodeAudio(dataURL string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return nil, "", fmt.Errorf("audio is not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("audio data URL has no payload")
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return nil, "", fmt.Errorf("audio data URL is not base64 encoded")
	}
	audio, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode audio: %w", err)
	}
	if mime == "" {
		mime = "audio/wav"
	}
	return audio, mime, nil
}
