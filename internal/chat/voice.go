// internal/chat/voice.go
package chat

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pagepilot/internal/relay"
)

// Listen consumes auto-stop and transcription events until ctx ends or the
// bus shuts down.
func (t *Thread) Listen(ctx context.Context) {
	bus := t.hub.Bus()
	events, unsubscribe := bus.Subscribe(relay.EventAutoStop, relay.EventTranscriptionResult)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch p := ev.Payload.(type) {
			case relay.AutoStopSignal:
				t.onAutoStop(ctx, p)
			case relay.TranscriptionResult:
				t.onTranscription(ctx, p)
			}
			bus.Acknowledge(ev)
		}
	}
}

// SetHandsFree toggles hands-free mode. Enabling it starts listening when no
// recording is in flight; disabling it stops any current recording.
func (t *Thread) SetHandsFree(ctx context.Context, on bool) error {
	t.mu.Lock()
	t.handsFree = on
	t.restartOwed = false
	recording := t.recordingID
	t.mu.Unlock()
	t.logger.Info("Hands-free mode changed.", zap.Bool("enabled", on))

	if !on {
		if recording != "" {
			if _, err := t.stop(ctx, recording); err != nil {
				t.logger.Debug("Stopping the hands-free recording failed.", zap.Error(err))
			}
		}
		t.publishState()
		return nil
	}
	err := t.startSegment(ctx)
	t.publishState()
	return err
}

// SetAssistantSpeaking records whether speech output is playing. A hands-free
// restart owed while it was playing happens once it ends.
func (t *Thread) SetAssistantSpeaking(ctx context.Context, speaking bool) error {
	t.mu.Lock()
	t.speaking = speaking
	owed := !speaking && t.restartOwed && t.handsFree
	if owed {
		t.restartOwed = false
	}
	t.mu.Unlock()

	if owed {
		return t.startSegment(ctx)
	}
	t.publishState()
	return nil
}

// StartRecording starts a push-to-talk recording without auto-stop.
func (t *Thread) StartRecording(ctx context.Context) (string, error) {
	return t.start(ctx, relay.StartRecording{})
}

// StopRecording stops the current recording and sends it for transcription.
// The transcription is reported to the listener and, in hands-free mode, submitted.
func (t *Thread) StopRecording(ctx context.Context) error {
	t.mu.Lock()
	id := t.recordingID
	t.mu.Unlock()
	if id == "" {
		return fmt.Errorf("no recording in progress")
	}
	return t.stopAndTranscribe(ctx, id)
}

// startSegment starts an auto-stop recording capped at the segment duration,
// unless one is already running, a loop is in progress or the assistant is speaking.
func (t *Thread) startSegment(ctx context.Context) error {
	t.mu.Lock()
	if !t.handsFree || t.recordingID != "" || t.transcribing != "" || t.processing {
		t.mu.Unlock()
		return nil
	}
	if t.speaking {
		t.restartOwed = true
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	id, err := t.start(ctx, relay.StartRecording{AutoStop: true, MaxDuration: t.cfg.SegmentDuration})
	if err != nil {
		return err
	}
	// Hands-free may have been switched off while the mic was opening.
	t.mu.Lock()
	off := !t.handsFree
	t.mu.Unlock()
	if off {
		if _, err := t.stop(ctx, id); err != nil {
			t.logger.Debug("Stopping an orphaned segment failed.", zap.Error(err))
		}
		t.publishState()
	}
	return nil
}

func (t *Thread) start(ctx context.Context, req relay.StartRecording) (string, error) {
	reply, err := relay.Call[relay.StartRecordingReply](ctx, t.hub, req)
	if err != nil {
		return "", fmt.Errorf("failed to start recording: %w", err)
	}
	if !reply.Success {
		return "", fmt.Errorf("failed to start recording: %s", reply.Error)
	}
	t.mu.Lock()
	t.recordingID = reply.RecordingID
	t.mu.Unlock()
	t.publishState()
	return reply.RecordingID, nil
}

func (t *Thread) stop(ctx context.Context, id string) (relay.StopRecordingReply, error) {
	t.mu.Lock()
	if t.recordingID == id {
		t.recordingID = ""
	}
	t.mu.Unlock()

	reply, err := relay.Call[relay.StopRecordingReply](ctx, t.hub, relay.StopRecording{RecordingID: id})
	if err != nil {
		return reply, fmt.Errorf("failed to stop recording: %w", err)
	}
	if !reply.Success {
		return reply, fmt.Errorf("failed to stop recording: %s", reply.Error)
	}
	return reply, nil
}

func (t *Thread) stopAndTranscribe(ctx context.Context, id string) error {
	reply, err := t.stop(ctx, id)
	if err != nil {
		t.publishState()
		return err
	}
	t.mu.Lock()
	t.transcribing = id
	t.mu.Unlock()
	t.publishState()

	if err := t.hub.Notify(ctx, relay.AudioCaptured{AudioData: reply.AudioData, RecordingID: id}); err != nil {
		t.mu.Lock()
		t.transcribing = ""
		t.mu.Unlock()
		return fmt.Errorf("failed to send audio for transcription: %w", err)
	}
	return nil
}

// onAutoStop stops the recording the signal names, if it is still ours.
func (t *Thread) onAutoStop(ctx context.Context, sig relay.AutoStopSignal) {
	t.mu.Lock()
	current := t.recordingID == sig.RecordingID && sig.RecordingID != ""
	t.mu.Unlock()
	if !current {
		t.logger.Debug("Ignored auto-stop for another recording.", zap.String("recording_id", sig.RecordingID))
		return
	}
	if err := t.stopAndTranscribe(ctx, sig.RecordingID); err != nil {
		t.logger.Warn("Auto-stop failed.", zap.Error(err))
		t.afterLoop(ctx)
	}
}

// onTranscription accepts only the transcription of the recording it sent.
func (t *Thread) onTranscription(ctx context.Context, res relay.TranscriptionResult) {
	t.mu.Lock()
	if res.RecordingID == "" || res.RecordingID != t.transcribing {
		t.mu.Unlock()
		t.logger.Debug("Ignored a stale transcription.", zap.String("recording_id", res.RecordingID))
		return
	}
	t.transcribing = ""
	handsFree := t.handsFree
	t.mu.Unlock()

	t.listener.OnTranscription(res)
	text := strings.TrimSpace(res.Text)
	if !handsFree {
		t.publishState()
		return
	}
	if res.Error != "" || text == "" {
		t.afterLoop(ctx)
		return
	}

	t.background.Add(1)
	go func() {
		defer t.background.Done()
		if _, err := t.Submit(ctx, text); err != nil {
			t.logger.Warn("Hands-free submission failed.", zap.Error(err))
			t.afterLoop(ctx)
		}
	}()
}

// afterLoop resumes listening in hands-free mode.
func (t *Thread) afterLoop(ctx context.Context) {
	if err := t.startSegment(ctx); err != nil {
		t.logger.Warn("Could not resume hands-free listening.", zap.Error(err))
	}
}
