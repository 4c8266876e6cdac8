// internal/relay/messages.go
package relay

import (
	"time"

	"github.com/xkilldash9x/pagepilot/api/schemas"
	"github.com/xkilldash9x/pagepilot/internal/backend"
)

// MessageType is the discriminator of the closed request union.
type MessageType string

const (
	TypePing            MessageType = "ping"
	TypeStartRecording  MessageType = "start-recording"
	TypeStopRecording   MessageType = "stop-recording"
	TypeAutoStopRequest MessageType = "auto-stop-request"
	TypeAudioCaptured   MessageType = "audio-captured"
	TypeCaptureAll      MessageType = "capture-all"
	TypeAPIRequest      MessageType = "api-request"
)

// Request is one relay message. The set of implementations is closed.
type Request interface {
	Type() MessageType
	isRequest()
}

type Ping struct{}

type PingReply struct {
	Ready bool `json:"ready"`
}

type StartRecording struct {
	AutoStop    bool          `json:"autoStop"`
	RecordingID string        `json:"recordingId,omitempty"`
	MaxDuration time.Duration `json:"maxDuration,omitempty"`
}

type StartRecordingReply struct {
	Success     bool   `json:"success"`
	RecordingID string `json:"recordingId,omitempty"`
	Error       string `json:"error,omitempty"`
}

type StopRecording struct {
	RecordingID string `json:"recordingId,omitempty"`
}

// StopRecordingReply carries AudioData on success and Error otherwise.
type StopRecordingReply struct {
	Success     bool   `json:"success"`
	AudioData   string `json:"audioData,omitempty"`
	RecordingID string `json:"recordingId,omitempty"`
	Error       string `json:"error,omitempty"`
}

// AutoStopRequest is fire-and-forget.
type AutoStopRequest struct {
	RecordingID string `json:"recordingId"`
}

// AudioCaptured is fire-and-forget; the transcription arrives as an
// EventTranscriptionResult.
type AudioCaptured struct {
	AudioData   string `json:"audioData"`
	RecordingID string `json:"recordingId"`
}

type CaptureAll struct{}

// CaptureAllReply reports each sub-capture independently; a failed one is null.
type CaptureAllReply struct {
	Screenshot   *string               `json:"screenshot"`
	DistilledDOM *schemas.PageSnapshot `json:"distilledDOM"`
	URL          string                `json:"url"`
	Timestamp    time.Time             `json:"timestamp"`
	// Restricted is set when the page is browser-internal and cannot be scripted.
	Restricted bool `json:"restricted,omitempty"`
}

type APIRequest backend.APIRequest

type APIResponse = backend.APIResponse

func (Ping) Type() MessageType            { return TypePing }
func (StartRecording) Type() MessageType  { return TypeStartRecording }
func (StopRecording) Type() MessageType   { return TypeStopRecording }
func (AutoStopRequest) Type() MessageType { return TypeAutoStopRequest }
func (AudioCaptured) Type() MessageType   { return TypeAudioCaptured }
func (CaptureAll) Type() MessageType      { return TypeCaptureAll }
func (APIRequest) Type() MessageType      { return TypeAPIRequest }

func (Ping) isRequest()            {}
func (StartRecording) isRequest()  {}
func (StopRecording) isRequest()   {}
func (AutoStopRequest) isRequest() {}
func (AudioCaptured) isRequest()   {}
func (CaptureAll) isRequest()      {}
func (APIRequest) isRequest()      {}

// TranscriptionResult is the payload of EventTranscriptionResult.
type TranscriptionResult struct {
	Text        string `json:"text,omitempty"`
	Error       string `json:"error,omitempty"`
	RecordingID string `json:"recordingId"`
}

// RecordingStopped is the payload of EventRecordingStopped.
type RecordingStopped struct {
	RecordingID string `json:"recordingId"`
	Samples     int    `json:"samples"`
}

// AutoStopSignal is the payload of EventAutoStop.
type AutoStopSignal struct {
	RecordingID string `json:"recordingId"`
	Reason      string `json:"reason,omitempty"`
}
