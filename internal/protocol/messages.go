package protocol

import "time"

// Frame types carried over the realtime channel.
const (
	FrameEvent      = "event"
	FrameTranscript = "transcript"
	FrameAIDelta    = "ai_delta"
	FrameAIDone     = "ai_done"
	FrameAudio      = "audio"
)

// Event names emitted inside FrameEvent frames.
const (
	EventHello           = "hello"
	EventKnownSpeaker    = "known_speaker"
	EventAskEnroll       = "ask_enroll"
	EventAskName         = "ask_name"
	EventEnrolled        = "enrolled"
	EventNoVoice         = "no_voice"
	EventEmptyTranscript = "empty_transcript"
)

// ServerFrame is every outbound realtime message. Fields beyond Type are
// populated per frame type; zero values are omitted from the wire.
type ServerFrame struct {
	Type        string   `json:"type"`
	Event       string   `json:"event,omitempty"`
	Text        string   `json:"text,omitempty"`
	SpeakerID   string   `json:"speaker_id,omitempty"`
	Name        string   `json:"name,omitempty"`
	SpeakerName string   `json:"speaker_name,omitempty"`
	Score       *float64 `json:"score,omitempty"`
	Format      string   `json:"format,omitempty"`
	Data        string   `json:"data,omitempty"`
}

// ClientControl is an inbound JSON control message. Binary frames on the
// same socket carry complete WAV utterances instead.
type ClientControl struct {
	Type      string    `json:"type"`
	Name      string    `json:"name,omitempty"`
	Embedding []float32 `json:"embedding,omitempty"`
}

const (
	ControlStop       = "stop"
	ControlEnrollName = "enroll_name"
)

// SegmentProcessed is broadcast on the bus for every emitted batch segment.
type SegmentProcessed struct {
	File        string    `json:"file"`
	Start       float64   `json:"start"`
	End         float64   `json:"end"`
	DiarLabel   string    `json:"diar_label"`
	SpeakerID   string    `json:"speaker_id,omitempty"`
	SpeakerName string    `json:"speaker_name,omitempty"`
	Text        string    `json:"text"`
	Language    string    `json:"language,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// TranscriptFinal is broadcast when a realtime utterance fully resolves.
type TranscriptFinal struct {
	SessionID   string    `json:"session_id"`
	SpeakerName string    `json:"speaker_name,omitempty"`
	Text        string    `json:"text"`
	Language    string    `json:"language,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectSegmentProcessed = "speakbee.segment.processed"
	SubjectTranscriptFinal  = "speakbee.transcript.final"
)
