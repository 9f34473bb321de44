package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/speakbeelabs/speakbee-core/internal/asr"
	"github.com/speakbeelabs/speakbee-core/internal/audio"
	"github.com/speakbeelabs/speakbee-core/internal/bus"
	"github.com/speakbeelabs/speakbee-core/internal/chat"
	"github.com/speakbeelabs/speakbee-core/internal/config"
	"github.com/speakbeelabs/speakbee-core/internal/pipeline"
	"github.com/speakbeelabs/speakbee-core/internal/protocol"
	"github.com/speakbeelabs/speakbee-core/internal/registry"
	"github.com/speakbeelabs/speakbee-core/internal/tts"
)

const helloText = "Hold the mic button, speak, then release to send."
const askEnrollText = "Please enroll first to save your conversations for the future."

var yesWords = []string{"yes", "yeah", "yep", "ok", "sure"}
var noWords = []string{"no", "not now", "later"}

// Sink delivers frames back to one client. Implementations must be safe
// for use from the handler goroutine only.
type Sink interface {
	Send(frame protocol.ServerFrame) error
}

// Enroller is the registry surface the handler needs.
type Enroller interface {
	Upsert(ctx context.Context, e registry.Enrollment) error
}

// Transcriber matches the recognition engine surface.
type Transcriber interface {
	Run(ctx context.Context, clip audio.Clip) (asr.Transcript, error)
}

// Handler drives the push-to-talk dialogue for every connection. It owns
// no per-session state; everything session-scoped lives in State.
type Handler struct {
	pipe        *pipeline.Pipeline
	transcriber Transcriber
	generator   chat.Generator
	synth       tts.Synthesizer
	enroller    Enroller
	events      *bus.Client
	pipeCfg     config.PipelineConfig
	chatCfg     config.ChatConfig
	rtCfg       config.RealtimeConfig
	logger      *slog.Logger
}

func NewHandler(pipe *pipeline.Pipeline, transcriber Transcriber, generator chat.Generator, synth tts.Synthesizer, enroller Enroller, events *bus.Client, cfg config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		pipe:        pipe,
		transcriber: transcriber,
		generator:   generator,
		synth:       synth,
		enroller:    enroller,
		events:      events,
		pipeCfg:     cfg.Pipeline,
		chatCfg:     cfg.Chat,
		rtCfg:       cfg.Realtime,
		logger:      logger.With(slog.String("component", "session-handler")),
	}
}

// Hello sends the push-to-talk greeting on connection open.
func (h *Handler) Hello(sink Sink) error {
	return sink.Send(protocol.ServerFrame{Type: protocol.FrameEvent, Event: protocol.EventHello, Text: helloText})
}

// HandleControl processes one inbound JSON control message. The returned
// boolean reports whether the session should stop.
func (h *Handler) HandleControl(ctx context.Context, st *State, ctl protocol.ClientControl, sink Sink) (bool, error) {
	switch ctl.Type {
	case protocol.ControlStop:
		return true, nil
	case protocol.ControlEnrollName:
		if !st.WaitingEnrollConfirmation || st.KnownSpeaker {
			return false, nil
		}
		return false, h.enroll(ctx, st, ctl, sink)
	default:
		return false, nil
	}
}

func (h *Handler) enroll(ctx context.Context, st *State, ctl protocol.ClientControl, sink Sink) error {
	name := strings.TrimSpace(ctl.Name)
	if name == "" {
		name = "Guest"
	}
	speakerID := NewSpeakerID()

	if len(ctl.Embedding) > 0 {
		if err := h.enroller.Upsert(ctx, registry.Enrollment{SpeakerID: speakerID, Name: name, Embedding: ctl.Embedding}); err != nil {
			h.logger.Warn("failed to persist enrollment",
				slog.String("session_id", st.SessionID),
				slog.String("error", err.Error()))
		}
	}

	st.KnownSpeaker = true
	st.SpeakerID = speakerID
	st.SpeakerName = name
	st.WaitingEnrollConfirmation = false

	if err := sink.Send(protocol.ServerFrame{
		Type:      protocol.FrameEvent,
		Event:     protocol.EventEnrolled,
		SpeakerID: speakerID,
		Name:      name,
	}); err != nil {
		return err
	}

	if h.synth != nil {
		confirm := fmt.Sprintf("Thanks, %s. You are enrolled.", name)
		wav, err := h.synth.Synthesize(ctx, confirm)
		if err != nil {
			h.logger.Warn("enrollment confirmation synthesis failed",
				slog.String("session_id", st.SessionID),
				slog.String("error", err.Error()))
		} else if len(wav) > 0 {
			if err := sink.Send(protocol.ServerFrame{
				Type:   protocol.FrameAudio,
				Format: "wav",
				Data:   base64.StdEncoding.EncodeToString(wav),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// HandleUtterance processes one complete binary WAV utterance. Degradable
// stage failures never close the channel; only sink errors propagate.
func (h *Handler) HandleUtterance(ctx context.Context, st *State, wavData []byte, sink Sink) error {
	clip, err := audio.DecodeWAV(wavData)
	if err != nil {
		h.logger.Warn("undecodable utterance",
			slog.String("session_id", st.SessionID),
			slog.String("error", err.Error()))
		return sink.Send(protocol.ServerFrame{Type: protocol.FrameEvent, Event: protocol.EventNoVoice})
	}
	if clip.SampleRate != h.pipeCfg.SampleRate {
		resampled, err := audio.Resample(clip, h.pipeCfg.SampleRate)
		if err != nil {
			h.logger.Warn("resample failed",
				slog.String("session_id", st.SessionID),
				slog.String("error", err.Error()))
		} else {
			clip = resampled
		}
	}

	if clip.RMS() < h.rtCfg.VoiceRMSThreshold {
		return sink.Send(protocol.ServerFrame{Type: protocol.FrameEvent, Event: protocol.EventNoVoice})
	}

	if !st.KnownSpeaker && !st.identityResolved {
		if err := h.resolveIdentity(ctx, st, clip, sink); err != nil {
			return err
		}
	}

	userText := h.transcribe(ctx, st, clip)
	if userText == "" {
		return sink.Send(protocol.ServerFrame{Type: protocol.FrameEvent, Event: protocol.EventEmptyTranscript})
	}

	frame := protocol.ServerFrame{Type: protocol.FrameTranscript, Text: userText}
	if st.KnownSpeaker {
		frame.SpeakerName = st.SpeakerName
	}
	if err := sink.Send(frame); err != nil {
		return err
	}

	if st.WaitingEnrollConfirmation && !st.KnownSpeaker {
		lower := strings.ToLower(userText)
		if containsAny(lower, yesWords) {
			return sink.Send(protocol.ServerFrame{Type: protocol.FrameEvent, Event: protocol.EventAskName})
		}
		if containsAny(lower, noWords) {
			st.WaitingEnrollConfirmation = false
			return nil
		}
	}

	return h.converse(ctx, st, userText, sink)
}

// resolveIdentity runs embedding extraction and registry matching exactly
// once per session.
func (h *Handler) resolveIdentity(ctx context.Context, st *State, clip audio.Clip, sink Sink) error {
	st.identityResolved = true

	probe, err := h.pipe.Embed(ctx, clip)
	var id pipeline.Identity
	if err != nil {
		h.logger.Warn("embedding failed",
			slog.String("session_id", st.SessionID),
			slog.String("error", err.Error()))
	} else if id, err = h.pipe.Identify(ctx, probe); err != nil {
		h.logger.Warn("identification failed",
			slog.String("session_id", st.SessionID),
			slog.String("error", err.Error()))
		id = pipeline.Identity{}
	}

	if id.Matched {
		st.KnownSpeaker = true
		st.SpeakerID = id.SpeakerID
		st.SpeakerName = id.Name
		return sink.Send(protocol.ServerFrame{
			Type:      protocol.FrameEvent,
			Event:     protocol.EventKnownSpeaker,
			SpeakerID: id.SpeakerID,
			Name:      id.Name,
			Score:     id.Similarity,
		})
	}

	st.WaitingEnrollConfirmation = true
	return sink.Send(protocol.ServerFrame{
		Type:  protocol.FrameEvent,
		Event: protocol.EventAskEnroll,
		Text:  askEnrollText,
	})
}

func (h *Handler) transcribe(ctx context.Context, st *State, clip audio.Clip) string {
	transcript, err := h.transcriber.Run(ctx, clip)
	if err != nil {
		h.logger.Warn("utterance transcription failed",
			slog.String("session_id", st.SessionID),
			slog.String("error", err.Error()))
		return ""
	}
	return strings.TrimSpace(transcript.Display())
}

// converse runs one chat turn and streams the reply. History is appended
// only after the turn fully resolves.
func (h *Handler) converse(ctx context.Context, st *State, userText string, sink Sink) error {
	system := h.chatCfg.SystemPrompt
	if st.SpeakerName != "" {
		system += fmt.Sprintf(" The user's name is %s.", st.SpeakerName)
	}

	history := append(h.recentHistory(st), chat.Turn{Role: chat.RoleUser, Content: userText})

	prefix := ""
	if st.KnownSpeaker && !st.GreetedKnown && st.SpeakerName != "" {
		prefix = fmt.Sprintf("Hi %s! I can recognize you. ", st.SpeakerName)
		st.GreetedKnown = true
	} else if !st.KnownSpeaker {
		prefix = "I don't recognize you yet. If you'd like me to remember this and future conversations, please enroll your voice. "
	}

	reply := prefix
	if prefix != "" {
		if err := sink.Send(protocol.ServerFrame{Type: protocol.FrameAIDelta, Text: prefix}); err != nil {
			return err
		}
	}

	callCtx := ctx
	if h.rtCfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(h.rtCfg.CallTimeout)*time.Second)
		defer cancel()
	}

	var sinkErr error
	err := h.generator.Generate(callCtx, chat.Request{
		SessionID:   st.SessionID,
		System:      system,
		History:     history,
		MaxTokens:   h.chatCfg.MaxTokens,
		Temperature: h.chatCfg.Temperature,
	}, func(c chat.Chunk) error {
		if c.Content == "" {
			return nil
		}
		reply += c.Content
		if err := sink.Send(protocol.ServerFrame{Type: protocol.FrameAIDelta, Text: c.Content}); err != nil {
			sinkErr = err
			return err
		}
		return nil
	})
	if sinkErr != nil {
		return sinkErr
	}
	if err != nil {
		h.logger.Warn("chat generation failed",
			slog.String("session_id", st.SessionID),
			slog.String("error", err.Error()))
	}

	st.History = append(st.History,
		chat.Turn{Role: chat.RoleUser, Content: userText},
		chat.Turn{Role: chat.RoleAssistant, Content: reply},
	)
	h.trimHistory(st)

	h.events.PublishTranscript(protocol.TranscriptFinal{
		SessionID:   st.SessionID,
		SpeakerName: st.SpeakerName,
		Text:        userText,
	})

	return sink.Send(protocol.ServerFrame{Type: protocol.FrameAIDone, Text: reply})
}

func (h *Handler) recentHistory(st *State) []chat.Turn {
	window := h.chatCfg.HistoryWindow
	if window <= 0 || len(st.History) <= window {
		return append([]chat.Turn(nil), st.History...)
	}
	return append([]chat.Turn(nil), st.History[len(st.History)-window:]...)
}

func (h *Handler) trimHistory(st *State) {
	limit := 2 * h.chatCfg.HistoryWindow
	if limit > 0 && len(st.History) > limit {
		st.History = append([]chat.Turn(nil), st.History[len(st.History)-limit:]...)
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
