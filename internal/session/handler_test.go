package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/speakbeelabs/speakbee-core/internal/asr"
	"github.com/speakbeelabs/speakbee-core/internal/audio"
	"github.com/speakbeelabs/speakbee-core/internal/chat"
	"github.com/speakbeelabs/speakbee-core/internal/config"
	"github.com/speakbeelabs/speakbee-core/internal/diarize"
	"github.com/speakbeelabs/speakbee-core/internal/pipeline"
	"github.com/speakbeelabs/speakbee-core/internal/protocol"
	"github.com/speakbeelabs/speakbee-core/internal/registry"
	"github.com/speakbeelabs/speakbee-core/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingSink struct {
	frames []protocol.ServerFrame
}

func (r *recordingSink) Send(f protocol.ServerFrame) error {
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingSink) events() []string {
	var out []string
	for _, f := range r.frames {
		if f.Type == protocol.FrameEvent {
			out = append(out, f.Event)
		}
	}
	return out
}

func (r *recordingSink) last() protocol.ServerFrame {
	return r.frames[len(r.frames)-1]
}

type fakeSegmenter struct{}

func (fakeSegmenter) Diarize(_ context.Context, clip audio.Clip) ([]diarize.Turn, error) {
	return []diarize.Turn{{Start: 0, End: clip.Duration(), Label: "SPEAKER_00"}}, nil
}

type fakeExtractor struct {
	calls int
}

func (f *fakeExtractor) Embed(context.Context, audio.Clip) ([]float32, error) {
	f.calls++
	return []float32{1, 0}, nil
}

type fakeMatcher struct {
	match registry.Match
	ok    bool
}

func (f *fakeMatcher) Nearest(context.Context, []float32) (registry.Match, bool, error) {
	return f.match, f.ok, nil
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Run(context.Context, audio.Clip) (asr.Transcript, error) {
	if f.err != nil {
		return asr.Transcript{}, f.err
	}
	return asr.Transcript{Language: "en", Original: f.text}, nil
}

type fakeGenerator struct {
	deltas []string
	err    error
}

func (f *fakeGenerator) Generate(_ context.Context, req chat.Request, consumer func(chat.Chunk) error) error {
	if f.err != nil {
		return f.err
	}
	for _, d := range f.deltas {
		if err := consumer(chat.Chunk{SessionID: req.SessionID, Content: d}); err != nil {
			return err
		}
	}
	return consumer(chat.Chunk{SessionID: req.SessionID, Done: true})
}

type fakeEnroller struct {
	upserts []registry.Enrollment
	err     error
}

func (f *fakeEnroller) Upsert(_ context.Context, e registry.Enrollment) error {
	if f.err != nil {
		return f.err
	}
	f.upserts = append(f.upserts, e)
	return nil
}

type testEnv struct {
	handler   *Handler
	extractor *fakeExtractor
	enroller  *fakeEnroller
}

func newEnv(t *testing.T, matcher *fakeMatcher, transcriber Transcriber, gen chat.Generator) *testEnv {
	t.Helper()
	cfg := config.Default()
	logger := newLogger()
	extractor := &fakeExtractor{}
	pipe := pipeline.New(fakeSegmenter{}, extractor, transcriber, matcher, cfg.Pipeline, logger)
	enroller := &fakeEnroller{}
	h := NewHandler(pipe, transcriber, gen, tts.NewMockSynthesizer(cfg.Pipeline.SampleRate), enroller, nil, cfg, logger)
	return &testEnv{handler: h, extractor: extractor, enroller: enroller}
}

func voicedWAV(t *testing.T) []byte {
	t.Helper()
	samples := make([]float32, 16000)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*220*float64(i)/16000))
	}
	data, err := audio.EncodeWAV(audio.Clip{Samples: samples, SampleRate: 16000})
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	return data
}

func silentWAV(t *testing.T) []byte {
	t.Helper()
	data, err := audio.EncodeWAV(audio.Clip{Samples: make([]float32, 16000), SampleRate: 16000})
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	return data
}

func TestSilenceEmitsNoVoice(t *testing.T) {
	env := newEnv(t, &fakeMatcher{}, &fakeTranscriber{text: "hi"}, &fakeGenerator{})
	st := &State{SessionID: "s"}
	sink := &recordingSink{}

	if err := env.handler.HandleUtterance(context.Background(), st, silentWAV(t), sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sink.events(); len(got) != 1 || got[0] != protocol.EventNoVoice {
		t.Fatalf("expected no_voice only, got %v", got)
	}
	if env.extractor.calls != 0 {
		t.Fatal("silence must not trigger identification")
	}
}

func TestGarbageAudioEmitsNoVoice(t *testing.T) {
	env := newEnv(t, &fakeMatcher{}, &fakeTranscriber{text: "hi"}, &fakeGenerator{})
	sink := &recordingSink{}
	if err := env.handler.HandleUtterance(context.Background(), &State{SessionID: "s"}, []byte("not wav"), sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sink.events(); len(got) != 1 || got[0] != protocol.EventNoVoice {
		t.Fatalf("expected no_voice, got %v", got)
	}
}

func TestKnownSpeakerFlow(t *testing.T) {
	matcher := &fakeMatcher{match: registry.Match{SpeakerID: "ab12", Name: "Alice", Similarity: 0.9}, ok: true}
	env := newEnv(t, matcher, &fakeTranscriber{text: "hello there"}, &fakeGenerator{deltas: []string{"Hey", "!"}})
	st := &State{SessionID: "s"}
	sink := &recordingSink{}

	if err := env.handler.HandleUtterance(context.Background(), st, voicedWAV(t), sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !st.KnownSpeaker || st.SpeakerName != "Alice" {
		t.Fatalf("identity not adopted: %+v", st)
	}
	if got := sink.events(); len(got) != 1 || got[0] != protocol.EventKnownSpeaker {
		t.Fatalf("expected known_speaker event, got %v", got)
	}
	known := sink.frames[0]
	if known.Score == nil || *known.Score != 0.9 {
		t.Fatalf("known_speaker frame must carry the raw similarity, got %+v", known)
	}

	var transcript *protocol.ServerFrame
	for i := range sink.frames {
		if sink.frames[i].Type == protocol.FrameTranscript {
			transcript = &sink.frames[i]
		}
	}
	if transcript == nil || transcript.SpeakerName != "Alice" || transcript.Text != "hello there" {
		t.Fatalf("unexpected transcript frame: %+v", transcript)
	}

	done := sink.last()
	if done.Type != protocol.FrameAIDone {
		t.Fatalf("expected ai_done last, got %+v", done)
	}
	if !strings.HasPrefix(done.Text, "Hi Alice! I can recognize you. ") {
		t.Fatalf("missing one-time greeting: %q", done.Text)
	}
	if !strings.HasSuffix(done.Text, "Hey!") {
		t.Fatalf("streamed reply not accumulated: %q", done.Text)
	}
	if len(st.History) != 2 || st.History[0].Role != chat.RoleUser || st.History[1].Role != chat.RoleAssistant {
		t.Fatalf("history not recorded: %+v", st.History)
	}
}

func TestGreetingOnlyOnce(t *testing.T) {
	matcher := &fakeMatcher{match: registry.Match{SpeakerID: "ab12", Name: "Alice", Similarity: 0.9}, ok: true}
	env := newEnv(t, matcher, &fakeTranscriber{text: "hello"}, &fakeGenerator{deltas: []string{"ok"}})
	st := &State{SessionID: "s"}

	first := &recordingSink{}
	if err := env.handler.HandleUtterance(context.Background(), st, voicedWAV(t), first); err != nil {
		t.Fatalf("first utterance: %v", err)
	}
	second := &recordingSink{}
	if err := env.handler.HandleUtterance(context.Background(), st, voicedWAV(t), second); err != nil {
		t.Fatalf("second utterance: %v", err)
	}
	if strings.Contains(second.last().Text, "I can recognize you") {
		t.Fatalf("greeting repeated: %q", second.last().Text)
	}
	if env.extractor.calls != 1 {
		t.Fatalf("identification must run at most once, ran %d times", env.extractor.calls)
	}
}

func TestUnknownSpeakerAskedToEnroll(t *testing.T) {
	env := newEnv(t, &fakeMatcher{}, &fakeTranscriber{text: "hello"}, &fakeGenerator{deltas: []string{"hi"}})
	st := &State{SessionID: "s"}
	sink := &recordingSink{}

	if err := env.handler.HandleUtterance(context.Background(), st, voicedWAV(t), sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.KnownSpeaker || !st.WaitingEnrollConfirmation {
		t.Fatalf("unexpected state: %+v", st)
	}
	if got := sink.events(); len(got) != 1 || got[0] != protocol.EventAskEnroll {
		t.Fatalf("expected ask_enroll, got %v", got)
	}
	done := sink.last()
	if done.Type != protocol.FrameAIDone || !strings.Contains(done.Text, "I don't recognize you yet.") {
		t.Fatalf("expected anonymous preamble in reply, got %+v", done)
	}
}

func TestEnrollConfirmationYes(t *testing.T) {
	env := newEnv(t, &fakeMatcher{}, &fakeTranscriber{text: "yes please"}, &fakeGenerator{deltas: []string{"hi"}})
	st := &State{SessionID: "s", WaitingEnrollConfirmation: true, identityResolved: true}
	sink := &recordingSink{}

	if err := env.handler.HandleUtterance(context.Background(), st, voicedWAV(t), sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := sink.events(); len(got) != 1 || got[0] != protocol.EventAskName {
		t.Fatalf("expected ask_name, got %v", got)
	}
	if sink.last().Type == protocol.FrameAIDone {
		t.Fatal("confirmation turn must not reach the chat model")
	}
	if !st.WaitingEnrollConfirmation {
		t.Fatal("still waiting for the name, flag must stay set")
	}
}

func TestEnrollConfirmationNo(t *testing.T) {
	env := newEnv(t, &fakeMatcher{}, &fakeTranscriber{text: "not now thanks"}, &fakeGenerator{deltas: []string{"hi"}})
	st := &State{SessionID: "s", WaitingEnrollConfirmation: true, identityResolved: true}
	sink := &recordingSink{}

	if err := env.handler.HandleUtterance(context.Background(), st, voicedWAV(t), sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.WaitingEnrollConfirmation {
		t.Fatal("decline must clear the pending flag")
	}
	for _, f := range sink.frames {
		if f.Type == protocol.FrameAIDone {
			t.Fatal("decline turn must not reach the chat model")
		}
	}
}

func TestEnrollNameControl(t *testing.T) {
	env := newEnv(t, &fakeMatcher{}, &fakeTranscriber{text: "x"}, &fakeGenerator{})
	st := &State{SessionID: "s", WaitingEnrollConfirmation: true, identityResolved: true}
	sink := &recordingSink{}

	stop, err := env.handler.HandleControl(context.Background(), st, protocol.ClientControl{
		Type:      protocol.ControlEnrollName,
		Name:      "Bob",
		Embedding: []float32{0.5, 0.5},
	}, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stop {
		t.Fatal("enroll_name must not stop the session")
	}
	if !st.KnownSpeaker || st.SpeakerName != "Bob" || st.WaitingEnrollConfirmation {
		t.Fatalf("unexpected state after enroll: %+v", st)
	}
	if len(st.SpeakerID) != 8 {
		t.Fatalf("expected short speaker id, got %q", st.SpeakerID)
	}
	if len(env.enroller.upserts) != 1 || env.enroller.upserts[0].Name != "Bob" {
		t.Fatalf("embedding not persisted: %+v", env.enroller.upserts)
	}

	events := sink.events()
	if len(events) != 1 || events[0] != protocol.EventEnrolled {
		t.Fatalf("expected enrolled event, got %v", events)
	}
	last := sink.last()
	if last.Type != protocol.FrameAudio || last.Format != "wav" || last.Data == "" {
		t.Fatalf("expected synthesized confirmation audio, got %+v", last)
	}
}

func TestEnrollNameIgnoredWhenNotWaiting(t *testing.T) {
	env := newEnv(t, &fakeMatcher{}, &fakeTranscriber{text: "x"}, &fakeGenerator{})
	st := &State{SessionID: "s"}
	sink := &recordingSink{}

	stop, err := env.handler.HandleControl(context.Background(), st, protocol.ClientControl{Type: protocol.ControlEnrollName, Name: "Eve"}, sink)
	if err != nil || stop {
		t.Fatalf("unexpected result: stop=%v err=%v", stop, err)
	}
	if st.KnownSpeaker || len(sink.frames) != 0 || len(env.enroller.upserts) != 0 {
		t.Fatalf("enroll_name outside the dialogue must be a no-op: %+v", st)
	}
}

func TestStopControl(t *testing.T) {
	env := newEnv(t, &fakeMatcher{}, &fakeTranscriber{text: "x"}, &fakeGenerator{})
	stop, err := env.handler.HandleControl(context.Background(), &State{}, protocol.ClientControl{Type: protocol.ControlStop}, &recordingSink{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stop {
		t.Fatal("stop control must end the session")
	}
}

func TestEmptyTranscript(t *testing.T) {
	matcher := &fakeMatcher{match: registry.Match{SpeakerID: "a", Name: "A", Similarity: 0.9}, ok: true}
	env := newEnv(t, matcher, &fakeTranscriber{text: "   "}, &fakeGenerator{deltas: []string{"hi"}})
	st := &State{SessionID: "s"}
	sink := &recordingSink{}

	if err := env.handler.HandleUtterance(context.Background(), st, voicedWAV(t), sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	events := sink.events()
	if events[len(events)-1] != protocol.EventEmptyTranscript {
		t.Fatalf("expected empty_transcript, got %v", events)
	}
}

func TestTranscriptionFailureDegrades(t *testing.T) {
	matcher := &fakeMatcher{match: registry.Match{SpeakerID: "a", Name: "A", Similarity: 0.9}, ok: true}
	env := newEnv(t, matcher, &fakeTranscriber{err: errors.New("stt down")}, &fakeGenerator{})
	st := &State{SessionID: "s"}
	sink := &recordingSink{}

	if err := env.handler.HandleUtterance(context.Background(), st, voicedWAV(t), sink); err != nil {
		t.Fatalf("degradable failure must not close the channel: %v", err)
	}
	events := sink.events()
	if events[len(events)-1] != protocol.EventEmptyTranscript {
		t.Fatalf("expected empty_transcript fallback, got %v", events)
	}
}

func TestChatFailureStillResolvesTurn(t *testing.T) {
	matcher := &fakeMatcher{match: registry.Match{SpeakerID: "a", Name: "Alice", Similarity: 0.9}, ok: true}
	env := newEnv(t, matcher, &fakeTranscriber{text: "hello"}, &fakeGenerator{err: errors.New("llm down")})
	st := &State{SessionID: "s"}
	sink := &recordingSink{}

	if err := env.handler.HandleUtterance(context.Background(), st, voicedWAV(t), sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	done := sink.last()
	if done.Type != protocol.FrameAIDone {
		t.Fatalf("expected ai_done even on generator failure, got %+v", done)
	}
	if len(st.History) != 2 {
		t.Fatalf("history must be appended once the turn resolves: %+v", st.History)
	}
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager()
	st := m.Open()
	if st.SessionID == "" {
		t.Fatal("session id not assigned")
	}
	if m.Count() != 1 {
		t.Fatalf("expected 1 live session, got %d", m.Count())
	}
	m.Close(st.SessionID)
	if m.Count() != 0 {
		t.Fatalf("expected 0 live sessions, got %d", m.Count())
	}
}
