package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/speakbeelabs/speakbee-core/internal/asr"
	"github.com/speakbeelabs/speakbee-core/internal/audio"
	"github.com/speakbeelabs/speakbee-core/internal/chat"
	"github.com/speakbeelabs/speakbee-core/internal/config"
	"github.com/speakbeelabs/speakbee-core/internal/diarize"
	"github.com/speakbeelabs/speakbee-core/internal/embed"
	"github.com/speakbeelabs/speakbee-core/internal/pipeline"
	"github.com/speakbeelabs/speakbee-core/internal/protocol"
	"github.com/speakbeelabs/speakbee-core/internal/registry"
	"github.com/speakbeelabs/speakbee-core/internal/session"
	"github.com/speakbeelabs/speakbee-core/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Registry.Path = filepath.Join(t.TempDir(), "registry.db")
	logger := newLogger()

	store, err := registry.Open(context.Background(), cfg.Registry, logger)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	engine := asr.NewEngine(asr.NewMockRecognizer("en", "hello world"), nil, cfg.Pipeline.TranslateNonEnglish, cfg.Pipeline.MinTranscribeDuration, logger)
	pipe := pipeline.New(diarize.NewMockSegmenter(), embed.NewMockExtractor(cfg.Embedder.Dimensions), engine, store, cfg.Pipeline, logger)
	sessions := session.NewManager()
	handler := session.NewHandler(pipe, engine, chat.NewMockGenerator(), tts.NewMockSynthesizer(cfg.Pipeline.SampleRate), store, nil, cfg, logger)

	srv := NewServer(pipe, store, sessions, handler, nil, cfg, logger)
	mux := http.NewServeMux()
	srv.Register(mux)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func voicedWAV(t *testing.T, seconds float64) []byte {
	t.Helper()
	n := int(seconds * 16000)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*220*float64(i)/16000))
	}
	data, err := audio.EncodeWAV(audio.Clip{Samples: samples, SampleRate: 16000})
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	return data
}

func audioForm(t *testing.T, wav []byte, contentType string, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="audio"; filename="sample.wav"`)
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(wav); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func postForm(t *testing.T, url string, body *bytes.Buffer, contentType string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, contentType, body)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestEnrollVerifyRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	wav := voicedWAV(t, 3)

	body, ct := audioForm(t, wav, "audio/wav", map[string]string{"name": "Alice"})
	resp := postForm(t, ts.URL+"/enroll", body, ct)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enroll status %d", resp.StatusCode)
	}
	var enrolled struct {
		SpeakerID string `json:"speaker_id"`
		Name      string `json:"name"`
	}
	decodeInto(t, resp, &enrolled)
	if len(enrolled.SpeakerID) != 8 || enrolled.Name != "Alice" {
		t.Fatalf("unexpected enroll response: %+v", enrolled)
	}

	body, ct = audioForm(t, wav, "audio/wav", nil)
	resp = postForm(t, ts.URL+"/verify", body, ct)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d", resp.StatusCode)
	}
	var verified struct {
		SpeakerID  *string  `json:"speaker_id"`
		Name       *string  `json:"name"`
		Similarity *float64 `json:"similarity"`
		Matched    bool     `json:"matched"`
	}
	decodeInto(t, resp, &verified)
	if !verified.Matched || verified.SpeakerID == nil || *verified.SpeakerID != enrolled.SpeakerID {
		t.Fatalf("expected a match for identical audio: %+v", verified)
	}
	if verified.Similarity == nil || *verified.Similarity < 0.99 {
		t.Fatalf("expected near-perfect similarity, got %+v", verified.Similarity)
	}
}

func TestVerifyEmptyRegistry(t *testing.T) {
	ts := newTestServer(t)
	body, ct := audioForm(t, voicedWAV(t, 2), "audio/wav", nil)
	resp := postForm(t, ts.URL+"/verify", body, ct)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d", resp.StatusCode)
	}
	var verified struct {
		SpeakerID  *string  `json:"speaker_id"`
		Similarity *float64 `json:"similarity"`
		Matched    bool     `json:"matched"`
	}
	decodeInto(t, resp, &verified)
	if verified.Matched || verified.SpeakerID != nil || verified.Similarity != nil {
		t.Fatalf("empty registry must never match: %+v", verified)
	}
}

func TestEnrollRejectsNonWAV(t *testing.T) {
	ts := newTestServer(t)
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("name", "Mallory")
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="audio"; filename="sample.mp3"`)
	hdr.Set("Content-Type", "audio/mpeg")
	part, _ := w.CreatePart(hdr)
	part.Write([]byte("not wav"))
	w.Close()

	resp := postForm(t, ts.URL+"/enroll", &buf, w.FormDataContentType())
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", resp.StatusCode)
	}
}

func TestEnrollRejectsOctetStreamWithWAVName(t *testing.T) {
	ts := newTestServer(t)
	body, ct := audioForm(t, voicedWAV(t, 2), "application/octet-stream", map[string]string{"name": "Trent"})
	resp := postForm(t, ts.URL+"/enroll", body, ct)
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("a .wav filename must not excuse a non-WAV content type, got %d", resp.StatusCode)
	}
}

func TestEnrollMissingName(t *testing.T) {
	ts := newTestServer(t)
	body, ct := audioForm(t, voicedWAV(t, 2), "audio/wav", nil)
	resp := postForm(t, ts.URL+"/enroll", body, ct)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestProcess(t *testing.T) {
	ts := newTestServer(t)
	body, ct := audioForm(t, voicedWAV(t, 2), "audio/wav", nil)
	resp := postForm(t, ts.URL+"/process", body, ct)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("process status %d", resp.StatusCode)
	}
	var out struct {
		File     string             `json:"file"`
		Segments []pipeline.Segment `json:"segments"`
	}
	decodeInto(t, resp, &out)
	if out.File == "" {
		t.Fatal("file id missing")
	}
	if len(out.Segments) != 1 {
		t.Fatalf("expected one segment, got %d", len(out.Segments))
	}
	seg := out.Segments[0]
	if seg.Text != "hello world" || seg.DiarLabel == "" {
		t.Fatalf("unexpected segment: %+v", seg)
	}
}

func TestListAndDeleteEnrollments(t *testing.T) {
	ts := newTestServer(t)

	body, ct := audioForm(t, voicedWAV(t, 2), "audio/wav", map[string]string{"name": "Alice"})
	resp := postForm(t, ts.URL+"/enroll", body, ct)
	var enrolled struct {
		SpeakerID string `json:"speaker_id"`
	}
	decodeInto(t, resp, &enrolled)

	resp, err := http.Get(ts.URL + "/enrollments")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(raw), "embedding") {
		t.Fatal("embeddings must never be exposed")
	}
	var list struct {
		Count int `json:"count"`
		Items []struct {
			SpeakerID string `json:"speaker_id"`
			Name      string `json:"name"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Count != 1 || list.Items[0].SpeakerID != enrolled.SpeakerID {
		t.Fatalf("unexpected list: %+v", list)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/enrollments/"+enrolled.SpeakerID, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status %d", delResp.StatusCode)
	}

	again, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", again.StatusCode)
	}
}

func TestStreamHelloAndStop(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/stream"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var hello protocol.ServerFrame
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != protocol.FrameEvent || hello.Event != protocol.EventHello {
		t.Fatalf("unexpected first frame: %+v", hello)
	}

	if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.ControlStop}); err != nil {
		t.Fatalf("send stop: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to close after stop")
	}
}
