package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/speakbeelabs/speakbee-core/internal/audio"
	"github.com/speakbeelabs/speakbee-core/internal/bus"
	"github.com/speakbeelabs/speakbee-core/internal/config"
	"github.com/speakbeelabs/speakbee-core/internal/pipeline"
	"github.com/speakbeelabs/speakbee-core/internal/protocol"
	"github.com/speakbeelabs/speakbee-core/internal/registry"
	"github.com/speakbeelabs/speakbee-core/internal/session"
)

const maxUploadBytes = 64 << 20

// Server exposes the batch HTTP surface and the realtime channel.
type Server struct {
	pipe     *pipeline.Pipeline
	store    *registry.Store
	sessions *session.Manager
	handler  *session.Handler
	events   *bus.Client
	cfg      config.Config
	logger   *slog.Logger
}

func NewServer(pipe *pipeline.Pipeline, store *registry.Store, sessions *session.Manager, handler *session.Handler, events *bus.Client, cfg config.Config, logger *slog.Logger) *Server {
	return &Server{
		pipe:     pipe,
		store:    store,
		sessions: sessions,
		handler:  handler,
		events:   events,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "gateway")),
	}
}

// Register mounts every route on the runtime mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /enroll", s.handleEnroll)
	mux.HandleFunc("POST /verify", s.handleVerify)
	mux.HandleFunc("POST /process", s.handleProcess)
	mux.HandleFunc("GET /enrollments", s.handleListEnrollments)
	mux.HandleFunc("DELETE /enrollments/{speaker_id}", s.handleDeleteEnrollment)
	mux.HandleFunc("GET /ws/stream", s.handleStream)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// readAudioForm pulls the "audio" part out of a multipart request, enforces
// the WAV content-type contract, and decodes it at the pipeline sample rate.
func (s *Server) readAudioForm(w http.ResponseWriter, r *http.Request) (audio.Clip, bool) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart form")
		return audio.Clip{}, false
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "missing audio field")
		return audio.Clip{}, false
	}
	defer file.Close()

	if !isWAV(header) {
		s.writeError(w, http.StatusUnsupportedMediaType, "audio must be WAV")
		return audio.Clip{}, false
	}

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read audio")
		return audio.Clip{}, false
	}

	clip, err := audio.DecodeWAV(data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "undecodable WAV payload")
		return audio.Clip{}, false
	}
	if clip.SampleRate != s.cfg.Pipeline.SampleRate {
		resampled, err := audio.Resample(clip, s.cfg.Pipeline.SampleRate)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "unsupported sample rate")
			return audio.Clip{}, false
		}
		clip = resampled
	}
	return clip, true
}

func isWAV(header *multipart.FileHeader) bool {
	switch header.Header.Get("Content-Type") {
	case "audio/wav", "audio/x-wav", "audio/wave":
		return true
	}
	return false
}

type enrollResponse struct {
	SpeakerID string `json:"speaker_id"`
	Name      string `json:"name"`
	Message   string `json:"message"`
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	clip, ok := s.readAudioForm(w, r)
	if !ok {
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "missing name field")
		return
	}

	probe, err := s.pipe.Embed(r.Context(), clip)
	if err != nil {
		s.logger.Error("enrollment embedding failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "failed to extract voice-print")
		return
	}

	speakerID := session.NewSpeakerID()
	if err := s.store.Upsert(r.Context(), registry.Enrollment{SpeakerID: speakerID, Name: name, Embedding: probe}); err != nil {
		s.logger.Error("enrollment upsert failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "failed to store enrollment")
		return
	}

	s.logger.Info("speaker enrolled", slog.String("speaker_id", speakerID), slog.String("name", name))
	s.writeJSON(w, http.StatusOK, enrollResponse{SpeakerID: speakerID, Name: name, Message: "enrolled"})
}

type verifyResponse struct {
	SpeakerID  *string  `json:"speaker_id"`
	Name       *string  `json:"name"`
	Similarity *float64 `json:"similarity"`
	Matched    bool     `json:"matched"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	clip, ok := s.readAudioForm(w, r)
	if !ok {
		return
	}

	probe, err := s.pipe.Embed(r.Context(), clip)
	if err != nil {
		s.logger.Error("verify embedding failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "failed to extract voice-print")
		return
	}

	id, err := s.pipe.Identify(r.Context(), probe)
	if err != nil {
		s.logger.Error("verify lookup failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "registry query failed")
		return
	}

	resp := verifyResponse{Similarity: id.Similarity, Matched: id.Matched}
	if id.Matched {
		resp.SpeakerID = &id.SpeakerID
		resp.Name = &id.Name
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type processResponse struct {
	File     string             `json:"file"`
	Segments []pipeline.Segment `json:"segments"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	clip, ok := s.readAudioForm(w, r)
	if !ok {
		return
	}

	fileID := uuid.NewString()
	start := time.Now()
	segments, err := s.pipe.Process(r.Context(), clip)
	if err != nil {
		s.logger.Error("processing failed",
			slog.String("file", fileID),
			slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("processing failed: %v", err))
		return
	}

	s.logger.Info("audio processed",
		slog.String("file", fileID),
		slog.Int("segments", len(segments)),
		slog.Duration("elapsed", time.Since(start)))

	s.publishSegments(fileID, segments)
	s.writeJSON(w, http.StatusOK, processResponse{File: fileID, Segments: segments})
}

func (s *Server) publishSegments(fileID string, segments []pipeline.Segment) {
	for _, seg := range segments {
		evt := protocol.SegmentProcessed{
			File:      fileID,
			Start:     seg.Start,
			End:       seg.End,
			DiarLabel: seg.DiarLabel,
			Text:      seg.Text,
			Language:  seg.Language,
		}
		if seg.SpeakerID != nil {
			evt.SpeakerID = *seg.SpeakerID
		}
		if seg.SpeakerName != nil {
			evt.SpeakerName = *seg.SpeakerName
		}
		s.events.PublishSegment(evt)
	}
}

type enrollmentItem struct {
	SpeakerID string    `json:"speaker_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type enrollmentList struct {
	Count int              `json:"count"`
	Items []enrollmentItem `json:"items"`
}

func (s *Server) handleListEnrollments(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("list enrollments failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "failed to list enrollments")
		return
	}

	items := make([]enrollmentItem, 0, len(all))
	for _, e := range all {
		items = append(items, enrollmentItem{
			SpeakerID: e.SpeakerID,
			Name:      e.Name,
			CreatedAt: e.CreatedAt,
			UpdatedAt: e.UpdatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, enrollmentList{Count: len(items), Items: items})
}

type deleteResponse struct {
	SpeakerID string `json:"speaker_id"`
	Message   string `json:"message"`
}

func (s *Server) handleDeleteEnrollment(w http.ResponseWriter, r *http.Request) {
	speakerID := r.PathValue("speaker_id")
	err := s.store.Delete(r.Context(), speakerID)
	if errors.Is(err, registry.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "enrollment not found")
		return
	}
	if err != nil {
		s.logger.Error("delete enrollment failed", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "failed to delete enrollment")
		return
	}
	s.writeJSON(w, http.StatusOK, deleteResponse{SpeakerID: speakerID, Message: "deleted"})
}

// Healthy reports gateway readiness for the runtime probes.
func (s *Server) Healthy(ctx context.Context) bool {
	return s.store.Healthy(ctx)
}
