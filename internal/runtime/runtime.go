package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/speakbeelabs/speakbee-core/internal/asr"
	"github.com/speakbeelabs/speakbee-core/internal/bus"
	"github.com/speakbeelabs/speakbee-core/internal/chat"
	"github.com/speakbeelabs/speakbee-core/internal/config"
	"github.com/speakbeelabs/speakbee-core/internal/diarize"
	"github.com/speakbeelabs/speakbee-core/internal/embed"
	"github.com/speakbeelabs/speakbee-core/internal/gateway"
	"github.com/speakbeelabs/speakbee-core/internal/natsserver"
	"github.com/speakbeelabs/speakbee-core/internal/pipeline"
	"github.com/speakbeelabs/speakbee-core/internal/registry"
	"github.com/speakbeelabs/speakbee-core/internal/session"
	"github.com/speakbeelabs/speakbee-core/internal/tts"
)

// Runtime owns every long-lived component of the daemon and drives startup
// and shutdown ordering.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	store       *registry.Store
	busClient   *bus.Client
	natsServer  *natsserver.EmbeddedServer
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Enabled {
		ns, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.natsServer = ns

		client, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			r.natsServer.Shutdown()
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		r.busClient = client
	}

	store, err := registry.Open(ctx, r.cfg.Registry, r.logger)
	if err != nil {
		r.closeBus()
		return fmt.Errorf("failed to open enrollment registry: %w", err)
	}
	r.store = store

	srv, err := r.buildGateway()
	if err != nil {
		r.closeAll()
		return err
	}

	mux := http.NewServeMux()
	srv.Register(mux)
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.closeAll()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildGateway assembles the inference providers and the HTTP surface.
func (r *Runtime) buildGateway() (*gateway.Server, error) {
	segmenter, err := r.buildSegmenter()
	if err != nil {
		return nil, err
	}
	extractor, err := r.buildExtractor()
	if err != nil {
		return nil, err
	}
	engine, err := r.buildEngine()
	if err != nil {
		return nil, err
	}

	pipe := pipeline.New(segmenter, extractor, engine, r.store, r.cfg.Pipeline, r.logger)
	sessions := session.NewManager()
	handler := session.NewHandler(pipe, engine, r.buildGenerator(), r.buildSynthesizer(), r.store, r.busClient, r.cfg, r.logger)

	return gateway.NewServer(pipe, r.store, sessions, handler, r.busClient, r.cfg, r.logger), nil
}

func (r *Runtime) buildSegmenter() (diarize.Segmenter, error) {
	switch r.cfg.Diarizer.Mode {
	case "exec":
		return diarize.NewExecSegmenter(r.cfg.Diarizer.Command)
	case "http":
		return diarize.NewHTTPSegmenter(r.cfg.Diarizer.Endpoint, nil), nil
	default:
		return diarize.NewMockSegmenter(), nil
	}
}

func (r *Runtime) buildExtractor() (embed.Extractor, error) {
	switch r.cfg.Embedder.Mode {
	case "exec":
		return embed.NewExecExtractor(r.cfg.Embedder.Command)
	case "http":
		return embed.NewHTTPExtractor(r.cfg.Embedder.Endpoint, nil), nil
	default:
		return embed.NewMockExtractor(r.cfg.Embedder.Dimensions), nil
	}
}

func (r *Runtime) buildEngine() (*asr.Engine, error) {
	var primary asr.Recognizer
	switch r.cfg.ASR.Mode {
	case "exec":
		rec, err := asr.NewExecRecognizer(r.cfg.ASR.Command, r.cfg.ASR.ModelPath)
		if err != nil {
			return nil, err
		}
		primary = rec
	case "whisper-http":
		primary = asr.NewWhisperHTTPRecognizer(asr.WhisperHTTPConfig{
			Endpoint:       r.cfg.ASR.Endpoint,
			APIKey:         r.cfg.ASR.APIKey,
			Model:          r.cfg.ASR.Model,
			TranslateModel: r.cfg.ASR.TranslateModel,
		}, nil)
	default:
		primary = asr.NewMockRecognizer("en", "")
	}
	return asr.NewEngine(primary, nil, r.cfg.Pipeline.TranslateNonEnglish, r.cfg.Pipeline.MinTranscribeDuration, r.logger), nil
}

func (r *Runtime) buildGenerator() chat.Generator {
	if !r.cfg.Chat.Enabled {
		return chat.NewMockGenerator()
	}
	switch r.cfg.Chat.Mode {
	case "openai":
		return chat.NewOpenAIGenerator(r.cfg.Chat.Endpoint, r.cfg.Chat.APIKey, r.cfg.Chat.Model)
	case "ollama":
		return chat.NewOllamaGenerator(r.cfg.Chat.Endpoint, r.cfg.Chat.Model)
	default:
		return chat.NewMockGenerator()
	}
}

func (r *Runtime) buildSynthesizer() tts.Synthesizer {
	if !r.cfg.TTS.Enabled {
		return nil
	}
	switch r.cfg.TTS.Mode {
	case "http":
		return tts.NewHTTPSynthesizer(r.cfg.TTS.Endpoint, r.cfg.TTS.APIKey, r.cfg.TTS.Model, r.cfg.TTS.Voice)
	default:
		return tts.NewMockSynthesizer(r.cfg.Pipeline.SampleRate)
	}
}

func (r *Runtime) closeBus() {
	if r.busClient != nil {
		r.busClient.Close()
		r.busClient = nil
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
		r.natsServer = nil
	}
}

func (r *Runtime) closeAll() {
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("registry close error", slog.String("error", err.Error()))
		}
		r.store = nil
	}
	r.closeBus()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.ready.Load() && r.store != nil && r.store.Healthy(req.Context()) && (r.busClient == nil || r.busClient.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
