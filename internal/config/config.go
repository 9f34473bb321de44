package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type RegistryConfig struct {
	Path string `yaml:"path"`
}

// PipelineConfig carries the tunables of the segment/identify/transcribe
// pipeline. SimThreshold deliberately has no single "correct" value; deployed
// systems have used anything from 0.40 to 0.60.
type PipelineConfig struct {
	SampleRate            int     `yaml:"sample_rate"`
	MinSegmentDuration    float64 `yaml:"min_segment_duration_s"`
	MinTranscribeDuration float64 `yaml:"min_transcribe_duration_s"`
	SimThreshold          float64 `yaml:"sim_threshold"`
	TranslateNonEnglish   bool    `yaml:"translate_non_english"`
}

type DiarizerConfig struct {
	Mode     string `yaml:"mode"` // mock, exec, http
	Command  string `yaml:"command"`
	Endpoint string `yaml:"endpoint"`
}

type EmbedderConfig struct {
	Mode       string `yaml:"mode"` // mock, exec, http
	Command    string `yaml:"command"`
	Endpoint   string `yaml:"endpoint"`
	Dimensions int    `yaml:"dimensions"`
}

type ASRConfig struct {
	Mode           string `yaml:"mode"` // mock, exec, whisper-http
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Endpoint       string `yaml:"endpoint"`
	APIKey         string `yaml:"api_key"`
	Model          string `yaml:"model"`
	TranslateModel string `yaml:"translate_model"`
}

type ChatConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Mode          string  `yaml:"mode"` // mock, openai, ollama
	Endpoint      string  `yaml:"endpoint"`
	APIKey        string  `yaml:"api_key"`
	Model         string  `yaml:"model"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	HistoryWindow int     `yaml:"history_window"`
	SystemPrompt  string  `yaml:"system_prompt"`
}

type TTSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Mode     string `yaml:"mode"` // mock, http
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Voice    string `yaml:"voice"`
}

type RealtimeConfig struct {
	VoiceRMSThreshold float64 `yaml:"voice_rms_threshold"`
	CallTimeout       int     `yaml:"call_timeout_s"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Registry    RegistryConfig  `yaml:"registry"`
	Pipeline    PipelineConfig  `yaml:"pipeline"`
	Diarizer    DiarizerConfig  `yaml:"diarizer"`
	Embedder    EmbedderConfig  `yaml:"embedder"`
	ASR         ASRConfig       `yaml:"asr"`
	Chat        ChatConfig      `yaml:"chat"`
	TTS         TTSConfig       `yaml:"tts"`
	Realtime    RealtimeConfig  `yaml:"realtime"`
}

func Default() Config {
	return Config{
		RuntimeName: "speakbee-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Registry: RegistryConfig{
			Path: "./data/speakbee-enrollments.db",
		},
		Pipeline: PipelineConfig{
			SampleRate:            16000,
			MinSegmentDuration:    0.9,
			MinTranscribeDuration: 0.2,
			SimThreshold:          0.40,
			TranslateNonEnglish:   true,
		},
		Diarizer: DiarizerConfig{
			Mode: "mock",
		},
		Embedder: EmbedderConfig{
			Mode:       "mock",
			Dimensions: 512,
		},
		ASR: ASRConfig{
			Mode:  "mock",
			Model: "whisper-large-v3",
		},
		Chat: ChatConfig{
			Enabled:       true,
			Mode:          "mock",
			Endpoint:      "https://api.groq.com/openai/v1",
			Model:         "llama-3.1-8b-instant",
			MaxTokens:     256,
			Temperature:   0.6,
			HistoryWindow: 10,
			SystemPrompt:  "You are a helpful assistant. Be concise and friendly.",
		},
		TTS: TTSConfig{
			Enabled:  false,
			Mode:     "mock",
			Endpoint: "https://api.openai.com/v1",
			Model:    "tts-1",
			Voice:    "alloy",
		},
		Realtime: RealtimeConfig{
			VoiceRMSThreshold: 0.005,
			CallTimeout:       60,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SPEAKBEE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SPEAKBEE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SPEAKBEE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SPEAKBEE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SPEAKBEE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SPEAKBEE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SPEAKBEE_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "SPEAKBEE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SPEAKBEE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SPEAKBEE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SPEAKBEE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SPEAKBEE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SPEAKBEE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SPEAKBEE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SPEAKBEE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SPEAKBEE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Registry.Path, "SPEAKBEE_REGISTRY_PATH")
	overrideInt(&cfg.Pipeline.SampleRate, "SPEAKBEE_PIPELINE_SAMPLE_RATE")
	overrideFloat(&cfg.Pipeline.MinSegmentDuration, "SPEAKBEE_PIPELINE_MIN_SEGMENT_DURATION_S")
	overrideFloat(&cfg.Pipeline.MinTranscribeDuration, "SPEAKBEE_PIPELINE_MIN_TRANSCRIBE_DURATION_S")
	overrideFloat(&cfg.Pipeline.SimThreshold, "SPEAKBEE_PIPELINE_SIM_THRESHOLD")
	overrideBool(&cfg.Pipeline.TranslateNonEnglish, "SPEAKBEE_PIPELINE_TRANSLATE_NON_ENGLISH")
	overrideString(&cfg.Diarizer.Mode, "SPEAKBEE_DIARIZER_MODE")
	overrideString(&cfg.Diarizer.Command, "SPEAKBEE_DIARIZER_COMMAND")
	overrideString(&cfg.Diarizer.Endpoint, "SPEAKBEE_DIARIZER_ENDPOINT")
	overrideString(&cfg.Embedder.Mode, "SPEAKBEE_EMBEDDER_MODE")
	overrideString(&cfg.Embedder.Command, "SPEAKBEE_EMBEDDER_COMMAND")
	overrideString(&cfg.Embedder.Endpoint, "SPEAKBEE_EMBEDDER_ENDPOINT")
	overrideInt(&cfg.Embedder.Dimensions, "SPEAKBEE_EMBEDDER_DIMENSIONS")
	overrideString(&cfg.ASR.Mode, "SPEAKBEE_ASR_MODE")
	overrideString(&cfg.ASR.Command, "SPEAKBEE_ASR_COMMAND")
	overrideString(&cfg.ASR.ModelPath, "SPEAKBEE_ASR_MODEL_PATH")
	overrideString(&cfg.ASR.Endpoint, "SPEAKBEE_ASR_ENDPOINT")
	overrideString(&cfg.ASR.APIKey, "SPEAKBEE_ASR_API_KEY")
	overrideString(&cfg.ASR.Model, "SPEAKBEE_ASR_MODEL")
	overrideString(&cfg.ASR.TranslateModel, "SPEAKBEE_ASR_TRANSLATE_MODEL")
	overrideBool(&cfg.Chat.Enabled, "SPEAKBEE_CHAT_ENABLED")
	overrideString(&cfg.Chat.Mode, "SPEAKBEE_CHAT_MODE")
	overrideString(&cfg.Chat.Endpoint, "SPEAKBEE_CHAT_ENDPOINT")
	overrideString(&cfg.Chat.APIKey, "SPEAKBEE_CHAT_API_KEY")
	overrideString(&cfg.Chat.Model, "SPEAKBEE_CHAT_MODEL")
	overrideInt(&cfg.Chat.MaxTokens, "SPEAKBEE_CHAT_MAX_TOKENS")
	overrideFloat(&cfg.Chat.Temperature, "SPEAKBEE_CHAT_TEMPERATURE")
	overrideInt(&cfg.Chat.HistoryWindow, "SPEAKBEE_CHAT_HISTORY_WINDOW")
	overrideString(&cfg.Chat.SystemPrompt, "SPEAKBEE_CHAT_SYSTEM_PROMPT")
	overrideBool(&cfg.TTS.Enabled, "SPEAKBEE_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "SPEAKBEE_TTS_MODE")
	overrideString(&cfg.TTS.Endpoint, "SPEAKBEE_TTS_ENDPOINT")
	overrideString(&cfg.TTS.APIKey, "SPEAKBEE_TTS_API_KEY")
	overrideString(&cfg.TTS.Model, "SPEAKBEE_TTS_MODEL")
	overrideString(&cfg.TTS.Voice, "SPEAKBEE_TTS_VOICE")
	overrideFloat(&cfg.Realtime.VoiceRMSThreshold, "SPEAKBEE_REALTIME_VOICE_RMS_THRESHOLD")
	overrideInt(&cfg.Realtime.CallTimeout, "SPEAKBEE_REALTIME_CALL_TIMEOUT_S")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Registry.Path == "" {
		return errors.New("registry.path must not be empty")
	}
	if cfg.Pipeline.SampleRate <= 0 {
		return errors.New("pipeline.sample_rate must be positive")
	}
	if cfg.Pipeline.MinSegmentDuration < 0 {
		return errors.New("pipeline.min_segment_duration_s must be >= 0")
	}
	if cfg.Pipeline.MinTranscribeDuration < 0 {
		return errors.New("pipeline.min_transcribe_duration_s must be >= 0")
	}
	if cfg.Pipeline.SimThreshold < -1 || cfg.Pipeline.SimThreshold > 1 {
		return errors.New("pipeline.sim_threshold must be within [-1, 1]")
	}
	switch cfg.Diarizer.Mode {
	case "mock", "exec", "http":
	default:
		return errors.New("diarizer.mode must be one of mock|exec|http")
	}
	if cfg.Diarizer.Mode == "exec" && cfg.Diarizer.Command == "" {
		return errors.New("diarizer.command must be set when mode=exec")
	}
	if cfg.Diarizer.Mode == "http" && cfg.Diarizer.Endpoint == "" {
		return errors.New("diarizer.endpoint must be set when mode=http")
	}
	switch cfg.Embedder.Mode {
	case "mock", "exec", "http":
	default:
		return errors.New("embedder.mode must be one of mock|exec|http")
	}
	if cfg.Embedder.Mode == "exec" && cfg.Embedder.Command == "" {
		return errors.New("embedder.command must be set when mode=exec")
	}
	if cfg.Embedder.Mode == "http" && cfg.Embedder.Endpoint == "" {
		return errors.New("embedder.endpoint must be set when mode=http")
	}
	if cfg.Embedder.Dimensions <= 0 {
		return errors.New("embedder.dimensions must be positive")
	}
	switch cfg.ASR.Mode {
	case "mock", "exec", "whisper-http":
	default:
		return errors.New("asr.mode must be one of mock|exec|whisper-http")
	}
	if cfg.ASR.Mode == "exec" && cfg.ASR.Command == "" {
		return errors.New("asr.command must be set when mode=exec")
	}
	if cfg.ASR.Mode == "whisper-http" && cfg.ASR.Endpoint == "" {
		return errors.New("asr.endpoint must be set when mode=whisper-http")
	}
	if cfg.Chat.Enabled {
		switch cfg.Chat.Mode {
		case "mock", "openai", "ollama":
		default:
			return errors.New("chat.mode must be one of mock|openai|ollama")
		}
		if cfg.Chat.Mode != "mock" && cfg.Chat.Endpoint == "" {
			return errors.New("chat.endpoint must be set unless mode=mock")
		}
		if cfg.Chat.MaxTokens < 0 {
			return errors.New("chat.max_tokens must be >= 0")
		}
		if cfg.Chat.HistoryWindow <= 0 {
			return errors.New("chat.history_window must be >= 1")
		}
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "http":
		default:
			return errors.New("tts.mode must be one of mock|http")
		}
		if cfg.TTS.Mode == "http" && cfg.TTS.Endpoint == "" {
			return errors.New("tts.endpoint must be set when mode=http")
		}
	}
	if cfg.Realtime.VoiceRMSThreshold < 0 {
		return errors.New("realtime.voice_rms_threshold must be >= 0")
	}
	if cfg.Realtime.CallTimeout <= 0 {
		return errors.New("realtime.call_timeout_s must be positive")
	}
	return nil
}
