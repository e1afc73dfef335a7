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
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type PipelineConfig struct {
	QueueCapacity       int  `yaml:"queue_capacity"`
	AllowInterruptions  bool `yaml:"allow_interruptions"`
	EnableMetrics       bool `yaml:"enable_metrics"`
	HeartbeatIntervalMS int  `yaml:"heartbeat_interval_ms"`
	AudioInSampleRate   int  `yaml:"audio_in_sample_rate"`
	AudioOutSampleRate  int  `yaml:"audio_out_sample_rate"`
}

type TransportConfig struct {
	Mode           string   `yaml:"mode"` // ws, nats
	Bind           string   `yaml:"bind"`
	Port           int      `yaml:"port"`
	Path           string   `yaml:"path"`
	EgressBuffer   int      `yaml:"egress_buffer"`
	Embedded       bool     `yaml:"embedded"`
	EmbeddedPort   int      `yaml:"embedded_port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectIn      string   `yaml:"subject_in"`
	SubjectOut     string   `yaml:"subject_out"`
}

type STTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type LLMConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"`
	System      string  `yaml:"system"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type TTSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type TraceStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxTurns      int    `yaml:"max_turns"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Transport   TransportConfig  `yaml:"transport"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	TraceStore  TraceStoreConfig `yaml:"trace_store"`
}

func Default() Config {
	return Config{
		RuntimeName: "cascade-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Pipeline: PipelineConfig{
			QueueCapacity:       64,
			AllowInterruptions:  true,
			EnableMetrics:       true,
			HeartbeatIntervalMS: 0,
			AudioInSampleRate:   16000,
			AudioOutSampleRate:  24000,
		},
		Transport: TransportConfig{
			Mode:           "ws",
			Bind:           "0.0.0.0",
			Port:           8090,
			Path:           "/stream",
			EgressBuffer:   64,
			Embedded:       true,
			EmbeddedPort:   4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectIn:      "cascade.frames.in",
			SubjectOut:     "cascade.frames.out",
		},
		STT: STTConfig{
			Enabled:    true,
			Mode:       "mock",
			SampleRate: 16000,
			Channels:   1,
		},
		LLM: LLMConfig{
			Enabled:     true,
			Mode:        "mock",
			MaxTokens:   256,
			Temperature: 0.7,
		},
		TTS: TTSConfig{
			Enabled:    true,
			Mode:       "mock",
			SampleRate: 24000,
			Channels:   1,
		},
		TraceStore: TraceStoreConfig{
			Path:          "./data/cascade-traces.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxTurns:      10000,
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
	overrideString(&cfg.RuntimeName, "CASCADE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "CASCADE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "CASCADE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "CASCADE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "CASCADE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "CASCADE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "CASCADE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "CASCADE_TELEMETRY_PROMETHEUS_BIND")
	overrideInt(&cfg.Pipeline.QueueCapacity, "CASCADE_PIPELINE_QUEUE_CAPACITY")
	overrideBool(&cfg.Pipeline.AllowInterruptions, "CASCADE_PIPELINE_ALLOW_INTERRUPTIONS")
	overrideBool(&cfg.Pipeline.EnableMetrics, "CASCADE_PIPELINE_ENABLE_METRICS")
	overrideInt(&cfg.Pipeline.HeartbeatIntervalMS, "CASCADE_PIPELINE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Pipeline.AudioInSampleRate, "CASCADE_PIPELINE_AUDIO_IN_SAMPLE_RATE")
	overrideInt(&cfg.Pipeline.AudioOutSampleRate, "CASCADE_PIPELINE_AUDIO_OUT_SAMPLE_RATE")
	overrideString(&cfg.Transport.Mode, "CASCADE_TRANSPORT_MODE")
	overrideString(&cfg.Transport.Bind, "CASCADE_TRANSPORT_BIND")
	overrideInt(&cfg.Transport.Port, "CASCADE_TRANSPORT_PORT")
	overrideString(&cfg.Transport.Path, "CASCADE_TRANSPORT_PATH")
	overrideInt(&cfg.Transport.EgressBuffer, "CASCADE_TRANSPORT_EGRESS_BUFFER")
	overrideBool(&cfg.Transport.Embedded, "CASCADE_TRANSPORT_EMBEDDED")
	overrideInt(&cfg.Transport.EmbeddedPort, "CASCADE_TRANSPORT_EMBEDDED_PORT")
	overrideStringSlice(&cfg.Transport.Servers, "CASCADE_TRANSPORT_SERVERS")
	overrideString(&cfg.Transport.Username, "CASCADE_TRANSPORT_USERNAME")
	overrideString(&cfg.Transport.Password, "CASCADE_TRANSPORT_PASSWORD")
	overrideString(&cfg.Transport.Token, "CASCADE_TRANSPORT_TOKEN")
	overrideBool(&cfg.Transport.TLSInsecure, "CASCADE_TRANSPORT_TLS_INSECURE")
	overrideInt(&cfg.Transport.ConnectTimeout, "CASCADE_TRANSPORT_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Transport.SubjectIn, "CASCADE_TRANSPORT_SUBJECT_IN")
	overrideString(&cfg.Transport.SubjectOut, "CASCADE_TRANSPORT_SUBJECT_OUT")
	overrideBool(&cfg.STT.Enabled, "CASCADE_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "CASCADE_STT_MODE")
	overrideString(&cfg.STT.Language, "CASCADE_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "CASCADE_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "CASCADE_STT_CHANNELS")
	overrideBool(&cfg.LLM.Enabled, "CASCADE_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "CASCADE_LLM_MODE")
	overrideString(&cfg.LLM.System, "CASCADE_LLM_SYSTEM")
	overrideInt(&cfg.LLM.MaxTokens, "CASCADE_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "CASCADE_LLM_TEMPERATURE")
	overrideBool(&cfg.TTS.Enabled, "CASCADE_TTS_ENABLED")
	overrideString(&cfg.TTS.Mode, "CASCADE_TTS_MODE")
	overrideString(&cfg.TTS.Voice, "CASCADE_TTS_VOICE")
	overrideInt(&cfg.TTS.SampleRate, "CASCADE_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "CASCADE_TTS_CHANNELS")
	overrideString(&cfg.TraceStore.Path, "CASCADE_TRACE_STORE_PATH")
	overrideString(&cfg.TraceStore.RetentionMode, "CASCADE_TRACE_STORE_RETENTION_MODE")
	overrideInt(&cfg.TraceStore.RetentionDays, "CASCADE_TRACE_STORE_RETENTION_DAYS")
	overrideInt(&cfg.TraceStore.MaxTurns, "CASCADE_TRACE_STORE_MAX_TURNS")
	overrideBool(&cfg.TraceStore.VacuumOnStart, "CASCADE_TRACE_STORE_VACUUM_ON_START")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
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
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Pipeline.QueueCapacity <= 0 {
		return errors.New("pipeline.queue_capacity must be positive")
	}
	if cfg.Pipeline.AudioInSampleRate <= 0 || cfg.Pipeline.AudioOutSampleRate <= 0 {
		return errors.New("pipeline audio sample rates must be positive")
	}
	switch cfg.Transport.Mode {
	case "ws":
		if cfg.Transport.Port <= 0 || cfg.Transport.Port > 65535 {
			return errors.New("transport.port must be between 1 and 65535")
		}
		if cfg.Transport.Path == "" {
			return errors.New("transport.path must not be empty when mode=ws")
		}
	case "nats":
		if cfg.Transport.Embedded {
			if cfg.Transport.EmbeddedPort <= 0 || cfg.Transport.EmbeddedPort > 65535 {
				return errors.New("transport.embedded_port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Transport.Servers) == 0 {
			return errors.New("transport.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Transport.SubjectIn == "" || cfg.Transport.SubjectOut == "" {
			return errors.New("transport subjects must not be empty when mode=nats")
		}
	default:
		return errors.New("transport.mode must be one of ws|nats")
	}
	// mode names resolve against the capability registry at build time, so
	// validation only insists one is set
	if cfg.STT.Enabled {
		if cfg.STT.Mode == "" {
			return errors.New("stt.mode must not be empty")
		}
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
	}
	if cfg.LLM.Enabled {
		if cfg.LLM.Mode == "" {
			return errors.New("llm.mode must not be empty")
		}
		if cfg.LLM.MaxTokens < 0 {
			return errors.New("llm.max_tokens must be >= 0")
		}
	}
	if cfg.TTS.Enabled {
		if cfg.TTS.Mode == "" {
			return errors.New("tts.mode must not be empty")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
	}
	if cfg.TraceStore.Path == "" {
		return errors.New("trace_store.path must not be empty")
	}
	switch cfg.TraceStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("trace_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.TraceStore.RetentionDays < 0 {
		return errors.New("trace_store.retention_days must be >= 0")
	}
	return nil
}
