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
	TraceExporter  string `yaml:"trace_exporter"` // stdout, otlp, none
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName   string              `yaml:"runtime_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Bus           BusConfig           `yaml:"bus"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Capture       CaptureConfig       `yaml:"capture"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Turn          TurnConfig          `yaml:"turn"`
	Interview     InterviewConfig     `yaml:"interview"`
	Rendezvous    RendezvousConfig    `yaml:"rendezvous"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Evaluator     EvaluatorConfig     `yaml:"evaluator"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// CaptureConfig describes the media the capture manager requests.
type CaptureConfig struct {
	Video           bool   `yaml:"video"`
	Audio           bool   `yaml:"audio"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	RecordAnswers   bool   `yaml:"record_answers"`
	RecordDir       string `yaml:"record_dir"`
}

type TranscriptionConfig struct {
	Mode              string   `yaml:"mode"` // scripted, websocket, none
	Endpoint          string   `yaml:"endpoint"`
	Language          string   `yaml:"language"`
	MinConfidence     float64  `yaml:"min_confidence"`
	NoSpeechBackoffMS int      `yaml:"no_speech_backoff_ms"`
	NetworkBackoffMS  int      `yaml:"network_backoff_ms"`
	EndRestartDelayMS int      `yaml:"end_restart_delay_ms"`
	Script            []string `yaml:"script"`
	ScriptWordMS      int      `yaml:"script_word_ms"`
}

type TurnConfig struct {
	TickMS         int `yaml:"tick_ms"`
	SilenceSeconds int `yaml:"silence_seconds"`
	MinWords       int `yaml:"min_words"`
	MinChars       int `yaml:"min_chars"`
}

type InterviewConfig struct {
	QuestionsFile string   `yaml:"questions_file"`
	Questions     []string `yaml:"questions"`
	Role          string   `yaml:"role"`
}

type RendezvousConfig struct {
	Enabled          bool   `yaml:"enabled"`
	DirectoryURL     string `yaml:"directory_url"`
	SessionKey       string `yaml:"session_key"`
	PollIntervalMS   int    `yaml:"poll_interval_ms"`
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
}

type DirectoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Backend       string `yaml:"backend"` // memory, redis
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
	PeerTTLSec    int    `yaml:"peer_ttl_s"`
}

type EvaluatorConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Mode        string  `yaml:"mode"` // mock, ollama, exec
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-interview",
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
			TraceExporter:  "stdout",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/interview-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Capture: CaptureConfig{
			Video:           true,
			Audio:           true,
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			RecordDir:       "./data/recordings",
		},
		Transcription: TranscriptionConfig{
			Mode:              "scripted",
			Endpoint:          "ws://localhost:2700",
			Language:          "en-US",
			MinConfidence:     0.3,
			NoSpeechBackoffMS: 1000,
			NetworkBackoffMS:  2000,
			EndRestartDelayMS: 100,
			ScriptWordMS:      300,
		},
		Turn: TurnConfig{
			TickMS:         1000,
			SilenceSeconds: 4,
			MinWords:       15,
			MinChars:       80,
		},
		Interview: InterviewConfig{
			Role: "software engineer",
		},
		Rendezvous: RendezvousConfig{
			Enabled:          true,
			DirectoryURL:     "http://localhost:8080",
			PollIntervalMS:   2000,
			RequestTimeoutMS: 5000,
		},
		Directory: DirectoryConfig{
			Enabled:    true,
			Backend:    "memory",
			RedisAddr:  "localhost:6379",
			KeyPrefix:  "loqa:room:",
			PeerTTLSec: 3600,
		},
		Evaluator: EvaluatorConfig{
			Enabled:     true,
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   256,
			Temperature: 0.2,
			TimeoutMS:   60000,
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
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Capture.Video, "LOQA_CAPTURE_VIDEO")
	overrideBool(&cfg.Capture.Audio, "LOQA_CAPTURE_AUDIO")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FrameDurationMS, "LOQA_CAPTURE_FRAME_DURATION_MS")
	overrideBool(&cfg.Capture.RecordAnswers, "LOQA_CAPTURE_RECORD_ANSWERS")
	overrideString(&cfg.Capture.RecordDir, "LOQA_CAPTURE_RECORD_DIR")
	overrideString(&cfg.Transcription.Mode, "LOQA_TRANSCRIPTION_MODE")
	overrideString(&cfg.Transcription.Endpoint, "LOQA_TRANSCRIPTION_ENDPOINT")
	overrideString(&cfg.Transcription.Language, "LOQA_TRANSCRIPTION_LANGUAGE")
	overrideFloat(&cfg.Transcription.MinConfidence, "LOQA_TRANSCRIPTION_MIN_CONFIDENCE")
	overrideInt(&cfg.Transcription.NoSpeechBackoffMS, "LOQA_TRANSCRIPTION_NO_SPEECH_BACKOFF_MS")
	overrideInt(&cfg.Transcription.NetworkBackoffMS, "LOQA_TRANSCRIPTION_NETWORK_BACKOFF_MS")
	overrideInt(&cfg.Transcription.EndRestartDelayMS, "LOQA_TRANSCRIPTION_END_RESTART_DELAY_MS")
	overrideInt(&cfg.Transcription.ScriptWordMS, "LOQA_TRANSCRIPTION_SCRIPT_WORD_MS")
	overrideInt(&cfg.Turn.TickMS, "LOQA_TURN_TICK_MS")
	overrideInt(&cfg.Turn.SilenceSeconds, "LOQA_TURN_SILENCE_SECONDS")
	overrideInt(&cfg.Turn.MinWords, "LOQA_TURN_MIN_WORDS")
	overrideInt(&cfg.Turn.MinChars, "LOQA_TURN_MIN_CHARS")
	overrideString(&cfg.Interview.QuestionsFile, "LOQA_INTERVIEW_QUESTIONS_FILE")
	overrideString(&cfg.Interview.Role, "LOQA_INTERVIEW_ROLE")
	overrideBool(&cfg.Rendezvous.Enabled, "LOQA_RENDEZVOUS_ENABLED")
	overrideString(&cfg.Rendezvous.DirectoryURL, "LOQA_RENDEZVOUS_DIRECTORY_URL")
	overrideString(&cfg.Rendezvous.SessionKey, "LOQA_RENDEZVOUS_SESSION_KEY")
	overrideInt(&cfg.Rendezvous.PollIntervalMS, "LOQA_RENDEZVOUS_POLL_INTERVAL_MS")
	overrideInt(&cfg.Rendezvous.RequestTimeoutMS, "LOQA_RENDEZVOUS_REQUEST_TIMEOUT_MS")
	overrideBool(&cfg.Directory.Enabled, "LOQA_DIRECTORY_ENABLED")
	overrideString(&cfg.Directory.Backend, "LOQA_DIRECTORY_BACKEND")
	overrideString(&cfg.Directory.RedisAddr, "LOQA_DIRECTORY_REDIS_ADDR")
	overrideString(&cfg.Directory.RedisPassword, "LOQA_DIRECTORY_REDIS_PASSWORD")
	overrideInt(&cfg.Directory.RedisDB, "LOQA_DIRECTORY_REDIS_DB")
	overrideString(&cfg.Directory.KeyPrefix, "LOQA_DIRECTORY_KEY_PREFIX")
	overrideInt(&cfg.Directory.PeerTTLSec, "LOQA_DIRECTORY_PEER_TTL_S")
	overrideBool(&cfg.Evaluator.Enabled, "LOQA_EVALUATOR_ENABLED")
	overrideString(&cfg.Evaluator.Mode, "LOQA_EVALUATOR_MODE")
	overrideString(&cfg.Evaluator.Endpoint, "LOQA_EVALUATOR_ENDPOINT")
	overrideString(&cfg.Evaluator.Command, "LOQA_EVALUATOR_COMMAND")
	overrideString(&cfg.Evaluator.Model, "LOQA_EVALUATOR_MODEL")
	overrideInt(&cfg.Evaluator.MaxTokens, "LOQA_EVALUATOR_MAX_TOKENS")
	overrideFloat(&cfg.Evaluator.Temperature, "LOQA_EVALUATOR_TEMPERATURE")
	overrideInt(&cfg.Evaluator.TimeoutMS, "LOQA_EVALUATOR_TIMEOUT_MS")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "stdout", "otlp", "none":
	default:
		return errors.New("telemetry.trace_exporter must be one of stdout|otlp|none")
	}
	if !cfg.Capture.Audio {
		return errors.New("capture.audio must be enabled")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.RecordAnswers && cfg.Capture.RecordDir == "" {
		return errors.New("capture.record_dir must be set when record_answers is enabled")
	}
	switch cfg.Transcription.Mode {
	case "scripted", "websocket", "none":
	default:
		return errors.New("transcription.mode must be one of scripted|websocket|none")
	}
	if cfg.Transcription.Mode == "websocket" && cfg.Transcription.Endpoint == "" {
		return errors.New("transcription.endpoint must be set when mode=websocket")
	}
	if cfg.Transcription.MinConfidence < 0 || cfg.Transcription.MinConfidence > 1 {
		return errors.New("transcription.min_confidence must be between 0 and 1")
	}
	if cfg.Transcription.NoSpeechBackoffMS <= 0 || cfg.Transcription.NetworkBackoffMS <= 0 || cfg.Transcription.EndRestartDelayMS <= 0 {
		return errors.New("transcription backoff delays must be positive")
	}
	if cfg.Turn.TickMS <= 0 {
		return errors.New("turn.tick_ms must be positive")
	}
	if cfg.Turn.SilenceSeconds <= 0 {
		return errors.New("turn.silence_seconds must be positive")
	}
	if cfg.Turn.MinWords < 0 || cfg.Turn.MinChars < 0 {
		return errors.New("turn.min_words and turn.min_chars must be >= 0")
	}
	if cfg.Rendezvous.Enabled {
		if cfg.Rendezvous.DirectoryURL == "" {
			return errors.New("rendezvous.directory_url must be set when rendezvous is enabled")
		}
		if cfg.Rendezvous.PollIntervalMS <= 0 {
			return errors.New("rendezvous.poll_interval_ms must be positive")
		}
	}
	if cfg.Directory.Enabled {
		switch cfg.Directory.Backend {
		case "memory":
		case "redis":
			if cfg.Directory.RedisAddr == "" {
				return errors.New("directory.redis_addr must be set when backend=redis")
			}
		default:
			return errors.New("directory.backend must be one of memory|redis")
		}
		if cfg.Directory.PeerTTLSec < 0 {
			return errors.New("directory.peer_ttl_s must be >= 0")
		}
	}
	if cfg.Evaluator.Enabled {
		switch cfg.Evaluator.Mode {
		case "mock", "ollama", "exec":
		default:
			return errors.New("evaluator.mode must be one of mock|ollama|exec")
		}
		if cfg.Evaluator.Mode == "ollama" && cfg.Evaluator.Endpoint == "" {
			return errors.New("evaluator.endpoint must be set when mode=ollama")
		}
		if cfg.Evaluator.Mode == "exec" && cfg.Evaluator.Command == "" {
			return errors.New("evaluator.command must be set when mode=exec")
		}
		if cfg.Evaluator.MaxTokens < 0 {
			return errors.New("evaluator.max_tokens must be >= 0")
		}
	}
	return nil
}
