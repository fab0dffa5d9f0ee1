package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel          string `yaml:"log_level"`
	OTLPEndpoint      string `yaml:"otlp_endpoint"`
	OTLPInsecure      bool   `yaml:"otlp_insecure"`
	TraceStdout       bool   `yaml:"trace_stdout"`
	PrometheusEnabled bool   `yaml:"prometheus_enabled"`
}

type HTTPConfig struct {
	Bind         string `yaml:"bind"`
	Port         int    `yaml:"port"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

type Config struct {
	ServiceName string           `yaml:"service_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	IAM         IAMConfig        `yaml:"iam"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Storage     StorageConfig    `yaml:"storage"`
	Story       StoryConfig      `yaml:"story"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Sentry      SentryConfig     `yaml:"sentry"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// IAMConfig describes the identity provider that exchanges the long-lived
// API key for short-lived bearer tokens.
type IAMConfig struct {
	URL            string `yaml:"url"`
	APIKey         string `yaml:"api_key"`
	ExpiryBufferMS int    `yaml:"expiry_buffer_ms"`
	TimeoutMS      int    `yaml:"timeout_ms"`
}

type LLMConfig struct {
	Mode                string  `yaml:"mode"` // live, mock
	Endpoint            string  `yaml:"endpoint"`
	APIVersion          string  `yaml:"api_version"`
	ModelID             string  `yaml:"model_id"`
	ProjectID           string  `yaml:"project_id"`
	MaxNewTokens        int     `yaml:"max_new_tokens"`
	ModerationThreshold float64 `yaml:"moderation_threshold"`
	TimeoutMS           int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	Mode            string `yaml:"mode"` // google, exec, mock
	Host            string `yaml:"host"`
	Language        string `yaml:"language"`
	Command         string `yaml:"command"`
	Format          string `yaml:"format"`
	MaxSegmentRunes int    `yaml:"max_segment_runes"`
	Workers         int    `yaml:"workers"`
	WorkDir         string `yaml:"work_dir"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

type StorageConfig struct {
	Backend       string   `yaml:"backend"` // local, s3
	AudioDir      string   `yaml:"audio_dir"`
	UploadDir     string   `yaml:"upload_dir"`
	AudioBaseURL  string   `yaml:"audio_base_url"`
	UploadBaseURL string   `yaml:"upload_base_url"`
	S3            S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

type StoryConfig struct {
	RequestTimeoutMS int    `yaml:"request_timeout_ms"`
	ImageDescriptor  string `yaml:"image_descriptor"`
}

// EventStoreConfig controls the SQLite ledger of story events. Retention mode
// "ephemeral" keeps nothing.
type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRequests   int    `yaml:"max_requests"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type RateLimitConfig struct {
	Enabled  bool `yaml:"enabled"`
	Requests int  `yaml:"requests"`
	WindowMS int  `yaml:"window_ms"`

	// TrustForwarded keys clients on X-Forwarded-For. Enable only behind a
	// proxy that overwrites the header.
	TrustForwarded bool `yaml:"trust_forwarded"`
}

type SentryConfig struct {
	DSN              string  `yaml:"dsn"`
	TracesSampleRate float64 `yaml:"traces_sample_rate"`
}

func Default() Config {
	return Config{
		ServiceName: "soil-song-api",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:         "0.0.0.0",
			Port:         3000,
			MaxBodyBytes: 5 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:          "info",
			OTLPInsecure:      true,
			PrometheusEnabled: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		IAM: IAMConfig{
			URL:            "https://iam.cloud.ibm.com/identity/token",
			ExpiryBufferMS: 5 * 60 * 1000,
			TimeoutMS:      10000,
		},
		LLM: LLMConfig{
			Mode:                "live",
			Endpoint:            "https://us-south.ml.cloud.ibm.com/ml/v1/text/generation",
			APIVersion:          "2023-05-29",
			ModelID:             "ibm/granite-13b-instruct-v2",
			MaxNewTokens:        4000,
			ModerationThreshold: 0.5,
			TimeoutMS:           60000,
		},
		TTS: TTSConfig{
			Mode:            "google",
			Host:            "https://translate.google.com",
			Language:        "en-US",
			Format:          "mp3",
			MaxSegmentRunes: 200,
			Workers:         4,
			TimeoutMS:       15000,
		},
		Storage: StorageConfig{
			Backend:       "local",
			AudioDir:      "./public/audio",
			UploadDir:     "./uploads",
			AudioBaseURL:  "/audio",
			UploadBaseURL: "/uploads",
		},
		Story: StoryConfig{
			RequestTimeoutMS: 120000,
			ImageDescriptor:  "a soil sample with visible texture and coloration",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/soilsong-events.db",
			RetentionMode: "persistent",
			RetentionDays: 30,
			MaxRequests:   10000,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Requests: 100,
			WindowMS: 15 * 60 * 1000,
		},
		Sentry: SentryConfig{
			TracesSampleRate: 0.2,
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

// Duration converts a millisecond setting into a time.Duration.
func Duration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Production reports whether the service runs in a production environment.
func (c Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ServiceName, "SOILSONG_SERVICE_NAME")
	overrideString(&cfg.Environment, "SOILSONG_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SOILSONG_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SOILSONG_HTTP_PORT")
	overrideInt64(&cfg.HTTP.MaxBodyBytes, "SOILSONG_HTTP_MAX_BODY_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "SOILSONG_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SOILSONG_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SOILSONG_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "SOILSONG_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Telemetry.PrometheusEnabled, "SOILSONG_TELEMETRY_PROMETHEUS_ENABLED")
	overrideBool(&cfg.Bus.Enabled, "SOILSONG_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SOILSONG_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SOILSONG_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SOILSONG_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SOILSONG_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SOILSONG_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SOILSONG_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SOILSONG_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SOILSONG_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SOILSONG_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.IAM.URL, "SOILSONG_IAM_URL")
	overrideString(&cfg.IAM.APIKey, "SOILSONG_IAM_API_KEY")
	overrideInt(&cfg.IAM.ExpiryBufferMS, "SOILSONG_IAM_EXPIRY_BUFFER_MS")
	overrideInt(&cfg.IAM.TimeoutMS, "SOILSONG_IAM_TIMEOUT_MS")
	overrideString(&cfg.LLM.Mode, "SOILSONG_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "SOILSONG_LLM_ENDPOINT")
	overrideString(&cfg.LLM.APIVersion, "SOILSONG_LLM_API_VERSION")
	overrideString(&cfg.LLM.ModelID, "SOILSONG_LLM_MODEL_ID")
	overrideString(&cfg.LLM.ProjectID, "SOILSONG_LLM_PROJECT_ID")
	overrideInt(&cfg.LLM.MaxNewTokens, "SOILSONG_LLM_MAX_NEW_TOKENS")
	overrideFloat(&cfg.LLM.ModerationThreshold, "SOILSONG_LLM_MODERATION_THRESHOLD")
	overrideInt(&cfg.LLM.TimeoutMS, "SOILSONG_LLM_TIMEOUT_MS")
	overrideString(&cfg.TTS.Mode, "SOILSONG_TTS_MODE")
	overrideString(&cfg.TTS.Host, "SOILSONG_TTS_HOST")
	overrideString(&cfg.TTS.Language, "SOILSONG_TTS_LANGUAGE")
	overrideString(&cfg.TTS.Command, "SOILSONG_TTS_COMMAND")
	overrideString(&cfg.TTS.Format, "SOILSONG_TTS_FORMAT")
	overrideInt(&cfg.TTS.MaxSegmentRunes, "SOILSONG_TTS_MAX_SEGMENT_RUNES")
	overrideInt(&cfg.TTS.Workers, "SOILSONG_TTS_WORKERS")
	overrideString(&cfg.TTS.WorkDir, "SOILSONG_TTS_WORK_DIR")
	overrideInt(&cfg.TTS.TimeoutMS, "SOILSONG_TTS_TIMEOUT_MS")
	overrideString(&cfg.Storage.Backend, "SOILSONG_STORAGE_BACKEND")
	overrideString(&cfg.Storage.AudioDir, "SOILSONG_STORAGE_AUDIO_DIR")
	overrideString(&cfg.Storage.UploadDir, "SOILSONG_STORAGE_UPLOAD_DIR")
	overrideString(&cfg.Storage.AudioBaseURL, "SOILSONG_STORAGE_AUDIO_BASE_URL")
	overrideString(&cfg.Storage.UploadBaseURL, "SOILSONG_STORAGE_UPLOAD_BASE_URL")
	overrideString(&cfg.Storage.S3.Bucket, "SOILSONG_STORAGE_S3_BUCKET")
	overrideString(&cfg.Storage.S3.Prefix, "SOILSONG_STORAGE_S3_PREFIX")
	overrideString(&cfg.Storage.S3.Region, "SOILSONG_STORAGE_S3_REGION")
	overrideString(&cfg.Storage.S3.Endpoint, "SOILSONG_STORAGE_S3_ENDPOINT")
	overrideString(&cfg.Storage.S3.AccessKeyID, "SOILSONG_STORAGE_S3_ACCESS_KEY_ID")
	overrideString(&cfg.Storage.S3.SecretAccessKey, "SOILSONG_STORAGE_S3_SECRET_ACCESS_KEY")
	overrideBool(&cfg.Storage.S3.UsePathStyle, "SOILSONG_STORAGE_S3_USE_PATH_STYLE")
	overrideInt(&cfg.Story.RequestTimeoutMS, "SOILSONG_STORY_REQUEST_TIMEOUT_MS")
	overrideString(&cfg.Story.ImageDescriptor, "SOILSONG_STORY_IMAGE_DESCRIPTOR")
	overrideString(&cfg.EventStore.Path, "SOILSONG_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SOILSONG_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SOILSONG_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRequests, "SOILSONG_EVENT_STORE_MAX_REQUESTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SOILSONG_EVENT_STORE_VACUUM_ON_START")
	overrideBool(&cfg.RateLimit.Enabled, "SOILSONG_RATE_LIMIT_ENABLED")
	overrideInt(&cfg.RateLimit.Requests, "SOILSONG_RATE_LIMIT_REQUESTS")
	overrideInt(&cfg.RateLimit.WindowMS, "SOILSONG_RATE_LIMIT_WINDOW_MS")
	overrideBool(&cfg.RateLimit.TrustForwarded, "SOILSONG_RATE_LIMIT_TRUST_FORWARDED")
	overrideString(&cfg.Sentry.DSN, "SOILSONG_SENTRY_DSN")
	overrideFloat(&cfg.Sentry.TracesSampleRate, "SOILSONG_SENTRY_TRACES_SAMPLE_RATE")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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
	if cfg.ServiceName == "" {
		return errors.New("service_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		return errors.New("http.max_body_bytes must be positive")
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
	switch cfg.LLM.Mode {
	case "mock":
	case "live":
		if cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=live")
		}
		if cfg.LLM.ModelID == "" {
			return errors.New("llm.model_id must be set when mode=live")
		}
		if cfg.IAM.URL == "" {
			return errors.New("iam.url must be set when llm.mode=live")
		}
		if cfg.IAM.ExpiryBufferMS < 0 {
			return errors.New("iam.expiry_buffer_ms must be >= 0")
		}
		if cfg.IAM.TimeoutMS <= 0 {
			return errors.New("iam.timeout_ms must be positive")
		}
		if cfg.LLM.MaxNewTokens <= 0 {
			return errors.New("llm.max_new_tokens must be positive")
		}
		if cfg.LLM.TimeoutMS <= 0 {
			return errors.New("llm.timeout_ms must be positive")
		}
	default:
		return errors.New("llm.mode must be one of live|mock")
	}
	switch cfg.TTS.Mode {
	case "mock", "google":
	case "exec":
		if cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
	default:
		return errors.New("tts.mode must be one of google|exec|mock")
	}
	if cfg.TTS.MaxSegmentRunes <= 0 {
		return errors.New("tts.max_segment_runes must be positive")
	}
	if cfg.TTS.Workers <= 0 {
		return errors.New("tts.workers must be >= 1")
	}
	if cfg.TTS.TimeoutMS <= 0 {
		return errors.New("tts.timeout_ms must be positive")
	}
	switch cfg.Storage.Backend {
	case "local":
		if cfg.Storage.AudioDir == "" || cfg.Storage.UploadDir == "" {
			return errors.New("storage.audio_dir and storage.upload_dir must not be empty")
		}
	case "s3":
		if cfg.Storage.S3.Bucket == "" {
			return errors.New("storage.s3.bucket must be set when backend=s3")
		}
		if cfg.Storage.S3.Region == "" {
			return errors.New("storage.s3.region must be set when backend=s3")
		}
		if !strings.HasPrefix(cfg.Storage.AudioBaseURL, "http") {
			return errors.New("storage.audio_base_url must be an absolute URL when backend=s3")
		}
	default:
		return errors.New("storage.backend must be one of local|s3")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must be set when retention_mode=persistent")
		}
	default:
		return errors.New("event_store.retention_mode must be one of persistent|ephemeral")
	}
	if cfg.Story.RequestTimeoutMS <= 0 {
		return errors.New("story.request_timeout_ms must be positive")
	}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Requests <= 0 {
			return errors.New("rate_limit.requests must be positive")
		}
		if cfg.RateLimit.WindowMS <= 0 {
			return errors.New("rate_limit.window_ms must be positive")
		}
	}
	if cfg.Sentry.TracesSampleRate < 0 || cfg.Sentry.TracesSampleRate > 1 {
		return errors.New("sentry.traces_sample_rate must be between 0 and 1")
	}
	return nil
}
