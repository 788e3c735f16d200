package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`

	HTTPAddr          string        `env:"HTTP_ADDR" envDefault:":8001"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"60s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15m"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	MaxUploadMB       int64         `env:"MAX_UPLOAD_MB" envDefault:"100"`
	TrustProxyHeaders bool          `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	AdminToken string `env:"ADMIN_TOKEN"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	UploadDir string `env:"UPLOAD_DIR" envDefault:"./uploads"`
	S3        S3Config

	Engine EngineConfig
	Worker WorkerConfig

	CleanupSchedule string        `env:"CLEANUP_SCHEDULE" envDefault:"@every 1h"`
	CleanupMaxAge   time.Duration `env:"CLEANUP_MAX_AGE" envDefault:"24h"`

	WatchDir string `env:"WATCH_DIR"`

	MQTTBrokerURL   string `env:"MQTT_BROKER_URL"`
	MQTTClientID    string `env:"MQTT_CLIENT_ID" envDefault:"whisper-queue"`
	MQTTTopicPrefix string `env:"MQTT_TOPIC_PREFIX" envDefault:"whisper-queue"`
	MQTTUsername    string `env:"MQTT_USERNAME"`
	MQTTPassword    string `env:"MQTT_PASSWORD"`

	DefaultKeyName       string `env:"DEFAULT_API_KEY_NAME" envDefault:"API Default"`
	DefaultKeyExpireDays int    `env:"DEFAULT_API_KEY_EXPIRES_DAYS" envDefault:"365"`
	DefaultKeyAllowedIPs string `env:"DEFAULT_API_KEY_ALLOWED_IPS"`
}

// S3Config selects the S3 audio backend. Empty bucket means local storage.
type S3Config struct {
	Bucket    string `env:"S3_BUCKET"`
	Endpoint  string `env:"S3_ENDPOINT"`
	Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
	Prefix    string `env:"S3_PREFIX"`
}

// Enabled reports whether uploads go to S3 instead of UPLOAD_DIR.
func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

type EngineConfig struct {
	Provider        string        `env:"ENGINE_PROVIDER" envDefault:"whisper"`
	WhisperURL      string        `env:"WHISPER_URL" envDefault:"http://localhost:8000"`
	WhisperModel    string        `env:"WHISPER_MODEL" envDefault:"base"`
	DeepInfraAPIKey string        `env:"DEEPINFRA_API_KEY"`
	WhisperCppBin   string        `env:"WHISPERCPP_BIN" envDefault:"whisper-cli"`
	WhisperCppModel string        `env:"WHISPERCPP_MODEL_PATH"`
	DecodeAudio     bool          `env:"DECODE_AUDIO" envDefault:"true"`
	FFmpegPath      string        `env:"FFMPEG_PATH" envDefault:"ffmpeg"`
	Timeout         time.Duration `env:"TRANSCRIBE_TIMEOUT" envDefault:"30m"`
	LoadAttempts    int           `env:"MODEL_LOAD_ATTEMPTS" envDefault:"3"`
	LoadBackoff     time.Duration `env:"MODEL_LOAD_BACKOFF" envDefault:"5s"`
}

type WorkerConfig struct {
	Enabled         bool          `env:"WORKER_ENABLED" envDefault:"true"`
	PollInterval    time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"5s"`
	FailureCooldown time.Duration `env:"WORKER_FAILURE_COOLDOWN" envDefault:"3s"`
	JobPause        time.Duration `env:"WORKER_JOB_PAUSE" envDefault:"1s"`
	ErrorCooldown   time.Duration `env:"WORKER_ERROR_COOLDOWN" envDefault:"10s"`
	LockFile        string        `env:"WORKER_LOCK_FILE" envDefault:"./whisper-queue-worker.lock"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	UploadDir   string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.UploadDir != "" {
		cfg.UploadDir = overrides.UploadDir
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required (or pass --database-url)")
	}
	switch c.Engine.Provider {
	case "whisper", "deepinfra", "whispercpp":
	default:
		return fmt.Errorf("ENGINE_PROVIDER %q: must be whisper, deepinfra or whispercpp", c.Engine.Provider)
	}
	if c.Engine.LoadAttempts < 1 {
		return fmt.Errorf("MODEL_LOAD_ATTEMPTS must be >= 1, got %d", c.Engine.LoadAttempts)
	}
	if c.MaxUploadMB < 1 {
		return fmt.Errorf("MAX_UPLOAD_MB must be >= 1, got %d", c.MaxUploadMB)
	}
	return nil
}

// DefaultKeyIPs splits DEFAULT_API_KEY_ALLOWED_IPS on commas.
func (c *Config) DefaultKeyIPs() []string {
	var ips []string
	for _, s := range strings.Split(c.DefaultKeyAllowedIPs, ",") {
		if s = strings.TrimSpace(s); s != "" {
			ips = append(ips, s)
		}
	}
	return ips
}
