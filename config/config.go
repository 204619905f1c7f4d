package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	WebRTC    WebRTCConfig
	Signaling SignalingConfig
	AWS       AWSConfig
	Recording RecordingConfig
	Encoder   EncoderConfig
	Delivery  DeliveryConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string
	ReadTimeout  int
	WriteTimeout int
	BaseURL      string // public origin used to make artifact URLs absolute (APP_BASE_URL)
	CORSOrigins  string
}

// DatabaseConfig holds PostgreSQL connection settings for the call log.
// An empty URL and Host disables the call log.
type DatabaseConfig struct {
	URL      string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings. Empty Addr disables the delivery queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// WebRTCConfig holds STUN/TURN servers handed to browsers in the ready message.
type WebRTCConfig struct {
	ICEUrls    []string // comma-separated in env
	Username   string
	Credential string
}

// SignalingConfig holds websocket limits.
type SignalingConfig struct {
	ReadLimit    int64
	PingInterval time.Duration
	PongWait     time.Duration
	SendBuffer   int
}

// AWSConfig holds AWS credentials and the bucket recordings are mirrored to.
type AWSConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	RecordingsBucket string
}

// RecordingConfig holds chunked capture settings.
type RecordingConfig struct {
	Dir             string
	Mode            string // accumulate | segmented
	SegmentSeconds  int
	PublicPrefix    string
	MaxChunkBytes   int64
	PipeOpenTimeout time.Duration
	WriteTimeout    time.Duration
}

// EncoderConfig holds the external encoder binary and the standard delivery profile.
type EncoderConfig struct {
	Bin              string // empty: look up ffmpeg in PATH
	CRF              int
	Preset           string
	MaxWidth         int
	FPS              int
	AudioBitrate     string
	WaitTimeout      time.Duration
	TranscodeTimeout time.Duration
}

// DeliveryConfig holds the bot notification endpoint.
type DeliveryConfig struct {
	NotifyURL string
	Secret    string
	Timeout   time.Duration
	Mode      string // direct | queue
}

// Enabled reports whether a database was configured.
func (c DatabaseConfig) Enabled() bool {
	return c.URL != "" || c.Host != ""
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load() // .env

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			ReadTimeout:  getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout: getEnvInt("WRITE_TIMEOUT_SEC", 0),
			BaseURL:      strings.TrimRight(getEnv("APP_BASE_URL", ""), "/"),
			CORSOrigins:  getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", ""),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "tgringer"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		WebRTC: WebRTCConfig{
			ICEUrls:    splitTrim(getEnv("TURN_URLS", "stun:stun.l.google.com:19302"), ","),
			Username:   getEnv("TURN_USERNAME", ""),
			Credential: getEnv("TURN_PASSWORD", ""),
		},
		Signaling: SignalingConfig{
			ReadLimit:    int64(getEnvInt("WS_READ_LIMIT_BYTES", 1<<20)),
			PingInterval: getEnvDuration("WS_PING_INTERVAL", 30*time.Second),
			PongWait:     getEnvDuration("WS_PONG_WAIT", 60*time.Second),
			SendBuffer:   getEnvInt("WS_SEND_BUFFER", 256),
		},
		AWS: AWSConfig{
			Region:           getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket: getEnv("AWS_S3_RECORDINGS_BUCKET", ""),
		},
		Recording: RecordingConfig{
			Dir:             getEnv("RECORD_DIR", "static/records"),
			Mode:            strings.ToLower(getEnv("RECORD_MODE", "accumulate")),
			SegmentSeconds:  getEnvInt("RECORD_SEGMENT_SECONDS", 60),
			PublicPrefix:    strings.TrimRight(getEnv("RECORD_PUBLIC_PREFIX", "/static/records"), "/"),
			MaxChunkBytes:   int64(getEnvInt("RECORD_MAX_CHUNK_BYTES", 64<<20)),
			PipeOpenTimeout: getEnvDuration("RECORD_PIPE_OPEN_TIMEOUT", 5*time.Second),
			WriteTimeout:    getEnvDuration("RECORD_WRITE_TIMEOUT", 10*time.Second),
		},
		Encoder: EncoderConfig{
			Bin:              getEnv("FFMPEG_BIN", ""),
			CRF:              getEnvInt("ENCODER_CRF", 28),
			Preset:           getEnv("ENCODER_PRESET", "ultrafast"),
			MaxWidth:         getEnvInt("ENCODER_MAX_WIDTH", 1280),
			FPS:              getEnvInt("ENCODER_FPS", 30),
			AudioBitrate:     getEnv("ENCODER_AUDIO_BITRATE", "128k"),
			WaitTimeout:      getEnvDuration("ENCODER_WAIT_TIMEOUT", 30*time.Second),
			TranscodeTimeout: getEnvDuration("ENCODER_TRANSCODE_TIMEOUT", 10*time.Minute),
		},
		Delivery: DeliveryConfig{
			NotifyURL: getEnv("BOT_RECORD_NOTIFY_URL", ""),
			Secret:    getEnv("BOT_NOTIFY_SECRET", ""),
			Timeout:   getEnvDuration("DELIVERY_TIMEOUT", 20*time.Second),
			Mode:      strings.ToLower(getEnv("DELIVERY_MODE", "direct")),
		},
	}
	if cfg.Recording.Mode != "accumulate" && cfg.Recording.Mode != "segmented" {
		return nil, fmt.Errorf("RECORD_MODE must be accumulate or segmented, got %q", cfg.Recording.Mode)
	}
	if cfg.Delivery.Mode == "queue" && cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("DELIVERY_MODE=queue requires REDIS_ADDR")
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
