package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the service. Values come from the
// environment (a .env file is loaded first when present), with defaults
// suitable for local development.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Storage   StorageConfig
	Upload    UploadConfig
	Merge     MergeConfig
	Media     MediaConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
}

type ServerConfig struct {
	Port string
	Mode string // debug, release or test (gin modes)
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string
}

type StorageConfig struct {
	// Driver selects the blob backend: "fs" or "s3".
	Driver string
	// FSRoot is the base directory for the fs driver.
	FSRoot string

	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Endpoint  string
}

type UploadConfig struct {
	// MaxSize is the largest declared file size accepted at initiate.
	MaxSize int64
	// MaxChunkSize is the largest single chunk body accepted.
	MaxChunkSize int64
	// SessionTTL is how long a session may stay incomplete before the
	// sweep expires it.
	SessionTTL time.Duration
	// AllowedTypes are the accepted declared mime types.
	AllowedTypes []string
	// SweepInterval is how often the expiry sweep runs.
	SweepInterval time.Duration
}

type MergeConfig struct {
	// Workers is the number of concurrent merge pipelines.
	Workers int
	// StageTimeout bounds each ffmpeg/ffprobe invocation.
	StageTimeout time.Duration
	// CompressThreshold is the artifact size above which a compression
	// pass runs during finalizing.
	CompressThreshold int64
	// SessionRetention is how long terminal merge sessions stay queryable
	// before the sweep removes them.
	SessionRetention time.Duration
	// KeepSources disables deletion of the three source upload objects
	// after a successful merge.
	KeepSources bool
}

type MediaConfig struct {
	FFmpegPath  string
	FFprobePath string
	// WorkDir is the scratch directory for staging clips during a merge.
	WorkDir string
}

type RateLimitConfig struct {
	UploadsPerMinute int
	MergesPerMinute  int
}

type WebhookConfig struct {
	// URL receives a POST when a merge session reaches a terminal state.
	// Empty disables the notifier.
	URL string
	// Secret signs the payload (X-Fibreel-Signature header).
	Secret string
}

func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		Server: ServerConfig{
			Port: getEnv("APP_PORT", "8080"),
			Mode: getEnv("APP_MODE", "debug"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			Name:     getEnv("DB_NAME", "fibreel_media"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "change-me"),
		},
		Storage: StorageConfig{
			Driver:      getEnv("STORAGE_DRIVER", "fs"),
			FSRoot:      getEnv("STORAGE_FS_ROOT", "./data"),
			S3Region:    getEnv("S3_REGION", ""),
			S3Bucket:    getEnv("S3_BUCKET", ""),
			S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
			S3SecretKey: getEnv("S3_SECRET_KEY", ""),
			S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		},
		Upload: UploadConfig{
			MaxSize:       getEnvAsSize("UPLOAD_MAX_SIZE", "100MB"),
			MaxChunkSize:  getEnvAsSize("UPLOAD_MAX_CHUNK_SIZE", "16MB"),
			SessionTTL:    getEnvAsDuration("UPLOAD_SESSION_TTL", time.Hour),
			AllowedTypes:  getEnvAsList("UPLOAD_ALLOWED_TYPES", "video/mp4,video/quicktime,video/webm"),
			SweepInterval: getEnvAsDuration("UPLOAD_SWEEP_INTERVAL", 5*time.Minute),
		},
		Merge: MergeConfig{
			Workers:           getEnvAsInt("MERGE_WORKERS", 2),
			StageTimeout:      getEnvAsDuration("MERGE_STAGE_TIMEOUT", 2*time.Minute),
			CompressThreshold: getEnvAsSize("MERGE_COMPRESS_THRESHOLD", "50MB"),
			SessionRetention:  getEnvAsDuration("MERGE_SESSION_RETENTION", 24*time.Hour),
			KeepSources:       getEnvAsBool("MERGE_KEEP_SOURCES", false),
		},
		Media: MediaConfig{
			FFmpegPath:  getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath: getEnv("FFPROBE_PATH", "ffprobe"),
			WorkDir:     getEnv("MEDIA_WORKDIR", os.TempDir()),
		},
		RateLimit: RateLimitConfig{
			UploadsPerMinute: getEnvAsInt("RATE_UPLOADS_PER_MIN", 30),
			MergesPerMinute:  getEnvAsInt("RATE_MERGES_PER_MIN", 10),
		},
		Webhook: WebhookConfig{
			URL:    getEnv("WEBHOOK_URL", ""),
			Secret: getEnv("WEBHOOK_SECRET", ""),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsSize parses human-readable sizes like "100MB" or "4MiB".
func getEnvAsSize(key, fallback string) int64 {
	valueStr := getEnv(key, fallback)
	if value, err := units.RAMInBytes(valueStr); err == nil {
		return value
	}
	value, err := units.RAMInBytes(fallback)
	if err != nil {
		log.Printf("invalid size fallback %q for %s", fallback, key)
		return 0
	}
	return value
}

func getEnvAsList(key, fallback string) []string {
	raw := getEnv(key, fallback)
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
