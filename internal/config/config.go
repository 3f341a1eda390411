package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	API           APIConfig
	Storage       StorageConfig
	Upload        UploadConfig
	Transcode     TranscodeConfig
	Playback      PlaybackConfig
	Rollup        RollupConfig
	AWS           AWSConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Port      string
	JWTSecret string
}

// StorageConfig selects the persistence backend and the on-disk roots.
type StorageConfig struct {
	Backend     string
	DatabaseURL string
	AutoMigrate bool
	UploadRoot  string
	RawRoot     string
	VideoRoot   string
	ThumbRoot   string
}

// UploadConfig holds limits for direct and chunked uploads.
type UploadConfig struct {
	MaxUploadBytes    int64
	DefaultChunkSize  int64
	MinChunkSize      int64
	AllowedExtensions []string
	SessionMaxAge     time.Duration
	SweepInterval     time.Duration
}

// TranscodeConfig holds encoder and queue configuration.
type TranscodeConfig struct {
	FFmpegBin       string
	FFprobeBin      string
	SegmentSeconds  int
	QueueCapacity   int
	ThumbnailOffset string
}

// PlaybackConfig holds playback feature flags.
type PlaybackConfig struct {
	AllowPublic bool
}

// RollupConfig holds view aggregation scheduling.
type RollupConfig struct {
	Interval   time.Duration
	Wake       time.Duration
	WindowDays int
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Region        string
	DynamoDBTable string
	MirrorBucket  string
	MirrorPrefix  string
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
	LogLevel     string
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Storage backends
const (
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

// Default values
const (
	DefaultPort             = "8080"
	DefaultRegion           = "us-west-2"
	DefaultMaxUploadMB      = 600
	DefaultChunkSize        = 8 << 20
	DefaultMinChunkSize     = 256 << 10
	DefaultSessionMaxAge    = 24 * time.Hour
	DefaultSweepInterval    = time.Hour
	DefaultSegmentSeconds   = 4
	DefaultQueueCapacity    = 1024
	DefaultThumbnailOffset  = "00:00:01"
	DefaultRollupInterval   = 24 * time.Hour
	DefaultRollupWake       = time.Hour
	DefaultRollupWindowDays = 3
	DefaultMirrorPrefix     = "hls"
)

// DefaultAllowedExtensions lists accepted source containers.
var DefaultAllowedExtensions = []string{".mp4", ".mov", ".mkv", ".avi"}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dataRoot := getEnv("DATA_ROOT", "data")

	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		API: APIConfig{
			Port:      getEnv("PORT", DefaultPort),
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Storage: StorageConfig{
			Backend:     strings.ToLower(getEnv("STORE_BACKEND", BackendPostgres)),
			DatabaseURL: os.Getenv("DATABASE_URL"),
			AutoMigrate: getEnvBool("AUTO_MIGRATE", true),
			UploadRoot:  getEnv("UPLOAD_ROOT", dataRoot+"/chunks"),
			RawRoot:     getEnv("RAW_ROOT", dataRoot+"/uploads"),
			VideoRoot:   getEnv("VIDEO_ROOT", dataRoot+"/videos"),
			ThumbRoot:   getEnv("THUMB_ROOT", dataRoot+"/thumbnails"),
		},
		Upload: UploadConfig{
			MaxUploadBytes:    int64(getEnvInt("MAX_UPLOAD_MB", DefaultMaxUploadMB)) << 20,
			DefaultChunkSize:  getEnvInt64("UPLOAD_CHUNK_SIZE", DefaultChunkSize),
			MinChunkSize:      getEnvInt64("UPLOAD_MIN_CHUNK_SIZE", DefaultMinChunkSize),
			AllowedExtensions: normalizeExtensions(getEnvSlice("ALLOWED_VIDEO_EXTENSIONS", DefaultAllowedExtensions)),
			SessionMaxAge:     getEnvDuration("UPLOAD_MAX_AGE", DefaultSessionMaxAge),
			SweepInterval:     getEnvDuration("UPLOAD_SWEEP_INTERVAL", DefaultSweepInterval),
		},
		Transcode: TranscodeConfig{
			FFmpegBin:       os.Getenv("FFMPEG_BIN"),
			FFprobeBin:      os.Getenv("FFPROBE_BIN"),
			SegmentSeconds:  getEnvInt("HLS_SEGMENT_SECONDS", DefaultSegmentSeconds),
			QueueCapacity:   getEnvInt("QUEUE_CAPACITY", DefaultQueueCapacity),
			ThumbnailOffset: getEnv("THUMBNAIL_OFFSET", DefaultThumbnailOffset),
		},
		Playback: PlaybackConfig{
			AllowPublic: getEnvBool("ALLOW_PUBLIC_PLAYBACK", false),
		},
		Rollup: RollupConfig{
			Interval:   getEnvDuration("ROLLUP_INTERVAL", DefaultRollupInterval),
			Wake:       getEnvDuration("ROLLUP_WAKE", DefaultRollupWake),
			WindowDays: getEnvInt("ROLLUP_WINDOW_DAYS", DefaultRollupWindowDays),
		},
		AWS: AWSConfig{
			Region:        getEnv("AWS_REGION", DefaultRegion),
			DynamoDBTable: os.Getenv("DYNAMODB_TABLE"),
			MirrorBucket:  os.Getenv("MIRROR_BUCKET"),
			MirrorPrefix:  getEnv("MIRROR_PREFIX", DefaultMirrorPrefix),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			LogLevel:     getEnv("LOG_LEVEL", "info"),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", nil),
		},
	}

	return cfg, nil
}

// LoadServer loads and validates configuration for the server binary.
func LoadServer() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.Storage.Backend {
	case BackendPostgres:
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, "DATABASE_URL is required for the postgres backend")
		}
	case BackendDynamoDB:
		if c.AWS.DynamoDBTable == "" {
			errs = append(errs, "DYNAMODB_TABLE is required for the dynamodb backend")
		}
	case BackendMemory:
		if c.IsProduction() {
			errs = append(errs, "STORE_BACKEND=memory is not allowed in production")
		}
	default:
		errs = append(errs, fmt.Sprintf("STORE_BACKEND %q is not supported", c.Storage.Backend))
	}

	if c.Upload.MinChunkSize > c.Upload.DefaultChunkSize {
		errs = append(errs, "UPLOAD_MIN_CHUNK_SIZE must not exceed UPLOAD_CHUNK_SIZE")
	}
	if len(c.Upload.AllowedExtensions) == 0 {
		errs = append(errs, "ALLOWED_VIDEO_EXTENSIONS must list at least one extension")
	}
	if c.Upload.SweepInterval < time.Hour {
		errs = append(errs, "UPLOAD_SWEEP_INTERVAL must be at least 1h")
	}
	if c.Rollup.Wake > c.Rollup.Interval {
		errs = append(errs, "ROLLUP_WAKE must not exceed ROLLUP_INTERVAL")
	}

	if _, err := c.GetJWTSecret(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// GetJWTSecret returns the JWT secret used to verify bearer tokens.
func (c *Config) GetJWTSecret() ([]byte, error) {
	secret := c.API.JWTSecret

	if secret == "" {
		return nil, errors.New("JWT_SECRET is required (set it even for development)")
	}

	if len(secret) < 32 && c.IsProduction() {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}

	return []byte(secret), nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

func normalizeExtensions(exts []string) []string {
	result := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		result = append(result, ext)
	}
	return result
}
