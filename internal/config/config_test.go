package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("MAX_UPLOAD_MB", "10")
	t.Setenv("ALLOWED_VIDEO_EXTENSIONS", "mp4, .MOV")
	t.Setenv("ALLOW_PUBLIC_PLAYBACK", "true")
	t.Setenv("ROLLUP_INTERVAL", "12h")
	t.Setenv("DATA_ROOT", "/srv/vod")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("Backend = %v, want %v", cfg.Storage.Backend, BackendMemory)
	}
	if cfg.Upload.MaxUploadBytes != 10<<20 {
		t.Errorf("MaxUploadBytes = %d, want %d", cfg.Upload.MaxUploadBytes, 10<<20)
	}
	if got := strings.Join(cfg.Upload.AllowedExtensions, ","); got != ".mp4,.mov" {
		t.Errorf("AllowedExtensions = %v, want .mp4,.mov", got)
	}
	if !cfg.Playback.AllowPublic {
		t.Error("AllowPublic = false, want true")
	}
	if cfg.Rollup.Interval != 12*time.Hour {
		t.Errorf("Rollup.Interval = %v, want 12h", cfg.Rollup.Interval)
	}
	if cfg.Storage.VideoRoot != "/srv/vod/videos" {
		t.Errorf("VideoRoot = %v, want /srv/vod/videos", cfg.Storage.VideoRoot)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Upload.DefaultChunkSize != DefaultChunkSize {
		t.Errorf("DefaultChunkSize = %d, want %d", cfg.Upload.DefaultChunkSize, DefaultChunkSize)
	}
	if cfg.Transcode.SegmentSeconds != DefaultSegmentSeconds {
		t.Errorf("SegmentSeconds = %d, want %d", cfg.Transcode.SegmentSeconds, DefaultSegmentSeconds)
	}
	if cfg.Rollup.WindowDays != DefaultRollupWindowDays {
		t.Errorf("WindowDays = %d, want %d", cfg.Rollup.WindowDays, DefaultRollupWindowDays)
	}
	if cfg.Playback.AllowPublic {
		t.Error("AllowPublic should default to false")
	}
}

func validConfig() *Config {
	return &Config{
		Environment: "dev",
		API:         APIConfig{JWTSecret: "dev-secret"},
		Storage:     StorageConfig{Backend: BackendPostgres, DatabaseURL: "postgres://localhost/vod"},
		Upload: UploadConfig{
			DefaultChunkSize:  DefaultChunkSize,
			MinChunkSize:      DefaultMinChunkSize,
			AllowedExtensions: DefaultAllowedExtensions,
			SweepInterval:     DefaultSweepInterval,
		},
		Rollup: RollupConfig{Interval: DefaultRollupInterval, Wake: DefaultRollupWake},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"postgres without url", func(c *Config) { c.Storage.DatabaseURL = "" }, "DATABASE_URL"},
		{"dynamodb without table", func(c *Config) { c.Storage.Backend = BackendDynamoDB }, "DYNAMODB_TABLE"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "sqlite" }, "not supported"},
		{"memory in production", func(c *Config) {
			c.Storage.Backend = BackendMemory
			c.Environment = "production"
			c.API.JWTSecret = strings.Repeat("x", 32)
		}, "not allowed in production"},
		{"min chunk above default", func(c *Config) { c.Upload.MinChunkSize = c.Upload.DefaultChunkSize + 1 }, "UPLOAD_MIN_CHUNK_SIZE"},
		{"sweep too frequent", func(c *Config) { c.Upload.SweepInterval = time.Minute }, "UPLOAD_SWEEP_INTERVAL"},
		{"missing jwt secret", func(c *Config) { c.API.JWTSecret = "" }, "JWT_SECRET"},
		{"short secret in production", func(c *Config) { c.Environment = "prod" }, "at least 32"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestIsProduction(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"prod", true},
		{"Production", true},
		{"dev", false},
		{"staging", false},
	}

	for _, tt := range tests {
		cfg := &Config{Environment: tt.env}
		if got := cfg.IsProduction(); got != tt.want {
			t.Errorf("IsProduction(%q) = %v, want %v", tt.env, got, tt.want)
		}
	}
}
