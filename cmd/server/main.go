package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/amillerrr/vod-pipeline/internal/api"
	"github.com/amillerrr/vod-pipeline/internal/auth"
	"github.com/amillerrr/vod-pipeline/internal/config"
	"github.com/amillerrr/vod-pipeline/internal/health"
	"github.com/amillerrr/vod-pipeline/internal/ingest"
	"github.com/amillerrr/vod-pipeline/internal/integrity"
	"github.com/amillerrr/vod-pipeline/internal/logger"
	"github.com/amillerrr/vod-pipeline/internal/observability"
	"github.com/amillerrr/vod-pipeline/internal/playback"
	"github.com/amillerrr/vod-pipeline/internal/rollup"
	"github.com/amillerrr/vod-pipeline/internal/storage"
	"github.com/amillerrr/vod-pipeline/internal/transcoder"
	"github.com/amillerrr/vod-pipeline/internal/upload"
	"github.com/amillerrr/vod-pipeline/internal/worker"
)

const (
	ServiceName           = "vod-pipeline"
	TracerShutdownTimeout = 5 * time.Second
	AWSConfigTimeout      = 10 * time.Second
)

func main() {
	// Load .env file if present
	envErr := godotenv.Load()

	cfg, err := config.LoadServer()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Observability.LogLevel)
	slog.SetDefault(log)
	if envErr != nil {
		log.Info("No .env file found, using system environment variables")
	}

	if err := run(cfg, log); err != nil {
		log.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("Server shutdown complete")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, ServiceName, cfg, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), TracerShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	for _, dir := range []string{cfg.Storage.UploadRoot, cfg.Storage.RawRoot, cfg.Storage.VideoRoot, cfg.Storage.ThumbRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	awsCfg, err := loadAWS(ctx, cfg)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, awsCfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	jwtSecret, err := cfg.GetJWTSecret()
	if err != nil {
		return err
	}
	jwtService, err := auth.NewJWTService(jwtSecret)
	if err != nil {
		return fmt.Errorf("create JWT service: %w", err)
	}
	rateLimiter := auth.NewRateLimiter(auth.DefaultRateLimiterConfig())

	ffmpeg := transcoder.NewFFmpeg(cfg.Transcode.FFmpegBin, cfg.Transcode.FFprobeBin, log)
	if err := ffmpeg.CheckBinaries(); err != nil {
		// Uploads still work; jobs fail until the binaries are installed.
		log.Warn("Encoder binaries unavailable", "error", err)
	}
	packager := transcoder.NewPackager(ffmpeg, cfg.Storage.VideoRoot, cfg.Transcode.SegmentSeconds, log)
	thumbnailer := transcoder.NewThumbnailer(ffmpeg, cfg.Storage.ThumbRoot, cfg.Transcode.ThumbnailOffset, log)

	policy := integrity.Policy{
		MaxBytes:          cfg.Upload.MaxUploadBytes,
		AllowedExtensions: cfg.Upload.AllowedExtensions,
	}

	queue := worker.NewQueue(cfg.Transcode.QueueCapacity, store)

	var mirror worker.Mirror
	healthConfig := health.DefaultConfig(ServiceName, log)
	healthConfig.Store = store
	healthConfig.Binaries = ffmpeg
	if cfg.AWS.MirrorBucket != "" {
		s3Client := s3.NewFromConfig(awsCfg)
		mirror = storage.NewMirror(s3Client, cfg.AWS.MirrorBucket, cfg.AWS.MirrorPrefix, log)
		healthConfig.S3Client = s3Client
		healthConfig.S3Bucket = cfg.AWS.MirrorBucket
		log.Info("HLS mirror enabled", "bucket", cfg.AWS.MirrorBucket, "prefix", cfg.AWS.MirrorPrefix)
	}

	videoWorker := worker.New(&worker.Config{
		Queue:       queue,
		Store:       store,
		Checker:     ffmpeg,
		Packager:    packager,
		Thumbnailer: thumbnailer,
		Mirror:      mirror,
		Logger:      log,
	})

	uploads := upload.NewManager(upload.Config{
		Store:            store,
		Policy:           policy,
		UploadRoot:       cfg.Storage.UploadRoot,
		RawRoot:          cfg.Storage.RawRoot,
		DefaultChunkSize: cfg.Upload.DefaultChunkSize,
		MinChunkSize:     cfg.Upload.MinChunkSize,
		Logger:           log,
	})
	sweeper := upload.NewSweeper(store, cfg.Storage.UploadRoot, cfg.Upload.SessionMaxAge, cfg.Upload.SweepInterval, log)

	ingestService := ingest.NewService(ingest.Config{
		Store:       store,
		Prober:      ffmpeg,
		Queue:       queue,
		Thumbnailer: thumbnailer,
		Policy:      policy,
		RawRoot:     cfg.Storage.RawRoot,
		Logger:      log,
	})

	aggregator := rollup.NewAggregator(store, cfg.Rollup.Interval, cfg.Rollup.Wake, cfg.Rollup.WindowDays, log)

	server := api.NewServer(&api.ServerConfig{
		Port:           cfg.API.Port,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         log,
		Handlers: api.NewHandlers(&api.HandlersConfig{
			Logger:         log,
			Uploads:        uploads,
			Ingest:         ingestService,
			Playback:       playback.NewService(store, cfg.Playback.AllowPublic, log),
			Thumbnails:     thumbnailer,
			MaxUploadBytes: cfg.Upload.MaxUploadBytes,
		}),
		JWTService:    jwtService,
		RateLimiter:   rateLimiter,
		HealthChecker: health.NewChecker(healthConfig),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error { return videoWorker.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error { return aggregator.Run(ctx) })
	g.Go(func() error { return rateLimiter.Run(ctx) })

	log.Info("Service started",
		"backend", cfg.Storage.Backend,
		"videoRoot", cfg.Storage.VideoRoot,
		"publicPlayback", cfg.Playback.AllowPublic,
	)
	return g.Wait()
}

// loadAWS returns an instrumented AWS config when a component needs one.
func loadAWS(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	if cfg.Storage.Backend != config.BackendDynamoDB && cfg.AWS.MirrorBucket == "" {
		return aws.Config{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, AWSConfigTimeout)
	defer cancel()

	awsCfg, err := storage.LoadAWSConfig(ctx, cfg.AWS.Region)
	if err != nil {
		return aws.Config{}, err
	}
	return awsCfg, nil
}

func openStore(ctx context.Context, cfg *config.Config, awsCfg aws.Config, log *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pool, err := storage.Connect(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store := storage.NewPostgresStore(pool)
		if cfg.Storage.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			log.Info("Database migrations applied")
		}
		return store, nil

	case config.BackendDynamoDB:
		log.Info("Using DynamoDB store; view rollup is unavailable", "table", cfg.AWS.DynamoDBTable)
		return storage.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.AWS.DynamoDBTable), nil

	case config.BackendMemory:
		log.Warn("Using in-memory store; data is lost on restart")
		return storage.NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unsupported store backend %q", cfg.Storage.Backend)
	}
}
