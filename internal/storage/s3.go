package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/amillerrr/vod-pipeline/internal/metrics"
)

// Mirror configuration
const (
	MaxConcurrentUploads = 20
)

var tracer = otel.Tracer("vod-storage")

// LoadAWSConfig loads the default AWS configuration with OpenTelemetry instrumentation.
func LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Add OpenTelemetry instrumentation
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	return awsCfg, nil
}

// PutObjectAPI is the S3 operation used by Mirror.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Mirror copies finished HLS packages to an S3 bucket. The local copy stays
// authoritative for playback.
type Mirror struct {
	client PutObjectAPI
	bucket string
	prefix string
	log    *slog.Logger
}

// NewMirror creates a Mirror writing under prefix in bucket.
func NewMirror(client PutObjectAPI, bucket, prefix string, log *slog.Logger) *Mirror {
	return &Mirror{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    log,
	}
}

// Upload walks dir and puts every file under <prefix>/<videoID>/.
func (m *Mirror) Upload(ctx context.Context, videoID, dir string) error {
	ctx, span := tracer.Start(ctx, "mirror-hls")
	defer span.End()

	start := time.Now()

	var filesUploaded atomic.Int64
	var totalBytes atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentUploads)

	walkErr := filepath.Walk(dir, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		// Key info holds an absolute local path; it is only meaningful to the encoder.
		if filepath.Base(filePath) == "enc.keyinfo" {
			return nil
		}

		if gctx.Err() != nil {
			return gctx.Err()
		}

		relPath, err := filepath.Rel(dir, filePath)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}
		key := path.Join(m.prefix, videoID, filepath.ToSlash(relPath))
		size := info.Size()

		g.Go(func() error {
			file, err := os.Open(filePath)
			if err != nil {
				return fmt.Errorf("failed to open file %s: %w", filePath, err)
			}
			defer file.Close()

			_, err = m.client.PutObject(gctx, &s3.PutObjectInput{
				Bucket:      aws.String(m.bucket),
				Key:         aws.String(key),
				Body:        file,
				ContentType: aws.String(ContentType(filePath)),
			})
			if err != nil {
				return fmt.Errorf("failed to upload %s: %w", key, err)
			}

			filesUploaded.Add(1)
			totalBytes.Add(size)
			m.log.DebugContext(gctx, "Uploaded file", "key", key)
			return nil
		})

		return nil
	})

	uploadErr := g.Wait()
	if walkErr != nil {
		return walkErr
	}
	if uploadErr != nil {
		return uploadErr
	}

	metrics.MirrorDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int64("files.uploaded", filesUploaded.Load()),
		attribute.Int64("bytes.total", totalBytes.Load()),
	)

	m.log.InfoContext(ctx, "HLS mirror complete",
		"videoId", videoID,
		"bucket", m.bucket,
		"filesUploaded", filesUploaded.Load(),
		"totalBytes", totalBytes.Load(),
	)

	return nil
}

// ContentType returns the MIME type served for a package file.
func ContentType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/MP2T"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
