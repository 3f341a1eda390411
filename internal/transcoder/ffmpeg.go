package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/vod-pipeline/pkg/models"
)

// stderrTailLines is how much ffmpeg output is kept for error reports.
const stderrTailLines = 20

var tracer = otel.Tracer("vod-transcoder")

// MediaInfo describes the probed source.
type MediaInfo struct {
	Width    int
	Height   int
	FPS      float64
	HasAudio bool
	Duration float64
}

// DefaultMediaInfo is assumed when the source cannot be probed.
func DefaultMediaInfo() MediaInfo {
	return MediaInfo{Width: 1920, Height: 1080, FPS: 25}
}

// EncodeRequest is a single multi-rendition HLS encode.
type EncodeRequest struct {
	Input          string
	OutputDir      string
	KeyInfoPath    string
	Renditions     []Rendition
	SegmentSeconds int
	GOP            int
	HasAudio       bool
}

// Encoder probes and encodes media.
type Encoder interface {
	Probe(ctx context.Context, path string) (MediaInfo, error)
	Encode(ctx context.Context, req EncodeRequest) error
	CheckBinaries() error
}

// FrameExtractor grabs a single still from a video.
type FrameExtractor interface {
	ExtractFrame(ctx context.Context, input, offset, output string) error
}

// FFmpeg runs the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	ffmpegBin  string
	ffprobeBin string
	logger     *slog.Logger
}

// NewFFmpeg creates an FFmpeg runner. Empty binary paths fall back to PATH lookup.
func NewFFmpeg(ffmpegBin, ffprobeBin string, logger *slog.Logger) *FFmpeg {
	return &FFmpeg{
		ffmpegBin:  ResolveBinary("ffmpeg", ffmpegBin),
		ffprobeBin: ResolveBinary("ffprobe", ffprobeBin),
		logger:     logger,
	}
}

// ResolveBinary prefers an explicitly configured path, then PATH, then the bare name.
func ResolveBinary(name, configured string) string {
	if configured != "" {
		return configured
	}
	if found, err := exec.LookPath(name); err == nil {
		return found
	}
	return name
}

// CheckBinaries verifies that ffmpeg and ffprobe can be executed.
func (f *FFmpeg) CheckBinaries() error {
	for _, bin := range []struct{ name, path, env string }{
		{"ffmpeg", f.ffmpegBin, "FFMPEG_BIN"},
		{"ffprobe", f.ffprobeBin, "FFPROBE_BIN"},
	} {
		if !binaryExists(bin.path) {
			return fmt.Errorf("%w: %s not found (looked for %q); install ffmpeg or set %s",
				models.ErrMissingBinary, bin.name, bin.path, bin.env)
		}
	}
	return nil
}

func binaryExists(path string) bool {
	if strings.ContainsRune(path, os.PathSeparator) {
		info, err := os.Stat(path)
		return err == nil && !info.IsDir()
	}
	_, err := exec.LookPath(path)
	return err == nil
}

// Probe reads stream dimensions, frame rate, audio presence and duration.
func (f *FFmpeg) Probe(ctx context.Context, path string) (MediaInfo, error) {
	ctx, span := tracer.Start(ctx, "ffprobe")
	defer span.End()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, f.ffprobeBin,
		"-v", "error",
		"-show_entries", "stream=codec_type,width,height,r_frame_rate,avg_frame_rate:format=duration",
		"-of", "json",
		path,
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return MediaInfo{}, fmt.Errorf("%w: %v: %s", models.ErrProbeFailed, err, strings.TrimSpace(stderr.String()))
	}

	info, err := parseProbe(stdout.Bytes())
	if err != nil {
		return MediaInfo{}, err
	}

	span.SetAttributes(
		attribute.Int("media.width", info.Width),
		attribute.Int("media.height", info.Height),
		attribute.Bool("media.audio", info.HasAudio),
	)
	return info, nil
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbe(data []byte) (MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return MediaInfo{}, fmt.Errorf("%w: decode output: %v", models.ErrProbeFailed, err)
	}

	var info MediaInfo
	foundVideo := false
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if foundVideo {
				continue
			}
			foundVideo = true
			info.Width = s.Width
			info.Height = s.Height
			info.FPS = parseFrameRate(s.RFrameRate)
			if info.FPS <= 0 {
				info.FPS = parseFrameRate(s.AvgFrameRate)
			}
		case "audio":
			info.HasAudio = true
		}
	}
	if !foundVideo {
		return MediaInfo{}, fmt.Errorf("%w: no video stream", models.ErrProbeFailed)
	}

	if d, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
		info.Duration = d
	}
	return info, nil
}

// parseFrameRate parses "30000/1001" or "25". Returns 0 when unparsable.
func parseFrameRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// Encode runs one ffmpeg invocation producing every rendition.
func (f *FFmpeg) Encode(ctx context.Context, req EncodeRequest) error {
	ctx, span := tracer.Start(ctx, "ffmpeg-execute")
	defer span.End()
	span.SetAttributes(attribute.Int("renditions", len(req.Renditions)))

	for i := range req.Renditions {
		if err := os.MkdirAll(filepath.Join(req.OutputDir, strconv.Itoa(i), "segments"), 0o755); err != nil {
			return fmt.Errorf("failed to create rendition dir: %w", err)
		}
	}

	return f.run(ctx, buildArgs(req))
}

// ExtractFrame writes a single JPEG frame taken at offset.
func (f *FFmpeg) ExtractFrame(ctx context.Context, input, offset, output string) error {
	ctx, span := tracer.Start(ctx, "ffmpeg-thumbnail")
	defer span.End()

	return f.run(ctx, []string{
		"-y",
		"-ss", offset,
		"-i", input,
		"-frames:v", "1",
		"-q:v", "2",
		output,
	})
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, f.ffmpegBin, args...)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %v", models.ErrMissingBinary, err)
		}
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	tail := newTailBuffer(stderrTailLines)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		f.monitorOutput(ctx, stderrPipe, tail)
	}()

	go func() {
		defer wg.Done()
		_, _ = io.Copy(io.Discard, stdoutPipe)
	}()

	// Pipes must be drained before Wait closes them.
	wg.Wait()
	cmdErr := cmd.Wait()

	if cmdErr != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: context canceled", models.ErrFFmpegFailed)
		}
		return fmt.Errorf("%w: %v: %s", models.ErrFFmpegFailed, cmdErr, tail.String())
	}

	return nil
}

// monitorOutput logs ffmpeg progress and keeps the last lines for error reports.
func (f *FFmpeg) monitorOutput(ctx context.Context, r io.Reader, tail *tailBuffer) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		tail.Add(line)
		if strings.Contains(line, "frame=") || strings.Contains(line, "time=") {
			f.logger.DebugContext(ctx, "FFmpeg progress", "output", line)
		} else if strings.Contains(line, "error") || strings.Contains(line, "Error") {
			f.logger.WarnContext(ctx, "FFmpeg warning", "output", line)
		}
	}
	if err := scanner.Err(); err != nil {
		f.logger.WarnContext(ctx, "FFmpeg output scanner error", "error", err)
	}
}

// buildArgs constructs the ffmpeg arguments for a multi-rendition HLS encode.
func buildArgs(req EncodeRequest) []string {
	args := []string{
		"-y",
		"-i", req.Input,
		"-filter_complex", BuildFilterComplex(req.Renditions),
	}

	gop := strconv.Itoa(req.GOP)
	varStreamMap := make([]string, 0, len(req.Renditions))

	for i, r := range req.Renditions {
		args = append(args,
			"-map", fmt.Sprintf("[v%ds]", i),
			fmt.Sprintf("-c:v:%d", i), "libx264",
			fmt.Sprintf("-profile:v:%d", i), "high",
			fmt.Sprintf("-level:v:%d", i), "4.1",
			fmt.Sprintf("-preset:v:%d", i), "veryfast",
			fmt.Sprintf("-x264-params:v:%d", i), fmt.Sprintf("scenecut=0:open_gop=0:min-keyint=%s:keyint=%s", gop, gop),
			fmt.Sprintf("-g:v:%d", i), gop,
			fmt.Sprintf("-keyint_min:v:%d", i), gop,
			fmt.Sprintf("-b:v:%d", i), fmt.Sprintf("%dk", r.VideoKbps),
			fmt.Sprintf("-maxrate:v:%d", i), fmt.Sprintf("%dk", r.MaxRateKbps()),
			fmt.Sprintf("-bufsize:v:%d", i), fmt.Sprintf("%dk", r.BufSizeKbps()),
			fmt.Sprintf("-pix_fmt:v:%d", i), "yuv420p",
		)

		if req.HasAudio {
			args = append(args,
				"-map", "0:a:0?",
				fmt.Sprintf("-c:a:%d", i), "aac",
				fmt.Sprintf("-b:a:%d", i), fmt.Sprintf("%dk", r.AudioKbps),
				fmt.Sprintf("-ac:a:%d", i), "2",
			)
			varStreamMap = append(varStreamMap, fmt.Sprintf("v:%d,a:%d", i, i))
		} else {
			varStreamMap = append(varStreamMap, fmt.Sprintf("v:%d", i))
		}
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", strconv.Itoa(req.SegmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.Join(req.OutputDir, "%v", "segments", "segment_%06d.ts"),
		"-hls_key_info_file", req.KeyInfoPath,
		"-master_pl_name", "master.m3u8",
		"-var_stream_map", strings.Join(varStreamMap, " "),
		filepath.Join(req.OutputDir, "%v", "index.m3u8"),
	)

	return args
}

type tailBuffer struct {
	mu    sync.Mutex
	lines []string
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.limit {
		t.lines = t.lines[len(t.lines)-t.limit:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
