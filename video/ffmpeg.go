package video

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"multicam-recorder/device"

	"go.uber.org/zap"
)

// FFmpeg encodes segments by piping raw frames into an ffmpeg process
type FFmpeg struct {
	path   string
	logger *zap.Logger
}

// NewFFmpeg creates an encoder using the given ffmpeg binary ("ffmpeg" when empty)
func NewFFmpeg(path string, logger *zap.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{path: path, logger: logger}
}

// Validate checks that the ffmpeg binary runs
func (e *FFmpeg) Validate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.path, "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg not available at %s: %w", e.path, err)
	}
	return nil
}

// inputPixFmt maps camera pixel formats to ffmpeg rawvideo formats
func inputPixFmt(pixelFormat string) (string, error) {
	switch pixelFormat {
	case "BayerBG8":
		return "bayer_bggr8", nil
	case "BayerRG8":
		return "bayer_rggb8", nil
	case "Mono8":
		return "gray", nil
	case "BGR8":
		return "bgr24", nil
	case "RGB8":
		return "rgb24", nil
	case "YUYV":
		return "yuyv422", nil
	}
	return "", fmt.Errorf("no ffmpeg input format for %s", pixelFormat)
}

// qualityToQScale maps 0-100 quality to the mjpeg qscale range 31..2
func qualityToQScale(quality int) string {
	if quality < 0 {
		quality = 0
	}
	if quality > 100 {
		quality = 100
	}
	q := 31 - quality*29/100
	return strconv.Itoa(q)
}

// Args returns the ffmpeg command line for a segment
func Args(path string, p Params) ([]string, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", p.Width, p.Height)
	}
	if p.FrameRate <= 0 {
		return nil, fmt.Errorf("invalid frame rate %v", p.FrameRate)
	}
	pixFmt, err := inputPixFmt(p.PixelFormat)
	if err != nil {
		return nil, err
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", pixFmt,
		"-s", fmt.Sprintf("%dx%d", p.Width, p.Height),
		"-r", strconv.FormatFloat(p.FrameRate, 'f', -1, 64),
		"-i", "-",
	}

	switch p.Codec {
	case Uncompressed:
		args = append(args, "-c:v", "rawvideo", "-pix_fmt", "bgr24")
	case MJPG:
		args = append(args, "-c:v", "mjpeg", "-q:v", qualityToQScale(p.Quality), "-pix_fmt", "yuvj420p")
	case H264:
		args = append(args,
			"-c:v", "libx264",
			"-preset", "fast",
			"-b:v", strconv.Itoa(p.Bitrate),
			"-pix_fmt", "yuv420p",
		)
	default:
		return nil, fmt.Errorf("unsupported codec %s", p.Codec)
	}

	return append(args, "-y", path), nil
}

// Open starts an ffmpeg process writing to path
func (e *FFmpeg) Open(path string, p Params) (Segment, error) {
	args, err := Args(path, p)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}

	cmd := exec.Command(e.path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	stderr := &limitedBuffer{limit: 4096}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg for %s: %w", path, err)
	}

	e.logger.Debug("Opened video segment",
		zap.String("path", path),
		zap.Stringer("codec", p.Codec),
		zap.Int("width", p.Width),
		zap.Int("height", p.Height),
		zap.Float64("fps", p.FrameRate))

	return &ffmpegSegment{
		path:      path,
		params:    p,
		cmd:       cmd,
		stdin:     stdin,
		stderr:    stderr,
		frameSize: p.Width * p.Height * device.BytesPerPixel(p.PixelFormat),
	}, nil
}

type ffmpegSegment struct {
	path      string
	params    Params
	frameSize int

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *limitedBuffer
	written int64
	closed  bool
}

func (s *ffmpegSegment) Append(f *device.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmentClosed
	}
	if f.Width != s.params.Width || f.Height != s.params.Height {
		return fmt.Errorf("frame %d is %dx%d, segment is %dx%d",
			f.FrameID, f.Width, f.Height, s.params.Width, s.params.Height)
	}
	if len(f.Data) != s.frameSize {
		return fmt.Errorf("frame %d has %d bytes, want %d", f.FrameID, len(f.Data), s.frameSize)
	}

	n, err := s.stdin.Write(f.Data)
	s.written += int64(n)
	if err != nil {
		return fmt.Errorf("write frame %d to %s: %w (ffmpeg: %s)", f.FrameID, s.path, err, s.stderr.String())
	}
	return nil
}

// Size prefers the container size on disk and falls back to the bytes piped in
func (s *ffmpegSegment) Size() int64 {
	if info, err := os.Stat(s.path); err == nil {
		return info.Size()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *ffmpegSegment) Path() string {
	return s.path
}

func (s *ffmpegSegment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	closeErr := s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg for %s: %w (output: %s)", s.path, err, s.stderr.String())
	}
	return closeErr
}

// limitedBuffer keeps only the first limit bytes of a process's stderr
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
