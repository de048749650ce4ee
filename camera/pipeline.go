package camera

import (
	"fmt"
	"path/filepath"
	"time"

	"multicam-recorder/device"
	"multicam-recorder/video"

	"go.uber.org/zap"
)

// PipelineConfig describes where and how one camera's batches are written
type PipelineConfig struct {
	Serial    string
	Dir       string
	BatchSize int
	// Params are the segment parameters; a zero Width or Height is taken
	// from the first frame of each batch
	Params video.Params
}

// EncodeResult is the outcome of one EncodeTask
type EncodeResult struct {
	ID       int
	Path     string
	Paths    []string
	Opened   bool
	Frames   int
	Err      error
	Duration time.Duration
}

// PipelineStats counts the work done by a pipeline
type PipelineStats struct {
	// Segments counts the files actually opened, including ones a failure left partial
	Segments     int
	Frames       int
	EncodeErrors int
}

// Pipeline groups frames into batches and encodes each full batch on its own
// goroutine. At most one batch is being encoded while the next one fills.
type Pipeline struct {
	encoder video.Encoder
	config  PipelineConfig
	logger  *zap.Logger

	batch    []*device.Frame
	nextID   int
	inflight chan EncodeResult

	onResult func(EncodeResult)
	stats    PipelineStats
}

// NewPipeline creates a pipeline; batchSize < 1 is treated as 1
func NewPipeline(enc video.Encoder, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Pipeline{
		encoder: enc,
		config:  cfg,
		logger:  logger,
		batch:   make([]*device.Frame, 0, cfg.BatchSize),
	}
}

// OnResult registers a callback run on the capture goroutine for every finished task
func (p *Pipeline) OnResult(fn func(EncodeResult)) {
	p.onResult = fn
}

// Append adds a frame to the open batch and hands the batch off once full
func (p *Pipeline) Append(f *device.Frame) {
	p.batch = append(p.batch, f)
	if len(p.batch) >= p.config.BatchSize {
		p.dispatch()
	}
}

// Pending returns the number of frames in the open batch
func (p *Pipeline) Pending() int {
	return len(p.batch)
}

// Drain hands off a partial batch, waits for the last task and returns the totals
func (p *Pipeline) Drain() PipelineStats {
	if len(p.batch) > 0 {
		p.dispatch()
	}
	p.wait()
	return p.stats
}

// Stats returns the totals of finished tasks
func (p *Pipeline) Stats() PipelineStats {
	return p.stats
}

func (p *Pipeline) dispatch() {
	// one task in flight: finish the previous batch before starting the next
	p.wait()

	batch := p.batch
	p.batch = make([]*device.Frame, 0, p.config.BatchSize)

	id := p.nextID
	p.nextID++
	path := filepath.Join(p.config.Dir, video.SegmentName(p.config.Params.Codec, p.config.Serial, id))

	done := make(chan EncodeResult, 1)
	p.inflight = done
	go func() {
		done <- encodeBatch(p.encoder, path, id, p.config.Params, batch)
	}()
}

func (p *Pipeline) wait() {
	if p.inflight == nil {
		return
	}
	res := <-p.inflight
	p.inflight = nil

	if res.Opened {
		p.stats.Segments++
	}
	p.stats.Frames += res.Frames
	if res.Err != nil {
		p.stats.EncodeErrors++
		p.logger.Error("Encode task failed",
			zap.Int("segment", res.ID),
			zap.String("path", res.Path),
			zap.Int("frames_written", res.Frames),
			zap.Error(res.Err))
	} else {
		p.logger.Debug("Segment written",
			zap.Int("segment", res.ID),
			zap.String("path", res.Path),
			zap.Int("frames", res.Frames),
			zap.Duration("took", res.Duration))
	}
	if p.onResult != nil {
		p.onResult(res)
	}
}

// encodeBatch writes one batch into a fresh segment. A failure leaves the
// segment closed with the frames appended so far.
func encodeBatch(enc video.Encoder, path string, id int, params video.Params, batch []*device.Frame) EncodeResult {
	start := time.Now()
	res := EncodeResult{ID: id, Path: path, Paths: []string{path}}

	if len(batch) == 0 {
		return res
	}
	first := batch[0]
	if params.Width == 0 || params.Height == 0 {
		params.Width, params.Height = first.Width, first.Height
	}
	if params.PixelFormat == "" {
		params.PixelFormat = first.PixelFormat
	}

	seg, err := enc.Open(path, params)
	if err != nil {
		res.Err = fmt.Errorf("open %s: %w", path, err)
		res.Duration = time.Since(start)
		return res
	}
	res.Opened = true

	for _, f := range batch {
		if err := seg.Append(f); err != nil {
			res.Err = fmt.Errorf("append frame %d: %w", f.FrameID, err)
			break
		}
		res.Frames++
	}

	if err := seg.Close(); err != nil && res.Err == nil {
		res.Err = fmt.Errorf("close %s: %w", path, err)
	}
	if mf, ok := seg.(video.MultiFile); ok {
		res.Paths = mf.Paths()
	}
	res.Duration = time.Since(start)
	return res
}
