package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"multicam-recorder/device"
	"multicam-recorder/events"
	"multicam-recorder/video"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrTooManyErrors is returned when transport errors repeat past the configured limit
var ErrTooManyErrors = errors.New("camera: too many consecutive transport errors")

// State is the lifecycle stage of a capture worker
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateConfiguring
	StateAwaitingTriggerReady
	StateAcquiring
	StateDraining
	StateTerminated
)

var stateNames = [...]string{
	"idle",
	"initializing",
	"configuring",
	"awaiting_trigger_ready",
	"acquiring",
	"draining",
	"terminated",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is the outcome class of a worker
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
)

func (s Status) String() string {
	if s == StatusSuccess {
		return "success"
	}
	return "failure"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// WorkerResult is what a worker reports when it terminates
type WorkerResult struct {
	Serial           string
	Role             Role
	Status           Status
	Err              error
	FramesCaptured   int
	FramesIncomplete int
	TransportErrors  int
	Segments         int
	EncodeErrors     int
	// Interrupted is set when the run was cancelled before reaching its frame count
	Interrupted bool
}

// WorkerStatus is a live view of a worker for the status server
type WorkerStatus struct {
	Serial           string `json:"serial"`
	Role             Role   `json:"role"`
	State            State  `json:"state"`
	FramesCaptured   int    `json:"frames_captured"`
	FramesIncomplete int    `json:"frames_incomplete"`
	TransportErrors  int    `json:"transport_errors"`
	Segments         int    `json:"segments"`
	EncodeErrors     int    `json:"encode_errors"`
	Error            string `json:"error,omitempty"`
}

// FrameTransform is an optional conversion applied to complete frames before recording
type FrameTransform func(f *device.Frame) (*device.Frame, error)

// VideoSettings are the codec parameters of a worker's segments
type VideoSettings struct {
	Codec     video.Codec
	BatchSize int
	Quality   int
	Bitrate   int
	// Width and Height are only used for H264; zero takes the frame size
	Width  int
	Height int
}

// WorkerConfig holds everything one worker needs to run a device
type WorkerConfig struct {
	Role                 Role
	OutputDir            string
	PixelFormat          string
	FrameRate            float64
	TotalFrames          int
	Continuous           bool
	FrameTimeout         time.Duration
	MaxConsecutiveErrors int
	PrintInterval        int
	ChunkData            bool
	Buffer               device.BufferConfig
	Trigger              TriggerSettings
	ReadyTimeout         time.Duration
	Video                VideoSettings
	Transform            FrameTransform
}

// Worker drives one camera through configuration, acquisition and recording
type Worker struct {
	dev     device.Device
	config  WorkerConfig
	session *Session
	start   StartSignal
	encoder video.Encoder
	events  events.Publisher
	logger  *zap.Logger

	mu     sync.RWMutex
	status WorkerStatus

	deinitOnce sync.Once
	acquiring  bool
	meta       *MetadataLog
	pipeline   *Pipeline
}

// NewWorker creates a worker; start is only used by the primary
func NewWorker(dev device.Device, cfg WorkerConfig, session *Session, start StartSignal, enc video.Encoder, pub events.Publisher, logger *zap.Logger) *Worker {
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.MaxConsecutiveErrors < 1 {
		cfg.MaxConsecutiveErrors = 1
	}
	return &Worker{
		dev:     dev,
		config:  cfg,
		session: session,
		start:   start,
		encoder: enc,
		events:  pub,
		logger: logger.With(
			zap.String("serial", dev.Serial()),
			zap.String("role", cfg.Role.String())),
		status: WorkerStatus{Serial: dev.Serial(), Role: cfg.Role},
	}
}

// Serial returns the device serial
func (w *Worker) Serial() string {
	return w.dev.Serial()
}

// Status returns a snapshot of the worker
func (w *Worker) Status() WorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.status.State = s
	w.mu.Unlock()
	w.logger.Debug("Worker state", zap.Stringer("state", s))
	w.emit(events.KindState, s.String(), 0)
}

func (w *Worker) update(res *WorkerResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.FramesCaptured = res.FramesCaptured
	w.status.FramesIncomplete = res.FramesIncomplete
	w.status.TransportErrors = res.TransportErrors
	w.status.Segments = res.Segments
	w.status.EncodeErrors = res.EncodeErrors
	if res.Err != nil {
		w.status.Error = res.Err.Error()
	}
}

func (w *Worker) emit(kind events.Kind, msg string, frameID uint64) {
	w.events.Publish(events.Event{
		Serial:  w.dev.Serial(),
		Kind:    kind,
		Message: msg,
		FrameID: frameID,
	})
}

// Run executes the whole device session and returns its result. The device
// is deinitialized exactly once whatever the exit path.
func (w *Worker) Run(ctx context.Context) (res WorkerResult) {
	res = WorkerResult{Serial: w.dev.Serial(), Role: w.config.Role}
	secondaryResolved := false

	defer func() {
		w.update(&res)
		w.setState(StateTerminated)
		w.emit(events.KindWorkerDone, res.Status.String(), 0)
	}()
	defer w.deinit()
	if w.config.Role == RolePrimary {
		defer w.session.MarkPrimaryStopped()
	} else {
		defer func() {
			if !secondaryResolved {
				w.session.MarkFailed(w.dev.Serial(), res.Err)
			}
		}()
	}

	fail := func(err error) WorkerResult {
		res.Status = StatusFailure
		res.Err = err
		w.logger.Error("Worker failed", zap.Error(err))
		return res
	}

	w.setState(StateInitializing)
	if err := w.dev.Init(); err != nil {
		return fail(fmt.Errorf("init: %w", err))
	}

	w.setState(StateConfiguring)
	if err := w.configure(); err != nil {
		w.drain(&res)
		return fail(err)
	}

	if err := w.dev.BeginAcquisition(); err != nil {
		w.drain(&res)
		return fail(fmt.Errorf("begin acquisition: %w", err))
	}
	w.acquiring = true
	w.logger.Info("Started acquiring images")

	if w.config.Role == RoleSecondary {
		w.session.MarkReady(w.dev.Serial())
		secondaryResolved = true
	} else {
		if err := w.awaitStart(ctx); err != nil {
			w.drain(&res)
			if ctx.Err() != nil {
				res.Interrupted = true
				return res
			}
			return fail(err)
		}
	}

	w.setState(StateAcquiring)
	err := w.acquire(ctx, &res)
	w.drain(&res)
	if err != nil {
		return fail(err)
	}

	w.logger.Info("Acquisition finished",
		zap.Int("frames", res.FramesCaptured),
		zap.Int("incomplete", res.FramesIncomplete),
		zap.Int("transport_errors", res.TransportErrors),
		zap.Int("segments", res.Segments),
		zap.Int("encode_errors", res.EncodeErrors))
	return res
}

// requiredNodes lists every node the configuration will write
func (w *Worker) requiredNodes() []device.Node {
	nodes := []device.Node{
		device.NodePixelFormat,
		device.NodeWidth,
		device.NodeHeight,
		device.NodeStreamBufferCountMode,
		device.NodeStreamBufferCountManual,
		device.NodeStreamBufferHandlingMode,
		device.NodeAcquisitionFrameRateEnable,
		device.NodeAcquisitionFrameRate,
		device.NodeTriggerMode,
		device.NodeTriggerSource,
		device.NodeAcquisitionMode,
	}
	if w.config.ChunkData {
		nodes = append(nodes, device.NodeChunkModeActive)
	}
	if w.config.Role == RolePrimary {
		nodes = append(nodes, device.NodeLineSelector)
	} else {
		nodes = append(nodes, device.NodeTriggerOverlap)
	}
	return nodes
}

// negotiate checks that every required node is writable before anything is written
func (w *Worker) negotiate() error {
	var errs error
	for _, node := range w.requiredNodes() {
		errs = multierr.Append(errs, device.Check(node, w.dev.Access(node), true))
	}
	if errs != nil {
		return fmt.Errorf("capability check: %w", errs)
	}
	return nil
}

func (w *Worker) configure() error {
	if err := w.negotiate(); err != nil {
		return err
	}

	// custom image settings
	if err := w.dev.Configure(device.NodePixelFormat, w.config.PixelFormat); err != nil {
		return fmt.Errorf("image settings: %w", err)
	}
	for _, node := range []device.Node{device.NodeWidth, device.NodeHeight} {
		limit, err := w.dev.Max(node)
		if err != nil {
			return fmt.Errorf("image settings: %w", err)
		}
		if err := w.dev.Configure(node, limit); err != nil {
			return fmt.Errorf("image settings: %w", err)
		}
	}

	if w.config.ChunkData {
		if err := w.dev.Configure(device.NodeChunkModeActive, true); err != nil {
			return fmt.Errorf("chunk data: %w", err)
		}
	}

	applied, err := ApplyBufferPolicy(w.dev, w.config.Buffer, w.logger)
	if err != nil {
		return err
	}
	w.config.Buffer = applied

	if err := w.dev.Configure(device.NodeAcquisitionFrameRateEnable, true); err != nil {
		return fmt.Errorf("frame rate: %w", err)
	}
	if err := w.dev.Configure(device.NodeAcquisitionFrameRate, w.config.FrameRate); err != nil {
		return fmt.Errorf("frame rate: %w", err)
	}

	if err := ConfigureTrigger(w.dev, w.config.Role, w.config.Trigger); err != nil {
		return err
	}

	if err := w.dev.Configure(device.NodeAcquisitionMode, "Continuous"); err != nil {
		return fmt.Errorf("acquisition mode: %w", err)
	}
	w.logger.Info("Acquisition mode set to continuous")

	if err := os.MkdirAll(w.config.OutputDir, 0755); err != nil {
		return fmt.Errorf("output dir: %w", err)
	}
	meta, err := OpenMetadataLog(w.config.OutputDir, w.dev.Serial())
	if err != nil {
		return err
	}
	w.meta = meta

	params, err := w.segmentParams()
	if err != nil {
		return err
	}
	w.pipeline = NewPipeline(w.encoder, PipelineConfig{
		Serial:    w.dev.Serial(),
		Dir:       w.config.OutputDir,
		BatchSize: w.config.Video.BatchSize,
		Params:    params,
	}, w.logger)
	w.pipeline.OnResult(w.onEncoded)

	w.logger.Info("Device configured",
		zap.String("pixel_format", w.config.PixelFormat),
		zap.Float64("fps", params.FrameRate),
		zap.Int("buffer_depth", applied.Depth),
		zap.Stringer("buffer_mode", applied.Mode),
		zap.Stringer("codec", params.Codec),
		zap.String("output_dir", w.config.OutputDir))
	return nil
}

// segmentParams resolves codec parameters; the frame rate is the one the device accepted
func (w *Worker) segmentParams() (video.Params, error) {
	v, err := w.dev.Read(device.NodeAcquisitionFrameRate)
	if err != nil {
		return video.Params{}, fmt.Errorf("frame rate: %w", err)
	}
	fps, ok := device.ToFloat64(v)
	if !ok {
		return video.Params{}, fmt.Errorf("frame rate: unexpected value %v", v)
	}

	p := video.Params{
		Codec:       w.config.Video.Codec,
		FrameRate:   fps,
		PixelFormat: w.config.PixelFormat,
	}
	switch p.Codec {
	case video.MJPG:
		p.Quality = w.config.Video.Quality
	case video.H264:
		p.Bitrate = w.config.Video.Bitrate
		p.Width = w.config.Video.Width
		p.Height = w.config.Video.Height
	}
	return p, nil
}

func (w *Worker) awaitStart(ctx context.Context) error {
	w.setState(StateAwaitingTriggerReady)

	ready, err := w.session.WaitReady(ctx, w.config.ReadyTimeout)
	if err != nil {
		if ctx.Err() == nil {
			w.emit(events.KindSyncFailure, err.Error(), 0)
		}
		return fmt.Errorf("trigger sync: %w", err)
	}
	w.logger.Info("Secondaries armed", zap.Strings("ready", ready))

	if w.start != nil {
		w.logger.Info("Waiting for start signal")
		if err := w.start.Wait(ctx); err != nil {
			return fmt.Errorf("start signal: %w", err)
		}
	}

	if err := ReleaseTrigger(w.dev); err != nil {
		return err
	}
	w.session.MarkStarted()
	w.logger.Info("Trigger mode disabled, capture started")
	return nil
}

func (w *Worker) acquire(ctx context.Context, res *WorkerResult) error {
	consecutive := 0

	for w.config.Continuous || res.FramesCaptured < w.config.TotalFrames {
		if ctx.Err() != nil {
			if !w.config.Continuous {
				res.Interrupted = true
				w.logger.Warn("Acquisition interrupted", zap.Int("frames", res.FramesCaptured))
			}
			return nil
		}

		frame, err := w.dev.NextFrame(ctx, w.config.FrameTimeout)
		switch {
		case err == nil:
		case errors.Is(err, device.ErrTimeout):
			if w.config.Role == RoleSecondary && w.session.PrimaryStopped() {
				w.logger.Info("Primary stopped, no more pulses", zap.Int("frames", res.FramesCaptured))
				return nil
			}
			continue
		case ctx.Err() != nil:
			continue
		case errors.Is(err, device.ErrTransport):
			res.TransportErrors++
			consecutive++
			w.emit(events.KindTransportError, err.Error(), 0)
			w.logger.Warn("Transport error", zap.Int("consecutive", consecutive), zap.Error(err))
			if consecutive > w.config.MaxConsecutiveErrors {
				return fmt.Errorf("%w: %d in a row, last: %v", ErrTooManyErrors, consecutive, err)
			}
			continue
		default:
			return fmt.Errorf("next frame: %w", err)
		}
		consecutive = 0

		index := res.FramesCaptured
		res.FramesCaptured++

		if frame.Incomplete {
			res.FramesIncomplete++
			w.emit(events.KindFrameIncomplete, "image incomplete", frame.FrameID)
			w.logger.Warn("Image incomplete", zap.Int("index", index), zap.Uint64("frame_id", frame.FrameID))
			w.update(res)
			continue
		}

		if w.config.Transform != nil {
			converted, err := w.config.Transform(frame)
			if err != nil {
				w.emit(events.KindTransformError, err.Error(), frame.FrameID)
				w.logger.Warn("Frame transform failed", zap.Uint64("frame_id", frame.FrameID), zap.Error(err))
				w.update(res)
				continue
			}
			frame = converted
		}

		w.meta.Log(index, frame)
		w.pipeline.Append(frame)

		if w.config.PrintInterval > 0 && (index+1)%w.config.PrintInterval == 0 {
			w.logger.Info("Grabbed image",
				zap.Int("index", index),
				zap.Uint64("frame_id", frame.FrameID),
				zap.Int("width", frame.Width),
				zap.Int("height", frame.Height))
			w.emit(events.KindFrameInfo, fmt.Sprintf("grabbed %dx%d", frame.Width, frame.Height), frame.FrameID)
		}
		w.update(res)
	}
	return nil
}

func (w *Worker) onEncoded(r EncodeResult) {
	if r.Err != nil {
		w.emit(events.KindEncodeError, r.Err.Error(), 0)
		return
	}
	w.emit(events.KindSegmentWritten, r.Path, 0)
}

// drain flushes the open batch and releases acquisition resources
func (w *Worker) drain(res *WorkerResult) {
	w.setState(StateDraining)

	if w.pipeline != nil {
		stats := w.pipeline.Drain()
		res.Segments = stats.Segments
		res.EncodeErrors = stats.EncodeErrors
	}
	if w.acquiring {
		if err := w.dev.EndAcquisition(); err != nil {
			w.logger.Warn("End acquisition failed", zap.Error(err))
		}
		w.acquiring = false
	}
	if w.config.ChunkData && w.dev.Access(device.NodeChunkModeActive).Writable() {
		if err := w.dev.Configure(device.NodeChunkModeActive, false); err != nil {
			w.logger.Warn("Disable chunk data failed", zap.Error(err))
		}
	}
	if w.meta != nil {
		if err := w.meta.Close(); err != nil {
			w.logger.Warn("Metadata log close failed", zap.Error(err))
		}
		w.meta = nil
	}
}

func (w *Worker) deinit() {
	w.deinitOnce.Do(func() {
		if err := w.dev.Deinit(); err != nil {
			w.logger.Warn("Deinit failed", zap.Error(err))
		}
	})
}
