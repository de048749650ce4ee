package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"multicam-recorder/config"
	"multicam-recorder/device"
	"multicam-recorder/events"
	"multicam-recorder/video"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrTooFewDevices is returned when fewer cameras are attached than configured
var ErrTooFewDevices = errors.New("camera: too few devices")

// Summary collects the results of every worker of a fleet run
type Summary struct {
	Results []WorkerResult
}

// Err combines the errors of every failed worker
func (s *Summary) Err() error {
	var errs error
	for _, r := range s.Results {
		if r.Status == StatusFailure {
			errs = multierr.Append(errs, fmt.Errorf("camera %s: %w", r.Serial, r.Err))
		}
	}
	return errs
}

// Success reports whether every worker succeeded
func (s *Summary) Success() bool {
	return s.Err() == nil
}

// Result returns the result of one camera
func (s *Summary) Result(serial string) (WorkerResult, bool) {
	for _, r := range s.Results {
		if r.Serial == serial {
			return r, true
		}
	}
	return WorkerResult{}, false
}

// Fleet runs one worker per camera and joins them
type Fleet struct {
	config  *config.Config
	encoder video.Encoder
	start   StartSignal
	events  events.Publisher
	logger  *zap.Logger

	mu      sync.RWMutex
	workers []*Worker
}

// NewFleet creates a fleet supervisor; start releases the primary once the secondaries are armed
func NewFleet(cfg *config.Config, enc video.Encoder, start StartSignal, pub events.Publisher, logger *zap.Logger) *Fleet {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Fleet{
		config:  cfg,
		encoder: enc,
		start:   start,
		events:  pub,
		logger:  logger,
	}
}

// WorkerConfig builds the settings of one camera from the application config
func (f *Fleet) WorkerConfig(serial string, role Role) WorkerConfig {
	c := f.config
	return WorkerConfig{
		Role:                 role,
		OutputDir:            c.OutputDir(serial),
		PixelFormat:          c.Acquisition.PixelFormat,
		FrameRate:            c.Acquisition.FrameRate,
		TotalFrames:          c.Acquisition.TotalFrames,
		Continuous:           c.Acquisition.Continuous,
		FrameTimeout:         c.FrameTimeout(),
		MaxConsecutiveErrors: c.Acquisition.MaxConsecutiveErrors,
		PrintInterval:        c.Acquisition.PrintInterval,
		ChunkData:            c.Acquisition.ChunkData,
		Buffer:               device.BufferConfig{Depth: c.Buffer.Depth, Mode: c.Buffer.Mode},
		Trigger: TriggerSettings{
			OutputLine: c.Trigger.OutputLine,
			InputLine:  c.Trigger.InputLine,
			Overlap:    c.Trigger.Overlap,
		},
		ReadyTimeout: time.Duration(c.Trigger.ReadyTimeoutMs) * time.Millisecond,
		Video: VideoSettings{
			Codec:     c.Video.Codec,
			BatchSize: c.Video.BatchSize,
			Quality:   c.Video.MJPGQuality,
			Bitrate:   c.Video.H264Bitrate,
			Width:     c.Video.Width,
			Height:    c.Video.Height,
		},
	}
}

// Run checks the fleet preconditions, runs every camera to completion and
// returns their results. A precondition failure returns an error and starts nothing.
func (f *Fleet) Run(ctx context.Context, devices []device.Device) (*Summary, error) {
	if len(devices) < f.config.Fleet.MinDevices {
		return nil, fmt.Errorf("%w: found %d, need %d", ErrTooFewDevices, len(devices), f.config.Fleet.MinDevices)
	}

	serials := make([]string, len(devices))
	for i, d := range devices {
		serials[i] = d.Serial()
	}
	roles, err := ResolveRoles(serials, f.config.Fleet.PrimarySerial)
	if err != nil {
		return nil, err
	}

	var secondaries []string
	for _, s := range serials {
		if roles[s] == RoleSecondary {
			secondaries = append(secondaries, s)
		}
	}
	session := NewSession(secondaries)

	workers := make([]*Worker, len(devices))
	for i, d := range devices {
		role := roles[d.Serial()]
		var start StartSignal
		if role == RolePrimary {
			start = f.start
		}
		workers[i] = NewWorker(d, f.WorkerConfig(d.Serial(), role), session, start, f.encoder, f.events, f.logger)
	}
	f.mu.Lock()
	f.workers = workers
	f.mu.Unlock()

	f.logger.Info("Starting fleet",
		zap.String("primary", f.config.Fleet.PrimarySerial),
		zap.Strings("secondaries", secondaries))

	results := make([]WorkerResult, len(workers))
	var wg sync.WaitGroup
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			results[i] = w.Run(ctx)
		}(i, w)
	}
	wg.Wait()

	summary := &Summary{Results: results}
	for _, r := range results {
		if r.Status == StatusFailure {
			f.logger.Error("Camera failed",
				zap.String("serial", r.Serial),
				zap.String("role", r.Role.String()),
				zap.Error(r.Err))
		}
	}
	f.logger.Info("Fleet finished", zap.Bool("success", summary.Success()))
	return summary, nil
}

// Status returns the live state of every worker, sorted by serial
func (f *Fleet) Status() []WorkerStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]WorkerStatus, 0, len(f.workers))
	for _, w := range f.workers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// CheckOutputWritable probes write permission in every directory by creating
// and removing a test file
func CheckOutputWritable(dirs []string) error {
	var errs error
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("output dir %s: %w", dir, err))
			continue
		}
		probe := filepath.Join(dir, "test.txt")
		file, err := os.Create(probe)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to create file in %s, check permissions: %w", dir, err))
			continue
		}
		file.Close()
		if err := os.Remove(probe); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("output dir %s: %w", dir, err))
		}
	}
	return errs
}
