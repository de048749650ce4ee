package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"syscall"
	"time"

	"multicam-recorder/camera"
	"multicam-recorder/config"
	"multicam-recorder/device"
	"multicam-recorder/events"
	"multicam-recorder/syncreport"
	"multicam-recorder/video"
	"multicam-recorder/web"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "Multi-camera Synchronized Recorder"
	AppVersion        = "1.0.0"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger

	// Components
	system    device.System
	encoder   video.Encoder
	hub       *events.Hub
	fleet     *camera.Fleet
	webServer *web.Server
	start     camera.StartSignal
}

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line flags
	var (
		configPath = flag.String("config", DefaultConfigPath, "Path to configuration file (.toml or .yaml)")
		logLevel   = flag.String("log-level", "", "Override log level (debug, info, warn, error)")
		syncDir    = flag.String("sync-report", "", "Match the metadata logs of a recorded session directory and exit")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		return 0
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	// Create logger
	logger, err := createLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	if *syncDir != "" {
		return runSyncReport(*syncDir, logger)
	}

	logger.Info("Starting "+AppName,
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH),
		zap.String("session", cfg.Output.Session),
		zap.String("driver", cfg.Fleet.Driver),
		zap.String("primary", cfg.Fleet.PrimarySerial))

	// Set up signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signalCh:
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	app := NewApplication(cfg, logger)
	defer app.Stop()

	if err := app.Start(ctx); err != nil {
		logger.Error("Failed to start application", zap.Error(err))
		return 1
	}

	summary, err := app.Record(ctx)
	if err != nil {
		logger.Error("Recording not started", zap.Error(err))
		return 1
	}
	if err := summary.Err(); err != nil {
		logger.Error("Recording finished with failures", zap.Error(err))
		return 1
	}

	logger.Info("Recording finished successfully",
		zap.String("output", filepath.Join(cfg.Output.Root, cfg.Output.Session)))
	return 0
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, logger *zap.Logger) *Application {
	return &Application{
		config: cfg,
		logger: logger,
		hub:    events.NewHub(200),
	}
}

// Start prepares every component up to the point of recording
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("Starting application components")

	// writing into every output directory must work before any camera is touched
	dirs := make([]string, 0, len(a.config.Fleet.Devices))
	for _, d := range a.config.Fleet.Devices {
		dirs = append(dirs, a.config.OutputDir(d.Serial))
	}
	if err := camera.CheckOutputWritable(dirs); err != nil {
		return err
	}

	if err := a.initializeSystem(); err != nil {
		return fmt.Errorf("failed to initialize camera system: %w", err)
	}
	if err := a.initializeEncoder(ctx); err != nil {
		return fmt.Errorf("failed to initialize encoder: %w", err)
	}
	a.initializeStartSignal(ctx)

	a.fleet = camera.NewFleet(a.config, a.encoder, a.start, a.hub, a.logger)

	if a.config.Server.Enabled {
		a.webServer = web.NewServer(a.config, a.logger)
		a.webServer.SetFleet(a.fleet)
		a.webServer.SetEvents(a.hub)
		if ms, ok := a.start.(*camera.ManualStart); ok {
			a.webServer.SetStarter(ms)
		}
		if err := a.webServer.Start(); err != nil {
			return fmt.Errorf("failed to start web server: %w", err)
		}
	}
	return nil
}

// initializeSystem opens the configured camera driver
func (a *Application) initializeSystem() error {
	switch a.config.Fleet.Driver {
	case config.DriverV4L2:
		entries := make([]device.V4L2Entry, 0, len(a.config.Fleet.Devices))
		for _, d := range a.config.Fleet.Devices {
			entries = append(entries, device.V4L2Entry{
				Serial: d.Serial,
				Path:   d.Device,
				Width:  d.Width,
				Height: d.Height,
			})
		}
		sys, err := device.NewV4L2System(entries, a.config.Trigger.OutputLine, a.config.Trigger.InputLine)
		if err != nil {
			return err
		}
		a.system = sys
	default:
		sim := a.config.Simulation
		devices := make([]device.SimDeviceConfig, 0, len(a.config.Fleet.Devices))
		for _, d := range a.config.Fleet.Devices {
			devices = append(devices, device.SimDeviceConfig{
				Serial:              d.Serial,
				Width:               sim.Width,
				Height:              sim.Height,
				IncompleteEvery:     sim.IncompleteEvery,
				TransportErrorEvery: sim.TransportErrorEvery,
			})
		}
		a.system = device.NewSimSystem(device.SimConfig{
			Devices:    devices,
			OutputLine: a.config.Trigger.OutputLine,
			InputLine:  a.config.Trigger.InputLine,
		})
	}
	a.logger.Info("Camera system initialized", zap.String("driver", a.config.Fleet.Driver))
	return nil
}

// initializeEncoder selects the segment writer
func (a *Application) initializeEncoder(ctx context.Context) error {
	var enc video.Encoder
	switch a.config.Video.Backend {
	case "memory":
		enc = video.NewMemoryEncoder()
		a.logger.Warn("Memory video backend selected, segments are not written to disk")
	default:
		ff := video.NewFFmpeg(a.config.Video.FFmpegPath, a.logger)
		if err := ff.Validate(ctx); err != nil {
			return err
		}
		enc = ff
	}

	maxBytes := int64(a.config.Video.MaxFileSizeMB) << 20
	if maxBytes <= 0 {
		maxBytes = video.DefaultMaxFileSize
	}
	a.encoder = video.NewRotating(enc, maxBytes)
	return nil
}

// initializeStartSignal picks how the operator releases the primary
func (a *Application) initializeStartSignal(ctx context.Context) {
	switch a.config.Trigger.Start {
	case config.StartAuto:
		delay := time.Duration(a.config.Trigger.SettleDelayMs) * time.Millisecond
		a.start = camera.AutoStart{Delay: delay}
		a.logger.Info("Capture starts automatically", zap.Duration("settle_delay", delay))
	case config.StartHTTP:
		a.start = camera.NewManualStart()
		a.logger.Info("Capture starts on POST /api/trigger/start")
	default:
		ms := camera.NewManualStart()
		a.start = ms
		go waitForEnter(ctx, ms, a.logger)
	}
}

// waitForEnter confirms the start signal once the operator presses Enter
func waitForEnter(ctx context.Context, ms *camera.ManualStart, logger *zap.Logger) {
	select {
	case <-ms.Waiting():
	case <-ctx.Done():
		return
	}
	fmt.Println("All cameras armed. Press Enter to start the capture...")

	line := make(chan struct{})
	go func() {
		bufio.NewReader(os.Stdin).ReadString('\n')
		close(line)
	}()

	select {
	case <-line:
		logger.Info("Start confirmed from terminal")
		ms.Confirm()
	case <-ctx.Done():
	}
}

// Record enumerates the cameras and runs the fleet until every camera is done
func (a *Application) Record(ctx context.Context) (*camera.Summary, error) {
	devices, err := a.system.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate cameras: %w", err)
	}
	a.logger.Info("Cameras detected", zap.Int("count", len(devices)))

	summary, err := a.fleet.Run(ctx, devices)
	if err != nil {
		return nil, err
	}

	for _, r := range summary.Results {
		a.logger.Info("Camera summary",
			zap.String("serial", r.Serial),
			zap.String("role", r.Role.String()),
			zap.String("status", r.Status.String()),
			zap.Int("frames", r.FramesCaptured),
			zap.Int("incomplete", r.FramesIncomplete),
			zap.Int("transport_errors", r.TransportErrors),
			zap.Int("segments", r.Segments),
			zap.Int("encode_errors", r.EncodeErrors),
			zap.Bool("interrupted", r.Interrupted))
	}
	return summary, nil
}

// Stop releases every component
func (a *Application) Stop() {
	a.logger.Info("Stopping application")

	if a.webServer != nil {
		if err := a.webServer.Stop(); err != nil {
			a.logger.Error("Error stopping web server", zap.Error(err))
		}
	}
	a.hub.Close()
	if a.system != nil {
		if err := a.system.Close(); err != nil {
			a.logger.Error("Error closing camera system", zap.Error(err))
		}
	}
}

// runSyncReport matches the metadata logs of a session and writes sync.csv next to them
func runSyncReport(dir string, logger *zap.Logger) int {
	report, err := syncreport.Generate(dir)
	if err != nil {
		logger.Error("Sync report failed", zap.Error(err))
		return 1
	}

	logger.Info("Synced frames detected", zap.Int("synced", len(report.Synced)))
	for _, c := range report.Cameras {
		logger.Info("Camera frames",
			zap.String("serial", c.Serial),
			zap.Int("frames", c.Frames),
			zap.Int("dropped", c.Dropped),
			zap.Int("unsynced", c.Unsynced))
	}

	out := filepath.Join(dir, "sync.csv")
	file, err := os.Create(out)
	if err != nil {
		logger.Error("Failed to create sync index", zap.Error(err))
		return 1
	}
	defer file.Close()
	if err := report.WriteCSV(file); err != nil {
		logger.Error("Failed to write sync index", zap.Error(err))
		return 1
	}
	logger.Info("Sync index written", zap.String("path", out))
	return 0
}

// createLogger creates a structured logger
func createLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	// Prepare log directory and file path
	logDir := cfg.Dir
	if logDir == "" {
		logDir = "logs"
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	ts := time.Now().Format("20060102-150405")
	logFile := filepath.Join(logDir, fmt.Sprintf("multicam-recorder-%s.log", ts))

	// Clean up old logs
	keep := cfg.MaxFiles
	if keep < 1 {
		keep = 20
	}
	files, _ := filepath.Glob(filepath.Join(logDir, "multicam-recorder-*.log"))
	if len(files) >= keep {
		sort.Strings(files) // lexicographic order matches timestamp
		for _, f := range files[:len(files)-keep+1] {
			_ = os.Remove(f)
		}
	}

	config := zap.Config{
		Level:       level,
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout", logFile},
		ErrorOutputPaths: []string{"stderr", logFile},
	}

	return config.Build()
}
