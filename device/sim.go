package device

import (
	"context"
	"errors"
	"sync"
)

// SimDeviceConfig describes one simulated camera
type SimDeviceConfig struct {
	Serial string
	Width  int
	Height int
	// Access overrides the access flags of individual nodes
	Access map[Node]Access
	// IncompleteEvery marks every Nth frame incomplete; 0 disables
	IncompleteEvery int
	// TransportErrorEvery fails every Nth NextFrame call; 0 disables
	TransportErrorEvery int
	MaxFrameRate        float64
}

// SimConfig describes a simulated rig. All cameras share one trigger wire that
// is driven by LineSelector == OutputLine and listened to by
// TriggerSource == InputLine.
type SimConfig struct {
	Devices    []SimDeviceConfig
	OutputLine string
	InputLine  string
}

// SimSystem is an in-process camera rig used by tests and by the "sim" driver
type SimSystem struct {
	mu      sync.Mutex
	wire    *TriggerLine
	devices []*SimDevice
	closed  bool
}

// NewSimSystem creates the simulated cameras
func NewSimSystem(cfg SimConfig) *SimSystem {
	if cfg.OutputLine == "" {
		cfg.OutputLine = "Line2"
	}
	if cfg.InputLine == "" {
		cfg.InputLine = "Line3"
	}

	s := &SimSystem{wire: NewTriggerLine(cfg.InputLine)}
	for _, dc := range cfg.Devices {
		s.devices = append(s.devices, newSimDevice(dc, wiring{
			wire:       s.wire,
			outputLine: cfg.OutputLine,
			inputLine:  cfg.InputLine,
		}))
	}
	return s
}

// Devices returns the simulated cameras in configuration order
func (s *SimSystem) Devices() ([]Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("sim system closed")
	}
	out := make([]Device, len(s.devices))
	for i, d := range s.devices {
		out[i] = d
	}
	return out, nil
}

// Device looks up a simulated camera by serial
func (s *SimSystem) Device(serial string) *SimDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.Serial() == serial {
			return d
		}
	}
	return nil
}

// Wire returns the shared trigger wire
func (s *SimSystem) Wire() *TriggerLine {
	return s.wire
}

func (s *SimSystem) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SimDevice is a simulated camera
type SimDevice struct {
	*emulated
}

// NewSimDevice creates a standalone simulated camera. It has no trigger wire
// and can only free-run.
func NewSimDevice(cfg SimDeviceConfig) *SimDevice {
	return newSimDevice(cfg, wiring{})
}

func newSimDevice(cfg SimDeviceConfig, w wiring) *SimDevice {
	if cfg.Width <= 0 {
		cfg.Width = 64
	}
	if cfg.Height <= 0 {
		cfg.Height = 48
	}
	return &SimDevice{emulated: newEmulated(emulatedOptions{
		serial:         cfg.Serial,
		maxWidth:       int64(cfg.Width),
		maxHeight:      int64(cfg.Height),
		maxFrameRate:   cfg.MaxFrameRate,
		access:         cfg.Access,
		faultEvery:     cfg.TransportErrorEvery,
		incompleteEach: cfg.IncompleteEvery,
	}, &simSensor{}, w)}
}

// simSensor renders a flat test pattern whose value changes per frame
type simSensor struct {
	width  int
	height int
	bpp    int
	n      byte
}

func (s *simSensor) start(pixelFormat string, width, height, _ int) error {
	s.width, s.height = width, height
	s.bpp = BytesPerPixel(pixelFormat)
	return nil
}

func (s *simSensor) capture(ctx context.Context) ([]byte, int, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, 0, err
	}
	s.n++
	buf := make([]byte, s.width*s.height*s.bpp)
	for i := range buf {
		buf[i] = s.n
	}
	return buf, s.width, s.height, nil
}

func (s *simSensor) stop() error { return nil }

func (s *simSensor) paced() bool { return false }

// BytesPerPixel returns the packed size of one pixel of a supported format
func BytesPerPixel(pixelFormat string) int {
	switch pixelFormat {
	case "BGR8", "RGB8":
		return 3
	case "YUYV", "YUV422":
		return 2
	}
	return 1
}
