//go:build linux

package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/blackjack/webcam"
)

// fourcc codes of the formats the V4L2 backend can negotiate
var v4l2Formats = map[string]webcam.PixelFormat{
	"BayerBG8": fourcc('B', 'A', '8', '1'),
	"BayerRG8": fourcc('R', 'G', 'G', 'B'),
	"Mono8":    fourcc('G', 'R', 'E', 'Y'),
	"YUYV":     fourcc('Y', 'U', 'Y', 'V'),
	"BGR8":     fourcc('B', 'G', 'R', '3'),
	"RGB8":     fourcc('R', 'G', 'B', '3'),
}

func fourcc(a, b, c, d byte) webcam.PixelFormat {
	return webcam.PixelFormat(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// V4L2Entry maps a camera serial to its device node
type V4L2Entry struct {
	Serial string
	Path   string
	Width  int
	Height int
}

// V4L2System exposes V4L2 cameras through the emulated node map. The kernel
// has no hardware trigger lines, so cameras are synchronised over an
// in-process wire the same way SimSystem does it.
type V4L2System struct {
	wire    *TriggerLine
	devices []Device
}

// NewV4L2System opens nothing yet; devices are opened at BeginAcquisition
func NewV4L2System(entries []V4L2Entry, outputLine, inputLine string) (*V4L2System, error) {
	if len(entries) == 0 {
		return nil, errors.New("v4l2: no devices configured")
	}
	s := &V4L2System{wire: NewTriggerLine(inputLine)}
	for _, entry := range entries {
		if entry.Path == "" {
			return nil, fmt.Errorf("v4l2: device %s has no path", entry.Serial)
		}
		width, height := entry.Width, entry.Height
		if width <= 0 {
			width = 1920
		}
		if height <= 0 {
			height = 1080
		}
		s.devices = append(s.devices, newEmulated(emulatedOptions{
			serial:       entry.Serial,
			pixelFormats: []string{"BayerBG8", "BayerRG8", "Mono8", "YUYV", "BGR8", "RGB8"},
			maxWidth:     int64(width),
			maxHeight:    int64(height),
			maxBuffers:   32,
			maxFrameRate: 120,
		}, &v4l2Sensor{path: entry.Path}, wiring{
			wire:       s.wire,
			outputLine: outputLine,
			inputLine:  inputLine,
		}))
	}
	return s, nil
}

func (s *V4L2System) Devices() ([]Device, error) {
	return append([]Device(nil), s.devices...), nil
}

func (s *V4L2System) Close() error {
	return nil
}

// v4l2Sensor reads frames from a /dev/video node
type v4l2Sensor struct {
	path string

	mu     sync.Mutex
	cam    *webcam.Webcam
	width  int
	height int
}

func (s *v4l2Sensor) start(pixelFormat string, width, height, buffers int) error {
	format, ok := v4l2Formats[pixelFormat]
	if !ok {
		return fmt.Errorf("v4l2 %s: unsupported pixel format %s", s.path, pixelFormat)
	}

	cam, err := webcam.Open(s.path)
	if err != nil {
		return fmt.Errorf("v4l2 open %s: %w", s.path, err)
	}

	if _, ok := cam.GetSupportedFormats()[format]; !ok {
		cam.Close()
		return fmt.Errorf("v4l2 %s: camera does not offer %s", s.path, pixelFormat)
	}

	_, w, h, err := cam.SetImageFormat(format, uint32(width), uint32(height))
	if err != nil {
		cam.Close()
		return fmt.Errorf("v4l2 %s: set format: %w", s.path, err)
	}
	if buffers > 0 {
		if err := cam.SetBufferCount(uint32(buffers)); err != nil {
			cam.Close()
			return fmt.Errorf("v4l2 %s: set buffer count: %w", s.path, err)
		}
	}
	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return fmt.Errorf("v4l2 %s: start streaming: %w", s.path, err)
	}

	s.mu.Lock()
	s.cam, s.width, s.height = cam, int(w), int(h)
	s.mu.Unlock()
	return nil
}

func (s *v4l2Sensor) capture(ctx context.Context) ([]byte, int, int, error) {
	s.mu.Lock()
	cam, width, height := s.cam, s.width, s.height
	s.mu.Unlock()
	if cam == nil {
		return nil, 0, 0, ErrNotAcquiring
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, 0, err
		}
		err := cam.WaitForFrame(1)
		var timeout *webcam.Timeout
		if errors.As(err, &timeout) {
			continue
		}
		if err != nil {
			return nil, 0, 0, err
		}

		frame, err := cam.ReadFrame()
		if err != nil {
			return nil, 0, 0, err
		}
		if len(frame) == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		// ReadFrame returns a view into the mmap'd driver buffer
		data := make([]byte, len(frame))
		copy(data, frame)
		return data, width, height, nil
	}
}

func (s *v4l2Sensor) stop() error {
	s.mu.Lock()
	cam := s.cam
	s.cam = nil
	s.mu.Unlock()
	if cam == nil {
		return nil
	}
	if err := cam.StopStreaming(); err != nil {
		cam.Close()
		return fmt.Errorf("v4l2 %s: stop streaming: %w", s.path, err)
	}
	return cam.Close()
}

func (s *v4l2Sensor) paced() bool { return true }
