package camera

import (
	"fmt"
	"sync"
	"testing"

	"multicam-recorder/device"
)

// recordingDevice records every Configure call made on the wrapped device
type recordingDevice struct {
	device.Device

	mu    sync.Mutex
	calls []string
}

func (r *recordingDevice) Configure(node device.Node, value any) error {
	r.mu.Lock()
	r.calls = append(r.calls, fmt.Sprintf("%s=%v", node, value))
	r.mu.Unlock()
	return r.Device.Configure(node, value)
}

func (r *recordingDevice) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func newInitializedSim(t *testing.T, cfg device.SimDeviceConfig) *device.SimDevice {
	t.Helper()
	d := device.NewSimDevice(cfg)
	if err := d.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return d
}

func testFrame(id uint64) *device.Frame {
	return &device.Frame{
		Data:        make([]byte, 4*2),
		Width:       4,
		Height:      2,
		PixelFormat: "BayerBG8",
		FrameID:     id,
	}
}
