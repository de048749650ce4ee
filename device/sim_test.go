package device

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustConfigure(t *testing.T, d Device, node Node, value any) {
	t.Helper()
	if err := d.Configure(node, value); err != nil {
		t.Fatalf("Configure(%s, %v) failed: %v", node, value, err)
	}
}

func fastRate(t *testing.T, d Device) {
	t.Helper()
	mustConfigure(t, d, NodeAcquisitionFrameRateEnable, true)
	mustConfigure(t, d, NodeAcquisitionFrameRate, 200.0)
}

// TestSimDeviceFreeRun tests free-running acquisition
func TestSimDeviceFreeRun(t *testing.T) {
	d := NewSimDevice(SimDeviceConfig{Serial: "A", Width: 8, Height: 4})
	if err := d.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	fastRate(t, d)
	mustConfigure(t, d, NodeStreamBufferCountMode, "Manual")
	mustConfigure(t, d, NodeStreamBufferCountManual, 5)
	mustConfigure(t, d, NodeStreamBufferHandlingMode, "OldestFirst")

	if err := d.BeginAcquisition(); err != nil {
		t.Fatalf("BeginAcquisition failed: %v", err)
	}

	var last uint64
	for i := 0; i < 5; i++ {
		f, err := d.NextFrame(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("NextFrame failed: %v", err)
		}
		if f.FrameID <= last {
			t.Errorf("FrameID %d not after %d", f.FrameID, last)
		}
		last = f.FrameID
		if len(f.Data) != 8*4 {
			t.Errorf("payload = %d bytes, want 32", len(f.Data))
		}
	}

	if err := d.EndAcquisition(); err != nil {
		t.Fatalf("EndAcquisition failed: %v", err)
	}
	if d.QueueStats().Depth != 5 {
		t.Errorf("queue depth = %d, want 5", d.QueueStats().Depth)
	}
	if _, err := d.NextFrame(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrNotAcquiring) {
		t.Errorf("NextFrame after end = %v, want ErrNotAcquiring", err)
	}
}

// TestSimRigLineTrigger tests that secondaries only capture on pulses from the primary
func TestSimRigLineTrigger(t *testing.T) {
	sys := NewSimSystem(SimConfig{Devices: []SimDeviceConfig{{Serial: "A"}, {Serial: "B"}}})
	primary, secondary := sys.Device("A"), sys.Device("B")
	for _, d := range []*SimDevice{primary, secondary} {
		if err := d.Init(); err != nil {
			t.Fatalf("Init failed: %v", err)
		}
		fastRate(t, d)
	}

	mustConfigure(t, primary, NodeLineSelector, "Line2")
	mustConfigure(t, primary, NodeTriggerMode, "Off")
	mustConfigure(t, secondary, NodeTriggerSource, "Line3")
	mustConfigure(t, secondary, NodeTriggerMode, "On")

	if err := secondary.BeginAcquisition(); err != nil {
		t.Fatalf("secondary BeginAcquisition failed: %v", err)
	}
	defer secondary.EndAcquisition()

	if _, err := secondary.NextFrame(context.Background(), 50*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("secondary captured without pulses: %v", err)
	}

	if err := primary.BeginAcquisition(); err != nil {
		t.Fatalf("primary BeginAcquisition failed: %v", err)
	}
	defer primary.EndAcquisition()

	if _, err := secondary.NextFrame(context.Background(), time.Second); err != nil {
		t.Fatalf("secondary did not follow the primary: %v", err)
	}
	if sys.Wire().Pulses() == 0 {
		t.Error("primary did not drive the wire")
	}
}

// TestSimSoftwareTriggerGates tests that an armed camera with a software source stays idle
func TestSimSoftwareTriggerGates(t *testing.T) {
	d := NewSimDevice(SimDeviceConfig{Serial: "A"})
	d.Init()
	fastRate(t, d)
	mustConfigure(t, d, NodeTriggerSource, "Software")
	mustConfigure(t, d, NodeTriggerMode, "On")

	if err := d.BeginAcquisition(); err != nil {
		t.Fatalf("BeginAcquisition failed: %v", err)
	}
	defer d.EndAcquisition()

	if _, err := d.NextFrame(context.Background(), 50*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("NextFrame = %v, want ErrTimeout", err)
	}

	// releasing the gate switches to free-run
	mustConfigure(t, d, NodeTriggerMode, "Off")
	if _, err := d.NextFrame(context.Background(), time.Second); err != nil {
		t.Fatalf("NextFrame after TriggerMode Off failed: %v", err)
	}
}

// TestSimAccessOverride tests per-node access restrictions
func TestSimAccessOverride(t *testing.T) {
	d := NewSimDevice(SimDeviceConfig{
		Serial: "A",
		Access: map[Node]Access{
			NodeLineSelector:    AccessAvailable | AccessReadable,
			NodeChunkModeActive: 0,
		},
	})
	d.Init()

	var nodeErr *NodeError
	err := d.Configure(NodeLineSelector, "Line2")
	if !errors.As(err, &nodeErr) || nodeErr.Reason != ReasonNotWritable {
		t.Errorf("Configure(LineSelector) = %v, want not writable", err)
	}
	err = d.Configure(NodeChunkModeActive, true)
	if !errors.As(err, &nodeErr) || nodeErr.Reason != ReasonUnavailable {
		t.Errorf("Configure(ChunkModeActive) = %v, want unavailable", err)
	}
	err = d.Configure(NodeTriggerMode, "Maybe")
	if !errors.As(err, &nodeErr) || nodeErr.Reason != ReasonInvalidValue {
		t.Errorf("Configure(TriggerMode) = %v, want invalid value", err)
	}
}

// TestSimFaultInjection tests incomplete frames and transport errors
func TestSimFaultInjection(t *testing.T) {
	d := NewSimDevice(SimDeviceConfig{Serial: "A", IncompleteEvery: 2, TransportErrorEvery: 3})
	d.Init()
	fastRate(t, d)
	mustConfigure(t, d, NodeStreamBufferHandlingMode, "OldestFirst")
	mustConfigure(t, d, NodeStreamBufferCountMode, "Manual")
	mustConfigure(t, d, NodeStreamBufferCountManual, 10)

	if err := d.BeginAcquisition(); err != nil {
		t.Fatalf("BeginAcquisition failed: %v", err)
	}
	defer d.EndAcquisition()

	var incomplete, transport int
	for i := 0; i < 9; i++ {
		f, err := d.NextFrame(context.Background(), time.Second)
		if errors.Is(err, ErrTransport) {
			transport++
			continue
		}
		if err != nil {
			t.Fatalf("NextFrame failed: %v", err)
		}
		if f.Incomplete {
			incomplete++
			if f.FrameID%2 != 0 {
				t.Errorf("frame %d marked incomplete", f.FrameID)
			}
		}
	}
	if transport != 3 {
		t.Errorf("transport errors = %d, want 3", transport)
	}
	if incomplete != 3 {
		t.Errorf("incomplete frames = %d, want 3", incomplete)
	}
}

// brokenSensor renders nothing and fails every capture
type brokenSensor struct {
	simSensor
}

func (s *brokenSensor) capture(ctx context.Context) ([]byte, int, int, error) {
	return nil, 0, 0, errors.New("link down")
}

// TestSensorFaultsCounted tests that sensor errors nobody reads are still counted
func TestSensorFaultsCounted(t *testing.T) {
	d := newEmulated(emulatedOptions{serial: "A", maxWidth: 8, maxHeight: 4}, &brokenSensor{}, wiring{})
	d.Init()
	fastRate(t, d)

	if err := d.BeginAcquisition(); err != nil {
		t.Fatalf("BeginAcquisition failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for d.QueueStats().Faults < 20 {
		if time.Now().After(deadline) {
			t.Fatalf("faults = %d, want at least 20", d.QueueStats().Faults)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := d.EndAcquisition(); err != nil {
		t.Fatalf("EndAcquisition failed: %v", err)
	}

	st := d.QueueStats()
	// nothing read the faults, so exactly the buffered 16 were kept
	if got := st.Faults - st.DroppedFaults; got != 16 {
		t.Errorf("buffered faults = %d, want 16 (faults %d, dropped %d)", got, st.Faults, st.DroppedFaults)
	}
}

// TestSimDeinitStopsAcquisition tests Deinit on a streaming camera
func TestSimDeinitStopsAcquisition(t *testing.T) {
	d := NewSimDevice(SimDeviceConfig{Serial: "A"})
	d.Init()
	if err := d.BeginAcquisition(); err != nil {
		t.Fatalf("BeginAcquisition failed: %v", err)
	}
	if err := d.Deinit(); err != nil {
		t.Fatalf("Deinit failed: %v", err)
	}
	if d.DeinitCount() != 1 {
		t.Errorf("DeinitCount = %d, want 1", d.DeinitCount())
	}
	if err := d.Configure(NodeWidth, 8); err == nil {
		t.Error("Configure after Deinit should fail")
	}
}
