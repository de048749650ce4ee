package device

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is returned by NextFrame when no frame arrived within the timeout
	ErrTimeout = errors.New("device: timed out waiting for frame")
	// ErrNotAcquiring is returned when frames are requested outside an acquisition
	ErrNotAcquiring = errors.New("device: acquisition not running")
	// ErrTransport marks a transient transport failure during acquisition
	ErrTransport = errors.New("device: transport error")
	// ErrQueueFull is returned by FrameQueue.Push when a non-overwrite queue is full
	ErrQueueFull = errors.New("device: frame queue full")
)

// Node identifies one configurable property of a camera
type Node int

const (
	NodePixelFormat Node = iota
	NodeWidth
	NodeHeight
	NodeAcquisitionMode
	NodeAcquisitionFrameRateEnable
	NodeAcquisitionFrameRate
	NodeChunkModeActive
	NodeStreamBufferCountMode
	NodeStreamBufferCountManual
	NodeStreamBufferHandlingMode
	NodeTriggerMode
	NodeTriggerSource
	NodeTriggerOverlap
	NodeLineSelector
	numNodes
)

var nodeNames = [...]string{
	"PixelFormat",
	"Width",
	"Height",
	"AcquisitionMode",
	"AcquisitionFrameRateEnable",
	"AcquisitionFrameRate",
	"ChunkModeActive",
	"StreamBufferCountMode",
	"StreamBufferCountManual",
	"StreamBufferHandlingMode",
	"TriggerMode",
	"TriggerSource",
	"TriggerOverlap",
	"LineSelector",
}

func (n Node) String() string {
	if n >= 0 && n < numNodes {
		return nodeNames[n]
	}
	return fmt.Sprintf("Node(%d)", int(n))
}

// Access describes what can be done with a node on a given device
type Access uint8

const (
	AccessAvailable Access = 1 << iota
	AccessReadable
	AccessWritable
)

// ReadWrite is the access of a fully usable node
const ReadWrite = AccessAvailable | AccessReadable | AccessWritable

func (a Access) Available() bool { return a&AccessAvailable != 0 }
func (a Access) Readable() bool  { return a.Available() && a&AccessReadable != 0 }
func (a Access) Writable() bool  { return a.Available() && a&AccessWritable != 0 }

// NodeReason tells why a node could not be configured
type NodeReason int

const (
	ReasonUnavailable NodeReason = iota
	ReasonNotWritable
	ReasonNotReadable
	ReasonInvalidValue
)

func (r NodeReason) String() string {
	switch r {
	case ReasonUnavailable:
		return "unavailable"
	case ReasonNotWritable:
		return "not writable"
	case ReasonNotReadable:
		return "not readable"
	case ReasonInvalidValue:
		return "invalid value"
	default:
		return "unknown"
	}
}

// NodeError is a configuration failure on a single node. It is fatal to the
// device being configured and to nothing else.
type NodeError struct {
	Node   Node
	Reason NodeReason
	Value  any
}

func (e *NodeError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("node %s %s (value %v)", e.Node, e.Reason, e.Value)
	}
	return fmt.Sprintf("node %s %s", e.Node, e.Reason)
}

// Check returns a NodeError when access does not allow the wanted operation
func Check(node Node, access Access, write bool) error {
	if !access.Available() {
		return &NodeError{Node: node, Reason: ReasonUnavailable}
	}
	if write && !access.Writable() {
		return &NodeError{Node: node, Reason: ReasonNotWritable}
	}
	if !write && !access.Readable() {
		return &NodeError{Node: node, Reason: ReasonNotReadable}
	}
	return nil
}

// Frame is one image delivered by a camera together with its chunk metadata
type Frame struct {
	Data        []byte
	Width       int
	Height      int
	PixelFormat string

	FrameID            uint64
	ExposureTime       float64 // microseconds
	Gain               float64 // dB
	OffsetX            int64
	OffsetY            int64
	SequencerSetActive int64
	Timestamp          uint64 // nanoseconds, device clock

	Incomplete bool
}

// TimestampParts splits the device timestamp into whole seconds and the nanosecond remainder
func (f *Frame) TimestampParts() (sec uint64, nsec uint64) {
	return f.Timestamp / uint64(time.Second), f.Timestamp % uint64(time.Second)
}

// Device is the capability surface of one physical camera
type Device interface {
	Serial() string
	Init() error
	Access(node Node) Access
	// Max returns the upper bound of an integer node
	Max(node Node) (int64, error)
	Configure(node Node, value any) error
	Read(node Node) (any, error)
	BeginAcquisition() error
	NextFrame(ctx context.Context, timeout time.Duration) (*Frame, error)
	EndAcquisition() error
	Deinit() error
}

// System enumerates the cameras attached to the host
type System interface {
	Devices() ([]Device, error)
	Close() error
}
