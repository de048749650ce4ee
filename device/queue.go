package device

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// BufferMode is the eviction and ordering discipline of a device frame queue
type BufferMode int

const (
	NewestFirst BufferMode = iota
	NewestFirstOverwrite
	NewestOnly
	OldestFirst
	OldestFirstOverwrite
)

var bufferModeNames = map[BufferMode]string{
	NewestFirst:          "NewestFirst",
	NewestFirstOverwrite: "NewestFirstOverwrite",
	NewestOnly:           "NewestOnly",
	OldestFirst:          "OldestFirst",
	OldestFirstOverwrite: "OldestFirstOverwrite",
}

func (m BufferMode) String() string {
	if name, ok := bufferModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("BufferMode(%d)", int(m))
}

// ParseBufferMode resolves a mode by its case-insensitive name
func ParseBufferMode(s string) (BufferMode, error) {
	for mode, name := range bufferModeNames {
		if strings.EqualFold(name, s) {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("unknown buffer mode %q", s)
}

func (m BufferMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *BufferMode) UnmarshalText(text []byte) error {
	mode, err := ParseBufferMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// Overwrite reports whether the mode drops old frames instead of refusing new ones
func (m BufferMode) Overwrite() bool {
	return m == NewestFirstOverwrite || m == OldestFirstOverwrite || m == NewestOnly
}

// NewestFirstDelivery reports whether the consumer gets the most recent frame first
func (m BufferMode) NewestFirstDelivery() bool {
	return m == NewestFirst || m == NewestFirstOverwrite || m == NewestOnly
}

// BufferConfig is the requested queue setup of one device session
type BufferConfig struct {
	Depth int
	Mode  BufferMode
}

// QueueStats counts frames that went through a queue
type QueueStats struct {
	Pushed   uint64
	Rejected uint64 // incoming frames refused because the queue was full
	Evicted  uint64 // buffered frames dropped to make room
	Depth    int
	Mode     BufferMode

	// sensor errors seen by the driver, and those lost because nobody read them in time
	Faults        uint64
	DroppedFaults uint64
}

// FrameQueue is a bounded frame buffer between a producer (sensor) and the
// capture worker. Its mode decides delivery order and overflow behaviour.
type FrameQueue struct {
	mu     sync.Mutex
	mode   BufferMode
	depth  int
	frames []*Frame // oldest first
	closed bool

	// signalled when a frame is added or the queue closes
	avail chan struct{}
	// signalled when a slot frees up
	space chan struct{}

	stats QueueStats
}

// NewFrameQueue creates a queue. NewestOnly always keeps a single frame.
func NewFrameQueue(cfg BufferConfig) *FrameQueue {
	depth := cfg.Depth
	if depth < 1 || cfg.Mode == NewestOnly {
		depth = 1
	}
	return &FrameQueue{
		mode:   cfg.Mode,
		depth:  depth,
		frames: make([]*Frame, 0, depth),
		avail:  make(chan struct{}, 1),
		space:  make(chan struct{}, 1),
	}
}

// Push adds a frame without blocking. For overwrite modes the oldest buffered
// frame is evicted and returned; for the other modes a full queue refuses the
// frame with ErrQueueFull.
func (q *FrameQueue) Push(f *Frame) (*Frame, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrNotAcquiring
	}

	var evicted *Frame
	if len(q.frames) >= q.depth {
		if !q.mode.Overwrite() {
			q.stats.Rejected++
			return nil, ErrQueueFull
		}
		evicted = q.frames[0]
		q.frames[0] = nil
		q.frames = q.frames[1:]
		q.stats.Evicted++
	}

	q.frames = append(q.frames, f)
	q.stats.Pushed++
	notify(q.avail)
	return evicted, nil
}

// PushWait adds a frame, waiting for space when a non-overwrite queue is full
func (q *FrameQueue) PushWait(ctx context.Context, f *Frame) (*Frame, error) {
	for {
		evicted, err := q.Push(f)
		if err != ErrQueueFull {
			return evicted, err
		}
		select {
		case <-q.space:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Pop removes the next frame according to the delivery order, waiting up to
// timeout. A zero timeout waits until a frame arrives or ctx is done.
func (q *FrameQueue) Pop(ctx context.Context, timeout time.Duration) (*Frame, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		q.mu.Lock()
		if n := len(q.frames); n > 0 {
			var f *Frame
			if q.mode.NewestFirstDelivery() {
				f = q.frames[n-1]
				q.frames[n-1] = nil
				q.frames = q.frames[:n-1]
			} else {
				f = q.frames[0]
				q.frames[0] = nil
				q.frames = q.frames[1:]
			}
			if len(q.frames) > 0 {
				notify(q.avail)
			}
			q.mu.Unlock()
			notify(q.space)
			return f, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrNotAcquiring
		}

		select {
		case <-q.avail:
		case <-deadline:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of buffered frames
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Stats returns a snapshot of the queue counters
func (q *FrameQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Depth = q.depth
	s.Mode = q.mode
	return s
}

// Close wakes all waiters; buffered frames can still be popped.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	notify(q.avail)
	notify(q.space)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
