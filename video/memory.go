package video

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"multicam-recorder/device"
)

// MemoryEncoder keeps segments in memory. It backs dry runs and tests and
// tracks how many segments were open at the same time.
type MemoryEncoder struct {
	// AppendDelay slows down every Append
	AppendDelay time.Duration
	// FailOpen makes Open fail for the given paths
	FailOpen map[string]error

	mu       sync.Mutex
	segments []*MemorySegment
	open     atomic.Int32
	maxOpen  atomic.Int32
}

// NewMemoryEncoder creates an empty in-memory encoder
func NewMemoryEncoder() *MemoryEncoder {
	return &MemoryEncoder{}
}

func (e *MemoryEncoder) Open(path string, p Params) (Segment, error) {
	if err, ok := e.FailOpen[path]; ok {
		return nil, err
	}
	if p.FrameRate <= 0 {
		return nil, fmt.Errorf("open segment %s: invalid frame rate %v", path, p.FrameRate)
	}

	seg := &MemorySegment{owner: e, path: path, Params: p}
	e.mu.Lock()
	e.segments = append(e.segments, seg)
	e.mu.Unlock()

	n := e.open.Add(1)
	for {
		peak := e.maxOpen.Load()
		if n <= peak || e.maxOpen.CompareAndSwap(peak, n) {
			break
		}
	}
	return seg, nil
}

// Segments returns every segment opened so far in open order
func (e *MemoryEncoder) Segments() []*MemorySegment {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*MemorySegment(nil), e.segments...)
}

// MaxOpen returns the highest number of simultaneously open segments
func (e *MemoryEncoder) MaxOpen() int {
	return int(e.maxOpen.Load())
}

// MemorySegment is a segment recorded by MemoryEncoder
type MemorySegment struct {
	Params Params

	owner *MemoryEncoder
	path  string

	mu     sync.Mutex
	frames []uint64
	size   int64
	closed bool
}

func (s *MemorySegment) Append(f *device.Frame) error {
	if s.owner.AppendDelay > 0 {
		time.Sleep(s.owner.AppendDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSegmentClosed
	}
	s.frames = append(s.frames, f.FrameID)
	s.size += int64(len(f.Data))
	return nil
}

func (s *MemorySegment) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *MemorySegment) Path() string {
	return s.path
}

func (s *MemorySegment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.owner.open.Add(-1)
	return nil
}

// FrameIDs returns the ids of the appended frames in order
func (s *MemorySegment) FrameIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint64(nil), s.frames...)
}

// Closed reports whether Close was called
func (s *MemorySegment) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
