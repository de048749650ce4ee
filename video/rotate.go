package video

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"multicam-recorder/device"
)

// DefaultMaxFileSize is the size at which a segment continues in a new file
const DefaultMaxFileSize = 2048 << 20

// Rotating wraps an Encoder so that no file grows past maxBytes. A segment
// that would overflow is closed and continues in <name>-0001.avi, -0002, ...
type Rotating struct {
	next     Encoder
	maxBytes int64
}

// NewRotating wraps next; maxBytes <= 0 uses DefaultMaxFileSize
func NewRotating(next Encoder, maxBytes int64) *Rotating {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFileSize
	}
	return &Rotating{next: next, maxBytes: maxBytes}
}

func (r *Rotating) Open(path string, p Params) (Segment, error) {
	seg, err := r.next.Open(path, p)
	if err != nil {
		return nil, err
	}
	return &rotatingSegment{
		enc:    r,
		params: p,
		base:   path,
		cur:    seg,
		paths:  []string{path},
	}, nil
}

// RotatedPath returns the name of the n-th continuation file of path
func RotatedPath(path string, n int) string {
	if n == 0 {
		return path
	}
	ext := filepath.Ext(path)
	return fmt.Sprintf("%s-%04d%s", strings.TrimSuffix(path, ext), n, ext)
}

// MultiFile is implemented by segments that span several files
type MultiFile interface {
	Paths() []string
}

type rotatingSegment struct {
	enc    *Rotating
	params Params
	base   string

	mu     sync.Mutex
	cur    Segment
	paths  []string
	closed int64 // bytes in already closed files
	done   bool
}

func (s *rotatingSegment) Append(f *device.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return ErrSegmentClosed
	}

	size := s.cur.Size()
	if size > 0 && size+int64(len(f.Data)) > s.enc.maxBytes {
		if err := s.cur.Close(); err != nil {
			return err
		}
		s.closed += s.cur.Size()

		next := RotatedPath(s.base, len(s.paths))
		seg, err := s.enc.next.Open(next, s.params)
		if err != nil {
			s.done = true
			return fmt.Errorf("rotate to %s: %w", next, err)
		}
		s.cur = seg
		s.paths = append(s.paths, next)
	}
	return s.cur.Append(f)
}

func (s *rotatingSegment) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed + s.cur.Size()
}

func (s *rotatingSegment) Path() string {
	return s.base
}

func (s *rotatingSegment) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

func (s *rotatingSegment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true
	return s.cur.Close()
}
