//go:build !linux

package device

import "errors"

// V4L2Entry maps a camera serial to its device node
type V4L2Entry struct {
	Serial string
	Path   string
	Width  int
	Height int
}

// V4L2System is only available on linux
type V4L2System struct{}

func NewV4L2System(entries []V4L2Entry, outputLine, inputLine string) (*V4L2System, error) {
	return nil, errors.New("v4l2: not supported on this platform")
}

func (s *V4L2System) Devices() ([]Device, error) {
	return nil, errors.New("v4l2: not supported on this platform")
}

func (s *V4L2System) Close() error { return nil }
