// Package video writes batches of camera frames into video container files.
package video

import (
	"errors"
	"fmt"
	"strings"

	"multicam-recorder/device"
)

// ErrSegmentClosed is returned when appending to a closed segment
var ErrSegmentClosed = errors.New("video: segment closed")

// Codec is the compression applied to recorded segments
type Codec int

const (
	Uncompressed Codec = iota
	MJPG
	H264
)

func (c Codec) String() string {
	switch c {
	case Uncompressed:
		return "Uncompressed"
	case MJPG:
		return "MJPG"
	case H264:
		return "H264"
	default:
		return fmt.Sprintf("Codec(%d)", int(c))
	}
}

// ParseCodec resolves a codec name; "raw" is accepted for Uncompressed
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "uncompressed", "raw":
		return Uncompressed, nil
	case "mjpg", "mjpeg":
		return MJPG, nil
	case "h264":
		return H264, nil
	}
	return 0, fmt.Errorf("unknown codec %q", s)
}

func (c Codec) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Codec) UnmarshalText(text []byte) error {
	codec, err := ParseCodec(string(text))
	if err != nil {
		return err
	}
	*c = codec
	return nil
}

// Params are the per-segment encoding parameters
type Params struct {
	Codec     Codec
	FrameRate float64
	// Quality is the MJPG quality, 0-100
	Quality int
	// Bitrate is the H264 target in bits per second
	Bitrate int
	// Width and Height of the stored frames
	Width       int
	Height      int
	PixelFormat string
}

// Segment is one open video file
type Segment interface {
	Append(f *device.Frame) error
	// Size is the number of bytes written so far
	Size() int64
	Path() string
	Close() error
}

// Encoder opens segments
type Encoder interface {
	Open(path string, p Params) (Segment, error)
}

// SegmentName returns the file name of batch id for a camera
func SegmentName(codec Codec, serial string, id int) string {
	return fmt.Sprintf("SaveToAvi-%s-%s-%03d.avi", codec, serial, id)
}
