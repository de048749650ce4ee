package camera

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"multicam-recorder/video"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestPipeline(t *testing.T, enc video.Encoder, batch int) *Pipeline {
	t.Helper()
	return NewPipeline(enc, PipelineConfig{
		Serial:    "A",
		Dir:       "out",
		BatchSize: batch,
		Params:    video.Params{Codec: video.MJPG, FrameRate: 20, Quality: 75},
	}, zaptest.NewLogger(t))
}

// TestPipelineBatching tests how frames split into segments
func TestPipelineBatching(t *testing.T) {
	tests := []struct {
		name   string
		batch  int
		frames int
		want   []int
	}{
		{"exact multiple", 3, 9, []int{3, 3, 3}},
		{"remainder", 3, 7, []int{3, 3, 1}},
		{"smaller than batch", 5, 2, []int{2}},
		{"batch of one", 1, 3, []int{1, 1, 1}},
		{"empty", 4, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := video.NewMemoryEncoder()
			p := newTestPipeline(t, enc, tt.batch)
			for i := 1; i <= tt.frames; i++ {
				p.Append(testFrame(uint64(i)))
			}
			stats := p.Drain()

			segs := enc.Segments()
			var sizes []int
			next := uint64(1)
			for i, s := range segs {
				ids := s.FrameIDs()
				sizes = append(sizes, len(ids))
				for _, id := range ids {
					assert.Equal(t, next, id, "frame order in segment %d", i)
					next++
				}
				assert.True(t, s.Closed(), "segment %d left open", i)
				assert.Equal(t, filepath.Join("out", video.SegmentName(video.MJPG, "A", i)), s.Path())
			}
			assert.Equal(t, tt.want, sizes)
			assert.Equal(t, len(tt.want), stats.Segments)
			assert.Equal(t, tt.frames, stats.Frames)
			assert.Zero(t, stats.EncodeErrors)
			assert.Zero(t, p.Pending())
		})
	}
}

// TestPipelineOneTaskInFlight tests that encode tasks of one device never overlap
func TestPipelineOneTaskInFlight(t *testing.T) {
	enc := video.NewMemoryEncoder()
	enc.AppendDelay = 2 * time.Millisecond
	p := newTestPipeline(t, enc, 2)

	for i := 1; i <= 10; i++ {
		p.Append(testFrame(uint64(i)))
	}
	stats := p.Drain()

	assert.Equal(t, 5, stats.Segments)
	assert.Equal(t, 1, enc.MaxOpen())
}

// TestPipelineEncodeErrorContinues tests that a failed task does not stop later batches
func TestPipelineEncodeErrorContinues(t *testing.T) {
	enc := video.NewMemoryEncoder()
	enc.FailOpen = map[string]error{
		filepath.Join("out", video.SegmentName(video.MJPG, "A", 1)): errors.New("disk full"),
	}
	p := newTestPipeline(t, enc, 2)

	var results []EncodeResult
	p.OnResult(func(r EncodeResult) { results = append(results, r) })

	for i := 1; i <= 6; i++ {
		p.Append(testFrame(uint64(i)))
	}
	stats := p.Drain()

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, 1, stats.EncodeErrors)
	assert.Equal(t, 4, stats.Frames)
	assert.False(t, results[1].Opened)
	assert.Equal(t, 2, stats.Segments, "a segment that never opened was counted")

	segs := enc.Segments()
	require.Len(t, segs, 2)
	assert.Equal(t, []uint64{5, 6}, segs[1].FrameIDs())
}

// TestPipelineFrameSizeFromBatch tests that zero dimensions are taken from the first frame
func TestPipelineFrameSizeFromBatch(t *testing.T) {
	enc := video.NewMemoryEncoder()
	p := NewPipeline(enc, PipelineConfig{
		Serial:    "A",
		Dir:       "out",
		BatchSize: 2,
		Params:    video.Params{Codec: video.H264, FrameRate: 20, Bitrate: 1000000},
	}, zaptest.NewLogger(t))

	p.Append(testFrame(1))
	p.Drain()

	segs := enc.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, 4, segs[0].Params.Width)
	assert.Equal(t, 2, segs[0].Params.Height)
	assert.Equal(t, "BayerBG8", segs[0].Params.PixelFormat)
}
