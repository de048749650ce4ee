package device

import (
	"context"
	"errors"
	"testing"
	"time"
)

func pushIDs(t *testing.T, q *FrameQueue, ids ...uint64) (rejected int) {
	t.Helper()
	for _, id := range ids {
		_, err := q.Push(&Frame{FrameID: id})
		if errors.Is(err, ErrQueueFull) {
			rejected++
			continue
		}
		if err != nil {
			t.Fatalf("Push(%d) failed: %v", id, err)
		}
	}
	return rejected
}

func drainIDs(q *FrameQueue) []uint64 {
	var out []uint64
	for q.Len() > 0 {
		f, err := q.Pop(context.Background(), time.Millisecond)
		if err != nil {
			break
		}
		out = append(out, f.FrameID)
	}
	return out
}

// TestFrameQueueOverflow tests D+1 enqueues against every eviction mode
func TestFrameQueueOverflow(t *testing.T) {
	const depth = 3

	tests := []struct {
		mode     BufferMode
		rejected int
		evicted  uint64
		want     []uint64
	}{
		{NewestFirst, 1, 0, []uint64{3, 2, 1}},
		{NewestFirstOverwrite, 0, 1, []uint64{4, 3, 2}},
		{NewestOnly, 0, 3, []uint64{4}},
		{OldestFirst, 1, 0, []uint64{1, 2, 3}},
		{OldestFirstOverwrite, 0, 1, []uint64{2, 3, 4}},
	}

	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			q := NewFrameQueue(BufferConfig{Depth: depth, Mode: tt.mode})

			rejected := pushIDs(t, q, 1, 2, 3, 4)
			if rejected != tt.rejected {
				t.Errorf("rejected = %d, want %d", rejected, tt.rejected)
			}

			stats := q.Stats()
			if stats.Evicted != tt.evicted {
				t.Errorf("Evicted = %d, want %d", stats.Evicted, tt.evicted)
			}

			got := drainIDs(q)
			if len(got) != len(tt.want) {
				t.Fatalf("delivered %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("delivered %v, want %v", got, tt.want)
				}
			}
		})
	}
}

// TestFrameQueueOverwriteNeverBlocks tests that overwrite modes accept every push
func TestFrameQueueOverwriteNeverBlocks(t *testing.T) {
	for _, mode := range []BufferMode{NewestFirstOverwrite, NewestOnly, OldestFirstOverwrite} {
		q := NewFrameQueue(BufferConfig{Depth: 2, Mode: mode})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		for i := uint64(1); i <= 10; i++ {
			if _, err := q.PushWait(ctx, &Frame{FrameID: i}); err != nil {
				t.Fatalf("%s: PushWait(%d) blocked or failed: %v", mode, i, err)
			}
		}
		cancel()
	}
}

// TestFrameQueuePushWaitBlocks tests that a full non-overwrite queue holds the producer
func TestFrameQueuePushWaitBlocks(t *testing.T) {
	q := NewFrameQueue(BufferConfig{Depth: 1, Mode: OldestFirst})
	pushIDs(t, q, 1)

	done := make(chan error, 1)
	go func() {
		_, err := q.PushWait(context.Background(), &Frame{FrameID: 2})
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("PushWait returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	f, err := q.Pop(context.Background(), time.Second)
	if err != nil || f.FrameID != 1 {
		t.Fatalf("Pop = %v, %v; want frame 1", f, err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("PushWait failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("PushWait did not resume after Pop")
	}
}

// TestFrameQueuePopTimeout tests timeout and close handling
func TestFrameQueuePopTimeout(t *testing.T) {
	q := NewFrameQueue(BufferConfig{Depth: 4, Mode: OldestFirst})

	if _, err := q.Pop(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Errorf("Pop on empty queue = %v, want ErrTimeout", err)
	}

	pushIDs(t, q, 7)
	q.Close()

	f, err := q.Pop(context.Background(), 10*time.Millisecond)
	if err != nil || f.FrameID != 7 {
		t.Errorf("Pop after Close = %v, %v; want buffered frame 7", f, err)
	}
	if _, err := q.Pop(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrNotAcquiring) {
		t.Errorf("Pop on closed empty queue = %v, want ErrNotAcquiring", err)
	}
}

// TestParseBufferMode tests case-insensitive mode names
func TestParseBufferMode(t *testing.T) {
	mode, err := ParseBufferMode("oldestfirstoverwrite")
	if err != nil || mode != OldestFirstOverwrite {
		t.Errorf("ParseBufferMode = %v, %v", mode, err)
	}
	if _, err := ParseBufferMode("LatestOnly"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
