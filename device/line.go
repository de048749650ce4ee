package device

import (
	"sync"
	"sync/atomic"
)

// Pulse is one edge on a trigger line
type Pulse struct {
	Seq    uint64
	Source string // serial of the camera that drove the line
}

// TriggerLine is an in-process stand-in for the electrical line that connects
// the primary's output to the secondaries' trigger inputs. Pulses fan out to
// every subscriber; a subscriber that falls behind loses pulses, like a camera
// that is still reading out when the edge arrives.
type TriggerLine struct {
	name string

	mu   sync.RWMutex
	subs map[string]chan Pulse

	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewTriggerLine creates an idle line
func NewTriggerLine(name string) *TriggerLine {
	return &TriggerLine{
		name: name,
		subs: make(map[string]chan Pulse),
	}
}

// Name returns the line name, e.g. "Line3"
func (l *TriggerLine) Name() string {
	return l.name
}

// Subscribe registers a listener; calling it again for the same id replaces it
func (l *TriggerLine) Subscribe(id string, buffer int) <-chan Pulse {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Pulse, buffer)

	l.mu.Lock()
	if old, ok := l.subs[id]; ok {
		close(old)
	}
	l.subs[id] = ch
	l.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a listener
func (l *TriggerLine) Unsubscribe(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ch, ok := l.subs[id]; ok {
		close(ch)
		delete(l.subs, id)
	}
}

// Fire emits one pulse to every subscriber except the source
func (l *TriggerLine) Fire(source string) Pulse {
	p := Pulse{Seq: l.seq.Add(1), Source: source}

	l.mu.RLock()
	defer l.mu.RUnlock()
	for id, ch := range l.subs {
		if id == source {
			continue
		}
		select {
		case ch <- p:
		default:
			l.dropped.Add(1)
		}
	}
	return p
}

// Pulses returns how many pulses were fired
func (l *TriggerLine) Pulses() uint64 {
	return l.seq.Load()
}

// Dropped returns how many deliveries were lost to slow subscribers
func (l *TriggerLine) Dropped() uint64 {
	return l.dropped.Load()
}
