package camera

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"multicam-recorder/device"
)

var (
	// ErrPrimaryRole is returned when the primary serial does not match exactly one device
	ErrPrimaryRole = errors.New("camera: exactly one device must be the primary")
	// ErrSyncTimeout is returned when secondaries did not arm in time
	ErrSyncTimeout = errors.New("camera: secondaries not ready before timeout")
)

// Role is the part a camera plays in the trigger chain
type Role int

const (
	RoleSecondary Role = iota
	RolePrimary
)

func (r Role) String() string {
	if r == RolePrimary {
		return "primary"
	}
	return "secondary"
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// ResolveRoles maps every serial to its role. Exactly one serial must equal
// primary and serials must be unique.
func ResolveRoles(serials []string, primary string) (map[string]Role, error) {
	roles := make(map[string]Role, len(serials))
	primaries := 0
	for _, s := range serials {
		if _, dup := roles[s]; dup {
			return nil, fmt.Errorf("%w: duplicate serial %s", ErrPrimaryRole, s)
		}
		if s == primary {
			roles[s] = RolePrimary
			primaries++
		} else {
			roles[s] = RoleSecondary
		}
	}
	if primaries != 1 {
		return nil, fmt.Errorf("%w: %d devices match primary serial %q", ErrPrimaryRole, primaries, primary)
	}
	return roles, nil
}

// TriggerSettings names the lines of the trigger chain
type TriggerSettings struct {
	OutputLine string // primary output, e.g. Line2
	InputLine  string // secondary input, e.g. Line3
	Overlap    string // secondary trigger overlap, e.g. ReadOut
}

type nodeSetting struct {
	node  device.Node
	value any
}

// ConfigureTrigger arms the device trigger for its role. The device stays
// gated until ReleaseTrigger is called on the primary.
func ConfigureTrigger(dev device.Device, role Role, s TriggerSettings) error {
	required := []device.Node{device.NodeTriggerMode, device.NodeTriggerSource}
	if role == RolePrimary {
		required = append(required, device.NodeLineSelector)
	} else {
		required = append(required, device.NodeTriggerOverlap)
	}
	for _, node := range required {
		if err := device.Check(node, dev.Access(node), true); err != nil {
			return fmt.Errorf("trigger: %w", err)
		}
	}

	steps := []nodeSetting{{device.NodeTriggerMode, "Off"}}
	if role == RolePrimary {
		steps = append(steps,
			nodeSetting{device.NodeLineSelector, s.OutputLine},
			nodeSetting{device.NodeTriggerSource, "Software"})
	} else {
		steps = append(steps,
			nodeSetting{device.NodeTriggerSource, s.InputLine},
			nodeSetting{device.NodeTriggerOverlap, s.Overlap})
	}
	steps = append(steps, nodeSetting{device.NodeTriggerMode, "On"})

	for _, step := range steps {
		if err := dev.Configure(step.node, step.value); err != nil {
			return fmt.Errorf("trigger: %w", err)
		}
	}
	return nil
}

// ReleaseTrigger lets the primary free-run; its output line then drives the secondaries
func ReleaseTrigger(dev device.Device) error {
	if err := dev.Configure(device.NodeTriggerMode, "Off"); err != nil {
		return fmt.Errorf("release trigger: %w", err)
	}
	return nil
}

// Session coordinates the start and end of one synchronized capture
type Session struct {
	mu      sync.Mutex
	pending map[string]bool
	ready   []string
	failed  map[string]error
	changed chan struct{}

	stopOnce       sync.Once
	primaryStopped chan struct{}
	startOnce      sync.Once
	started        chan struct{}
}

// NewSession creates a session waiting for the given secondaries
func NewSession(secondaries []string) *Session {
	s := &Session{
		pending:        make(map[string]bool, len(secondaries)),
		failed:         make(map[string]error),
		changed:        make(chan struct{}, 1),
		primaryStopped: make(chan struct{}),
		started:        make(chan struct{}),
	}
	for _, serial := range secondaries {
		s.pending[serial] = true
	}
	return s
}

func (s *Session) resolve(serial string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pending[serial] {
		return
	}
	delete(s.pending, serial)
	if err != nil {
		s.failed[serial] = err
	} else {
		s.ready = append(s.ready, serial)
	}
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// MarkReady records that a secondary is acquiring and waiting for pulses
func (s *Session) MarkReady(serial string) { s.resolve(serial, nil) }

// MarkFailed records that a secondary will not take part
func (s *Session) MarkFailed(serial string, err error) {
	if err == nil {
		err = errors.New("setup failed")
	}
	s.resolve(serial, err)
}

// WaitReady blocks until every secondary has resolved and returns the ready
// ones. Secondaries that failed are left out; their errors stay with their
// own workers.
func (s *Session) WaitReady(ctx context.Context, timeout time.Duration) ([]string, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		s.mu.Lock()
		remaining := len(s.pending)
		s.mu.Unlock()
		if remaining == 0 {
			return s.Ready(), nil
		}

		select {
		case <-s.changed:
		case <-deadline:
			return s.Ready(), fmt.Errorf("%w: %v still pending", ErrSyncTimeout, s.Pending())
		case <-ctx.Done():
			return s.Ready(), ctx.Err()
		}
	}
}

// Ready returns the secondaries that armed successfully, sorted
func (s *Session) Ready() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.ready...)
	sort.Strings(out)
	return out
}

// Pending returns the secondaries that have not resolved yet, sorted
func (s *Session) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for serial := range s.pending {
		out = append(out, serial)
	}
	sort.Strings(out)
	return out
}

// MarkStarted records that the primary released the trigger
func (s *Session) MarkStarted() {
	s.startOnce.Do(func() { close(s.started) })
}

// Started is closed once capture is running
func (s *Session) Started() <-chan struct{} {
	return s.started
}

// MarkPrimaryStopped records that the primary left acquisition
func (s *Session) MarkPrimaryStopped() {
	s.stopOnce.Do(func() { close(s.primaryStopped) })
}

// PrimaryStopped reports whether the primary left acquisition
func (s *Session) PrimaryStopped() bool {
	select {
	case <-s.primaryStopped:
		return true
	default:
		return false
	}
}

// StartSignal is the operator go signal that releases the primary
type StartSignal interface {
	Wait(ctx context.Context) error
}

// AutoStart fires after a fixed settle delay
type AutoStart struct {
	Delay time.Duration
}

func (a AutoStart) Wait(ctx context.Context) error {
	if a.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(a.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ManualStart fires when Confirm is called, e.g. on Enter or an HTTP request
type ManualStart struct {
	once    sync.Once
	ch      chan struct{}
	waiting chan struct{}
	wOnce   sync.Once
}

// NewManualStart creates an unconfirmed signal
func NewManualStart() *ManualStart {
	return &ManualStart{ch: make(chan struct{}), waiting: make(chan struct{})}
}

// Confirm releases every waiter; later calls are no-ops
func (m *ManualStart) Confirm() {
	m.once.Do(func() { close(m.ch) })
}

// Confirmed reports whether Confirm was called
func (m *ManualStart) Confirmed() bool {
	select {
	case <-m.ch:
		return true
	default:
		return false
	}
}

// Waiting is closed once the primary is blocked on the signal
func (m *ManualStart) Waiting() <-chan struct{} {
	return m.waiting
}

func (m *ManualStart) Wait(ctx context.Context) error {
	m.wOnce.Do(func() { close(m.waiting) })
	select {
	case <-m.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
