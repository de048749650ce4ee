package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// sensor is the frame producing half of an emulated camera
type sensor interface {
	start(pixelFormat string, width, height, buffers int) error
	capture(ctx context.Context) (payload []byte, width, height int, err error)
	stop() error
	// paced is true when capture blocks until the hardware delivers a frame
	paced() bool
}

// wiring describes how an emulated camera is connected to the shared trigger wire
type wiring struct {
	wire       *TriggerLine
	outputLine string // LineSelector value that drives the wire
	inputLine  string // TriggerSource value that listens to the wire
}

type emulatedOptions struct {
	serial         string
	pixelFormats   []string
	maxWidth       int64
	maxHeight      int64
	maxBuffers     int64
	maxFrameRate   float64
	exposureTime   float64
	access         map[Node]Access
	faultEvery     int
	incompleteEach int
}

// emulated implements Device on top of a sensor: it keeps the node map, the
// trigger gate and the frame queue in process.
type emulated struct {
	opts   emulatedOptions
	sensor sensor
	wiring wiring

	mu          sync.Mutex
	initialized bool
	acquiring   bool
	values      map[Node]any

	queue  *FrameQueue
	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
	faults chan error

	frameID   atomic.Uint64
	nextCalls atomic.Uint64
	faultsIn  atomic.Uint64
	faultsOut atomic.Uint64
	begunAt   time.Time
	deinits   atomic.Int32
}

func newEmulated(opts emulatedOptions, s sensor, w wiring) *emulated {
	if len(opts.pixelFormats) == 0 {
		opts.pixelFormats = []string{"BayerBG8", "BayerRG8", "Mono8", "BGR8", "RGB8"}
	}
	if opts.maxBuffers <= 0 {
		opts.maxBuffers = 100
	}
	if opts.maxFrameRate <= 0 {
		opts.maxFrameRate = 1000
	}
	if opts.exposureTime <= 0 {
		opts.exposureTime = 10000
	}
	e := &emulated{
		opts:   opts,
		sensor: s,
		wiring: w,
		wake:   make(chan struct{}, 1),
	}
	e.values = map[Node]any{
		NodePixelFormat:                opts.pixelFormats[0],
		NodeWidth:                      opts.maxWidth,
		NodeHeight:                     opts.maxHeight,
		NodeAcquisitionMode:            "Continuous",
		NodeAcquisitionFrameRateEnable: false,
		NodeAcquisitionFrameRate:       30.0,
		NodeChunkModeActive:            false,
		NodeStreamBufferCountMode:      "Auto",
		NodeStreamBufferCountManual:    int64(10),
		NodeStreamBufferHandlingMode:   NewestOnly.String(),
		NodeTriggerMode:                "Off",
		NodeTriggerSource:              "Software",
		NodeTriggerOverlap:             "Off",
		NodeLineSelector:               "Line0",
	}
	return e
}

func (e *emulated) Serial() string {
	return e.opts.serial
}

func (e *emulated) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initialized = true
	return nil
}

func (e *emulated) Deinit() error {
	e.deinits.Add(1)
	e.mu.Lock()
	acquiring := e.acquiring
	e.mu.Unlock()
	if acquiring {
		if err := e.EndAcquisition(); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.initialized = false
	e.mu.Unlock()
	return nil
}

func (e *emulated) Access(node Node) Access {
	if a, ok := e.opts.access[node]; ok {
		return a
	}
	if node < 0 || node >= numNodes {
		return 0
	}
	return ReadWrite
}

func (e *emulated) Max(node Node) (int64, error) {
	switch node {
	case NodeWidth:
		return e.opts.maxWidth, nil
	case NodeHeight:
		return e.opts.maxHeight, nil
	case NodeStreamBufferCountManual:
		return e.opts.maxBuffers, nil
	case NodeAcquisitionFrameRate:
		return int64(e.opts.maxFrameRate), nil
	}
	return 0, &NodeError{Node: node, Reason: ReasonInvalidValue}
}

func (e *emulated) Read(node Node) (any, error) {
	if err := Check(node, e.Access(node), false); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.values[node]
	if !ok {
		return nil, &NodeError{Node: node, Reason: ReasonUnavailable}
	}
	return v, nil
}

func (e *emulated) Configure(node Node, value any) error {
	if err := Check(node, e.Access(node), true); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return fmt.Errorf("configure %s: device %s not initialized", node, e.opts.serial)
	}
	normalized, err := e.validate(node, value)
	if err != nil {
		return err
	}
	if e.acquiring && !liveNode(node) {
		return &NodeError{Node: node, Reason: ReasonNotWritable, Value: value}
	}
	e.values[node] = normalized
	if e.acquiring {
		notify(e.wake)
	}
	return nil
}

// liveNode lists the nodes that stay writable while streaming
func liveNode(node Node) bool {
	switch node {
	case NodeTriggerMode, NodeTriggerSource, NodeAcquisitionFrameRate, NodeLineSelector:
		return true
	}
	return false
}

func (e *emulated) validate(node Node, value any) (any, error) {
	invalid := &NodeError{Node: node, Reason: ReasonInvalidValue, Value: value}
	switch node {
	case NodePixelFormat:
		return oneOf(value, invalid, e.opts.pixelFormats...)
	case NodeAcquisitionMode:
		return oneOf(value, invalid, "Continuous", "SingleFrame", "MultiFrame")
	case NodeStreamBufferCountMode:
		return oneOf(value, invalid, "Auto", "Manual")
	case NodeStreamBufferHandlingMode:
		s, ok := value.(string)
		if !ok {
			return nil, invalid
		}
		mode, err := ParseBufferMode(s)
		if err != nil {
			return nil, invalid
		}
		return mode.String(), nil
	case NodeTriggerMode:
		return oneOf(value, invalid, "Off", "On")
	case NodeTriggerOverlap:
		return oneOf(value, invalid, "Off", "ReadOut", "PreviousFrame")
	case NodeTriggerSource:
		return oneOf(value, invalid, "Software", "Line0", "Line1", "Line2", "Line3")
	case NodeLineSelector:
		return oneOf(value, invalid, "Line0", "Line1", "Line2", "Line3")
	case NodeAcquisitionFrameRateEnable, NodeChunkModeActive:
		b, ok := value.(bool)
		if !ok {
			return nil, invalid
		}
		return b, nil
	case NodeWidth, NodeHeight, NodeStreamBufferCountManual:
		n, ok := ToInt64(value)
		if !ok || n < 1 {
			return nil, invalid
		}
		limit, _ := e.Max(node)
		if limit > 0 && n > limit {
			return nil, invalid
		}
		return n, nil
	case NodeAcquisitionFrameRate:
		f, ok := ToFloat64(value)
		if !ok || f <= 0 || f > e.opts.maxFrameRate {
			return nil, invalid
		}
		return f, nil
	}
	return nil, &NodeError{Node: node, Reason: ReasonUnavailable}
}

func oneOf(value any, invalid error, allowed ...string) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, invalid
	}
	for _, a := range allowed {
		if a == s {
			return s, nil
		}
	}
	return nil, invalid
}

// ToInt64 converts the integer kinds accepted by Configure
func ToInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	}
	return 0, false
}

// ToFloat64 converts the numeric kinds accepted by Configure
func ToFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	if i, ok := ToInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}

func (e *emulated) BeginAcquisition() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.initialized {
		return fmt.Errorf("begin acquisition: device %s not initialized", e.opts.serial)
	}
	if e.acquiring {
		return fmt.Errorf("begin acquisition: device %s already acquiring", e.opts.serial)
	}

	depth := 10
	if e.values[NodeStreamBufferCountMode] == "Manual" {
		n, _ := ToInt64(e.values[NodeStreamBufferCountManual])
		depth = int(n)
	}
	mode, err := ParseBufferMode(e.values[NodeStreamBufferHandlingMode].(string))
	if err != nil {
		return err
	}

	width, _ := ToInt64(e.values[NodeWidth])
	height, _ := ToInt64(e.values[NodeHeight])
	if err := e.sensor.start(e.values[NodePixelFormat].(string), int(width), int(height), depth); err != nil {
		return fmt.Errorf("begin acquisition: %w", err)
	}

	e.queue = NewFrameQueue(BufferConfig{Depth: depth, Mode: mode})
	e.faults = make(chan error, 16)
	e.faultsIn.Store(0)
	e.faultsOut.Store(0)
	e.done = make(chan struct{})
	e.begunAt = time.Now()
	e.acquiring = true

	var pulses <-chan Pulse
	if e.wiring.wire != nil {
		pulses = e.wiring.wire.Subscribe(e.opts.serial, 64)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.run(ctx, pulses)
	return nil
}

type gateState struct {
	freeRun       bool
	lineTriggered bool
	drivesWire    bool
	interval      time.Duration
}

func (e *emulated) gate() gateState {
	e.mu.Lock()
	defer e.mu.Unlock()

	fps := 30.0
	if enabled, _ := e.values[NodeAcquisitionFrameRateEnable].(bool); enabled {
		fps, _ = ToFloat64(e.values[NodeAcquisitionFrameRate])
	}
	st := gateState{interval: time.Duration(float64(time.Second) / fps)}
	if e.values[NodeTriggerMode] == "Off" {
		st.freeRun = true
		st.drivesWire = e.wiring.outputLine != "" && e.values[NodeLineSelector] == e.wiring.outputLine
	} else {
		st.lineTriggered = e.wiring.inputLine != "" && e.values[NodeTriggerSource] == e.wiring.inputLine
	}
	return st
}

func (e *emulated) run(ctx context.Context, pulses <-chan Pulse) {
	defer close(e.done)

	var ticker *time.Ticker
	var interval time.Duration
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		st := e.gate()

		var tick <-chan time.Time
		if st.freeRun {
			if e.sensor.paced() {
				if !e.produce(ctx) {
					return
				}
				if st.drivesWire {
					e.wiring.wire.Fire(e.opts.serial)
				}
				continue
			}
			if ticker == nil || interval != st.interval {
				if ticker != nil {
					ticker.Stop()
				}
				interval = st.interval
				ticker = time.NewTicker(interval)
			}
			tick = ticker.C
		}

		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-tick:
			if !e.produce(ctx) {
				return
			}
			if st.drivesWire {
				e.wiring.wire.Fire(e.opts.serial)
			}
		case _, ok := <-pulses:
			if !ok {
				pulses = nil
				continue
			}
			if st.lineTriggered {
				if !e.produce(ctx) {
					return
				}
			}
		}
	}
}

// produce captures one frame into the queue; false means acquisition is over
func (e *emulated) produce(ctx context.Context) bool {
	payload, width, height, err := e.sensor.capture(ctx)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		e.faultsIn.Add(1)
		select {
		case e.faults <- fmt.Errorf("%w: %v", ErrTransport, err):
		default:
			e.faultsOut.Add(1)
		}
		return true
	}

	id := e.frameID.Add(1)
	e.mu.Lock()
	format := e.values[NodePixelFormat].(string)
	e.mu.Unlock()

	f := &Frame{
		Data:         payload,
		Width:        width,
		Height:       height,
		PixelFormat:  format,
		FrameID:      id,
		ExposureTime: e.opts.exposureTime,
		Timestamp:    uint64(time.Since(e.begunAt)),
	}
	if e.opts.incompleteEach > 0 && id%uint64(e.opts.incompleteEach) == 0 {
		f.Incomplete = true
	}
	// non-overwrite modes hold the sensor until the consumer frees a slot
	if _, err := e.queue.PushWait(ctx, f); err != nil {
		return false
	}
	return true
}

func (e *emulated) NextFrame(ctx context.Context, timeout time.Duration) (*Frame, error) {
	e.mu.Lock()
	q, faults, acquiring := e.queue, e.faults, e.acquiring
	e.mu.Unlock()
	if q == nil || !acquiring {
		return nil, ErrNotAcquiring
	}

	if n := e.nextCalls.Add(1); e.opts.faultEvery > 0 && n%uint64(e.opts.faultEvery) == 0 {
		return nil, fmt.Errorf("%w: injected fault on read %d", ErrTransport, n)
	}
	select {
	case err := <-faults:
		return nil, err
	default:
	}
	return q.Pop(ctx, timeout)
}

func (e *emulated) EndAcquisition() error {
	e.mu.Lock()
	if !e.acquiring {
		e.mu.Unlock()
		return ErrNotAcquiring
	}
	e.acquiring = false
	cancel, done, q := e.cancel, e.done, e.queue
	e.mu.Unlock()

	cancel()
	<-done
	q.Close()
	if e.wiring.wire != nil {
		e.wiring.wire.Unsubscribe(e.opts.serial)
	}
	return e.sensor.stop()
}

// QueueStats returns the counters of the current or last acquisition queue
func (e *emulated) QueueStats() QueueStats {
	e.mu.Lock()
	q := e.queue
	e.mu.Unlock()
	var st QueueStats
	if q != nil {
		st = q.Stats()
	}
	st.Faults = e.faultsIn.Load()
	st.DroppedFaults = e.faultsOut.Load()
	return st
}

// DeinitCount returns how many times Deinit was called
func (e *emulated) DeinitCount() int {
	return int(e.deinits.Load())
}
