package view

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"evs-camera-service/camera"
	"evs-camera-service/pool"
)

// eventLog records significant actions across the test doubles so ordering
// between the device and the display can be asserted.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) indexOf(e string) int {
	for i, got := range l.list() {
		if got == e {
			return i
		}
	}
	return -1
}

// testDevice is a minimal camera.VideoDevice whose frames the test injects.
type testDevice struct {
	name string
	log  *eventLog

	mu   sync.Mutex
	open bool
	fn   camera.RawFrameFunc
}

func newTestDevice(name string, log *eventLog) *testDevice {
	return &testDevice{name: name, log: log, open: true}
}

func (d *testDevice) Name() string               { return d.name }
func (d *testDevice) Width() int                 { return 8 }
func (d *testDevice) Height() int                { return 4 }
func (d *testDevice) Stride() int                { return 16 }
func (d *testDevice) Format() camera.PixelFormat { return camera.FormatYUYV }
func (d *testDevice) MarkFrameConsumed()         {}

func (d *testDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *testDevice) StartStream(fn camera.RawFrameFunc) error {
	d.mu.Lock()
	d.fn = fn
	d.mu.Unlock()
	d.log.add("start:" + d.name)
	return nil
}

func (d *testDevice) StopStream() error {
	d.mu.Lock()
	d.fn = nil
	d.mu.Unlock()
	d.log.add("stop:" + d.name)
	return nil
}

func (d *testDevice) Close() {
	d.mu.Lock()
	d.open = false
	d.fn = nil
	d.mu.Unlock()
}

func (d *testDevice) pushFrame() {
	d.mu.Lock()
	fn := d.fn
	d.mu.Unlock()
	if fn != nil {
		fn(make([]byte, d.Stride()*d.Height()))
	}
}

// recordingSink is a DisplaySink that counts presented frames and logs
// visibility transitions.
type recordingSink struct {
	log *eventLog

	mu      sync.Mutex
	target  *pool.Buffer
	visible bool
	frames  int
}

func newRecordingSink(log *eventLog) *recordingSink {
	return &recordingSink{log: log, target: &pool.Buffer{Data: make([]byte, 256)}}
}

func (s *recordingSink) GetTargetBuffer() (camera.BufferDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return camera.BufferDescriptor{Buffer: s.target}, nil
}

func (s *recordingSink) ReturnTargetBufferForDisplay(camera.BufferDescriptor) error {
	s.mu.Lock()
	s.frames++
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) SetVisible(visible bool) error {
	s.mu.Lock()
	changed := s.visible != visible
	s.visible = visible
	s.mu.Unlock()
	if changed {
		s.log.add(fmt.Sprintf("visible:%t", visible))
	}
	return nil
}

func (s *recordingSink) isVisible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

func (s *recordingSink) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

type controllerHarness struct {
	controller *Controller
	sink       *recordingSink
	log        *eventLog

	mu      sync.Mutex
	devices map[string]*testDevice
}

func (h *controllerHarness) device(id string) *testDevice {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.devices[id]
}

func newHarness(t *testing.T, failOpen map[string]bool) *controllerHarness {
	t.Helper()

	log := &eventLog{}
	h := &controllerHarness{log: log, devices: make(map[string]*testDevice)}

	descs := []camera.CameraDescriptor{
		{CameraID: "rear", DevicePath: "test", Width: 8, Height: 4, Format: "YUYV"},
		{CameraID: "left", DevicePath: "test", Width: 8, Height: 4, Format: "YUYV"},
		{CameraID: "right", DevicePath: "test", Width: 8, Height: 4, Format: "YUYV"},
	}
	factory := func(desc camera.CameraDescriptor) (camera.VideoDevice, error) {
		if failOpen[desc.CameraID] {
			return nil, fmt.Errorf("device unavailable")
		}
		dev := newTestDevice(desc.CameraID, log)
		h.mu.Lock()
		h.devices[desc.CameraID] = dev
		h.mu.Unlock()
		return dev, nil
	}

	logger := zaptest.NewLogger(t)
	enumerator := camera.NewEnumerator(descs, factory, camera.FormatRGBA, 2, logger)

	h.sink = newRecordingSink(log)
	h.controller = NewController(enumerator, h.sink, map[State]string{
		StateReverse: "rear",
		StateLeft:    "left",
		StateRight:   "right",
	}, 8, logger)

	ctx, cancel := context.WithCancel(context.Background())
	h.controller.Start(ctx)
	t.Cleanup(func() {
		h.controller.Stop()
		cancel()
		enumerator.Shutdown()
	})
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDesiredStateFor(t *testing.T) {
	tests := []struct {
		name string
		snap SignalSnapshot
		want State
	}{
		{"idle", SignalSnapshot{Gear: GearPark, Turn: TurnNone}, StateOff},
		{"driving straight", SignalSnapshot{Gear: GearDrive, Turn: TurnNone}, StateOff},
		{"reverse gear", SignalSnapshot{Gear: GearReverse, Turn: TurnNone}, StateReverse},
		{"left indicator", SignalSnapshot{Gear: GearDrive, Turn: TurnLeft}, StateLeft},
		{"right indicator", SignalSnapshot{Gear: GearDrive, Turn: TurnRight}, StateRight},
		{"reverse overrides left", SignalSnapshot{Gear: GearReverse, Turn: TurnLeft}, StateReverse},
		{"reverse overrides right", SignalSnapshot{Gear: GearReverse, Turn: TurnRight}, StateReverse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DesiredStateFor(tt.snap); got != tt.want {
				t.Errorf("DesiredStateFor(%+v) = %v, want %v", tt.snap, got, tt.want)
			}
		})
	}
}

func TestReverseSignalArmsDisplay(t *testing.T) {
	h := newHarness(t, nil)

	h.controller.UpdateSignals(SignalSnapshot{Gear: GearReverse})

	waitFor(t, "REVERSE state", func() bool { return h.controller.CurrentState() == StateReverse })
	waitFor(t, "display armed", h.sink.isVisible)

	id, ok := h.controller.ActiveCamera()
	if !ok || id != "rear" {
		t.Errorf("active camera = %q (%t), want rear", id, ok)
	}

	// The display went visible only after the stream started
	start := h.log.indexOf("start:rear")
	visible := h.log.indexOf("visible:true")
	if start == -1 || visible == -1 || start > visible {
		t.Errorf("event order %v: stream start must precede display arming", h.log.list())
	}
}

func TestReturnToParkDisarmsDisplay(t *testing.T) {
	h := newHarness(t, nil)

	h.controller.UpdateSignals(SignalSnapshot{Gear: GearReverse})
	waitFor(t, "display armed", h.sink.isVisible)

	h.controller.UpdateSignals(SignalSnapshot{Gear: GearPark})
	waitFor(t, "OFF state", func() bool { return h.controller.CurrentState() == StateOff })
	waitFor(t, "display disarmed", func() bool { return !h.sink.isVisible() })

	if _, ok := h.controller.ActiveCamera(); ok {
		t.Error("no camera should remain active in OFF")
	}
	if h.device("rear").IsOpen() {
		t.Error("rear camera should be closed after leaving REVERSE")
	}

	// The camera stream stops before the display is blanked
	stop := h.log.indexOf("stop:rear")
	blank := h.log.indexOf("visible:false")
	if stop == -1 || blank == -1 || stop > blank {
		t.Errorf("event order %v: stream stop must precede display blanking", h.log.list())
	}
}

func TestStateTransitionSwapsCameras(t *testing.T) {
	h := newHarness(t, nil)

	h.controller.UpdateSignals(SignalSnapshot{Gear: GearReverse})
	waitFor(t, "REVERSE state", func() bool { return h.controller.CurrentState() == StateReverse })

	h.controller.UpdateSignals(SignalSnapshot{Gear: GearDrive, Turn: TurnRight})
	waitFor(t, "RIGHT state", func() bool { return h.controller.CurrentState() == StateRight })

	id, _ := h.controller.ActiveCamera()
	if id != "right" {
		t.Errorf("active camera = %q, want right", id)
	}
	if h.device("rear").IsOpen() {
		t.Error("rear camera should be closed after the view moved on")
	}

	// Old camera fully stops before the new one starts
	stop := h.log.indexOf("stop:rear")
	start := h.log.indexOf("start:right")
	if stop == -1 || start == -1 || stop > start {
		t.Errorf("event order %v: old stream must stop before the new one starts", h.log.list())
	}
}

func TestRedundantSignalIsNoOp(t *testing.T) {
	h := newHarness(t, nil)

	h.controller.UpdateSignals(SignalSnapshot{Gear: GearReverse})
	waitFor(t, "REVERSE state", func() bool { return h.controller.CurrentState() == StateReverse })
	before := len(h.log.list())

	// Same desired state again; the camera must not restart
	h.controller.UpdateSignals(SignalSnapshot{Gear: GearReverse, Turn: TurnLeft})
	time.Sleep(50 * time.Millisecond)

	if got := len(h.log.list()); got != before {
		t.Errorf("events grew from %d to %d on a redundant transition: %v", before, got, h.log.list())
	}
}

func TestOpenFailureDegradesToOff(t *testing.T) {
	h := newHarness(t, map[string]bool{"rear": true})

	h.controller.UpdateSignals(SignalSnapshot{Gear: GearReverse})

	waitFor(t, "fallback to OFF", func() bool { return h.controller.CurrentState() == StateOff })
	if h.sink.isVisible() {
		t.Error("display must stay dark when the camera cannot be opened")
	}
	if _, ok := h.controller.ActiveCamera(); ok {
		t.Error("no camera should be active after an open failure")
	}

	// The controller keeps working for states whose camera is healthy
	h.controller.UpdateSignals(SignalSnapshot{Gear: GearDrive, Turn: TurnLeft})
	waitFor(t, "LEFT state", func() bool { return h.controller.CurrentState() == StateLeft })
}

func TestFramesReachTheDisplay(t *testing.T) {
	h := newHarness(t, nil)

	h.controller.RequestState(StateReverse)
	waitFor(t, "REVERSE state", func() bool { return h.controller.CurrentState() == StateReverse })

	dev := h.device("rear")
	for i := 0; i < 5; i++ {
		dev.pushFrame()
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, "frames presented", func() bool { return h.sink.frameCount() > 0 })
}

func TestControllerStopTearsDown(t *testing.T) {
	log := &eventLog{}
	devices := make(map[string]*testDevice)
	var mu sync.Mutex

	descs := []camera.CameraDescriptor{
		{CameraID: "rear", DevicePath: "test", Width: 8, Height: 4, Format: "YUYV"},
	}
	factory := func(desc camera.CameraDescriptor) (camera.VideoDevice, error) {
		dev := newTestDevice(desc.CameraID, log)
		mu.Lock()
		devices[desc.CameraID] = dev
		mu.Unlock()
		return dev, nil
	}

	logger := zaptest.NewLogger(t)
	enumerator := camera.NewEnumerator(descs, factory, camera.FormatRGBA, 2, logger)
	defer enumerator.Shutdown()
	sink := newRecordingSink(log)

	c := NewController(enumerator, sink, map[State]string{StateReverse: "rear"}, 8, logger)
	c.Start(context.Background())

	c.RequestState(StateReverse)
	waitFor(t, "REVERSE state", func() bool { return c.CurrentState() == StateReverse })

	c.Stop()

	mu.Lock()
	dev := devices["rear"]
	mu.Unlock()
	if dev.IsOpen() {
		t.Error("camera should be closed after controller stop")
	}
	if sink.isVisible() {
		t.Error("display should be blanked after controller stop")
	}
}

func TestPollerForwardsOnlyChanges(t *testing.T) {
	h := newHarness(t, nil)
	src := NewStaticSource(SignalSnapshot{Gear: GearPark})

	poller := NewPoller(src, h.controller, 5*time.Millisecond, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go poller.Run(ctx)

	src.Set(SignalSnapshot{Gear: GearReverse})
	waitFor(t, "REVERSE via poller", func() bool { return h.controller.CurrentState() == StateReverse })

	src.Set(SignalSnapshot{Gear: GearDrive, Turn: TurnLeft})
	waitFor(t, "LEFT via poller", func() bool { return h.controller.CurrentState() == StateLeft })
}
