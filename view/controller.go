// Package view maps vehicle signal snapshots to the camera feed shown on
// the display and reconciles camera sessions when the desired view changes.
package view

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"evs-camera-service/camera"
	"evs-camera-service/stream"
)

// State is the view the display should show.
type State int

const (
	StateOff State = iota
	StateReverse
	StateLeft
	StateRight
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "OFF"
	case StateReverse:
		return "REVERSE"
	case StateLeft:
		return "LEFT"
	case StateRight:
		return "RIGHT"
	default:
		return "UNKNOWN"
	}
}

// DisplaySink is the external display contract: the controller fetches the
// sink's target buffer, renders the camera frame into it, and returns it
// for presentation. What "display" means is the sink's concern.
type DisplaySink interface {
	GetTargetBuffer() (camera.BufferDescriptor, error)
	ReturnTargetBufferForDisplay(camera.BufferDescriptor) error
	SetVisible(visible bool) error
}

type commandKind int

const (
	cmdSignalUpdate commandKind = iota
	cmdRequestState
)

type command struct {
	kind  commandKind
	snap  SignalSnapshot
	state State
}

// Controller owns the view state machine. External inputs are enqueued and
// drained on a single goroutine so reconciliation never races with itself;
// the drain loop blocks when idle and wakes on enqueue.
type Controller struct {
	logger         *zap.Logger
	enumerator     *camera.Enumerator
	sink           DisplaySink
	cameraForState map[State]string
	commands       chan command

	mu      sync.Mutex
	current State
	session *camera.CaptureSession
	handler *stream.Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	pumpWg sync.WaitGroup
}

// NewController creates a stopped controller. cameraForState maps each view
// state to the camera id serving it; states without an entry disarm the
// display instead of opening a camera.
func NewController(enumerator *camera.Enumerator, sink DisplaySink, cameraForState map[State]string, queueSize int, logger *zap.Logger) *Controller {
	return &Controller{
		logger:         logger,
		enumerator:     enumerator,
		sink:           sink,
		cameraForState: cameraForState,
		commands:       make(chan command, queueSize),
		current:        StateOff,
	}
}

// Start spawns the command drain loop.
func (c *Controller) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.run()
	c.logger.Info("View state controller started")
}

// Stop tears down the active camera and waits for the loop to exit.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("View state controller stopped")
}

// CurrentState returns the state the display currently reflects.
func (c *Controller) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ActiveCamera returns the id of the camera feeding the display, if any.
func (c *Controller) ActiveCamera() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return "", false
	}
	return c.session.CameraID(), true
}

// UpdateSignals enqueues a vehicle signal change. A full queue drops the
// update; the poller will deliver a fresher snapshot shortly anyway.
func (c *Controller) UpdateSignals(snap SignalSnapshot) {
	select {
	case c.commands <- command{kind: cmdSignalUpdate, snap: snap}:
	default:
		c.logger.Warn("Dropping signal update, command queue is full")
	}
}

// RequestState enqueues an explicit view request, e.g. from a UI.
func (c *Controller) RequestState(state State) {
	select {
	case c.commands <- command{kind: cmdRequestState, state: state}:
	default:
		c.logger.Warn("Dropping state request, command queue is full")
	}
}

// DesiredStateFor computes the view a signal snapshot calls for. Priority
// when signals are concurrent: reverse gear, then right turn, then left.
func DesiredStateFor(snap SignalSnapshot) State {
	if snap.Gear == GearReverse {
		return StateReverse
	} else if snap.Turn == TurnRight {
		return StateRight
	} else if snap.Turn == TurnLeft {
		return StateLeft
	}
	return StateOff
}

func (c *Controller) run() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			c.teardownActive()
			if err := c.sink.SetVisible(false); err != nil {
				c.logger.Error("Failed to blank display during shutdown", zap.Error(err))
			}
			return
		case cmd := <-c.commands:
			switch cmd.kind {
			case cmdSignalUpdate:
				c.reconcile(DesiredStateFor(cmd.snap))
			case cmdRequestState:
				c.reconcile(cmd.state)
			}
		}
	}
}

// reconcile moves the system from the current view to the desired one.
// Runs only on the controller goroutine.
func (c *Controller) reconcile(next State) {
	c.mu.Lock()
	current := c.current
	c.mu.Unlock()

	if next == current {
		// No redundant camera restarts
		return
	}

	c.logger.Info("View state change",
		zap.String("from", current.String()),
		zap.String("to", next.String()))

	// Stop and close whatever camera served the old state before touching
	// the display; the sink must never outlive its content source.
	c.teardownActive()

	cameraID, ok := c.cameraForState[next]
	if next == StateOff || !ok {
		if next != StateOff {
			c.logger.Warn("No camera serves the requested view",
				zap.String("state", next.String()))
		}
		if err := c.sink.SetVisible(false); err != nil {
			c.logger.Error("Failed to blank display", zap.Error(err))
		}
		c.setCurrent(next, nil, nil)
		return
	}

	session, err := c.enumerator.OpenCamera(cameraID)
	if err != nil {
		// Never proceed with a half-initialized renderer; degrade to OFF
		c.logger.Error("Failed to open camera for view, falling back to OFF",
			zap.String("camera", cameraID),
			zap.String("state", next.String()),
			zap.Error(err))
		if blankErr := c.sink.SetVisible(false); blankErr != nil {
			c.logger.Error("Failed to blank display", zap.Error(blankErr))
		}
		c.setCurrent(StateOff, nil, nil)
		return
	}

	handler := stream.NewHandler(session, c.logger.With(zap.String("camera", cameraID)))
	if err := handler.StartStream(); err != nil {
		c.logger.Error("Failed to start camera stream, falling back to OFF",
			zap.String("camera", cameraID),
			zap.Error(err))
		c.enumerator.CloseCamera(session)
		if blankErr := c.sink.SetVisible(false); blankErr != nil {
			c.logger.Error("Failed to blank display", zap.Error(blankErr))
		}
		c.setCurrent(StateOff, nil, nil)
		return
	}

	c.pumpWg.Add(1)
	go c.pumpFrames(handler)

	// Arm the display only after the stream exists, so the sink is never
	// told it has content before a camera is actually producing it.
	if err := c.sink.SetVisible(true); err != nil {
		c.logger.Error("Failed to unblank display", zap.Error(err))
	}

	c.setCurrent(next, session, handler)
}

func (c *Controller) setCurrent(state State, session *camera.CaptureSession, handler *stream.Handler) {
	c.mu.Lock()
	c.current = state
	c.session = session
	c.handler = handler
	c.mu.Unlock()
}

// teardownActive stops the active stream and closes its camera. Blocking:
// when it returns, no frame pump or capture callback is still running.
func (c *Controller) teardownActive() {
	c.mu.Lock()
	session := c.session
	handler := c.handler
	c.session = nil
	c.handler = nil
	c.mu.Unlock()

	if handler != nil {
		handler.BlockingStopStream()
	}
	c.pumpWg.Wait()
	if session != nil {
		c.enumerator.CloseCamera(session)
	}
}

// pumpFrames moves frames from the stream handler to the display sink
// until the stream ends.
func (c *Controller) pumpFrames(handler *stream.Handler) {
	defer c.pumpWg.Done()

	for handler.AwaitFrame() {
		desc, err := handler.GetNewFrame()
		if err != nil {
			continue
		}

		target, err := c.sink.GetTargetBuffer()
		if err != nil {
			c.logger.Warn("Display sink has no target buffer, skipping frame", zap.Error(err))
		} else {
			renderInto(target, desc)
			if err := c.sink.ReturnTargetBufferForDisplay(target); err != nil {
				c.logger.Error("Failed to return target buffer for display", zap.Error(err))
			}
		}

		if err := handler.DoneWithFrame(desc); err != nil {
			c.logger.Error("Failed to return camera frame", zap.Error(err))
		}
	}
}

// renderInto copies the camera frame into the display target. Fancier
// presentation (scaling, GL composition) lives behind the sink contract.
func renderInto(target, frame camera.BufferDescriptor) {
	if target.Buffer == nil || frame.Buffer == nil {
		return
	}
	n := len(frame.Buffer.Data)
	if len(target.Buffer.Data) < n {
		n = len(target.Buffer.Data)
	}
	copy(target.Buffer.Data[:n], frame.Buffer.Data[:n])
}
