// Package stream decouples the asynchronous capture callback from a
// pull-style consumer, holding at most one ready and one held frame.
package stream

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"evs-camera-service/camera"
)

var (
	// ErrProtocolViolation indicates the consumer called out of sequence:
	// requesting a new frame while still holding one, or returning a frame
	// it does not hold. The operation is a no-op; the handler does not
	// guess the caller's intent.
	ErrProtocolViolation = errors.New("stream: consumer protocol violation")
	// ErrNoFrameAvailable indicates GetNewFrame with nothing ready.
	ErrNoFrameAvailable = errors.New("stream: no frame available")
)

// CaptureSource is the capture session contract the handler drives.
// *camera.CaptureSession satisfies it.
type CaptureSource interface {
	StartVideoStream(camera.FrameCallback) error
	StopVideoStream() error
	DoneWithFrame(bufferID int) error
}

// Handler manages the producer/consumer double buffer for one stream.
//
// Invariant: at most one frame is "ready" (delivered, unclaimed) and at
// most one is "held" (claimed, unreturned). A frame arriving while another
// is still ready replaces it; the stale one goes back to the source unused.
// The handler never queues more than the newest unclaimed frame.
type Handler struct {
	source CaptureSource
	logger *zap.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	running    bool
	ready      camera.BufferDescriptor
	readyValid bool
	held       camera.BufferDescriptor
	heldValid  bool
}

// NewHandler wraps a capture source. The stream is not started yet.
func NewHandler(source CaptureSource, logger *zap.Logger) *Handler {
	h := &Handler{
		source: source,
		logger: logger,
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// IsRunning reports whether the stream is delivering frames.
func (h *Handler) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// StartStream begins frame delivery from the capture source.
func (h *Handler) StartStream() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.mu.Unlock()

	if err := h.source.StartVideoStream(h.deliverFrame); err != nil {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
		return err
	}
	return nil
}

// AsyncStopStream requests a stop without waiting for it to complete. The
// running flag clears when the end-of-stream sentinel arrives.
func (h *Handler) AsyncStopStream() {
	go func() {
		if err := h.source.StopVideoStream(); err != nil {
			h.logger.Error("Error stopping video stream", zap.Error(err))
		}
	}()
}

// BlockingStopStream stops the stream and waits until the running flag has
// cleared, guaranteeing no further callback invocations after it returns.
// The caller may safely destroy the session's resources afterwards.
func (h *Handler) BlockingStopStream() {
	if err := h.source.StopVideoStream(); err != nil {
		h.logger.Error("Error stopping video stream", zap.Error(err))
	}

	h.mu.Lock()
	for h.running {
		h.cond.Wait()
	}
	h.mu.Unlock()
}

// deliverFrame is the frame callback registered with the capture source.
// It runs on the capture goroutine.
func (h *Handler) deliverFrame(desc camera.BufferDescriptor) error {
	if !desc.Valid() {
		// End-of-stream sentinel: no more frames will arrive. Return an
		// unclaimed ready frame, if any, before going quiet.
		h.mu.Lock()
		var stale camera.BufferDescriptor
		hadReady := h.readyValid
		if hadReady {
			stale = h.ready
			h.readyValid = false
		}
		h.running = false
		h.cond.Broadcast()
		h.mu.Unlock()

		if hadReady {
			h.returnFrame(stale)
		}
		return nil
	}

	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		h.logger.Warn("Dropping frame delivered after stream stop",
			zap.Int("buffer_id", desc.BufferID))
		h.returnFrame(desc)
		return nil
	}

	var stale camera.BufferDescriptor
	hadStale := h.readyValid
	if hadStale {
		// Last writer wins: the unclaimed ready frame is superseded
		stale = h.ready
	}
	h.ready = desc
	h.readyValid = true
	h.cond.Broadcast()
	h.mu.Unlock()

	if hadStale {
		h.returnFrame(stale)
	}
	return nil
}

// returnFrame hands an unconsumed frame back to the capture source.
func (h *Handler) returnFrame(desc camera.BufferDescriptor) {
	if err := h.source.DoneWithFrame(desc.BufferID); err != nil {
		h.logger.Error("Failed to return unconsumed frame",
			zap.Int("buffer_id", desc.BufferID), zap.Error(err))
	}
}

// NewFrameAvailable reports, without blocking, whether a ready frame waits.
func (h *Handler) NewFrameAvailable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readyValid
}

// AwaitFrame blocks until a frame is ready or the stream stops. Returns
// false when the stream has ended and no frame will arrive.
func (h *Handler) AwaitFrame() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for !h.readyValid && h.running {
		h.cond.Wait()
	}
	return h.readyValid
}

// GetNewFrame claims the ready frame. Calling it while a previous frame is
// still held is a consumer protocol violation and fails loudly.
func (h *Handler) GetNewFrame() (camera.BufferDescriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.heldValid {
		h.logger.Error("Consumer requested a new frame while still holding one",
			zap.Int("held_buffer_id", h.held.BufferID))
		return camera.BufferDescriptor{}, ErrProtocolViolation
	}
	if !h.readyValid {
		return camera.BufferDescriptor{}, ErrNoFrameAvailable
	}

	h.held = h.ready
	h.heldValid = true
	h.readyValid = false
	return h.held, nil
}

// DoneWithFrame returns the held frame. A descriptor that does not match
// the held buffer is rejected and nothing changes.
func (h *Handler) DoneWithFrame(desc camera.BufferDescriptor) error {
	h.mu.Lock()
	if !h.heldValid || desc.BufferID != h.held.BufferID {
		h.mu.Unlock()
		h.logger.Error("Ignoring doneWithFrame for a buffer we did not hand out",
			zap.Int("buffer_id", desc.BufferID))
		return ErrProtocolViolation
	}
	h.heldValid = false
	h.mu.Unlock()

	return h.source.DoneWithFrame(desc.BufferID)
}
