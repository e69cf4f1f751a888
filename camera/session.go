package camera

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"evs-camera-service/pool"
)

var (
	// ErrOwnershipLost indicates the underlying device was displaced by
	// another opener; every further operation on this session fails the
	// same way until the camera is reopened.
	ErrOwnershipLost = errors.New("camera: ownership lost")
	// ErrAlreadyStreaming indicates startVideoStream while a stream runs.
	ErrAlreadyStreaming = errors.New("camera: stream already running")
	// ErrBufferUnavailable indicates the pool could not supply even a
	// single buffer for streaming.
	ErrBufferUnavailable = errors.New("camera: no frame buffer available")
	// ErrUnderlyingService indicates a driver-level failure.
	ErrUnderlyingService = errors.New("camera: underlying device error")
)

// StreamState tracks the capture stream lifecycle.
type StreamState int

const (
	StreamStopped StreamState = iota
	StreamStreaming
	StreamStopping // stop requested, end-of-stream sentinel not yet delivered
)

func (s StreamState) String() string {
	switch s {
	case StreamStopped:
		return "STOPPED"
	case StreamStreaming:
		return "STREAMING"
	case StreamStopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("StreamState(%d)", int(s))
	}
}

// BufferDescriptor describes one delivered frame. It is passed by value;
// the referenced buffer stays owned by the session's pool and is only lent
// to the consumer until DoneWithFrame.
//
// The zero descriptor (nil Buffer) is the end-of-stream sentinel.
type BufferDescriptor struct {
	Width    int
	Height   int
	Stride   int
	Format   PixelFormat
	BufferID int
	Buffer   *pool.Buffer
}

// Valid reports whether the descriptor references a frame. The sentinel
// closing a stream is not valid.
func (d BufferDescriptor) Valid() bool {
	return d.Buffer != nil
}

// FrameCallback receives delivered frames on the capture goroutine. It is
// invoked once more with the sentinel descriptor when the stream ends; no
// frames follow the sentinel. A non-nil error tells the session the
// consumer is gone, and the frame is released back to the pool instead of
// staying lent out.
type FrameCallback func(BufferDescriptor) error

// CaptureSession bridges one video device to the buffer delivery pipeline.
// Frames are pulled from the device on its capture goroutine, converted
// into pool buffers, and handed to the registered callback.
type CaptureSession struct {
	cameraID  string
	token     uuid.UUID
	dev       VideoDevice
	outFormat PixelFormat
	frames    *pool.Pool
	logger    *zap.Logger

	mu      sync.Mutex
	state   StreamState
	deliver FrameCallback
	fill    fillFunc
}

// NewCaptureSession wraps an open device. The session takes ownership of
// the pool and shuts it down together with the device.
func NewCaptureSession(cameraID string, dev VideoDevice, outFormat PixelFormat, frames *pool.Pool, logger *zap.Logger) *CaptureSession {
	token := uuid.New()
	return &CaptureSession{
		cameraID:  cameraID,
		token:     token,
		dev:       dev,
		outFormat: outFormat,
		frames:    frames,
		logger: logger.With(
			zap.String("camera", cameraID),
			zap.String("session", token.String())),
	}
}

// CameraID returns the id this session was opened for.
func (s *CaptureSession) CameraID() string { return s.cameraID }

// Token returns the unique id assigned to this open of the camera.
func (s *CaptureSession) Token() uuid.UUID { return s.token }

// State returns the current stream state.
func (s *CaptureSession) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PoolSnapshot exposes the buffer pool counters for diagnostics.
func (s *CaptureSession) PoolSnapshot() pool.Snapshot {
	return s.frames.Snapshot()
}

// SetMaxFramesInFlight resizes the buffer pool backing this session.
func (s *CaptureSession) SetMaxFramesInFlight(count int) error {
	if !s.dev.IsOpen() {
		s.logger.Warn("Ignoring setMaxFramesInFlight call when camera has been lost")
		return ErrOwnershipLost
	}
	return s.frames.SetAvailableFrames(count)
}

// StartVideoStream registers the consumer callback and starts the hardware
// capture loop. The conversion function is chosen here, once; a format pair
// the table does not know is surfaced now rather than per frame.
func (s *CaptureSession) StartVideoStream(deliver FrameCallback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dev.IsOpen() {
		s.logger.Warn("Ignoring startVideoStream call when camera has been lost")
		return ErrOwnershipLost
	}
	if s.state != StreamStopped {
		s.logger.Error("Ignoring startVideoStream call when a stream is already running",
			zap.String("state", s.state.String()))
		return ErrAlreadyStreaming
	}

	// If the client never said otherwise, configure a single streaming buffer
	if s.frames.FramesAllowed() < 1 {
		if err := s.frames.SetAvailableFrames(1); err != nil {
			s.logger.Error("Failed to start stream, could not get a frame buffer", zap.Error(err))
			return fmt.Errorf("%w: %v", ErrBufferUnavailable, err)
		}
	}

	srcFormat := s.dev.Format()
	s.logger.Info("Configuring frame conversion",
		zap.String("source_format", srcFormat.String()),
		zap.String("output_format", s.outFormat.String()))

	fill := fillFuncFor(s.outFormat, srcFormat)
	if fill == nil {
		s.logger.Error("Unhandled camera output format combination",
			zap.String("source_format", srcFormat.String()),
			zap.String("output_format", s.outFormat.String()))
		return fmt.Errorf("%w: no conversion from %s to %s",
			ErrUnderlyingService, srcFormat, s.outFormat)
	}

	s.fill = fill
	s.deliver = deliver
	s.state = StreamStreaming

	if err := s.dev.StartStream(s.forwardFrame); err != nil {
		// No need to hold onto the callback if we failed to start
		s.deliver = nil
		s.fill = nil
		s.state = StreamStopped
		s.logger.Error("Underlying camera start stream failed", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUnderlyingService, err)
	}

	return nil
}

// forwardFrame is the async callback from the video device telling us a raw
// frame is ready. It runs on the device's capture goroutine.
func (s *CaptureSession) forwardFrame(data []byte) {
	idx, buf, err := s.frames.Acquire()
	if err != nil {
		// Backpressure: the consumer is holding every allowed frame, so
		// this one is dropped rather than queued.
		s.logger.Warn("Skipped a frame because too many are in flight")
		s.dev.MarkFrameConsumed()
		return
	}

	desc := BufferDescriptor{
		Width:    s.dev.Width(),
		Height:   s.dev.Height(),
		Stride:   buf.Stride,
		Format:   s.outFormat,
		BufferID: idx,
		Buffer:   buf,
	}

	// Conversion happens outside the pool lock
	s.fill(buf.Data, buf.Stride, data, s.dev.Stride(), desc.Width, desc.Height)

	// Give the raw frame back to the device before notifying the consumer
	// so it can begin capturing the next frame immediately.
	s.dev.MarkFrameConsumed()

	s.mu.Lock()
	deliver := s.deliver
	s.mu.Unlock()

	if deliver == nil {
		// Stream tore down while we were converting
		if relErr := s.frames.Release(idx); relErr != nil {
			s.logger.Error("Failed to reclaim undelivered frame", zap.Error(relErr))
		}
		return
	}

	if err := deliver(desc); err != nil {
		// The remote consumer is gone or errored. Reclaim the buffer
		// instead of leaking it; in the normal flow the consumer returns
		// it later via DoneWithFrame.
		s.logger.Error("Frame delivery failed, reclaiming buffer",
			zap.Int("buffer_id", idx), zap.Error(err))
		if relErr := s.frames.Release(idx); relErr != nil {
			s.logger.Error("Failed to reclaim undelivered frame", zap.Error(relErr))
		}
	}
}

// DoneWithFrame returns a delivered buffer to the pool.
func (s *CaptureSession) DoneWithFrame(bufferID int) error {
	if !s.dev.IsOpen() {
		s.logger.Warn("Ignoring doneWithFrame call when camera has been lost")
		return ErrOwnershipLost
	}
	return s.frames.Release(bufferID)
}

// StopVideoStream stops the capture loop and delivers the end-of-stream
// sentinel. It blocks until the device acknowledges the stop, which
// guarantees no further frame callbacks once it returns. Calling it on a
// stopped stream is a no-op.
func (s *CaptureSession) StopVideoStream() error {
	s.mu.Lock()
	if s.state != StreamStreaming {
		s.mu.Unlock()
		return nil
	}
	s.state = StreamStopping
	deliver := s.deliver
	s.mu.Unlock()

	// Tell the capture device to stop and block until it does
	if err := s.dev.StopStream(); err != nil {
		s.logger.Error("Error stopping underlying device stream", zap.Error(err))
	}

	// Send one last sentinel frame to signal the actual end of stream
	if deliver != nil {
		if err := deliver(BufferDescriptor{}); err != nil {
			s.logger.Error("Error delivering end of stream marker", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.deliver = nil
	s.fill = nil
	s.state = StreamStopped
	s.mu.Unlock()

	return nil
}

// Shutdown stops any active stream, closes the device, and drops every
// frame buffer. Called when the session's owner disconnects or when a new
// opener displaces this one.
func (s *CaptureSession) Shutdown() {
	s.logger.Debug("Capture session shutting down")

	// stopVideoStream is blocking, so no capture callback can be running
	// after this returns
	if err := s.StopVideoStream(); err != nil {
		s.logger.Error("Error stopping stream during shutdown", zap.Error(err))
	}

	s.dev.Close()
	s.frames.Shutdown()
}
