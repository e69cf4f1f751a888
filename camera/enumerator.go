package camera

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"evs-camera-service/pool"
)

// ErrUnknownCamera indicates an open request for an id no descriptor matches.
var ErrUnknownCamera = errors.New("camera: unknown camera id")

// CameraDescriptor describes one physical camera. Immutable once registered.
type CameraDescriptor struct {
	CameraID   string   `json:"camera_id"`
	DevicePath string   `json:"device_path"`
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	FPS        int      `json:"fps"`
	Format     string   `json:"format"` // source pixel format name
	Serves     []string `json:"serves"` // vehicle states this camera covers
}

// DeviceFactory opens the hardware device behind a descriptor.
type DeviceFactory func(CameraDescriptor) (VideoDevice, error)

// CameraStatus is a diagnostics view of one registered camera.
type CameraStatus struct {
	CameraID    string        `json:"camera_id"`
	DevicePath  string        `json:"device_path"`
	Active      bool          `json:"active"`
	StreamState string        `json:"stream_state,omitempty"`
	Pool        pool.Snapshot `json:"pool,omitempty"`
}

// Enumerator is the process-wide registry mapping camera ids to descriptors
// and, while open, to their active capture session. It is an explicitly
// constructed object with an explicit Shutdown, not package state.
//
// A camera has at most one owner. Opening an id that is already open
// displaces the previous session: its device handle is invalidated so all
// its further operations fail with ErrOwnershipLost.
type Enumerator struct {
	logger        *zap.Logger
	factory       DeviceFactory
	outFormat     PixelFormat
	defaultFrames int

	mu      sync.Mutex
	cameras map[string]CameraDescriptor
	active  map[string]*CaptureSession
}

// NewEnumerator registers the given cameras. defaultFrames sizes each newly
// opened session's pool; sessions still lazily fall back to one buffer at
// stream start if it is zero.
func NewEnumerator(descs []CameraDescriptor, factory DeviceFactory, outFormat PixelFormat, defaultFrames int, logger *zap.Logger) *Enumerator {
	cameras := make(map[string]CameraDescriptor, len(descs))
	for _, d := range descs {
		cameras[d.CameraID] = d
	}
	return &Enumerator{
		logger:        logger,
		factory:       factory,
		outFormat:     outFormat,
		defaultFrames: defaultFrames,
		cameras:       cameras,
		active:        make(map[string]*CaptureSession),
	}
}

// ListCameras returns the registered descriptors sorted by id.
func (e *Enumerator) ListCameras() []CameraDescriptor {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]CameraDescriptor, 0, len(e.cameras))
	for _, d := range e.cameras {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// OpenCamera opens the named camera and returns its capture session,
// displacing any previous owner.
func (e *Enumerator) OpenCamera(id string) (*CaptureSession, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	desc, ok := e.cameras[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCamera, id)
	}

	if prev, ok := e.active[id]; ok {
		e.logger.Warn("Displacing existing owner of camera",
			zap.String("camera", id),
			zap.String("displaced_session", prev.Token().String()))
		prev.Shutdown()
		delete(e.active, id)
	}

	dev, err := e.factory(desc)
	if err != nil {
		e.logger.Error("Failed to open camera device",
			zap.String("camera", id), zap.Error(err))
		return nil, fmt.Errorf("%w: open %q: %v", ErrUnderlyingService, id, err)
	}

	geometry := outputGeometry(dev.Width(), dev.Height(), e.outFormat)
	frames := pool.New(pool.NewHeapAllocator(geometry), geometry, e.logger.Named("pool").With(zap.String("camera", id)))

	session := NewCaptureSession(id, dev, e.outFormat, frames, e.logger)

	if e.defaultFrames > 0 {
		if err := session.SetMaxFramesInFlight(e.defaultFrames); err != nil {
			// Not fatal: the session grows to one buffer at stream start
			e.logger.Warn("Could not pre-size frame pool",
				zap.String("camera", id),
				zap.Int("frames", e.defaultFrames),
				zap.Error(err))
		}
	}

	e.active[id] = session
	e.logger.Info("Camera opened",
		zap.String("camera", id),
		zap.String("session", session.Token().String()))
	return session, nil
}

// CloseCamera shuts the session down and releases its registry slot. A
// session that was already displaced is shut down but does not disturb the
// new owner.
func (e *Enumerator) CloseCamera(session *CaptureSession) {
	if session == nil {
		e.logger.Warn("Ignoring closeCamera call with nil session")
		return
	}

	e.mu.Lock()
	if current, ok := e.active[session.CameraID()]; ok && current == session {
		delete(e.active, session.CameraID())
	} else {
		e.logger.Warn("Closing session which is no longer the active owner",
			zap.String("camera", session.CameraID()),
			zap.String("session", session.Token().String()))
	}
	e.mu.Unlock()

	session.Shutdown()
}

// ActiveSession returns the current owner of the id, if any.
func (e *Enumerator) ActiveSession(id string) (*CaptureSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.active[id]
	return s, ok
}

// Status reports every registered camera for diagnostics.
func (e *Enumerator) Status() []CameraStatus {
	e.mu.Lock()
	sessions := make(map[string]*CaptureSession, len(e.active))
	for id, s := range e.active {
		sessions[id] = s
	}
	descs := make([]CameraDescriptor, 0, len(e.cameras))
	for _, d := range e.cameras {
		descs = append(descs, d)
	}
	e.mu.Unlock()

	sort.Slice(descs, func(i, j int) bool { return descs[i].CameraID < descs[j].CameraID })

	out := make([]CameraStatus, 0, len(descs))
	for _, d := range descs {
		st := CameraStatus{CameraID: d.CameraID, DevicePath: d.DevicePath}
		if s, ok := sessions[d.CameraID]; ok {
			st.Active = true
			st.StreamState = s.State().String()
			st.Pool = s.PoolSnapshot()
		}
		out = append(out, st)
	}
	return out
}

// Shutdown closes every active session.
func (e *Enumerator) Shutdown() {
	e.mu.Lock()
	sessions := make([]*CaptureSession, 0, len(e.active))
	for _, s := range e.active {
		sessions = append(sessions, s)
	}
	e.active = make(map[string]*CaptureSession)
	e.mu.Unlock()

	for _, s := range sessions {
		s.Shutdown()
	}
}

// outputGeometry computes the buffer shape for converted frames. Height
// here is allocation rows, which exceeds the image height for planar
// formats carrying a chroma plane below the luma plane.
func outputGeometry(width, height int, out PixelFormat) pool.FrameGeometry {
	switch out {
	case FormatRGBA:
		return pool.FrameGeometry{Width: width, Height: height, Stride: width * 4}
	case FormatNV21:
		return pool.FrameGeometry{Width: width, Height: height * 3 / 2, Stride: width}
	default: // packed 4:2:2
		return pool.FrameGeometry{Width: width, Height: height, Stride: width * 2}
	}
}
