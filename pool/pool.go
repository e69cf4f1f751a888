package pool

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// MaxBuffersInFlight is an arbitrary limit on the number of frame buffers
// allowed to be allocated at once. Safeguards against unreasonable resource
// consumption and provides a testable limit.
const MaxBuffersInFlight = 100

var (
	// ErrInvalidArgument indicates a request for fewer than one buffer.
	ErrInvalidArgument = errors.New("pool: invalid argument")
	// ErrLimitExceeded indicates a request beyond MaxBuffersInFlight.
	ErrLimitExceeded = errors.New("pool: buffer request exceeds internal limit")
	// ErrResourceExhausted indicates the allocator could not satisfy a grow
	// request; the pool has been rolled back to its previous size.
	ErrResourceExhausted = errors.New("pool: buffer allocation failed")
	// ErrPoolExhausted indicates no free buffer was available to acquire.
	ErrPoolExhausted = errors.New("pool: no buffer available")
	// ErrInvalidHandle indicates a release of an index that is out of range,
	// empty, or not currently lent out.
	ErrInvalidHandle = errors.New("pool: invalid buffer handle")
)

// Buffer is one frame-sized memory region. The pool owns it until it is
// lent to a consumer via Acquire; the consumer never owns it outright.
type Buffer struct {
	Data   []byte
	Stride int
}

// FrameGeometry describes the buffers a pool hands out.
type FrameGeometry struct {
	Width  int
	Height int
	Stride int // bytes per line
}

// Allocator creates and destroys frame buffers. It is an interface so tests
// can inject allocators that fail partway through a grow request.
type Allocator interface {
	Allocate() (*Buffer, error)
	Free(*Buffer)
}

// HeapAllocator allocates plain byte-slice buffers sized for one frame.
type HeapAllocator struct {
	geometry FrameGeometry
}

// NewHeapAllocator returns an allocator producing buffers of stride*height bytes.
func NewHeapAllocator(g FrameGeometry) *HeapAllocator {
	return &HeapAllocator{geometry: g}
}

func (a *HeapAllocator) Allocate() (*Buffer, error) {
	return &Buffer{
		Data:   make([]byte, a.geometry.Stride*a.geometry.Height),
		Stride: a.geometry.Stride,
	}, nil
}

func (a *HeapAllocator) Free(b *Buffer) {
	b.Data = nil
}

// record tracks one buffer slot. A nil buf marks a freed or compacted slot.
type record struct {
	buf   *Buffer
	inUse bool
}

// Snapshot is a point-in-time copy of the pool counters for diagnostics.
type Snapshot struct {
	FramesAllowed int `json:"frames_allowed"`
	FramesInUse   int `json:"frames_in_use"`
	Slots         int `json:"slots"`
}

// Pool is a resizable arena of frame buffers. Buffers are addressed by
// small integer indices; a lent buffer stays owned by the pool and must be
// returned with Release before the slot can be reused.
//
// All bookkeeping runs under a single mutex. Allocation happens while the
// lock is held, which is acceptable because nothing else contends with a
// resize in a correctly behaving client.
type Pool struct {
	mu            sync.Mutex
	alloc         Allocator
	geometry      FrameGeometry
	logger        *zap.Logger
	records       []record
	framesAllowed int
	framesInUse   int
}

// New creates an empty pool. No buffers are allocated until
// SetAvailableFrames is called.
func New(alloc Allocator, g FrameGeometry, logger *zap.Logger) *Pool {
	return &Pool{
		alloc:    alloc,
		geometry: g,
		logger:   logger,
	}
}

// SetAvailableFrames grows or shrinks the pool to the requested size.
//
// A grow request that cannot be fully satisfied is rolled back: buffers
// allocated before the failure are freed again and the pool is left exactly
// as it was. A shrink request frees only buffers that are not currently
// lent out, so it may release fewer than requested; that is a partial
// success, not an error, and callers observe it via FramesAllowed.
func (p *Pool) SetAvailableFrames(count int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if count < 1 {
		p.logger.Error("Ignoring request to set buffer count below one", zap.Int("count", count))
		return ErrInvalidArgument
	}
	if count > MaxBuffersInFlight {
		p.logger.Error("Rejecting buffer request in excess of internal limit",
			zap.Int("count", count), zap.Int("limit", MaxBuffersInFlight))
		return ErrLimitExceeded
	}

	if count > p.framesAllowed {
		needed := count - p.framesAllowed
		p.logger.Info("Allocating buffers for camera frames", zap.Int("count", needed))

		added := p.increaseAvailableFramesLocked(needed)
		if added != needed {
			// Roll back to the previous pool size
			p.logger.Error("Rolling back to previous frame queue size",
				zap.Int("requested", needed), zap.Int("allocated", added))
			p.decreaseAvailableFramesLocked(added)
			return ErrResourceExhausted
		}
	} else if count < p.framesAllowed {
		toRelease := p.framesAllowed - count
		p.logger.Info("Returning camera frame buffers", zap.Int("count", toRelease))

		released := p.decreaseAvailableFramesLocked(toRelease)
		if released != toRelease {
			// Too many buffers still lent out for a clean resize. The caller
			// can see the actual size via FramesAllowed.
			p.logger.Warn("Buffer queue shrink incomplete, too many buffers in use",
				zap.Int("requested", toRelease), zap.Int("released", released))
		}
	}

	return nil
}

func (p *Pool) increaseAvailableFramesLocked(numToAdd int) int {
	added := 0

	for added < numToAdd {
		buf, err := p.alloc.Allocate()
		if err != nil {
			p.logger.Error("Error allocating frame buffer",
				zap.Int("width", p.geometry.Width),
				zap.Int("height", p.geometry.Height),
				zap.Error(err))
			break
		}
		if buf == nil {
			p.logger.Error("Allocator returned no buffer")
			break
		}

		// Reuse an empty slot if one exists, otherwise extend the arena
		stored := false
		for i := range p.records {
			if p.records[i].buf == nil {
				p.records[i].buf = buf
				p.records[i].inUse = false
				stored = true
				break
			}
		}
		if !stored {
			p.records = append(p.records, record{buf: buf})
		}

		p.framesAllowed++
		added++
	}

	return added
}

func (p *Pool) decreaseAvailableFramesLocked(numToRemove int) int {
	removed := 0

	for i := range p.records {
		rec := &p.records[i]
		if !rec.inUse && rec.buf != nil {
			p.alloc.Free(rec.buf)
			rec.buf = nil

			p.framesAllowed--
			removed++

			if removed == numToRemove {
				break
			}
		}
	}

	return removed
}

// Acquire marks the first free buffer as lent out and returns its index and
// handle. Fails with ErrPoolExhausted when every allowed frame is in flight.
func (p *Pool) Acquire() (int, *Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.framesInUse >= p.framesAllowed {
		return 0, nil, ErrPoolExhausted
	}

	for i := range p.records {
		if !p.records[i].inUse && p.records[i].buf != nil {
			p.records[i].inUse = true
			p.framesInUse++
			return i, p.records[i].buf, nil
		}
	}

	// Shouldn't happen since framesInUse was below framesAllowed
	p.logger.Error("Failed to find an available buffer slot")
	return 0, nil, ErrPoolExhausted
}

// Release returns a lent buffer to the pool. A release of an index that is
// out of range, empty, or already free is rejected, never silently ignored.
func (p *Pool) Release(index int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if index < 0 || index >= len(p.records) {
		p.logger.Error("Ignoring release of invalid buffer index",
			zap.Int("index", index), zap.Int("max", len(p.records)-1))
		return ErrInvalidHandle
	}
	rec := &p.records[index]
	if rec.buf == nil {
		p.logger.Error("Ignoring release of empty buffer slot", zap.Int("index", index))
		return ErrInvalidHandle
	}
	if !rec.inUse {
		p.logger.Error("Ignoring release of buffer which is already free", zap.Int("index", index))
		return ErrInvalidHandle
	}

	rec.inUse = false
	p.framesInUse--

	// If this buffer's index is beyond the allowed count, move the handle
	// down into a lower empty slot to improve locality after a shrink.
	if index >= p.framesAllowed {
		for i := range p.records {
			if p.records[i].buf == nil {
				p.records[i].buf = rec.buf
				rec.buf = nil
				break
			}
		}
	}

	return nil
}

// Shutdown frees every buffer unconditionally. Buffers still lent out at
// shutdown indicate a consumer held a frame past stream teardown; that is
// logged but does not block the teardown.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.records {
		rec := &p.records[i]
		if rec.buf == nil {
			continue
		}
		if rec.inUse {
			p.logger.Warn("Releasing buffer despite outstanding consumer reference",
				zap.Int("index", i))
		}
		p.alloc.Free(rec.buf)
		rec.buf = nil
		rec.inUse = false
	}
	p.records = nil
	p.framesAllowed = 0
	p.framesInUse = 0
}

// FramesAllowed returns the current target pool size.
func (p *Pool) FramesAllowed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.framesAllowed
}

// FramesInUse returns the number of buffers currently lent out.
func (p *Pool) FramesInUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.framesInUse
}

// Geometry returns the frame geometry buffers are allocated with.
func (p *Pool) Geometry() FrameGeometry {
	return p.geometry
}

// Snapshot returns the pool counters for diagnostics.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		FramesAllowed: p.framesAllowed,
		FramesInUse:   p.framesInUse,
		Slots:         len(p.records),
	}
}

// String describes the pool state for debug logs.
func (p *Pool) String() string {
	s := p.Snapshot()
	return fmt.Sprintf("pool(allowed=%d inUse=%d slots=%d)", s.FramesAllowed, s.FramesInUse, s.Slots)
}
