package view

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Gear is the transmission gear reported by the vehicle.
type Gear int

const (
	GearPark Gear = iota
	GearNeutral
	GearDrive
	GearReverse
)

func (g Gear) String() string {
	switch g {
	case GearPark:
		return "PARK"
	case GearNeutral:
		return "NEUTRAL"
	case GearDrive:
		return "DRIVE"
	case GearReverse:
		return "REVERSE"
	default:
		return "UNKNOWN"
	}
}

// TurnSignal is the turn indicator state reported by the vehicle.
type TurnSignal int

const (
	TurnNone TurnSignal = iota
	TurnLeft
	TurnRight
)

func (t TurnSignal) String() string {
	switch t {
	case TurnNone:
		return "NONE"
	case TurnLeft:
		return "LEFT"
	case TurnRight:
		return "RIGHT"
	default:
		return "UNKNOWN"
	}
}

// SignalSnapshot is one sample of the vehicle signals the controller cares
// about. Value semantics only; reading has no side effects.
type SignalSnapshot struct {
	Gear Gear
	Turn TurnSignal
}

// SignalSource produces the current vehicle signal values. Implementations
// typically wrap a vehicle property service.
type SignalSource interface {
	Read() (SignalSnapshot, error)
}

// StaticSource is a SignalSource whose snapshot is set programmatically.
// Useful for tests and for running the service without a vehicle bus.
type StaticSource struct {
	mu   sync.Mutex
	snap SignalSnapshot
}

// NewStaticSource starts with the given snapshot.
func NewStaticSource(snap SignalSnapshot) *StaticSource {
	return &StaticSource{snap: snap}
}

func (s *StaticSource) Read() (SignalSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}

// Set replaces the snapshot returned by subsequent reads.
func (s *StaticSource) Set(snap SignalSnapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

// Poller samples a SignalSource at a fixed interval and forwards changed
// snapshots to the controller's command queue.
type Poller struct {
	source     SignalSource
	controller *Controller
	interval   time.Duration
	logger     *zap.Logger
}

// NewPoller wires a source to a controller.
func NewPoller(source SignalSource, controller *Controller, interval time.Duration, logger *zap.Logger) *Poller {
	return &Poller{
		source:     source,
		controller: controller,
		interval:   interval,
		logger:     logger,
	}
}

// Run polls until the context is cancelled. Only changed snapshots are
// forwarded, so an idle vehicle generates no controller traffic.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var last SignalSnapshot
	havePrev := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		snap, err := p.source.Read()
		if err != nil {
			p.logger.Warn("Failed to read vehicle signals", zap.Error(err))
			continue
		}

		if !havePrev || snap != last {
			last = snap
			havePrev = true
			p.controller.UpdateSignals(snap)
		}
	}
}
