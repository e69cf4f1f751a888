package camera

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SyntheticDevice is a VideoDevice producing a moving YUYV test pattern on
// its own goroutine. It lets the service run and be tested without camera
// hardware; configs select it with device = "synthetic".
type SyntheticDevice struct {
	name   string
	width  int
	height int
	fps    int
	logger *zap.Logger

	mu        sync.Mutex
	open      bool
	streaming bool
	stop      chan struct{}
	done      chan struct{}
	consumed  chan struct{}

	frameCount uint64
	raw        []byte
}

// NewSyntheticDevice creates an open synthetic device.
func NewSyntheticDevice(name string, width, height, fps int, logger *zap.Logger) *SyntheticDevice {
	return &SyntheticDevice{
		name:   name,
		width:  width,
		height: height,
		fps:    fps,
		logger: logger.With(zap.String("device", name)),
		open:   true,
		raw:    make([]byte, width*2*height),
	}
}

func (d *SyntheticDevice) Name() string        { return d.name }
func (d *SyntheticDevice) Width() int          { return d.width }
func (d *SyntheticDevice) Height() int         { return d.height }
func (d *SyntheticDevice) Stride() int         { return d.width * 2 }
func (d *SyntheticDevice) Format() PixelFormat { return FormatYUYV }

func (d *SyntheticDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// StartStream spawns the pattern generator goroutine.
func (d *SyntheticDevice) StartStream(fn RawFrameFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return fmt.Errorf("device %s is closed", d.name)
	}
	if d.streaming {
		return fmt.Errorf("device %s is already streaming", d.name)
	}

	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	d.consumed = make(chan struct{}, 1)
	d.streaming = true

	go d.captureLoop(fn, d.stop, d.done, d.consumed)

	d.logger.Debug("Synthetic capture started",
		zap.Int("width", d.width), zap.Int("height", d.height), zap.Int("fps", d.fps))
	return nil
}

func (d *SyntheticDevice) captureLoop(fn RawFrameFunc, stop, done, consumed chan struct{}) {
	defer close(done)

	interval := time.Second / time.Duration(d.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		d.renderPattern()
		fn(d.raw)

		// The raw buffer is reused, so wait until the consumer has copied
		// or converted it before rendering the next frame.
		select {
		case <-consumed:
		case <-stop:
			return
		}
	}
}

// renderPattern draws a vertical bar sweeping across a mid-grey field.
func (d *SyntheticDevice) renderPattern() {
	d.frameCount++
	barX := int(d.frameCount) * 4 % d.width
	stride := d.width * 2

	for row := 0; row < d.height; row++ {
		line := d.raw[row*stride : (row+1)*stride]
		for col := 0; col < d.width; col += 2 {
			y := byte(0x50)
			if col >= barX && col < barX+16 {
				y = 0xEB
			}
			line[col*2+0] = y    // Y0
			line[col*2+1] = 0x80 // U
			line[col*2+2] = y    // Y1
			line[col*2+3] = 0x80 // V
		}
	}
}

func (d *SyntheticDevice) MarkFrameConsumed() {
	d.mu.Lock()
	consumed := d.consumed
	d.mu.Unlock()
	if consumed == nil {
		return
	}
	select {
	case consumed <- struct{}{}:
	default:
	}
}

// StopStream halts the generator and blocks until its goroutine has exited,
// guaranteeing no callback is in flight afterwards.
func (d *SyntheticDevice) StopStream() error {
	d.mu.Lock()
	if !d.streaming {
		d.mu.Unlock()
		return nil
	}
	stop := d.stop
	done := d.done
	d.streaming = false
	d.mu.Unlock()

	close(stop)
	<-done

	d.logger.Debug("Synthetic capture stopped")
	return nil
}

// Close invalidates the device handle. Any session holding this device
// observes ownership loss afterwards.
func (d *SyntheticDevice) Close() {
	_ = d.StopStream()

	d.mu.Lock()
	d.open = false
	d.mu.Unlock()
}
