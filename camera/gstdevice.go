package camera

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// GStreamerDevice captures raw frames from a real camera by running a
// gst-launch-1.0 pipeline that writes fixed-size uncompressed frames to its
// stdout. Each frame is exactly stride*height bytes, so the reader loop can
// frame the stream without any container parsing.
type GStreamerDevice struct {
	devicePath  string
	width       int
	height      int
	fps         int
	format      PixelFormat
	stopTimeout time.Duration
	logger      *zap.Logger

	mu        sync.Mutex
	open      bool
	streaming bool

	gstCmd    *exec.Cmd
	gstStdout io.ReadCloser
	stop      chan struct{}
	done      chan struct{}
	consumed  chan struct{}
}

// NewGStreamerDevice creates an open device for the given V4L2 device path.
// No process is started until StartStream.
func NewGStreamerDevice(devicePath string, width, height, fps int, format PixelFormat, stopTimeout time.Duration, logger *zap.Logger) *GStreamerDevice {
	return &GStreamerDevice{
		devicePath:  devicePath,
		width:       width,
		height:      height,
		fps:         fps,
		format:      format,
		stopTimeout: stopTimeout,
		logger:      logger.With(zap.String("device", devicePath)),
		open:        true,
	}
}

func (d *GStreamerDevice) Name() string        { return d.devicePath }
func (d *GStreamerDevice) Width() int          { return d.width }
func (d *GStreamerDevice) Height() int         { return d.height }
func (d *GStreamerDevice) Format() PixelFormat { return d.format }

func (d *GStreamerDevice) Stride() int {
	if bpp := d.format.BytesPerPixel(); bpp > 0 {
		return d.width * bpp
	}
	return d.width
}

// frameSize is the byte count of one raw frame on the pipe.
func (d *GStreamerDevice) frameSize() int {
	if d.format == FormatNV21 {
		return d.Stride() * d.height * 3 / 2
	}
	return d.Stride() * d.height
}

func (d *GStreamerDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// buildPipeline constructs the GStreamer pipeline string.
func (d *GStreamerDevice) buildPipeline() string {
	var pipeline strings.Builder

	pipeline.WriteString(fmt.Sprintf(`v4l2src device=%s`, d.devicePath))
	pipeline.WriteString(" ! videoconvert")

	gstFormat := "YUY2"
	switch d.format {
	case FormatUYVY:
		gstFormat = "UYVY"
	case FormatNV21:
		gstFormat = "NV21"
	case FormatRGBA:
		gstFormat = "RGBA"
	}
	pipeline.WriteString(fmt.Sprintf(" ! video/x-raw,format=%s,width=%d,height=%d,framerate=%d/1",
		gstFormat, d.width, d.height, d.fps))
	pipeline.WriteString(" ! queue ! fdsink fd=1 sync=false")

	return pipeline.String()
}

// StartStream launches the GStreamer process and the reader goroutine.
func (d *GStreamerDevice) StartStream(fn RawFrameFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return fmt.Errorf("device %s is closed", d.devicePath)
	}
	if d.streaming {
		return fmt.Errorf("device %s is already streaming", d.devicePath)
	}

	pipeline := d.buildPipeline()
	args := append([]string{"-q"}, strings.Fields(pipeline)...)
	cmd := exec.Command("gst-launch-1.0", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe from GStreamer: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return fmt.Errorf("failed to get stderr pipe from GStreamer: %w", err)
	}

	d.logger.Info("Starting GStreamer capture", zap.String("pipeline", pipeline))

	if err := cmd.Start(); err != nil {
		stdout.Close()
		return fmt.Errorf("failed to start GStreamer: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			d.logger.Error("gstreamer_stderr", zap.String("line", scanner.Text()))
		}
	}()

	d.gstCmd = cmd
	d.gstStdout = stdout
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	d.consumed = make(chan struct{}, 1)
	d.streaming = true

	go d.captureLoop(fn, stdout, d.stop, d.done, d.consumed)

	return nil
}

// captureLoop reads fixed-size frames from the GStreamer stdout pipe.
func (d *GStreamerDevice) captureLoop(fn RawFrameFunc, stdout io.Reader, stop, done, consumed chan struct{}) {
	defer close(done)

	reader := bufio.NewReaderSize(stdout, d.frameSize())
	frame := make([]byte, d.frameSize())

	for {
		select {
		case <-stop:
			return
		default:
		}

		if _, err := io.ReadFull(reader, frame); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				d.logger.Info("GStreamer stdout reached EOF, stopping capture loop")
			} else {
				select {
				case <-stop:
					// Pipe closed by StopStream, not an error
				default:
					d.logger.Error("Error reading frame from GStreamer stdout", zap.Error(err))
				}
			}
			return
		}

		fn(frame)

		// The frame slice is reused for the next read, so wait for the
		// consumer to hand it back first.
		select {
		case <-consumed:
		case <-stop:
			return
		}
	}
}

func (d *GStreamerDevice) MarkFrameConsumed() {
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

// StopStream interrupts the GStreamer process and blocks until the reader
// goroutine has exited.
func (d *GStreamerDevice) StopStream() error {
	d.mu.Lock()
	if !d.streaming {
		d.mu.Unlock()
		return nil
	}
	stop := d.stop
	done := d.done
	cmd := d.gstCmd
	stdout := d.gstStdout
	d.streaming = false
	d.mu.Unlock()

	close(stop)

	// Close stdout early so a blocking read unblocks immediately
	if stdout != nil {
		_ = stdout.Close()
	}

	// Attempt graceful interrupt first
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGINT)

		errChan := make(chan error, 1)
		go func() {
			errChan <- cmd.Wait()
		}()

		select {
		case <-time.After(d.stopTimeout):
			d.logger.Warn("GStreamer process did not exit within timeout, killing it")
			if err := cmd.Process.Kill(); err != nil {
				d.logger.Error("Failed to kill GStreamer process", zap.Error(err))
			}
			<-errChan
		case err := <-errChan:
			if err != nil {
				d.logger.Debug("GStreamer process exited with error during shutdown", zap.Error(err))
			}
		}
	}

	<-done

	d.logger.Info("GStreamer capture stopped")
	return nil
}

// Close invalidates the device handle.
func (d *GStreamerDevice) Close() {
	_ = d.StopStream()

	d.mu.Lock()
	d.open = false
	d.mu.Unlock()
}
