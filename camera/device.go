package camera

import "fmt"

// PixelFormat is a fourcc pixel format code as used by V4L2-style drivers.
type PixelFormat uint32

// fourcc builds a PixelFormat from its four character code.
func fourcc(a, b, c, d byte) PixelFormat {
	return PixelFormat(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

// Pixel formats understood by the conversion table.
var (
	FormatYUYV = fourcc('Y', 'U', 'Y', 'V') // packed YUV 4:2:2, Y0 U Y1 V
	FormatUYVY = fourcc('U', 'Y', 'V', 'Y') // packed YUV 4:2:2, U Y0 V Y1
	FormatNV21 = fourcc('N', 'V', '2', '1') // planar Y followed by interleaved VU
	FormatRGBA = fourcc('A', 'B', '2', '4') // 32-bit RGBA, 8 bits per channel
)

// String renders the fourcc characters, e.g. "YUYV".
func (f PixelFormat) String() string {
	b := []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08X", uint32(f))
		}
	}
	return string(b)
}

// BytesPerPixel returns the packed byte width of one pixel, or 0 for
// planar/subsampled formats where the notion does not apply per pixel.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case FormatYUYV, FormatUYVY:
		return 2
	case FormatRGBA:
		return 4
	default:
		return 0
	}
}

// ParsePixelFormat maps a config-file format name to a PixelFormat.
func ParsePixelFormat(name string) (PixelFormat, error) {
	switch name {
	case "YUYV":
		return FormatYUYV, nil
	case "UYVY":
		return FormatUYVY, nil
	case "NV21":
		return FormatNV21, nil
	case "RGBA":
		return FormatRGBA, nil
	default:
		return 0, fmt.Errorf("unknown pixel format %q", name)
	}
}

// RawFrameFunc receives one raw frame from the device's capture context.
// The data slice belongs to the driver; the receiver must copy or convert
// it and then call MarkFrameConsumed before the driver reuses it.
type RawFrameFunc func(data []byte)

// VideoDevice abstracts one hardware video capture device. Implementations
// run their own capture context and invoke the registered RawFrameFunc from
// it, one frame at a time.
type VideoDevice interface {
	// Name identifies the underlying device, e.g. its device path.
	Name() string

	// IsOpen reports whether the device handle is still valid. It turns
	// false permanently once Close has been called, which is how a session
	// displaced by a new owner observes ownership loss.
	IsOpen() bool

	Width() int
	Height() int
	Stride() int
	Format() PixelFormat

	// StartStream begins the capture loop. The callback runs on the
	// device's capture goroutine, never on the caller's.
	StartStream(fn RawFrameFunc) error

	// StopStream halts the capture loop and blocks until the in-flight
	// callback, if any, has returned. After StopStream returns no further
	// callbacks occur.
	StopStream() error

	// MarkFrameConsumed returns the most recently delivered raw frame to
	// the driver so it can capture the next one.
	MarkFrameConsumed()

	// Close releases the device handle. The device cannot be reopened.
	Close()
}
