package camera

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestSyntheticDeviceStreams(t *testing.T) {
	d := NewSyntheticDevice("synth", 32, 16, 200, zaptest.NewLogger(t))
	defer d.Close()

	if !d.IsOpen() {
		t.Fatal("new device should be open")
	}
	if d.Format() != FormatYUYV {
		t.Fatalf("format = %v, want YUYV", d.Format())
	}

	var frames atomic.Int64
	err := d.StartStream(func(data []byte) {
		if len(data) != d.Stride()*d.Height() {
			t.Errorf("raw frame size = %d, want %d", len(data), d.Stride()*d.Height())
		}
		frames.Add(1)
		d.MarkFrameConsumed()
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	if err := d.StartStream(func([]byte) {}); err == nil {
		t.Error("second StartStream should fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for frames.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for synthetic frames")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := d.StopStream(); err != nil {
		t.Fatalf("StopStream: %v", err)
	}

	// No callback runs after a blocking stop
	stopped := frames.Load()
	time.Sleep(50 * time.Millisecond)
	if frames.Load() != stopped {
		t.Error("frames still arriving after StopStream returned")
	}
}

func TestSyntheticDeviceBlocksUntilConsumed(t *testing.T) {
	d := NewSyntheticDevice("synth", 16, 8, 500, zaptest.NewLogger(t))
	defer d.Close()

	var frames atomic.Int64
	err := d.StartStream(func([]byte) {
		frames.Add(1)
		// Never consumed: the generator must stall after the first frame
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for frames.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the first frame")
		}
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if got := frames.Load(); got != 1 {
		t.Errorf("frames = %d, want 1 while the raw buffer is unconsumed", got)
	}

	d.MarkFrameConsumed()
	deadline = time.Now().Add(time.Second)
	for frames.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("generator did not resume after consumption")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSyntheticDeviceCloseStopsStream(t *testing.T) {
	d := NewSyntheticDevice("synth", 16, 8, 200, zaptest.NewLogger(t))

	err := d.StartStream(func([]byte) { d.MarkFrameConsumed() })
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	d.Close()
	if d.IsOpen() {
		t.Error("device should report closed")
	}
	if err := d.StartStream(func([]byte) {}); err == nil {
		t.Error("StartStream on a closed device should fail")
	}
}
