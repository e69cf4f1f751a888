package camera

import (
	"testing"
)

func TestFillFuncForTable(t *testing.T) {
	tests := []struct {
		name      string
		out, src  PixelFormat
		supported bool
	}{
		{"RGBA from YUYV", FormatRGBA, FormatYUYV, true},
		{"YUYV from YUYV", FormatYUYV, FormatYUYV, true},
		{"YUYV from UYVY", FormatYUYV, FormatUYVY, true},
		{"NV21 from NV21", FormatNV21, FormatNV21, true},
		{"NV21 from YUYV", FormatNV21, FormatYUYV, true},
		{"RGBA from UYVY unsupported", FormatRGBA, FormatUYVY, false},
		{"RGBA from NV21 unsupported", FormatRGBA, FormatNV21, false},
		{"YUYV from NV21 unsupported", FormatYUYV, FormatNV21, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := fillFuncFor(tt.out, tt.src)
			if tt.supported && fn == nil {
				t.Errorf("expected a conversion from %s to %s", tt.src, tt.out)
			}
			if !tt.supported && fn != nil {
				t.Errorf("expected no conversion from %s to %s", tt.src, tt.out)
			}
		})
	}
}

func TestFillRGBAFromYUYV(t *testing.T) {
	// One row, two pixels: full-scale white then black (BT.601 studio range)
	src := []byte{
		0xEB, 0x80, 0x10, 0x80, // Y0=235 U=128 Y1=16 V=128
	}
	dst := make([]byte, 8)

	fillRGBAFromYUYV(dst, 8, src, 4, 2, 1)

	// First pixel should saturate to white
	for i := 0; i < 3; i++ {
		if dst[i] != 0xFF {
			t.Errorf("white pixel channel %d = %#x, want 0xFF", i, dst[i])
		}
	}
	if dst[3] != 0xFF {
		t.Errorf("alpha = %#x, want 0xFF", dst[3])
	}

	// Second pixel should be black
	for i := 4; i < 7; i++ {
		if dst[i] != 0x00 {
			t.Errorf("black pixel channel %d = %#x, want 0x00", i-4, dst[i])
		}
	}
	if dst[7] != 0xFF {
		t.Errorf("alpha = %#x, want 0xFF", dst[7])
	}
}

func TestFillYUYVFromUYVY(t *testing.T) {
	src := []byte{0x01, 0x02, 0x03, 0x04} // U Y0 V Y1
	dst := make([]byte, 4)

	fillYUYVFromUYVY(dst, 4, src, 4, 2, 1)

	want := []byte{0x02, 0x01, 0x04, 0x03} // Y0 U Y1 V
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("dst[%d] = %#x, want %#x", i, dst[i], want[i])
		}
	}
}

func TestFillCopyRowsHandlesStrideMismatch(t *testing.T) {
	// Source rows padded to 8 bytes, destination rows to 6
	src := []byte{
		1, 2, 3, 4, 0xAA, 0xAA, 0xAA, 0xAA,
		5, 6, 7, 8, 0xAA, 0xAA, 0xAA, 0xAA,
	}
	dst := make([]byte, 12)

	fillCopyRows(dst, 6, src, 8, 2, 2)

	if dst[0] != 1 || dst[6] != 5 {
		t.Errorf("row starts = %#x/%#x, want 0x1/0x5", dst[0], dst[6])
	}
}

func TestFillNV21FromYUYV(t *testing.T) {
	// 2x2 frame. Luma 10,20 / 30,40; chroma U=50 V=60 on the top row.
	src := []byte{
		10, 50, 20, 60,
		30, 70, 40, 80,
	}
	// NV21: 2 luma rows of stride 2, then one interleaved VU row
	dst := make([]byte, 2*2+2)

	fillNV21FromYUYV(dst, 2, src, 4, 2, 2)

	wantLuma := []byte{10, 20, 30, 40}
	for i, want := range wantLuma {
		if dst[i] != want {
			t.Errorf("luma[%d] = %d, want %d", i, dst[i], want)
		}
	}
	if dst[4] != 60 || dst[5] != 50 {
		t.Errorf("chroma = V:%d U:%d, want V:60 U:50", dst[4], dst[5])
	}
}

func TestPixelFormatString(t *testing.T) {
	if got := FormatYUYV.String(); got != "YUYV" {
		t.Errorf("FormatYUYV.String() = %q, want YUYV", got)
	}
	if got := FormatUYVY.String(); got != "UYVY" {
		t.Errorf("FormatUYVY.String() = %q, want UYVY", got)
	}
}

func TestParsePixelFormat(t *testing.T) {
	for name, want := range map[string]PixelFormat{
		"YUYV": FormatYUYV,
		"UYVY": FormatUYVY,
		"NV21": FormatNV21,
		"RGBA": FormatRGBA,
	} {
		got, err := ParsePixelFormat(name)
		if err != nil {
			t.Fatalf("ParsePixelFormat(%q): %v", name, err)
		}
		if got != want {
			t.Errorf("ParsePixelFormat(%q) = %v, want %v", name, got, want)
		}
	}

	if _, err := ParsePixelFormat("MJPG"); err == nil {
		t.Error("expected an error for an unknown format name")
	}
}
