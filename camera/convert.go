package camera

// fillFunc transfers one raw camera frame into an output buffer, performing
// any pixel format conversion along the way. Selected once at stream start;
// an unmatched format pair is a configuration error, not a per-frame one.
type fillFunc func(dst []byte, dstStride int, src []byte, srcStride int, width, height int)

// fillFuncFor picks the transfer function for a source/output format pair.
// Returns nil when the combination is not supported.
func fillFuncFor(out, src PixelFormat) fillFunc {
	switch out {
	case FormatRGBA:
		switch src {
		case FormatYUYV:
			return fillRGBAFromYUYV
		}
	case FormatYUYV:
		switch src {
		case FormatYUYV:
			return fillCopyRows
		case FormatUYVY:
			return fillYUYVFromUYVY
		}
	case FormatNV21:
		switch src {
		case FormatNV21:
			return fillCopyRows
		case FormatYUYV:
			return fillNV21FromYUYV
		}
	}
	return nil
}

// clamp8 saturates a BT.601 conversion result to the 0-255 range.
func clamp8(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}

// yuvToRGBA converts one pixel using integer BT.601 coefficients.
func yuvToRGBA(y, u, v int) (byte, byte, byte) {
	c := y - 16
	d := u - 128
	e := v - 128

	r := (298*c + 409*e + 128) >> 8
	g := (298*c - 100*d - 208*e + 128) >> 8
	b := (298*c + 516*d + 128) >> 8
	return clamp8(r), clamp8(g), clamp8(b)
}

// fillRGBAFromYUYV expands packed YUYV 4:2:2 into 32-bit RGBA.
func fillRGBAFromYUYV(dst []byte, dstStride int, src []byte, srcStride int, width, height int) {
	for row := 0; row < height; row++ {
		in := src[row*srcStride:]
		out := dst[row*dstStride:]
		// Two pixels share one U/V pair
		for col := 0; col+1 < width; col += 2 {
			y0 := int(in[col*2])
			u := int(in[col*2+1])
			y1 := int(in[col*2+2])
			v := int(in[col*2+3])

			r, g, b := yuvToRGBA(y0, u, v)
			out[col*4+0] = r
			out[col*4+1] = g
			out[col*4+2] = b
			out[col*4+3] = 0xFF

			r, g, b = yuvToRGBA(y1, u, v)
			out[col*4+4] = r
			out[col*4+5] = g
			out[col*4+6] = b
			out[col*4+7] = 0xFF
		}
	}
}

// fillCopyRows copies a frame row by row between identically formatted
// buffers whose strides may differ.
func fillCopyRows(dst []byte, dstStride int, src []byte, srcStride int, width, height int) {
	n := srcStride
	if dstStride < n {
		n = dstStride
	}
	rows := height
	// NV21 carries half-height chroma rows below the luma plane
	if len(src) >= srcStride*height*3/2 && len(dst) >= dstStride*height*3/2 {
		rows = height * 3 / 2
	}
	for row := 0; row < rows; row++ {
		copy(dst[row*dstStride:row*dstStride+n], src[row*srcStride:row*srcStride+n])
	}
}

// fillYUYVFromUYVY swaps the byte order of packed 4:2:2 pixels.
func fillYUYVFromUYVY(dst []byte, dstStride int, src []byte, srcStride int, width, height int) {
	for row := 0; row < height; row++ {
		in := src[row*srcStride:]
		out := dst[row*dstStride:]
		for i := 0; i+3 < width*2; i += 4 {
			out[i+0] = in[i+1] // Y0
			out[i+1] = in[i+0] // U
			out[i+2] = in[i+3] // Y1
			out[i+3] = in[i+2] // V
		}
	}
}

// fillNV21FromYUYV repacks YUYV 4:2:2 into NV21, dropping every other
// chroma row to reach 4:2:0.
func fillNV21FromYUYV(dst []byte, dstStride int, src []byte, srcStride int, width, height int) {
	// Luma plane
	for row := 0; row < height; row++ {
		in := src[row*srcStride:]
		out := dst[row*dstStride:]
		for col := 0; col < width; col++ {
			out[col] = in[col*2]
		}
	}

	// Interleaved VU plane, half vertical resolution
	chromaBase := dstStride * height
	for row := 0; row < height/2; row++ {
		in := src[row*2*srcStride:]
		out := dst[chromaBase+row*dstStride:]
		for col := 0; col+1 < width; col += 2 {
			out[col+0] = in[col*2+3] // V
			out[col+1] = in[col*2+1] // U
		}
	}
}
