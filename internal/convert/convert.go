// Package convert turns a row-strided 32-bit pixel buffer into a cropped RGBA image.
package convert

import (
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// BytesPerPixel is the only pixel stride accepted.
const BytesPerPixel = 4

// Format is the byte order of a packed 32-bit pixel.
type Format int

const (
	// RGBA stores R, G, B, A in memory order.
	RGBA Format = iota
	// BGRA stores B, G, R, A in memory order.
	BGRA
	// RGBX is RGBA with an undefined fourth byte; output is opaque.
	RGBX
	// BGRX is BGRA with an undefined fourth byte; output is opaque.
	BGRX
)

func (f Format) String() string {
	switch f {
	case RGBA:
		return "RGBA"
	case BGRA:
		return "BGRA"
	case RGBX:
		return "RGBX"
	case BGRX:
		return "BGRX"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

var (
	ErrNoPlane           = errors.New("frame has no readable plane")
	ErrUnsupportedFormat = errors.New("unsupported pixel layout")
	ErrShortBuffer       = errors.New("pixel buffer shorter than declared geometry")
	ErrInvalidSize       = errors.New("invalid image size")
)

// Plane is one borrowed pixel plane.
type Plane struct {
	Pix         []byte
	PixelStride int
	RowStride   int
}

// RowPadding returns the number of whole pixels of alignment padding per row.
func RowPadding(p Plane, width int) int {
	if p.PixelStride <= 0 {
		return 0
	}
	pad := (p.RowStride - p.PixelStride*width) / p.PixelStride
	if pad < 0 {
		return 0
	}
	return pad
}

// Image materializes p as a (width+padding) x height image in one bulk copy,
// then crops the top-left width x height region into a fresh image. The
// intermediate is returned to a pool before Image returns.
func Image(p Plane, width, height int, format Format) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	if len(p.Pix) == 0 {
		return nil, ErrNoPlane
	}
	if p.PixelStride != BytesPerPixel {
		return nil, fmt.Errorf("%w: pixel stride %d", ErrUnsupportedFormat, p.PixelStride)
	}
	if p.RowStride < width*p.PixelStride || p.RowStride%p.PixelStride != 0 {
		return nil, fmt.Errorf("%w: row stride %d for width %d", ErrUnsupportedFormat, p.RowStride, width)
	}
	// The final row may omit its trailing padding.
	if need := p.RowStride*(height-1) + width*p.PixelStride; len(p.Pix) < need {
		return nil, fmt.Errorf("%w: have %d bytes, need %d", ErrShortBuffer, len(p.Pix), need)
	}

	fullWidth := width + RowPadding(p, width)
	full := intermediates.Get(fullWidth, height)
	defer intermediates.Put(full)

	n := copy(full.Pix, p.Pix)
	if n < len(full.Pix) {
		clear(full.Pix[n:])
	}
	switch format {
	case RGBA:
	case BGRA:
		swapRB(full.Pix)
	case RGBX:
		opaque(full.Pix)
	case BGRX:
		swapRB(full.Pix)
		opaque(full.Pix)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Copy(out, image.Point{}, full, out.Bounds(), draw.Src, nil)
	return out, nil
}

// swapRB reorders BGRA pixels to RGBA in place.
func swapRB(pix []byte) {
	for i := 0; i+3 < len(pix); i += BytesPerPixel {
		pix[i], pix[i+2] = pix[i+2], pix[i]
	}
}

func opaque(pix []byte) {
	for i := 3; i < len(pix); i += BytesPerPixel {
		pix[i] = 0xff
	}
}
