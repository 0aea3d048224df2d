package capture

import (
	"sync"

	"github.com/bluelightgit/roubao/internal/convert"
)

// Frame is a borrowed view over one captured frame. Close must be called
// exactly once the caller is done with Pix; later calls are no-ops.
type Frame struct {
	Pix         []byte
	Width       int
	Height      int
	PixelStride int
	RowStride   int
	Format      PixelFormat

	release func()
	once    sync.Once
}

// NewFrame wraps pix; release runs on the first Close.
func NewFrame(pix []byte, width, height, pixelStride, rowStride int, format PixelFormat, release func()) *Frame {
	return &Frame{
		Pix:         pix,
		Width:       width,
		Height:      height,
		PixelStride: pixelStride,
		RowStride:   rowStride,
		Format:      format,
		release:     release,
	}
}

// Close hands the buffer back to its reader.
func (f *Frame) Close() error {
	if f == nil {
		return nil
	}
	f.once.Do(func() {
		if f.release != nil {
			f.release()
		}
		f.Pix = nil
	})
	return nil
}

func (f *Frame) plane() convert.Plane {
	return convert.Plane{Pix: f.Pix, PixelStride: f.PixelStride, RowStride: f.RowStride}
}
