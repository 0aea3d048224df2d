// Package framebuf implements capture.Reader as a small latest-frame queue fed
// by a producer goroutine or platform callback.
package framebuf

import (
	"image"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/bluelightgit/roubao/capture"
	"github.com/bluelightgit/roubao/internal/logging"
)

const defaultCapacity = 2

var (
	log     = logging.L("framebuf")
	dropLog = logging.Every(time.Second)
)

type slot struct {
	buf       []byte
	width     int
	height    int
	rowStride int
	format    capture.PixelFormat
}

// Reader buffers up to capacity frames; publishing into a full queue drops
// the oldest so producers never block.
type Reader struct {
	width    int
	height   int
	capacity int
	bufs     sync.Pool

	mu       sync.Mutex
	queue    []slot
	closed   bool
	exec     capture.Executor
	listener func()
	dropped  uint64
}

// New returns a Reader for width x height frames holding at most capacity of them.
func New(width, height, capacity int) *Reader {
	if capacity < 1 {
		capacity = defaultCapacity
	}
	return &Reader{width: width, height: height, capacity: capacity}
}

// Size reports the geometry the reader was created for.
func (r *Reader) Size() (width, height int) {
	return r.width, r.height
}

// Publish copies one frame into the queue and notifies the listener. pix is
// not retained. It returns false once the reader is closed.
func (r *Reader) Publish(pix []byte, width, height, rowStride int, format capture.PixelFormat) bool {
	if len(pix) == 0 {
		return false
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.mu.Unlock()

	// Copy outside the lock; frames can be several megabytes.
	buf := r.getBuf(len(pix))
	copy(buf, pix)
	s := slot{buf: buf, width: width, height: height, rowStride: rowStride, format: format}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.putBuf(buf)
		return false
	}
	var stale []byte
	if len(r.queue) >= r.capacity {
		stale = r.queue[0].buf
		r.queue = append(r.queue[:0], r.queue[1:]...)
		r.dropped++
		if dropLog.Allow() {
			log.Debug("dropped oldest buffered frame", "total", r.dropped, "capacity", r.capacity)
		}
	}
	r.queue = append(r.queue, s)
	exec, fn := r.exec, r.listener
	r.mu.Unlock()

	if stale != nil {
		r.putBuf(stale)
	}
	if fn != nil && exec != nil {
		exec.Post(fn)
	}
	return true
}

// PublishImage publishes src as an RGBA frame of the reader's size, scaling
// it when the bounds differ.
func (r *Reader) PublishImage(src image.Image) bool {
	b := src.Bounds()
	if b.Empty() {
		return false
	}
	if rgba, ok := src.(*image.RGBA); ok && b.Dx() == r.width && b.Dy() == r.height {
		off := rgba.PixOffset(b.Min.X, b.Min.Y)
		n := (r.height-1)*rgba.Stride + r.width*4
		return r.Publish(rgba.Pix[off:off+n], r.width, r.height, rgba.Stride, capture.FormatRGBA)
	}

	dst := image.NewRGBA(image.Rect(0, 0, r.width, r.height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return r.Publish(dst.Pix, r.width, r.height, dst.Stride, capture.FormatRGBA)
}

// AcquireLatestFrame implements capture.Reader.
func (r *Reader) AcquireLatestFrame() (*capture.Frame, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, capture.ErrReaderClosed
	}
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return nil, nil
	}
	latest := r.queue[len(r.queue)-1]
	older := make([][]byte, 0, len(r.queue)-1)
	for _, s := range r.queue[:len(r.queue)-1] {
		older = append(older, s.buf)
	}
	r.queue = r.queue[:0]
	r.mu.Unlock()

	for _, b := range older {
		r.putBuf(b)
	}
	buf := latest.buf
	return capture.NewFrame(buf, latest.width, latest.height, 4, latest.rowStride, latest.format, func() {
		r.putBuf(buf)
	}), nil
}

// SetFrameListener implements capture.Reader.
func (r *Reader) SetFrameListener(exec capture.Executor, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil || exec == nil {
		r.exec, r.listener = nil, nil
		return
	}
	r.exec, r.listener = exec, fn
}

// Buffered reports how many frames are queued.
func (r *Reader) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Close drops every buffered frame. Frames already acquired stay valid until
// their own Close.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.queue = nil
	r.exec, r.listener = nil, nil
	r.mu.Unlock()
	return nil
}

func (r *Reader) getBuf(n int) []byte {
	if v := r.bufs.Get(); v != nil {
		if b := v.([]byte); cap(b) >= n {
			return b[:n]
		}
	}
	return make([]byte, n)
}

func (r *Reader) putBuf(b []byte) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	r.bufs.Put(b[:0])
}
