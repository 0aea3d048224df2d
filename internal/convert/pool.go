package convert

import (
	"image"
	"sync"
)

// imagePool recycles full-width intermediates for a single resolution.
// Captures repeat at one geometry, so a size change simply resets the pool.
type imagePool struct {
	mu   sync.Mutex
	w, h int
	pool *sync.Pool
}

var intermediates imagePool

func (p *imagePool) Get(w, h int) *image.RGBA {
	p.mu.Lock()
	if p.pool != nil && p.w == w && p.h == h {
		pool := p.pool
		p.mu.Unlock()
		if v := pool.Get(); v != nil {
			return v.(*image.RGBA)
		}
		return image.NewRGBA(image.Rect(0, 0, w, h))
	}
	p.w, p.h = w, h
	p.pool = &sync.Pool{}
	p.mu.Unlock()
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func (p *imagePool) Put(img *image.RGBA) {
	if img == nil {
		return
	}
	b := img.Bounds()
	p.mu.Lock()
	pool := p.pool
	match := pool != nil && p.w == b.Dx() && p.h == b.Dy()
	p.mu.Unlock()
	if match {
		pool.Put(img)
	}
}
