// Package desktop captures a monitor by polling github.com/kbinani/screenshot.
// It works wherever that library does (Windows, macOS, X11) and needs no
// portal authorization; a grant is still required by the manager.
package desktop

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/kbinani/screenshot"

	"github.com/bluelightgit/roubao/capture"
	"github.com/bluelightgit/roubao/internal/display"
	"github.com/bluelightgit/roubao/internal/framebuf"
	"github.com/bluelightgit/roubao/internal/logging"
	"github.com/bluelightgit/roubao/permission"
)

const (
	DefaultRefreshInterval = 100 * time.Millisecond
	// maxFailures consecutive capture errors end the projection.
	maxFailures = 5
)

var ErrBadReader = errors.New("reader was not created by this platform")

var (
	log     = logging.L("desktop")
	failLog = logging.Every(5 * time.Second)
)

// CaptureFunc grabs the pixels inside bounds.
type CaptureFunc func(bounds image.Rectangle) (*image.RGBA, error)

type Options struct {
	DisplayIndex    int
	RefreshInterval time.Duration
	BufferFrames    int
	// Screens and Capture default to the OS backend.
	Screens display.Screens
	Capture CaptureFunc
}

// Platform implements capture.Platform.
type Platform struct {
	opts Options
}

func New(opts Options) *Platform {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.BufferFrames <= 0 {
		opts.BufferFrames = 2
	}
	if opts.Screens == nil {
		opts.Screens = display.System
	}
	if opts.Capture == nil {
		opts.Capture = screenshot.CaptureRect
	}
	return &Platform{opts: opts}
}

// OpenProjection implements capture.Platform.
func (p *Platform) OpenProjection(ctx context.Context, grant permission.Grant) (capture.Projection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !grant.Valid() {
		return nil, errors.New("desktop: grant is not valid")
	}
	if _, err := display.Bounds(p.opts.Screens, p.opts.DisplayIndex); err != nil {
		return nil, err
	}
	return &projection{platform: p, displays: make(map[*virtualDisplay]struct{})}, nil
}

// NewReader implements capture.Platform.
func (p *Platform) NewReader(g capture.Geometry) (capture.Reader, error) {
	return framebuf.New(g.Width, g.Height, p.opts.BufferFrames), nil
}

type projection struct {
	platform *Platform

	mu       sync.Mutex
	exec     capture.Executor
	onStop   func()
	seq      int
	fired    bool
	stopped  bool
	displays map[*virtualDisplay]struct{}
}

// CreateVirtualDisplay implements capture.Projection.
func (p *projection) CreateVirtualDisplay(name string, g capture.Geometry, r capture.Reader) (capture.VirtualDisplay, error) {
	fr, ok := r.(*framebuf.Reader)
	if !ok {
		return nil, ErrBadReader
	}
	if !g.Valid() {
		return nil, fmt.Errorf("desktop: invalid geometry %s", g)
	}

	d := &virtualDisplay{
		name:   name,
		proj:   p,
		reader: fr,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, errors.New("desktop: projection stopped")
	}
	p.displays[d] = struct{}{}
	p.mu.Unlock()

	go d.run(p.platform.opts)
	return d, nil
}

// OnStop implements capture.Projection.
func (p *projection) OnStop(exec capture.Executor, fn func()) func() {
	p.mu.Lock()
	p.exec, p.onStop = exec, fn
	p.seq++
	seq := p.seq
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.seq == seq {
			p.exec, p.onStop = nil, nil
		}
	}
}

// end posts the stop callback once.
func (p *projection) end() {
	p.mu.Lock()
	exec, fn := p.exec, p.onStop
	if p.fired || fn == nil {
		p.mu.Unlock()
		return
	}
	p.fired = true
	p.mu.Unlock()
	exec.Post(fn)
}

// Stop implements capture.Projection. It releases every display still running
// and fires a registered stop callback.
func (p *projection) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	displays := make([]*virtualDisplay, 0, len(p.displays))
	for d := range p.displays {
		displays = append(displays, d)
	}
	p.mu.Unlock()

	for _, d := range displays {
		_ = d.Release()
	}
	p.end()
	return nil
}

func (p *projection) forget(d *virtualDisplay) {
	p.mu.Lock()
	delete(p.displays, d)
	p.mu.Unlock()
}

type virtualDisplay struct {
	name   string
	proj   *projection
	reader *framebuf.Reader

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

func (d *virtualDisplay) run(opts Options) {
	defer close(d.done)

	ticker := time.NewTicker(opts.RefreshInterval)
	defer ticker.Stop()

	failures := 0
	for {
		if err := d.grab(opts); err != nil {
			failures++
			if failLog.Allow() {
				log.Warn("display capture failed", "display", d.name, "failures", failures, logging.KeyError, err)
			}
			if failures >= maxFailures || errors.Is(err, display.ErrNoDisplay) {
				log.Info("display lost, ending projection", "display", d.name)
				d.proj.end()
				return
			}
		} else {
			failures = 0
		}

		select {
		case <-d.quit:
			return
		case <-ticker.C:
		}
	}
}

func (d *virtualDisplay) grab(opts Options) error {
	bounds, err := display.Bounds(opts.Screens, opts.DisplayIndex)
	if err != nil {
		return err
	}
	img, err := opts.Capture(bounds)
	if err != nil {
		return err
	}
	d.reader.PublishImage(img)
	return nil
}

// Release stops polling and waits for the poller to exit.
func (d *virtualDisplay) Release() error {
	d.once.Do(func() {
		close(d.quit)
		<-d.done
		d.proj.forget(d)
	})
	return nil
}
