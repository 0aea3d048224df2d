package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bluelightgit/roubao/permission"
)

// fakePlatform records every handle it creates and releases.
type fakePlatform struct {
	mu     sync.Mutex
	events []string

	projections []*fakeProjection
	readers     []*fakeReader
	displays    []*fakeDisplay

	openErr    error
	readerErr  error
	displayErr error

	// autoFrame makes every new display publish one frame into its reader.
	autoFrame bool
	rowPad    int // extra bytes per row in published frames
	// fresh makes every acquisition find a new frame.
	fresh bool

	framesClosed atomic.Int32
	onFrameClose func()
}

func (p *fakePlatform) record(format string, args ...any) {
	p.mu.Lock()
	p.events = append(p.events, fmt.Sprintf(format, args...))
	p.mu.Unlock()
}

func (p *fakePlatform) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.events...)
}

func (p *fakePlatform) counts() (projections, readers, displays int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.projections), len(p.readers), len(p.displays)
}

func (p *fakePlatform) lastReader() *fakeReader {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.readers) == 0 {
		return nil
	}
	return p.readers[len(p.readers)-1]
}

func (p *fakePlatform) lastProjection() *fakeProjection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.projections) == 0 {
		return nil
	}
	return p.projections[len(p.projections)-1]
}

func (p *fakePlatform) OpenProjection(_ context.Context, grant permission.Grant) (Projection, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	p.mu.Lock()
	proj := &fakeProjection{p: p, id: len(p.projections) + 1, grant: grant}
	p.projections = append(p.projections, proj)
	p.mu.Unlock()
	p.record("projection.open(%d)", proj.id)
	return proj, nil
}

func (p *fakePlatform) NewReader(g Geometry) (Reader, error) {
	if p.readerErr != nil {
		return nil, p.readerErr
	}
	p.mu.Lock()
	r := &fakeReader{p: p, id: len(p.readers) + 1, g: g}
	p.readers = append(p.readers, r)
	p.mu.Unlock()
	p.record("reader.new(%d)", r.id)
	return r, nil
}

type fakeProjection struct {
	p     *fakePlatform
	id    int
	grant permission.Grant

	mu      sync.Mutex
	exec    Executor
	onStop  func()
	stopped int
	stopErr error
}

func (f *fakeProjection) CreateVirtualDisplay(_ string, g Geometry, r Reader) (VirtualDisplay, error) {
	if f.p.displayErr != nil {
		return nil, f.p.displayErr
	}
	fr := r.(*fakeReader)
	f.p.mu.Lock()
	d := &fakeDisplay{p: f.p, id: len(f.p.displays) + 1, reader: fr, g: g}
	f.p.displays = append(f.p.displays, d)
	f.p.mu.Unlock()
	f.p.record("display.new(%d)", d.id)
	if f.p.autoFrame {
		fr.Publish()
	}
	return d, nil
}

func (f *fakeProjection) OnStop(exec Executor, fn func()) func() {
	f.mu.Lock()
	f.exec, f.onStop = exec, fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.exec, f.onStop = nil, nil
		f.mu.Unlock()
	}
}

// fire simulates the platform ending the projection.
func (f *fakeProjection) fire() bool {
	f.mu.Lock()
	exec, fn := f.exec, f.onStop
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	return exec.Post(fn)
}

func (f *fakeProjection) Stop() error {
	f.mu.Lock()
	f.stopped++
	err := f.stopErr
	f.mu.Unlock()
	f.p.record("projection.stop(%d)", f.id)
	return err
}

func (f *fakeProjection) Stopped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type fakeDisplay struct {
	p        *fakePlatform
	id       int
	reader   *fakeReader
	g        Geometry
	released atomic.Int32
	fault    func() error
}

func (d *fakeDisplay) Release() error {
	d.released.Add(1)
	d.p.record("display.release(%d)", d.id)
	if d.fault != nil {
		return d.fault()
	}
	return nil
}

type fakeReader struct {
	p  *fakePlatform
	id int
	g  Geometry

	mu           sync.Mutex
	frames       []*Frame
	exec         Executor
	listener     func()
	listenerSets int
	closed       int
	emptyPlane   bool
	// beforeClear runs once, outside the lock, when the listener is next removed.
	beforeClear func()
}

// Publish queues one frame whose pixel (x, y) is (x, y, 7, 255).
func (r *fakeReader) Publish() {
	stride := r.g.Width*4 + r.p.rowPad
	var pix []byte
	if !r.emptyPlane {
		pix = make([]byte, stride*r.g.Height)
		pix[0], pix[1], pix[2], pix[3] = 0, 0, 7, 255
	}
	f := NewFrame(pix, r.g.Width, r.g.Height, 4, stride, FormatRGBA, func() {
		r.p.framesClosed.Add(1)
		if hook := r.p.onFrameClose; hook != nil {
			hook()
		}
	})

	r.mu.Lock()
	r.frames = append(r.frames, f)
	exec, fn := r.exec, r.listener
	r.mu.Unlock()
	if fn != nil {
		exec.Post(fn)
	}
}

func (r *fakeReader) AcquireLatestFrame() (*Frame, error) {
	if r.p.fresh && r.Closed() == 0 {
		r.Publish()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed > 0 {
		return nil, ErrReaderClosed
	}
	if len(r.frames) == 0 {
		return nil, nil
	}
	latest := r.frames[len(r.frames)-1]
	for _, f := range r.frames[:len(r.frames)-1] {
		_ = f.Close()
	}
	r.frames = nil
	return latest, nil
}

func (r *fakeReader) SetFrameListener(exec Executor, fn func()) {
	if fn == nil {
		r.mu.Lock()
		hook := r.beforeClear
		r.beforeClear = nil
		r.mu.Unlock()
		if hook != nil {
			hook()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.listenerSets++
	if fn == nil {
		r.exec, r.listener = nil, nil
		return
	}
	r.exec, r.listener = exec, fn
}

func (r *fakeReader) HasListener() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listener != nil
}

func (r *fakeReader) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed++
	r.mu.Unlock()
	r.p.record("reader.close(%d)", r.id)
	return nil
}

func (r *fakeReader) Closed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

var errPlatform = errors.New("platform refused")

func granted() *permission.State {
	s := permission.New()
	s.Grant(permission.Grant{Code: permission.ResultOK, Payload: []byte("token")})
	return s
}

// geometrySwitch is a GeometryProvider tests can change between calls.
type geometrySwitch struct {
	mu sync.Mutex
	g  Geometry
}

func (s *geometrySwitch) Set(g Geometry) {
	s.mu.Lock()
	s.g = g
	s.mu.Unlock()
}

func (s *geometrySwitch) Geometry() (Geometry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.g, nil
}
