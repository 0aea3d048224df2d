package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluelightgit/roubao/internal/logging"
	"github.com/bluelightgit/roubao/internal/worker"
	"github.com/bluelightgit/roubao/permission"
)

var log = logging.L("capture")

const (
	DefaultFrameTimeout      = 1500 * time.Millisecond
	DefaultWorkerQuitTimeout = 500 * time.Millisecond
	DefaultDisplayName       = "roubao-screenshot"
)

// ErrSessionLost is returned when the live session's reader stopped working
// or the session was torn down during the capture. The next call rebuilds it.
var ErrSessionLost = unavailable("capture session lost")

// Option configures a Manager.
type Option func(*Manager)

// WithFrameTimeout sets the wait used when TakeScreenshot gets a non-positive timeout.
func WithFrameTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.frameTimeout = d
		}
	}
}

// WithWorkerQuitTimeout bounds the graceful worker quiesce on full teardown.
func WithWorkerQuitTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.quitTimeout = d
		}
	}
}

// WithDisplayName names the virtual display created for each session.
func WithDisplayName(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.displayName = name
		}
	}
}

// Stats are cumulative counters for diagnostics.
type Stats struct {
	Captures        uint64
	Timeouts        uint64
	Failures        uint64
	SessionsCreated uint64
	Recreations     uint64
	Teardowns       uint64
}

type counters struct {
	captures    atomic.Uint64
	timeouts    atomic.Uint64
	failures    atomic.Uint64
	created     atomic.Uint64
	recreations atomic.Uint64
	teardowns   atomic.Uint64
}

// boundProjection is a projection plus its stop subscription. It outlives
// geometry-driven recreation.
type boundProjection struct {
	Projection
	revoked     atomic.Bool
	unsubscribe func()
	stopOnce    sync.Once
}

// session is all-or-nothing: every field is set, or the session does not exist.
type session struct {
	proj     *boundProjection
	reader   Reader
	display  VirtualDisplay
	geometry Geometry

	done      chan struct{} // closed once the surface is released
	closeOnce sync.Once
}

// Manager owns the single capture session. Create one per process with New.
type Manager struct {
	platform    Platform
	perms       *permission.State
	geometry    GeometryProvider
	worker      *worker.Context
	displayName string

	frameTimeout time.Duration
	quitTimeout  time.Duration

	gate  chan struct{}
	sess  atomic.Pointer[session]
	epoch atomic.Uint64 // bumped on every full teardown

	stats            counters
	unregisterRevoke func()
}

// New returns a Manager in the Absent state. Revoking perms tears the session down.
func New(platform Platform, perms *permission.State, geometry GeometryProvider, opts ...Option) *Manager {
	m := &Manager{
		platform:     platform,
		perms:        perms,
		geometry:     geometry,
		worker:       worker.New("capture", 0),
		displayName:  DefaultDisplayName,
		frameTimeout: DefaultFrameTimeout,
		quitTimeout:  DefaultWorkerQuitTimeout,
		gate:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.unregisterRevoke = perms.OnRevoke(func() {
		log.Info("permission revoked, stopping capture session")
		m.teardown(context.Background())
	})
	return m
}

// Permission returns the permission state the manager reads grants from.
func (m *Manager) Permission() *permission.State { return m.perms }

// State reports whether a session is live.
func (m *Manager) State() State {
	if m.sess.Load() != nil {
		return StateLive
	}
	return StateAbsent
}

// Geometry returns the geometry of the live session.
func (m *Manager) Geometry() (Geometry, bool) {
	if s := m.sess.Load(); s != nil {
		return s.geometry, true
	}
	return Geometry{}, false
}

// Stats returns a snapshot of the counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Captures:        m.stats.captures.Load(),
		Timeouts:        m.stats.timeouts.Load(),
		Failures:        m.stats.failures.Load(),
		SessionsCreated: m.stats.created.Load(),
		Recreations:     m.stats.recreations.Load(),
		Teardowns:       m.stats.teardowns.Load(),
	}
}

// Stop releases the session and the worker. It is idempotent and the manager
// stays usable; the next capture recreates everything.
func (m *Manager) Stop(ctx context.Context) {
	m.teardown(ctx)
}

// Close stops the manager and detaches it from permission revocations.
func (m *Manager) Close() error {
	m.unregisterRevoke()
	m.teardown(context.Background())
	return nil
}

func (m *Manager) teardown(ctx context.Context) {
	m.epoch.Add(1)
	if s := m.sess.Swap(nil); s != nil {
		m.releaseSession(s)
		m.stats.teardowns.Add(1)
		log.Info("capture session stopped")
	}
	m.teardownWorker(ctx)
}

func (m *Manager) teardownWorker(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.quitTimeout)
	defer cancel()
	if err := m.worker.Teardown(ctx); err != nil {
		log.Warn("capture worker forced to stop", logging.KeyError, err)
	}
}

// ensureSession returns a session bound to g, reusing the live one when its
// geometry matches. The caller holds the gate.
func (m *Manager) ensureSession(ctx context.Context, g Geometry) (*session, error) {
	grant, ok := m.perms.Current()
	if !ok || !grant.Valid() {
		return nil, ErrUnauthorized
	}
	if !g.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidGeometry, g)
	}

	m.worker.Ensure()
	epoch := m.epoch.Load()
	cur := m.sess.Load()
	if cur != nil && cur.geometry == g && !cur.proj.revoked.Load() {
		return cur, nil
	}

	var proj *boundProjection
	if cur != nil && m.sess.CompareAndSwap(cur, nil) {
		if cur.proj.revoked.Load() {
			m.releaseSession(cur)
		} else {
			log.Info("display geometry changed, recreating capture surface",
				"from", cur.geometry.String(), "to", g.String())
			m.releaseSurface(cur)
			proj = cur.proj
			m.stats.recreations.Add(1)
		}
	}

	if proj == nil {
		p, err := m.platform.OpenProjection(ctx, grant)
		if err != nil {
			return nil, fmt.Errorf("%w: open projection: %w", ErrSessionCreation, err)
		}
		proj = &boundProjection{Projection: p}
		proj.unsubscribe = p.OnStop(m.worker, func() { m.onProjectionStopped(proj) })
	}

	next, err := m.buildSurface(proj, g)
	if err != nil {
		m.releaseProjection(proj)
		return nil, fmt.Errorf("%w: %w", ErrSessionCreation, err)
	}

	m.sess.Store(next)
	if proj.revoked.Load() || m.epoch.Load() != epoch {
		// Torn down while we were building; nothing may survive.
		if m.sess.CompareAndSwap(next, nil) {
			m.releaseSession(next)
		}
		return nil, fmt.Errorf("%w: session ended during setup", ErrSessionCreation)
	}

	m.stats.created.Add(1)
	log.Info("capture session live",
		logging.KeyWidth, g.Width, logging.KeyHeight, g.Height, logging.KeyDensity, g.DensityDPI)
	return next, nil
}

func (m *Manager) buildSurface(proj *boundProjection, g Geometry) (*session, error) {
	reader, err := m.platform.NewReader(g)
	if err != nil {
		return nil, fmt.Errorf("create reader: %w", err)
	}
	display, err := proj.CreateVirtualDisplay(m.displayName, g, reader)
	if err != nil {
		release("reader", reader.Close)
		return nil, fmt.Errorf("create virtual display: %w", err)
	}
	return &session{proj: proj, reader: reader, display: display, geometry: g, done: make(chan struct{})}, nil
}

// onProjectionStopped runs on the worker when the platform ends proj.
func (m *Manager) onProjectionStopped(proj *boundProjection) {
	proj.revoked.Store(true)
	for {
		s := m.sess.Load()
		if s == nil || s.proj != proj {
			// Stale callback, or a build in flight that will see revoked.
			return
		}
		if m.sess.CompareAndSwap(s, nil) {
			log.Info("capture projection ended by platform")
			m.releaseSession(s)
			m.stats.teardowns.Add(1)
			// Waiting for our own loop would deadlock; let it wind down.
			m.worker.Quit()
			return
		}
	}
}

// dropSession discards s without touching the worker so the next call rebuilds.
func (m *Manager) dropSession(s *session) {
	if m.sess.CompareAndSwap(s, nil) {
		m.releaseSession(s)
	}
}

// releaseSession releases display, reader and projection in that order.
func (m *Manager) releaseSession(s *session) {
	m.releaseSurface(s)
	m.releaseProjection(s.proj)
}

func (m *Manager) releaseSurface(s *session) {
	s.closeOnce.Do(func() { close(s.done) })
	release("virtual display", s.display.Release)
	release("reader", s.reader.Close)
}

func (m *Manager) releaseProjection(p *boundProjection) {
	p.stopOnce.Do(func() {
		if p.unsubscribe != nil {
			p.unsubscribe()
		}
		release("projection", p.Stop)
	})
}

// release calls fn and logs, then swallows, any error or panic.
func release(what string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("release panicked", "handle", what, "panic", r)
		}
	}()
	if err := fn(); err != nil && !errors.Is(err, ErrReaderClosed) {
		log.Warn("release failed", "handle", what, logging.KeyError, err)
	}
}
