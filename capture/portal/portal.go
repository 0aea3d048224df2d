// Package portal captures the screen through the xdg-desktop-portal ScreenCast
// interface. A portal session is the projection; each virtual display is a
// PipeWire stream on the session's node, delivering frames into a
// framebuf.Reader.
package portal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bluelightgit/roubao/capture"
	"github.com/bluelightgit/roubao/internal/convert"
	"github.com/bluelightgit/roubao/internal/framebuf"
	"github.com/bluelightgit/roubao/internal/logging"
	"github.com/bluelightgit/roubao/internal/pipewire"
	"github.com/bluelightgit/roubao/internal/xdgportal"
	"github.com/bluelightgit/roubao/permission"
)

// InteractivePayload is the grant payload used when the portal does not issue
// restore tokens. Opening a projection with it shows the portal dialog.
const InteractivePayload = "interactive"

const (
	closeTimeout    = 2 * time.Second
	discoverTimeout = 30 * time.Second
	// persistVersion is the first ScreenCast version with restore tokens.
	persistVersion = 4
)

var (
	ErrNotSupported = errors.New("portal capture is not supported on this system")
	ErrCancelled    = errors.New("screen capture was not authorized")
	ErrNoStreams    = errors.New("portal started without streams")
	ErrBadReader    = errors.New("reader was not created by this platform")
	ErrNoGeometry   = errors.New("portal stream size is not known yet")
)

var log = logging.L("portal")

// TokenSink receives the replacement grant each time the portal issues a new
// restore token. Restore tokens are single use.
type TokenSink func(permission.Grant)

type Options struct {
	// SourceTypes defaults to xdgportal.SourceTypeMonitor.
	SourceTypes uint32
	// CursorMode defaults to xdgportal.CursorModeEmbedded.
	CursorMode   uint32
	StreamIndex  int
	ParentWindow string
	// BufferFrames is the reader queue capacity; zero means two.
	BufferFrames int
	OnToken      TokenSink

	// DensityDPI is reported with the stream size by Geometry.
	DensityDPI int
	// Fallback answers Geometry until a stream has reported its size.
	Fallback capture.GeometryProvider
	// Grant, when set, lets Geometry start a session to learn the stream
	// size when Fallback cannot answer.
	Grant func() (permission.Grant, bool)
}

func (o Options) withDefaults() Options {
	if o.SourceTypes == 0 {
		o.SourceTypes = xdgportal.SourceTypeMonitor
	}
	if o.CursorMode == 0 {
		o.CursorMode = xdgportal.CursorModeEmbedded
	}
	if o.BufferFrames <= 0 {
		o.BufferFrames = 2
	}
	if o.DensityDPI <= 0 {
		o.DensityDPI = defaultDensityDPI
	}
	return o
}

const defaultDensityDPI = 96

// Platform implements capture.Platform and capture.GeometryProvider.
type Platform struct {
	opts Options

	mu   sync.Mutex
	size [2]int32 // of the last started stream
	// pending is a session started by Geometry for the next OpenProjection.
	pending *started
}

type started struct {
	sess   *xdgportal.Session
	stream xdgportal.Stream
}

// New returns a portal platform, or ErrNotSupported when PipeWire cannot be
// loaded.
func New(opts Options) (*Platform, error) {
	if !pipewire.IsAvailable() {
		return nil, fmt.Errorf("%w: %w", ErrNotSupported, pipewire.ErrLibraryNotLoaded)
	}
	if opts.StreamIndex < 0 {
		return nil, fmt.Errorf("portal: stream index %d must be >= 0", opts.StreamIndex)
	}
	return &Platform{opts: opts.withDefaults()}, nil
}

// Authorize runs the interactive portal flow and returns a grant carrying the
// restore token. The portal session used for the dialog is closed before
// Authorize returns.
func Authorize(ctx context.Context, opts Options) (permission.Grant, error) {
	opts = opts.withDefaults()
	sess, result, err := start(ctx, opts, "")
	if err != nil {
		return permission.Grant{}, err
	}
	closeSession(sess)

	if len(result.Streams) == 0 {
		return permission.Grant{}, ErrNoStreams
	}
	return grantFor(result.RestoreToken), nil
}

func grantFor(token string) permission.Grant {
	if token == "" {
		token = InteractivePayload
	}
	return permission.Grant{Code: permission.ResultOK, Payload: []byte(token)}
}

// start creates a session, selects sources and starts it. restoreToken may be
// empty. On error no session is left open.
func start(ctx context.Context, opts Options, restoreToken string) (*xdgportal.Session, *xdgportal.StartResult, error) {
	sel, err := selectOptions(opts, probeCapabilities(ctx), restoreToken)
	if err != nil {
		return nil, nil, err
	}

	sess, err := xdgportal.CreateSession(ctx)
	if err != nil {
		return nil, nil, portalErr(err)
	}

	ok := false
	defer func() {
		if !ok {
			closeSession(sess)
		}
	}()

	if err := sess.SelectSources(ctx, sel); err != nil {
		return nil, nil, portalErr(err)
	}

	result, err := sess.Start(ctx, opts.ParentWindow)
	if err != nil {
		return nil, nil, portalErr(err)
	}
	ok = true
	return sess, result, nil
}

// capabilities is what the portal advertises. Zero fields are unknown.
type capabilities struct {
	sourceTypes uint32
	cursorModes uint32
	version     uint32
}

func probeCapabilities(ctx context.Context) capabilities {
	var caps capabilities
	var err error
	if caps.version, err = xdgportal.GetVersion(ctx); err != nil {
		log.Debug("read screencast version", logging.KeyError, err)
	}
	if caps.sourceTypes, err = xdgportal.GetAvailableSourceTypes(ctx); err != nil {
		log.Debug("read available source types", logging.KeyError, err)
	}
	if caps.cursorModes, err = xdgportal.GetAvailableCursorModes(ctx); err != nil {
		log.Debug("read available cursor modes", logging.KeyError, err)
	}
	return caps
}

// selectOptions narrows opts to what the portal offers. Portals reject
// unsupported cursor modes, so an unavailable one is replaced; restore
// tokens are only sent to portals that know them.
func selectOptions(opts Options, caps capabilities, restoreToken string) (*xdgportal.SelectSourcesOptions, error) {
	types := opts.SourceTypes
	if caps.sourceTypes != 0 {
		types &= caps.sourceTypes
		if types == 0 {
			return nil, fmt.Errorf("%w: source types %#x not offered, portal has %#x",
				ErrNotSupported, opts.SourceTypes, caps.sourceTypes)
		}
	}

	cursor := opts.CursorMode
	if caps.cursorModes != 0 && cursor&caps.cursorModes == 0 {
		cursor = 0
		for _, m := range []uint32{xdgportal.CursorModeEmbedded, xdgportal.CursorModeHidden, xdgportal.CursorModeMetadata} {
			if caps.cursorModes&m != 0 {
				cursor = m
				break
			}
		}
	}

	sel := &xdgportal.SelectSourcesOptions{Types: types, CursorMode: cursor}
	if caps.version == 0 || caps.version >= persistVersion {
		sel.PersistMode = xdgportal.PersistModePersistent
		sel.RestoreToken = restoreToken
	}
	return sel, nil
}

func portalErr(err error) error {
	if errors.Is(err, xdgportal.ErrCancelled) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return err
}

func closeSession(sess *xdgportal.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		log.Debug("close portal session", logging.KeyError, err)
	}
}

// OpenProjection implements capture.Platform. A session already started by
// Geometry is used instead of starting another one.
func (p *Platform) OpenProjection(ctx context.Context, grant permission.Grant) (capture.Projection, error) {
	st := p.takePending()
	if st == nil {
		var err error
		if st, err = p.startStream(ctx, grant); err != nil {
			return nil, err
		}
	}

	fd, err := st.sess.OpenPipeWireRemote(ctx)
	if err != nil {
		closeSession(st.sess)
		return nil, err
	}

	log.Debug("projection opened",
		"node", st.stream.NodeID, logging.KeyWidth, st.stream.Size[0], logging.KeyHeight, st.stream.Size[1])
	return &projection{sess: st.sess, stream: st.stream, fd: fd}, nil
}

// startStream starts a portal session from grant and records the size of
// the selected stream.
func (p *Platform) startStream(ctx context.Context, grant permission.Grant) (*started, error) {
	token := string(grant.Payload)
	if token == InteractivePayload {
		token = ""
	}

	sess, result, err := start(ctx, p.opts, token)
	if err != nil {
		return nil, err
	}
	if len(result.Streams) <= p.opts.StreamIndex {
		closeSession(sess)
		return nil, fmt.Errorf("%w: want index %d, have %d", ErrNoStreams, p.opts.StreamIndex, len(result.Streams))
	}
	if result.RestoreToken != "" && p.opts.OnToken != nil {
		p.opts.OnToken(grantFor(result.RestoreToken))
	}

	stream := result.Streams[p.opts.StreamIndex]
	p.mu.Lock()
	p.size = stream.Size
	p.mu.Unlock()
	return &started{sess: sess, stream: stream}, nil
}

func (p *Platform) takePending() *started {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.pending
	p.pending = nil
	return st
}

// Geometry implements capture.GeometryProvider. The size of the last started
// stream wins since it is what PipeWire delivers; before any stream exists
// Fallback answers. When Fallback cannot (no X server on a Wayland session),
// a session is started from the current grant and kept for OpenProjection.
func (p *Platform) Geometry() (capture.Geometry, error) {
	if g, ok := p.streamGeometry(); ok {
		return g, nil
	}

	err := ErrNoGeometry
	if p.opts.Fallback != nil {
		g, ferr := p.opts.Fallback.Geometry()
		if ferr == nil {
			return g, nil
		}
		err = fmt.Errorf("%w: %w", ErrNoGeometry, ferr)
	}
	if p.opts.Grant == nil {
		return capture.Geometry{}, err
	}
	grant, ok := p.opts.Grant()
	if !ok {
		return capture.Geometry{}, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), discoverTimeout)
	defer cancel()
	st, serr := p.startStream(ctx, grant)
	if serr != nil {
		return capture.Geometry{}, errors.Join(err, serr)
	}
	p.mu.Lock()
	stale := p.pending
	p.pending = st
	p.mu.Unlock()
	if stale != nil {
		closeSession(stale.sess)
	}

	if g, ok := p.streamGeometry(); ok {
		return g, nil
	}
	return capture.Geometry{}, err
}

func (p *Platform) streamGeometry() (capture.Geometry, bool) {
	p.mu.Lock()
	size := p.size
	p.mu.Unlock()
	if size[0] <= 0 || size[1] <= 0 {
		return capture.Geometry{}, false
	}
	return capture.Geometry{Width: int(size[0]), Height: int(size[1]), DensityDPI: p.opts.DensityDPI}, true
}

// Close ends a session started by Geometry that no projection took over.
func (p *Platform) Close() error {
	if st := p.takePending(); st != nil {
		closeSession(st.sess)
	}
	return nil
}

// NewReader implements capture.Platform.
func (p *Platform) NewReader(g capture.Geometry) (capture.Reader, error) {
	return framebuf.New(g.Width, g.Height, p.opts.BufferFrames), nil
}

type projection struct {
	sess   *xdgportal.Session
	stream xdgportal.Stream
	fd     int

	mu        sync.Mutex
	exec      capture.Executor
	onStop    func()
	onStopSeq int
	unwatch   func()
	fired     bool
	stopped   bool

	stopOnce sync.Once
	stopErr  error
}

// CreateVirtualDisplay implements capture.Projection.
func (p *projection) CreateVirtualDisplay(name string, g capture.Geometry, r capture.Reader) (capture.VirtualDisplay, error) {
	fr, ok := r.(*framebuf.Reader)
	if !ok {
		return nil, ErrBadReader
	}

	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return nil, errors.New("portal: projection stopped")
	}

	sink := &frameSink{reader: fr}
	s, err := pipewire.NewStream(p.fd, p.stream.NodeID, uint32(g.Width), uint32(g.Height), sink, func(err error) {
		log.Info("pipewire stream lost", "display", name, logging.KeyError, err)
		p.fire()
	})
	if err != nil {
		return nil, err
	}
	s.Start()
	return &virtualDisplay{stream: s}, nil
}

// OnStop implements capture.Projection. The portal's Session.Closed signal and
// a lost PipeWire stream both count as the platform ending the projection.
func (p *projection) OnStop(exec capture.Executor, fn func()) func() {
	p.mu.Lock()
	p.exec, p.onStop = exec, fn
	p.onStopSeq++
	seq := p.onStopSeq
	if p.unwatch == nil {
		unwatch, err := p.sess.OnClosed(p.fire)
		if err != nil {
			log.Warn("cannot watch portal session", logging.KeyError, err)
		} else {
			p.unwatch = unwatch
		}
	}
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.onStopSeq == seq {
			p.exec, p.onStop = nil, nil
		}
	}
}

func (p *projection) fire() {
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

// Stop implements capture.Projection.
func (p *projection) Stop() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		unwatch := p.unwatch
		p.unwatch = nil
		p.mu.Unlock()

		if unwatch != nil {
			unwatch()
		}
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		remote := os.NewFile(uintptr(p.fd), "pipewire-remote")
		p.stopErr = errors.Join(p.sess.Close(ctx), remote.Close())
	})
	return p.stopErr
}

type virtualDisplay struct {
	stream *pipewire.Stream
}

func (d *virtualDisplay) Release() error {
	return d.stream.Close()
}

// frameSink moves PipeWire buffers into a framebuf.Reader. Frames at the
// reader's size are copied as is; others are converted and scaled.
type frameSink struct {
	reader *framebuf.Reader
}

func (s *frameSink) PublishFrame(pix []byte, width, height, rowStride int, format pipewire.Format) {
	cf := captureFormat(format)
	rw, rh := s.reader.Size()
	if width == rw && height == rh {
		s.reader.Publish(pix, width, height, rowStride, cf)
		return
	}

	img, err := convert.Image(convert.Plane{Pix: pix, PixelStride: convert.BytesPerPixel, RowStride: rowStride}, width, height, cf)
	if err != nil {
		log.Debug("drop unconvertible frame", logging.KeyError, err)
		return
	}
	s.reader.PublishImage(img)
}

func captureFormat(f pipewire.Format) capture.PixelFormat {
	switch f {
	case pipewire.FormatBGRA:
		return capture.FormatBGRA
	case pipewire.FormatRGBX:
		return capture.FormatRGBX
	case pipewire.FormatRGBA:
		return capture.FormatRGBA
	default:
		return capture.FormatBGRX
	}
}
