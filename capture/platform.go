package capture

import (
	"context"

	"github.com/bluelightgit/roubao/permission"
)

// Executor runs callbacks on the capture worker. Post returns false when the
// task could not be queued.
type Executor interface {
	Post(task func()) bool
}

// Platform creates the handles a capture session is made of.
type Platform interface {
	// OpenProjection binds a projection to grant. The projection does not
	// depend on geometry and survives session recreation.
	OpenProjection(ctx context.Context, grant permission.Grant) (Projection, error)
	// NewReader allocates a frame reader sized to g.
	NewReader(g Geometry) (Reader, error)
}

// Projection is the platform's authorization-bound capture handle.
type Projection interface {
	// CreateVirtualDisplay renders the screen at g into r.
	CreateVirtualDisplay(name string, g Geometry, r Reader) (VirtualDisplay, error)
	// OnStop registers fn to be posted on exec when the platform ends the
	// projection. The returned func unregisters it.
	OnStop(exec Executor, fn func()) (unsubscribe func())
	// Stop ends the projection.
	Stop() error
}

// VirtualDisplay feeds frames into a Reader.
type VirtualDisplay interface {
	Release() error
}

// Reader buffers frames produced by a VirtualDisplay.
type Reader interface {
	// AcquireLatestFrame returns the newest buffered frame, discarding older
	// ones, or (nil, nil) when nothing is buffered.
	AcquireLatestFrame() (*Frame, error)
	// SetFrameListener arranges for fn to be posted on exec whenever a frame
	// becomes available. A nil fn removes the listener; once it returns no
	// further calls to the previous fn are posted.
	SetFrameListener(exec Executor, fn func())
	Close() error
}

// GeometryProvider reports the current screen geometry.
type GeometryProvider interface {
	Geometry() (Geometry, error)
}

// GeometryFunc adapts a function to GeometryProvider.
type GeometryFunc func() (Geometry, error)

func (f GeometryFunc) Geometry() (Geometry, error) { return f() }

// StaticGeometry always reports the same geometry.
type StaticGeometry Geometry

func (g StaticGeometry) Geometry() (Geometry, error) { return Geometry(g), nil }
