// Package capture manages one exclusive, on-demand screen capture session and
// turns a single captured frame into an image.
//
// A Manager owns the session lifecycle: it opens a projection from the current
// permission grant, binds a virtual display to a frame reader at the current
// screen geometry, reuses that session while the geometry is unchanged and
// tears it down on Stop, on permission revocation or when the platform ends
// the projection. TakeScreenshot serializes all captures behind one gate.
package capture

import (
	"errors"
	"fmt"

	"github.com/bluelightgit/roubao/internal/convert"
)

// ErrUnavailable is matched by every error that means "no screenshot this
// time". None of them are fatal; the next call retries from scratch.
var ErrUnavailable = errors.New("screenshot unavailable")

var (
	ErrUnauthorized       = unavailable("no capture permission granted")
	ErrInvalidGeometry    = unavailable("invalid display geometry")
	ErrSessionCreation    = unavailable("capture session creation failed")
	ErrAcquisitionTimeout = unavailable("timed out waiting for a frame")
	ErrConversion         = unavailable("frame conversion failed")
)

// ErrReaderClosed is returned by a Reader whose buffers are gone.
var ErrReaderClosed = errors.New("frame reader closed")

type unavailableError struct{ msg string }

func unavailable(msg string) error { return &unavailableError{msg: msg} }

func (e *unavailableError) Error() string { return e.msg }

func (e *unavailableError) Is(target error) bool { return target == ErrUnavailable }

// Geometry is the display size and density a session is bound to.
type Geometry struct {
	Width      int
	Height     int
	DensityDPI int
}

// Valid reports whether every dimension is positive.
func (g Geometry) Valid() bool {
	return g.Width > 0 && g.Height > 0 && g.DensityDPI > 0
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%d@%ddpi", g.Width, g.Height, g.DensityDPI)
}

// PixelFormat is the byte order of a packed 32-bit frame.
type PixelFormat = convert.Format

const (
	FormatRGBA = convert.RGBA
	FormatBGRA = convert.BGRA
	FormatRGBX = convert.RGBX
	FormatBGRX = convert.BGRX
)

// State is the observable lifecycle state of a Manager.
type State int

const (
	// StateAbsent means no session exists. A platform-ended session also lands here.
	StateAbsent State = iota
	// StateLive means a session is bound to a geometry.
	StateLive
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateLive:
		return "live"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
