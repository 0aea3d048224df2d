// Package display reports the geometry of an attached monitor.
package display

import (
	"errors"
	"fmt"
	"image"

	"github.com/kbinani/screenshot"

	"github.com/bluelightgit/roubao/capture"
)

// DefaultDensityDPI is used when a Provider has no density configured.
const DefaultDensityDPI = 96

var ErrNoDisplay = errors.New("no active display")

// Screens enumerates monitors. The zero Provider uses the kbinani/screenshot
// backend for the current OS.
type Screens interface {
	NumActiveDisplays() int
	GetDisplayBounds(index int) image.Rectangle
}

type systemScreens struct{}

func (systemScreens) NumActiveDisplays() int                 { return screenshot.NumActiveDisplays() }
func (systemScreens) GetDisplayBounds(i int) image.Rectangle { return screenshot.GetDisplayBounds(i) }

// System is the OS monitor list.
var System Screens = systemScreens{}

// Bounds returns the bounds of monitor index on s.
func Bounds(s Screens, index int) (image.Rectangle, error) {
	if s == nil {
		s = System
	}
	n := s.NumActiveDisplays()
	if n == 0 {
		return image.Rectangle{}, ErrNoDisplay
	}
	if index < 0 || index >= n {
		return image.Rectangle{}, fmt.Errorf("%w: index %d of %d", ErrNoDisplay, index, n)
	}
	b := s.GetDisplayBounds(index)
	if b.Empty() {
		return image.Rectangle{}, fmt.Errorf("%w: display %d has empty bounds", ErrNoDisplay, index)
	}
	return b, nil
}

// Provider implements capture.GeometryProvider for one monitor.
type Provider struct {
	Index      int
	DensityDPI int
	Screens    Screens
}

func (p Provider) Geometry() (capture.Geometry, error) {
	b, err := Bounds(p.Screens, p.Index)
	if err != nil {
		return capture.Geometry{}, err
	}
	dpi := p.DensityDPI
	if dpi <= 0 {
		dpi = DefaultDensityDPI
	}
	return capture.Geometry{Width: b.Dx(), Height: b.Dy(), DensityDPI: dpi}, nil
}
