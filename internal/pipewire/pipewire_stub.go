//go:build !linux || !cgo

package pipewire

import "errors"

var ErrLibraryNotLoaded = errors.New("pipewire capture backend needs linux and cgo")

type Stream struct{}

func IsAvailable() bool {
	return false
}

func NewStream(fd int, nodeID uint32, width, height uint32, sink Sink, onLost func(error)) (*Stream, error) {
	return nil, ErrLibraryNotLoaded
}

func (s *Stream) Start() {}

func (s *Stream) Stop() {}

func (s *Stream) Close() error {
	return nil
}
