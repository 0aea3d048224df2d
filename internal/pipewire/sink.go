package pipewire

// Format is the negotiated 32-bit video format.
type Format int

const (
	FormatBGRX Format = iota
	FormatBGRA
	FormatRGBX
	FormatRGBA
)

// Sink receives frames from the PipeWire loop thread. pix is only valid for
// the duration of the call.
type Sink interface {
	PublishFrame(pix []byte, width, height, rowStride int, format Format)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(pix []byte, width, height, rowStride int, format Format)

func (f SinkFunc) PublishFrame(pix []byte, width, height, rowStride int, format Format) {
	f(pix, width, height, rowStride, format)
}
