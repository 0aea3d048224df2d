package framebuf

import (
	"image"
	"image/color"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluelightgit/roubao/capture"
)

type inlineExec struct{ posts atomic.Int32 }

func (e *inlineExec) Post(task func()) bool {
	e.posts.Add(1)
	task()
	return true
}

func pixels(v byte, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = v
	}
	return b
}

func TestAcquireLatestDiscardsOlder(t *testing.T) {
	r := New(2, 2, 3)
	require.True(t, r.Publish(pixels(1, 16), 2, 2, 8, capture.FormatRGBA))
	require.True(t, r.Publish(pixels(2, 16), 2, 2, 8, capture.FormatRGBA))
	require.Equal(t, 2, r.Buffered())

	f, err := r.AcquireLatestFrame()
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, byte(2), f.Pix[0])
	assert.Equal(t, 8, f.RowStride)
	assert.Equal(t, 4, f.PixelStride)
	assert.Equal(t, 0, r.Buffered())
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	f, err = r.AcquireLatestFrame()
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestPublishDropsOldestWhenFull(t *testing.T) {
	r := New(1, 1, 2)
	for i := byte(1); i <= 5; i++ {
		require.True(t, r.Publish(pixels(i, 4), 1, 1, 4, capture.FormatBGRA))
	}
	assert.Equal(t, 2, r.Buffered())

	f, err := r.AcquireLatestFrame()
	require.NoError(t, err)
	assert.Equal(t, byte(5), f.Pix[0])
	assert.Equal(t, capture.FormatBGRA, f.Format)
	f.Close()
}

func TestPublishDoesNotRetainCallerBuffer(t *testing.T) {
	r := New(1, 1, 1)
	src := pixels(7, 4)
	r.Publish(src, 1, 1, 4, capture.FormatRGBA)
	src[0] = 9

	f, err := r.AcquireLatestFrame()
	require.NoError(t, err)
	assert.Equal(t, byte(7), f.Pix[0])
	f.Close()
}

func TestListenerPostedOnExecutor(t *testing.T) {
	r := New(1, 1, 1)
	exec := &inlineExec{}
	var fired atomic.Int32
	r.SetFrameListener(exec, func() { fired.Add(1) })

	r.Publish(pixels(1, 4), 1, 1, 4, capture.FormatRGBA)
	assert.Equal(t, int32(1), fired.Load())

	r.SetFrameListener(nil, nil)
	r.Publish(pixels(1, 4), 1, 1, 4, capture.FormatRGBA)
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, int32(1), exec.posts.Load())
}

func TestClosedReader(t *testing.T) {
	r := New(1, 1, 1)
	r.Publish(pixels(1, 4), 1, 1, 4, capture.FormatRGBA)
	held, err := r.AcquireLatestFrame()
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.False(t, r.Publish(pixels(1, 4), 1, 1, 4, capture.FormatRGBA))
	_, err = r.AcquireLatestFrame()
	assert.ErrorIs(t, err, capture.ErrReaderClosed)

	// A frame acquired before Close is still readable and closable.
	assert.Equal(t, byte(1), held.Pix[0])
	require.NoError(t, held.Close())
}

func TestPublishEmptyIsRejected(t *testing.T) {
	r := New(1, 1, 1)
	assert.False(t, r.Publish(nil, 1, 1, 4, capture.FormatRGBA))
	assert.Equal(t, 0, r.Buffered())
}

func TestPublishImageSameSize(t *testing.T) {
	r := New(2, 2, 1)
	src := image.NewRGBA(image.Rect(0, 0, 2, 2))
	src.SetRGBA(1, 1, color.RGBA{R: 9, A: 255})
	require.True(t, r.PublishImage(src))

	f, err := r.AcquireLatestFrame()
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, 8, f.RowStride)
	assert.Equal(t, capture.FormatRGBA, f.Format)
	assert.Equal(t, byte(9), f.Pix[8+4])
}

func TestPublishImageScales(t *testing.T) {
	r := New(2, 1, 1)
	src := image.NewRGBA(image.Rect(0, 0, 8, 4))
	for i := range src.Pix {
		src.Pix[i] = 200
	}
	require.True(t, r.PublishImage(src))

	f, err := r.AcquireLatestFrame()
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, 2, f.Width)
	assert.Equal(t, 1, f.Height)
	assert.Equal(t, 8, f.RowStride)
	assert.Equal(t, byte(200), f.Pix[0])
}

func TestPublishImageSubImage(t *testing.T) {
	r := New(1, 1, 1)
	src := image.NewRGBA(image.Rect(0, 0, 3, 3))
	src.SetRGBA(2, 2, color.RGBA{G: 5, A: 255})
	require.True(t, r.PublishImage(src.SubImage(image.Rect(2, 2, 3, 3))))

	f, err := r.AcquireLatestFrame()
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []byte{0, 5, 0, 255}, f.Pix[:4])
}
