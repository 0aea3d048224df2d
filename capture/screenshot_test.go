package capture

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bluelightgit/roubao/permission"
)

func TestTakeScreenshotImmediateFrame(t *testing.T) {
	p := &fakePlatform{autoFrame: true, rowPad: 3 * 4}
	m := newTestManager(t, p, granted(), StaticGeometry(phone))

	img, err := m.TakeScreenshot(context.Background(), 1500*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1080, img.Bounds().Dx())
	assert.Equal(t, 1920, img.Bounds().Dy())
	assert.Equal(t, color.RGBA{B: 7, A: 255}, img.RGBAAt(0, 0))

	assert.Equal(t, StateLive, m.State())
	assert.Len(t, m.gate, 0, "gate must be released")
	assert.Equal(t, int32(1), p.framesClosed.Load())
	assert.False(t, p.lastReader().HasListener())
	assert.Equal(t, uint64(1), m.Stats().Captures)
}

func TestTakeScreenshotWithoutGrant(t *testing.T) {
	p := &fakePlatform{autoFrame: true}
	m := newTestManager(t, p, permission.New(), StaticGeometry(phone))

	start := time.Now()
	_, err := m.TakeScreenshot(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Empty(t, p.Events())
	assert.False(t, m.worker.Running())
}

func TestTakeScreenshotGeometryProviderFailure(t *testing.T) {
	p := &fakePlatform{}
	geo := GeometryFunc(func() (Geometry, error) { return Geometry{}, errors.New("rotating") })
	m := newTestManager(t, p, granted(), geo)

	_, err := m.TakeScreenshot(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
	assert.Empty(t, p.Events())
}

func TestTakeScreenshotTimesOutWithoutDanglingListener(t *testing.T) {
	p := &fakePlatform{}
	m := newTestManager(t, p, granted(), StaticGeometry(tinyFrame))

	const timeout = 80 * time.Millisecond
	start := time.Now()
	_, err := m.TakeScreenshot(context.Background(), timeout)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrAcquisitionTimeout)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+400*time.Millisecond)

	r := p.lastReader()
	assert.False(t, r.HasListener())
	assert.Equal(t, StateLive, m.State())
	assert.Equal(t, uint64(1), m.Stats().Timeouts)

	// A second acquisition registers cleanly and is woken by a new frame.
	go func() {
		if assert.Eventually(t, r.HasListener, time.Second, time.Millisecond) {
			r.Publish()
		}
	}()
	img, err := m.TakeScreenshot(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, img.Bounds().Dx())
	assert.False(t, r.HasListener())
	assert.Equal(t, 4, r.listenerSets, "one set and one clear per waiting acquisition")
}

func TestTakeScreenshotCancelledWhileWaiting(t *testing.T) {
	p := &fakePlatform{}
	m := newTestManager(t, p, granted(), StaticGeometry(tinyFrame))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.TakeScreenshot(ctx, 10*time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool {
		r := p.lastReader()
		return r != nil && r.HasListener()
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancellation did not end the wait")
	}

	r := p.lastReader()
	assert.False(t, r.HasListener())

	// Nothing consumes a frame published after the wait was abandoned.
	r.Publish()
	assert.Equal(t, 1, r.Buffered())
	assert.Len(t, m.gate, 0)
}

func TestTakeScreenshotCancelledBeforeGate(t *testing.T) {
	p := &fakePlatform{}
	m := newTestManager(t, p, granted(), StaticGeometry(tinyFrame))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.TakeScreenshot(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, p.Events())
}

func TestTakeScreenshotSerializesCallers(t *testing.T) {
	var active, peak atomic.Int32
	p := &fakePlatform{fresh: true, onFrameClose: func() { active.Add(-1) }}

	// The body runs from geometry lookup to frame release.
	geo := GeometryFunc(func() (Geometry, error) {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		return tinyFrame, nil
	})
	m := newTestManager(t, p, granted(), geo)

	const callers = 12
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			img, err := m.TakeScreenshot(context.Background(), time.Second)
			if err == nil && img.Bounds().Dx() != tinyFrame.Width {
				err = errors.New("wrong size")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, int32(0), active.Load())
	assert.Equal(t, uint64(callers), m.Stats().Captures)
	projections, readers, _ := p.counts()
	assert.Equal(t, 1, projections)
	assert.Equal(t, 1, readers)
}

func TestTakeScreenshotConversionFailure(t *testing.T) {
	p := &fakePlatform{}
	m := newTestManager(t, p, granted(), StaticGeometry(tinyFrame))

	_, err := m.ensureSession(context.Background(), tinyFrame)
	require.NoError(t, err)
	r := p.lastReader()
	r.emptyPlane = true
	r.Publish()

	_, err = m.TakeScreenshot(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrConversion)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), p.framesClosed.Load())
	assert.Equal(t, StateLive, m.State())
	assert.Equal(t, uint64(1), m.Stats().Failures)
}

func TestTakeScreenshotReaderClosedDropsSession(t *testing.T) {
	p := &fakePlatform{autoFrame: true}
	m := newTestManager(t, p, granted(), StaticGeometry(tinyFrame))

	_, err := m.ensureSession(context.Background(), tinyFrame)
	require.NoError(t, err)
	lost := p.lastReader()
	require.NoError(t, lost.Close())

	_, err = m.TakeScreenshot(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrSessionLost)
	assert.ErrorIs(t, err, ErrReaderClosed)
	assert.Equal(t, StateAbsent, m.State())
	assert.Equal(t, 1, p.lastProjection().Stopped())

	img, err := m.TakeScreenshot(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, tinyFrame.Height, img.Bounds().Dy())
	assert.NotSame(t, lost, p.lastReader())
}

func TestTakeScreenshotCropsRowPadding(t *testing.T) {
	for _, pad := range []int{0, 4, 48} {
		p := &fakePlatform{autoFrame: true, rowPad: pad}
		m := newTestManager(t, p, granted(), StaticGeometry(tinyFrame))

		img, err := m.TakeScreenshot(context.Background(), time.Second)
		require.NoError(t, err, "pad %d", pad)
		assert.Equal(t, image.Rect(0, 0, 4, 3), img.Bounds(), "pad %d", pad)
		assert.Equal(t, color.RGBA{B: 7, A: 255}, img.RGBAAt(0, 0), "pad %d", pad)
	}
}

func TestTakeScreenshotFollowsGeometryChange(t *testing.T) {
	p := &fakePlatform{fresh: true}
	geo := &geometrySwitch{g: tinyFrame}
	m := newTestManager(t, p, granted(), geo)

	_, err := m.TakeScreenshot(context.Background(), time.Second)
	require.NoError(t, err)

	wide := Geometry{Width: 8, Height: 2, DensityDPI: 320}
	geo.Set(wide)
	img, err := m.TakeScreenshot(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 2), img.Bounds())

	projections, readers, displays := p.counts()
	assert.Equal(t, 1, projections)
	assert.Equal(t, 2, readers)
	assert.Equal(t, 2, displays)
}

func TestStopWhileWaitingWakesCaller(t *testing.T) {
	p := &fakePlatform{}
	m := newTestManager(t, p, granted(), StaticGeometry(tinyFrame))

	const timeout = 5 * time.Second
	type result struct {
		err     error
		elapsed time.Duration
	}
	done := make(chan result, 1)
	go func() {
		start := time.Now()
		_, err := m.TakeScreenshot(context.Background(), timeout)
		done <- result{err: err, elapsed: time.Since(start)}
	}()

	require.Eventually(t, func() bool {
		r := p.lastReader()
		return r != nil && r.HasListener()
	}, time.Second, time.Millisecond)
	m.Stop(context.Background())

	select {
	case res := <-done:
		assert.ErrorIs(t, res.err, ErrSessionLost)
		assert.ErrorIs(t, res.err, ErrUnavailable)
		assert.Less(t, res.elapsed, time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by Stop")
	}

	assert.Equal(t, StateAbsent, m.State())
	assert.Equal(t, uint64(0), m.Stats().Timeouts)
	assert.Len(t, m.gate, 0)
}

func TestRevokeWhileWaitingWakesCaller(t *testing.T) {
	p := &fakePlatform{}
	perms := granted()
	m := newTestManager(t, p, perms, StaticGeometry(tinyFrame))

	done := make(chan error, 1)
	go func() {
		_, err := m.TakeScreenshot(context.Background(), 5*time.Second)
		done <- err
	}()

	require.Eventually(t, func() bool {
		r := p.lastReader()
		return r != nil && r.HasListener()
	}, time.Second, time.Millisecond)
	perms.Revoke()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by Revoke")
	}
}

func TestFrameRacingEndOfWaitIsClosed(t *testing.T) {
	for _, tc := range []struct {
		name   string
		cancel bool
	}{
		{name: "timeout"},
		{name: "cancel", cancel: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := &fakePlatform{}
			m := newTestManager(t, p, granted(), StaticGeometry(tinyFrame))

			_, err := m.ensureSession(context.Background(), tinyFrame)
			require.NoError(t, err)
			r := p.lastReader()

			// The wait has ended but the listener is still installed: a frame
			// lands and the worker hands it over before the listener is removed.
			r.beforeClear = func() {
				r.Publish()
				deadline := time.Now().Add(time.Second)
				for r.Buffered() > 0 && time.Now().Before(deadline) {
					time.Sleep(time.Millisecond)
				}
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			timeout := 30 * time.Millisecond
			if tc.cancel {
				timeout = 5 * time.Second
				go func() {
					if assert.Eventually(t, r.HasListener, time.Second, time.Millisecond) {
						cancel()
					}
				}()
			}

			_, err = m.TakeScreenshot(ctx, timeout)
			if tc.cancel {
				assert.ErrorIs(t, err, context.Canceled)
			} else {
				assert.ErrorIs(t, err, ErrAcquisitionTimeout)
			}

			assert.Equal(t, int32(1), p.framesClosed.Load(), "late frame must be released")
			assert.Equal(t, 0, r.Buffered())
			assert.False(t, r.HasListener())
		})
	}
}
