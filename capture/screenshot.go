package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/bluelightgit/roubao/internal/convert"
	"github.com/bluelightgit/roubao/internal/logging"
)

// TakeScreenshot captures one frame at the current display geometry and
// returns it as an image of exactly that size. Calls are serialized in arrival
// order. A non-positive timeout uses the manager's default frame timeout.
//
// Every "not this time" outcome matches ErrUnavailable; cancelling ctx returns
// ctx.Err().
func (m *Manager) TakeScreenshot(ctx context.Context, timeout time.Duration) (*image.RGBA, error) {
	if timeout <= 0 {
		timeout = m.frameTimeout
	}
	if err := m.lock(ctx); err != nil {
		return nil, err
	}
	defer m.unlock()

	start := time.Now()
	img, err := m.capture(ctx, timeout)
	switch {
	case err == nil:
		m.stats.captures.Add(1)
		log.Debug("screenshot captured",
			logging.KeyWidth, img.Bounds().Dx(), logging.KeyHeight, img.Bounds().Dy(),
			logging.KeyDurationMs, time.Since(start).Milliseconds())
	case errors.Is(err, ErrAcquisitionTimeout):
		m.stats.timeouts.Add(1)
		log.Debug("no frame before timeout", "timeout", timeout)
	case errors.Is(err, ErrUnauthorized):
		log.Debug("screenshot skipped, no permission")
	default:
		m.stats.failures.Add(1)
		log.Info("screenshot unavailable", logging.KeyError, err)
	}
	return img, err
}

func (m *Manager) capture(ctx context.Context, timeout time.Duration) (*image.RGBA, error) {
	if _, ok := m.perms.Current(); !ok {
		return nil, ErrUnauthorized
	}

	m.worker.Ensure()

	g, err := m.geometry.Geometry()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGeometry, err)
	}

	s, err := m.ensureSession(ctx, g)
	if err != nil {
		return nil, err
	}

	frame, err := m.acquireFrame(ctx, s, timeout)
	if err != nil {
		if errors.Is(err, ErrReaderClosed) {
			m.dropSession(s)
			return nil, fmt.Errorf("%w: %w", ErrSessionLost, err)
		}
		return nil, err
	}
	if frame == nil {
		return nil, ErrAcquisitionTimeout
	}
	defer frame.Close()

	img, err := convert.Image(frame.plane(), s.geometry.Width, s.geometry.Height, frame.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConversion, err)
	}
	return img, nil
}

// lock acquires the capture gate. Blocked callers queue on the channel in
// arrival order and give up when ctx is done.
func (m *Manager) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case m.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) unlock() {
	<-m.gate
}
