package capture

import (
	"context"
	"sync"
	"time"
)

// acquireFrame returns one frame from the reader of s: immediately when one is
// buffered, otherwise the first delivered before timeout. A timeout yields
// (nil, nil); cancellation yields ctx.Err(); a teardown of s while waiting
// yields ErrSessionLost. The listener is removed on every path, and a frame
// that races in after the wait ended is closed.
func (m *Manager) acquireFrame(ctx context.Context, s *session, timeout time.Duration) (*Frame, error) {
	r := s.reader
	if f, err := r.AcquireLatestFrame(); err != nil || f != nil {
		return f, err
	}

	var (
		mu    sync.Mutex
		ended bool
		ready = make(chan *Frame, 1)
	)
	take := func() {
		mu.Lock()
		defer mu.Unlock()
		if ended {
			return
		}
		f, err := r.AcquireLatestFrame()
		if err != nil || f == nil {
			return
		}
		select {
		case ready <- f:
		default:
			_ = f.Close()
		}
	}

	r.SetFrameListener(m.worker, take)
	defer func() {
		r.SetFrameListener(nil, nil)
		mu.Lock()
		ended = true
		mu.Unlock()
		select {
		case f := <-ready:
			_ = f.Close()
		default:
		}
	}()

	// A frame may have landed between the first fetch and registration.
	take()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case f := <-ready:
		return f, nil
	case <-timer.C:
		return nil, nil
	case <-s.done:
		return nil, ErrSessionLost
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
