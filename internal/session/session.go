package session

import (
	"context"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/bluelightgit/roubao/internal/apis"
)

const (
	interfaceName = "org.freedesktop.portal.Session"
	closedMember  = "Closed"
	closeCallName = interfaceName + ".Close"
)

func Close(ctx context.Context, path dbus.ObjectPath) error {
	return apis.CallOnObject(ctx, path, closeCallName)
}

// GenerateToken returns a fresh handle token. Tokens must be valid object
// path elements.
func GenerateToken() string {
	return "roubao" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WatchClosed calls fn once, on its own goroutine, when the portal closes the
// session at path. The returned stop function cancels the watch; fn is not
// called after stop returns unless it is already running.
func WatchClosed(path dbus.ObjectPath, fn func()) (stop func(), err error) {
	sub, err := apis.Subscribe(path, interfaceName, closedMember)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		select {
		case <-sub.C():
			sub.Close()
			select {
			case <-done:
			default:
				fn()
			}
		case <-done:
		}
	}()
	return func() {
		once.Do(func() {
			close(done)
			sub.Close()
		})
	}, nil
}
