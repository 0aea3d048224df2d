// Package apis holds the xdg-desktop-portal bus names and thin call helpers.
package apis

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	ObjectName        = "org.freedesktop.portal.Desktop"
	ObjectPath        = "/org/freedesktop/portal/desktop"
	CallBaseName      = "org.freedesktop.portal"
	PropertiesGetName = "org.freedesktop.DBus.Properties.Get"
)

// Conn returns the shared session bus connection.
func Conn() (*dbus.Conn, error) {
	return dbus.SessionBus()
}

func Call(ctx context.Context, callName string, args ...any) (any, error) {
	call, err := callOnObject(ctx, ObjectPath, callName, args...)
	if err != nil {
		return nil, err
	}

	var result any
	err = call.Store(&result)
	return result, err
}

// CallStore calls callName on the portal object and stores the reply into out.
func CallStore(ctx context.Context, callName string, out any, args ...any) error {
	call, err := callOnObject(ctx, ObjectPath, callName, args...)
	if err != nil {
		return err
	}
	return call.Store(out)
}

func CallOnObject(ctx context.Context, path dbus.ObjectPath, callName string, args ...any) error {
	_, err := callOnObject(ctx, path, callName, args...)
	return err
}

func callOnObject(ctx context.Context, path dbus.ObjectPath, callName string, args ...any) (*dbus.Call, error) {
	conn, err := Conn()
	if err != nil {
		return nil, err
	}

	obj := conn.Object(ObjectName, path)
	call := obj.CallWithContext(ctx, callName, 0, args...)
	return call, call.Err
}

func GetProperty(ctx context.Context, interfaceName, property string) (any, error) {
	call, err := callOnObject(ctx, ObjectPath, PropertiesGetName, interfaceName, property)
	if err != nil {
		return nil, err
	}

	var value any
	err = call.Store(&value)
	return value, err
}

// Subscription receives one signal member on one object path. Signals for
// other paths sharing the connection are filtered out.
type Subscription struct {
	conn   *dbus.Conn
	raw    chan *dbus.Signal
	match  []dbus.MatchOption
	path   dbus.ObjectPath
	name   string
	out    chan *dbus.Signal
	done   chan struct{}
	closed sync.Once
}

// Subscribe adds a match rule for iface.member on path and starts delivering
// matching signals on C.
func Subscribe(path dbus.ObjectPath, iface, member string) (*Subscription, error) {
	conn, err := Conn()
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = ObjectPath
	}

	match := []dbus.MatchOption{
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
	}
	if err := conn.AddMatchSignal(match...); err != nil {
		return nil, err
	}

	s := &Subscription{
		conn:  conn,
		raw:   make(chan *dbus.Signal, 8),
		match: match,
		path:  path,
		name:  iface + "." + member,
		out:   make(chan *dbus.Signal, 1),
		done:  make(chan struct{}),
	}
	conn.Signal(s.raw)
	go s.filter()
	return s, nil
}

// C delivers matching signals until Close.
func (s *Subscription) C() <-chan *dbus.Signal {
	return s.out
}

func (s *Subscription) filter() {
	for {
		select {
		case <-s.done:
			return
		case sig, ok := <-s.raw:
			if !ok {
				return
			}
			if sig.Path != s.path || sig.Name != s.name {
				continue
			}
			select {
			case s.out <- sig:
			case <-s.done:
				return
			}
		}
	}
}

// Close removes the match rule and stops delivery. Safe to call repeatedly.
func (s *Subscription) Close() {
	s.closed.Do(func() {
		close(s.done)
		s.conn.RemoveSignal(s.raw)
		_ = s.conn.RemoveMatchSignal(s.match...)
	})
}
