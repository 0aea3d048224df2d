package request

import (
	"context"
	"errors"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/bluelightgit/roubao/internal/apis"
)

var ErrUnexpectedResponse = errors.New("unexpected response from dbus")

const (
	interfaceName  = "org.freedesktop.portal.Request"
	responseMember = "Response"
	closeCallName  = interfaceName + ".Close"
)

type ResponseStatus = uint32

const (
	Success   ResponseStatus = 0
	Cancelled ResponseStatus = 1
	Ended     ResponseStatus = 2
)

func Close(ctx context.Context, path dbus.ObjectPath) error {
	return apis.CallOnObject(ctx, path, closeCallName)
}

// Path returns the object path the portal allocates for a request made by
// sender with handle_token token.
func Path(sender, token string) dbus.ObjectPath {
	s := strings.ReplaceAll(strings.TrimPrefix(sender, ":"), ".", "_")
	return dbus.ObjectPath(apis.ObjectPath + "/request/" + s + "/" + token)
}

// Pending is a Response subscription made before the request is issued so the
// reply cannot be missed.
type Pending struct {
	path dbus.ObjectPath
	sub  *apis.Subscription
}

// Prepare subscribes to the Response of the request identified by token.
func Prepare(token string) (*Pending, error) {
	conn, err := apis.Conn()
	if err != nil {
		return nil, err
	}
	path := Path(conn.Names()[0], token)
	sub, err := apis.Subscribe(path, interfaceName, responseMember)
	if err != nil {
		return nil, err
	}
	return &Pending{path: path, sub: sub}, nil
}

// Wait blocks until the portal responds on path. Cancelling ctx closes the
// request and returns ctx.Err().
func (p *Pending) Wait(ctx context.Context, path dbus.ObjectPath) (ResponseStatus, map[string]dbus.Variant, error) {
	defer func() { p.sub.Close() }()
	if path != p.path {
		// Portals older than version 0.9 pick their own path.
		p.sub.Close()
		sub, err := apis.Subscribe(path, interfaceName, responseMember)
		if err != nil {
			return Ended, nil, err
		}
		p.sub, p.path = sub, path
	}

	select {
	case <-ctx.Done():
		_ = Close(context.Background(), path)
		return Ended, nil, ctx.Err()
	case response := <-p.sub.C():
		return ParseResponse(response.Body)
	}
}

// Close drops the subscription without waiting.
func (p *Pending) Close() {
	p.sub.Close()
}

// ParseResponse decodes the (u, a{sv}) body of a Response signal.
func ParseResponse(body []any) (ResponseStatus, map[string]dbus.Variant, error) {
	if len(body) != 2 {
		return Ended, nil, ErrUnexpectedResponse
	}
	status, ok := body[0].(ResponseStatus)
	if !ok {
		return Ended, nil, ErrUnexpectedResponse
	}
	results, ok := body[1].(map[string]dbus.Variant)
	if !ok {
		return Ended, nil, ErrUnexpectedResponse
	}
	return status, results, nil
}
