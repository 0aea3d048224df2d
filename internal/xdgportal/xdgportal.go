// Package xdgportal is a client for the org.freedesktop.portal.ScreenCast
// interface.
package xdgportal

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/bluelightgit/roubao/internal/apis"
	"github.com/bluelightgit/roubao/internal/request"
	"github.com/bluelightgit/roubao/internal/session"
)

const (
	interfaceName      = apis.CallBaseName + ".ScreenCast"
	createSessionName  = interfaceName + ".CreateSession"
	selectSourcesName  = interfaceName + ".SelectSources"
	startName          = interfaceName + ".Start"
	openPipeWireRemote = interfaceName + ".OpenPipeWireRemote"
)

const (
	SourceTypeMonitor uint32 = 1
	SourceTypeWindow  uint32 = 2
	SourceTypeVirtual uint32 = 4
)

const (
	CursorModeHidden   uint32 = 1
	CursorModeEmbedded uint32 = 2
	CursorModeMetadata uint32 = 4
)

const (
	PersistModeNone       uint32 = 0
	PersistModeRunning    uint32 = 1
	PersistModePersistent uint32 = 2
)

var (
	// ErrCancelled is returned when the user dismisses the portal dialog.
	ErrCancelled = errors.New("screencast request cancelled")
	// ErrEnded is returned when the portal ends a request without a result.
	ErrEnded = errors.New("screencast request ended")
)

func getUint32Property(ctx context.Context, property string) (uint32, error) {
	value, err := apis.GetProperty(ctx, interfaceName, property)
	if err != nil {
		return 0, err
	}
	if v, ok := value.(dbus.Variant); ok {
		value = v.Value()
	}

	result, ok := value.(uint32)
	if !ok {
		return 0, fmt.Errorf("property %s returned unexpected type %T", property, value)
	}
	return result, nil
}

func GetAvailableSourceTypes(ctx context.Context) (uint32, error) {
	return getUint32Property(ctx, "AvailableSourceTypes")
}

func GetAvailableCursorModes(ctx context.Context) (uint32, error) {
	return getUint32Property(ctx, "AvailableCursorModes")
}

func GetVersion(ctx context.Context) (uint32, error) {
	return getUint32Property(ctx, "version")
}

type Stream struct {
	NodeID     uint32
	Position   [2]int32
	Size       [2]int32
	SourceType uint32
	MappingID  string
	ID         string
}

// StartResult is the outcome of a successful Start.
type StartResult struct {
	Streams []Stream
	// RestoreToken is set when the session was started with a persist mode.
	// Each token is single use.
	RestoreToken string
}

type Session struct {
	Path dbus.ObjectPath
}

type SelectSourcesOptions struct {
	Types        uint32
	Multiple     bool
	CursorMode   uint32
	RestoreToken string
	PersistMode  uint32
}

func CreateSession(ctx context.Context) (*Session, error) {
	token := session.GenerateToken()
	data := map[string]dbus.Variant{
		"handle_token":         fromString(token),
		"session_handle_token": fromString(session.GenerateToken()),
	}

	results, err := roundTrip(ctx, createSessionName, token, data)
	if err != nil {
		return nil, err
	}

	sessionHandle, ok := results["session_handle"]
	if !ok {
		return nil, fmt.Errorf("CreateSession response missing session_handle")
	}
	switch v := sessionHandle.Value().(type) {
	case string:
		return &Session{Path: dbus.ObjectPath(v)}, nil
	case dbus.ObjectPath:
		return &Session{Path: v}, nil
	default:
		return nil, fmt.Errorf("CreateSession session_handle has unexpected type %T", v)
	}
}

func (s *Session) SelectSources(ctx context.Context, options *SelectSourcesOptions) error {
	token := session.GenerateToken()
	data := map[string]dbus.Variant{
		"handle_token": fromString(token),
	}
	if options != nil {
		if options.Types != 0 {
			data["types"] = fromUint32(options.Types)
		}
		if options.Multiple {
			data["multiple"] = fromBool(options.Multiple)
		}
		if options.CursorMode != 0 {
			data["cursor_mode"] = fromUint32(options.CursorMode)
		}
		if options.RestoreToken != "" {
			data["restore_token"] = fromString(options.RestoreToken)
		}
		if options.PersistMode != 0 {
			data["persist_mode"] = fromUint32(options.PersistMode)
		}
	}

	_, err := roundTrip(ctx, selectSourcesName, token, s.Path, data)
	return err
}

func (s *Session) Start(ctx context.Context, parentWindow string) (*StartResult, error) {
	token := session.GenerateToken()
	data := map[string]dbus.Variant{
		"handle_token": fromString(token),
	}

	results, err := roundTrip(ctx, startName, token, s.Path, parentWindow, data)
	if err != nil {
		return nil, err
	}
	return parseStartResults(results), nil
}

func (s *Session) OpenPipeWireRemote(ctx context.Context) (int, error) {
	var fd dbus.UnixFD
	if err := apis.CallStore(ctx, openPipeWireRemote, &fd, s.Path, map[string]dbus.Variant{}); err != nil {
		return -1, err
	}
	return int(fd), nil
}

// OnClosed calls fn once when the portal or the compositor ends the session.
func (s *Session) OnClosed(fn func()) (stop func(), err error) {
	return session.WatchClosed(s.Path, fn)
}

func (s *Session) Close(ctx context.Context) error {
	return session.Close(ctx, s.Path)
}

// roundTrip issues a request-returning portal call and waits for its Response.
func roundTrip(ctx context.Context, method, token string, args ...any) (map[string]dbus.Variant, error) {
	pending, err := request.Prepare(token)
	if err != nil {
		return nil, err
	}

	result, err := apis.Call(ctx, method, args...)
	if err != nil {
		pending.Close()
		return nil, err
	}
	requestPath, ok := result.(dbus.ObjectPath)
	if !ok {
		pending.Close()
		return nil, fmt.Errorf("%s returned unexpected type %T", method, result)
	}

	status, results, err := pending.Wait(ctx, requestPath)
	if err != nil {
		return nil, err
	}
	switch status {
	case request.Success:
		return results, nil
	case request.Cancelled:
		return nil, ErrCancelled
	default:
		return nil, ErrEnded
	}
}

func parseStartResults(results map[string]dbus.Variant) *StartResult {
	out := &StartResult{Streams: []Stream{}}
	if tok, ok := results["restore_token"]; ok {
		if s, ok := tok.Value().(string); ok {
			out.RestoreToken = s
		}
	}

	streamVariant, ok := results["streams"]
	if !ok {
		return out
	}

	var rawStreams [][]any
	if rs, ok := streamVariant.Value().([][]any); ok {
		rawStreams = rs
	} else if rs, ok := streamVariant.Value().([]any); ok {
		rawStreams = make([][]any, len(rs))
		for i, r := range rs {
			if s, ok := r.([]any); ok {
				rawStreams[i] = s
			}
		}
	} else {
		return out
	}

	for _, streamSlice := range rawStreams {
		if len(streamSlice) < 2 {
			continue
		}

		stream := Stream{}
		if nodeID, ok := streamSlice[0].(uint32); ok {
			stream.NodeID = nodeID
		}

		props, ok := streamSlice[1].(map[string]dbus.Variant)
		if ok {
			if pos, ok := props["position"]; ok {
				if position, ok := parseInt32Pair(pos.Value()); ok {
					stream.Position = position
				}
			}
			if size, ok := props["size"]; ok {
				if parsedSize, ok := parseInt32Pair(size.Value()); ok {
					stream.Size = parsedSize
				}
			}
			if sourceType, ok := props["source_type"]; ok {
				if parsedType, ok := sourceType.Value().(uint32); ok {
					stream.SourceType = parsedType
				}
			}
			if mappingID, ok := props["mapping_id"]; ok {
				if parsedID, ok := mappingID.Value().(string); ok {
					stream.MappingID = parsedID
				}
			}
			if id, ok := props["id"]; ok {
				if parsedID, ok := id.Value().(string); ok {
					stream.ID = parsedID
				}
			}
		}

		out.Streams = append(out.Streams, stream)
	}
	return out
}

func parseInt32Pair(value any) ([2]int32, bool) {
	values, ok := value.([]any)
	if !ok || len(values) < 2 {
		return [2]int32{}, false
	}

	left, ok := values[0].(int32)
	if !ok {
		return [2]int32{}, false
	}
	right, ok := values[1].(int32)
	if !ok {
		return [2]int32{}, false
	}

	return [2]int32{left, right}, true
}

func fromString(s string) dbus.Variant {
	return dbus.MakeVariantWithSignature(s, dbus.SignatureOf(s))
}

func fromUint32(v uint32) dbus.Variant {
	return dbus.MakeVariantWithSignature(v, dbus.SignatureOf(v))
}

func fromBool(v bool) dbus.Variant {
	return dbus.MakeVariantWithSignature(v, dbus.SignatureOf(v))
}
