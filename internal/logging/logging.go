// Package logging wires log/slog behind a switchable root handler so
// package-level loggers follow the configuration loaded at startup.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Structured field keys shared by every component.
const (
	KeyComponent  = "component"
	KeyError      = "error"
	KeyDurationMs = "durationMs"
	KeyWidth      = "width"
	KeyHeight     = "height"
	KeyDensity    = "densityDpi"
)

// handlerSwitch lets package-level loggers created before Init pick up the
// configured handler once Init runs.
type handlerSwitch struct {
	current *atomic.Value // handlerBox
	ops     []handlerOp   // WithAttrs and WithGroup calls, in call order
}

// handlerOp is one WithAttrs (group empty) or WithGroup call.
type handlerOp struct {
	attrs []slog.Attr
	group string
}

// handlerBox keeps the stored type stable across text and JSON handlers.
type handlerBox struct{ h slog.Handler }

func (h *handlerSwitch) resolve() slog.Handler {
	handler := h.current.Load().(handlerBox).h
	for _, op := range h.ops {
		if op.group != "" {
			handler = handler.WithGroup(op.group)
		} else {
			handler = handler.WithAttrs(op.attrs)
		}
	}
	return handler
}

func (h *handlerSwitch) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *handlerSwitch) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *handlerSwitch) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(handlerOp{attrs: append([]slog.Attr(nil), attrs...)})
}

func (h *handlerSwitch) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(handlerOp{group: name})
}

func (h *handlerSwitch) with(op handlerOp) *handlerSwitch {
	ops := append(append(make([]handlerOp, 0, len(h.ops)+1), h.ops...), op)
	return &handlerSwitch{current: h.current, ops: ops}
}

var (
	root     = newRoot()
	rootLog  = slog.New(root)
	debugEnv sync.Once
	debugOn  bool
)

func newRoot() *handlerSwitch {
	v := &atomic.Value{}
	v.Store(handlerBox{h: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})})
	return &handlerSwitch{current: v}
}

// DebugForced reports whether ROUBAO_DEBUG=1 is set in the environment.
func DebugForced() bool {
	debugEnv.Do(func() {
		debugOn = strings.TrimSpace(os.Getenv("ROUBAO_DEBUG")) == "1"
	})
	return debugOn
}

// Init installs the process-wide handler. Call once after config is loaded.
// format is "json" or "text" (default), level one of debug/info/warn/error.
// A nil output writes to ROUBAO_DEBUG_FILE when set, otherwise stderr.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = defaultOutput()
	}

	lvl := ParseLevel(level)
	if DebugForced() {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	root.current.Store(handlerBox{h: handler})
}

func defaultOutput() io.Writer {
	p := strings.TrimSpace(os.Getenv("ROUBAO_DEBUG_FILE"))
	if p == "" {
		return os.Stderr
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "roubao: debug log open failed: %v\n", err)
		return os.Stderr
	}
	return f
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return rootLog.With(slog.String(KeyComponent, component))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Limiter admits at most one event per period. The zero value admits everything.
type Limiter struct {
	period time.Duration
	last   atomic.Int64
}

// Every returns a Limiter admitting one event per period.
func Every(period time.Duration) *Limiter {
	return &Limiter{period: period}
}

// Allow reports whether an event may be logged now.
func (l *Limiter) Allow() bool {
	if l == nil || l.period <= 0 {
		return true
	}
	now := time.Now().UnixNano()
	for {
		prev := l.last.Load()
		if prev != 0 && time.Duration(now-prev) < l.period {
			return false
		}
		if l.last.CompareAndSwap(prev, now) {
			return true
		}
	}
}
