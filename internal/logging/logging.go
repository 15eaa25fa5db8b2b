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
)

// Key constants for structured log fields.
const (
	KeyComponent = "component"
	KeySessionID = "sessionId"
	KeyReason    = "reason"
	KeyPID       = "pid"
	KeyProcess   = "process"
	KeyBatchID   = "batchId"
	KeyCode      = "code"
	KeyError     = "error"
)

// switchableHandler lets package-level loggers created before Init()
// dynamically pick up the configured handler once Init runs.
type switchableHandler struct {
	state  *switchableState
	attrs  []slog.Attr
	groups []string
}

type switchableState struct {
	current atomic.Value // stores slog.Handler
}

func newSwitchableHandler(h slog.Handler) *switchableHandler {
	state := &switchableState{}
	state.current.Store(h)
	return &switchableHandler{state: state}
}

func (h *switchableHandler) set(handler slog.Handler) {
	h.state.current.Store(handler)
}

func (h *switchableHandler) base() slog.Handler {
	return h.state.current.Load().(slog.Handler)
}

func (h *switchableHandler) materialize() slog.Handler {
	handler := h.base()
	for _, group := range h.groups {
		handler = handler.WithGroup(group)
	}
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	return handler
}

func (h *switchableHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.materialize().Enabled(ctx, level)
}

func (h *switchableHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.materialize().Handle(ctx, record)
}

func (h *switchableHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)

	groups := make([]string, len(h.groups))
	copy(groups, h.groups)

	return &switchableHandler{state: h.state, attrs: merged, groups: groups}
}

func (h *switchableHandler) WithGroup(name string) slog.Handler {
	attrs := make([]slog.Attr, len(h.attrs))
	copy(attrs, h.attrs)

	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)

	return &switchableHandler{state: h.state, attrs: attrs, groups: groups}
}

// Sink receives a flattened one-line copy of every record at or above
// the configured level. The Windows Event Log is the only production sink.
type Sink interface {
	Write(level slog.Level, line string) error
	Close() error
}

var (
	rootHandler   = newSwitchableHandler(&sinkHandler{base: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})})
	defaultLogger = slog.New(rootHandler)
	globalSink    Sink
	sinkMu        sync.RWMutex
)

func init() {
	slog.SetDefault(defaultLogger)
}

// Init initializes the global logger. Call once after config is loaded.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
// output: writer to log to (nil = os.Stdout)
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	rootHandler.set(&sinkHandler{base: handler})
	defaultLogger = slog.New(rootHandler)
	slog.SetDefault(defaultLogger)
}

// SetSink installs s as the mirror sink, closing any previous one.
// A nil sink disables mirroring.
func SetSink(s Sink) {
	sinkMu.Lock()
	prev := globalSink
	globalSink = s
	sinkMu.Unlock()

	if prev != nil {
		prev.Close()
	}
}

// sinkHandler wraps a base slog.Handler and mirrors records to the global sink.
type sinkHandler struct {
	base  slog.Handler
	attrs []slog.Attr
}

func (h *sinkHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *sinkHandler) Handle(ctx context.Context, record slog.Record) error {
	sinkMu.RLock()
	sink := globalSink
	sinkMu.RUnlock()

	if sink != nil {
		// A failing sink must not lose the local record.
		_ = sink.Write(record.Level, formatLine(h.attrs, record))
	}

	return h.base.Handle(ctx, record)
}

func (h *sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &sinkHandler{base: h.base.WithAttrs(attrs), attrs: merged}
}

func (h *sinkHandler) WithGroup(name string) slog.Handler {
	return &sinkHandler{base: h.base.WithGroup(name), attrs: h.attrs}
}

// formatLine renders a record as "message (k=v, k=v)". The component
// attribute is used as a prefix instead of a field.
func formatLine(attrs []slog.Attr, record slog.Record) string {
	var component string
	var fields []string

	add := func(a slog.Attr) bool {
		if a.Key == KeyComponent {
			component = a.Value.String()
			return true
		}
		fields = append(fields, fmt.Sprintf("%s=%v", a.Key, a.Value.Any()))
		return true
	}
	for _, a := range attrs {
		add(a)
	}
	record.Attrs(add)

	var b strings.Builder
	if component != "" {
		b.WriteString("[")
		b.WriteString(component)
		b.WriteString("] ")
	}
	b.WriteString(record.Message)
	if len(fields) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(fields, ", "))
		b.WriteString(")")
	}
	return b.String()
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithBatch returns a child logger carrying a termination batch id.
func WithBatch(logger *slog.Logger, batchID string) *slog.Logger {
	return logger.With(slog.String(KeyBatchID, batchID))
}

func parseLevel(s string) slog.Level {
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
