package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

const (
	ansiReset = "\033[0m"
	ansiDim   = "\033[90m"
	ansiKey   = "\033[36m"
	ansiDebug = "\033[35m"
	ansiInfo  = "\033[34m"
	ansiWarn  = "\033[33m"
	ansiError = "\033[31;1m"
)

// maxLoggedFloats bounds how many elements of a raw []float32 attribute are
// printed.
const maxLoggedFloats = 8

// PrettyOptions configures a PrettyHandler.
type PrettyOptions struct {
	Level   slog.Leveler
	NoColor bool
}

// PrettyHandler writes one colored line per record for interactive use:
//
//	15:04:05.000 INFO  forward session=3f2c… shape=1x1x32000 pos.at=4 pos.max=2048
//
// Groups are flattened into dotted keys. Attributes added with WithAttrs are
// formatted once.
type PrettyHandler struct {
	opts   PrettyOptions
	w      io.Writer
	mu     *sync.Mutex
	prefix string
	pre    []byte
}

// NewPrettyHandler returns a handler writing to w. A nil opts logs at info
// level with color.
func NewPrettyHandler(w io.Writer, opts *PrettyOptions) *PrettyHandler {
	h := &PrettyHandler{w: w, mu: new(sync.Mutex)}
	if opts != nil {
		h.opts = *opts
	}
	if h.opts.Level == nil {
		h.opts.Level = slog.LevelInfo
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	if !r.Time.IsZero() {
		buf = h.paint(buf, ansiDim, r.Time.AppendFormat(nil, "15:04:05.000"))
		buf = append(buf, ' ')
	}
	buf = h.paint(buf, levelColor(r.Level), fmt.Appendf(nil, "%-5s", r.Level.String()))
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)
	buf = append(buf, h.pre...)
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, h.prefix, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.pre = append([]byte(nil), h.pre...)
	for _, a := range attrs {
		next.pre = h.appendAttr(next.pre, h.prefix, a)
	}
	return &next
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func (h *PrettyHandler) paint(buf []byte, color string, text []byte) []byte {
	if h.opts.NoColor {
		return append(buf, text...)
	}
	buf = append(buf, color...)
	buf = append(buf, text...)
	return append(buf, ansiReset...)
}

// appendAttr writes " key=value", flattening groups under prefix.
func (h *PrettyHandler) appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			buf = h.appendAttr(buf, prefix, ga)
		}
		return buf
	}
	buf = append(buf, ' ')
	buf = h.paint(buf, ansiKey, []byte(prefix+a.Key))
	buf = append(buf, '=')
	return appendValue(buf, a.Value)
}

func appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return appendString(buf, v.String())
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'g', 6, 64)
	case slog.KindDuration:
		return append(buf, v.Duration().Round(time.Microsecond).String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindAny:
		switch x := v.Any().(type) {
		case []float32:
			return appendFloats(buf, x)
		case error:
			return appendString(buf, x.Error())
		}
		return appendString(buf, fmt.Sprint(v.Any()))
	default:
		return append(buf, v.String()...)
	}
}

func appendString(buf []byte, s string) []byte {
	if s == "" || needsQuoting(s) {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

func appendFloats(buf []byte, v []float32) []byte {
	buf = append(buf, '[')
	for i, f := range v {
		if i == maxLoggedFloats {
			buf = append(buf, " …("...)
			buf = strconv.AppendInt(buf, int64(len(v)), 10)
			buf = append(buf, ')')
			break
		}
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = strconv.AppendFloat(buf, float64(f), 'g', 5, 32)
	}
	return append(buf, ']')
}

func needsQuoting(s string) bool {
	for _, c := range s {
		if c <= ' ' || c == '"' || c == '=' {
			return true
		}
	}
	return false
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiError
	case level >= slog.LevelWarn:
		return ansiWarn
	case level >= slog.LevelInfo:
		return ansiInfo
	default:
		return ansiDebug
	}
}
