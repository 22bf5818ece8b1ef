package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// tone is an SGR escape prefix; the zero tone paints nothing.
type tone string

const (
	toneNone    tone = ""
	toneBold    tone = "\x1b[1m"
	toneDim     tone = "\x1b[2m"
	toneRed     tone = "\x1b[31m"
	toneGreen   tone = "\x1b[32m"
	toneYellow  tone = "\x1b[33m"
	toneBlue    tone = "\x1b[34m"
	toneMagenta tone = "\x1b[35m"
	toneCyan    tone = "\x1b[36m"

	toneReset = "\x1b[0m"
)

// consoleHandler writes one line per record:
//
//	15:04:05.000 INFO  http.request request_id=... method=GET status=200 duration=3ms
//
// Attributes bound with WithAttrs are formatted once, when bound.
type consoleHandler struct {
	out    *lineWriter
	level  slog.Leveler
	source bool
	color  bool
	prefix string // open groups, each followed by "."
	bound  []byte
}

type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lineWriter) write(p []byte) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, err := lw.w.Write(p)
	return err
}

func newConsoleHandler(w io.Writer, opts *slog.HandlerOptions, color bool) *consoleHandler {
	h := &consoleHandler{out: &lineWriter{w: w}, level: slog.LevelInfo, color: color}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.source = opts.AddSource
	}
	return h
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	buf := make([]byte, 0, 256)
	buf = append(buf, h.paint(ts.Format("15:04:05.000"), toneDim)...)
	buf = append(buf, ' ')
	buf = append(buf, h.levelLabel(r.Level)...)
	buf = append(buf, ' ')
	buf = append(buf, h.paint(r.Message, toneBold)...)

	if h.source && r.PC != 0 {
		f, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if f.File != "" {
			src := filepath.Base(f.File) + ":" + strconv.Itoa(f.Line)
			buf = append(buf, " src="...)
			buf = append(buf, h.paint(src, toneDim)...)
		}
	}

	buf = append(buf, h.bound...)
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, h.prefix, a)
		return true
	})
	buf = append(buf, '\n')
	return h.out.write(buf)
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	cp := *h
	cp.bound = slices.Clone(h.bound)
	for _, a := range attrs {
		cp.bound = cp.appendAttr(cp.bound, cp.prefix, a)
	}
	return &cp
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func (h *consoleHandler) appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
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
	if a.Key == "" {
		return buf
	}

	label, text, t := a.Key, quoteText(valueText(a.Value)), toneNone
	if st, ok := consoleFields[a.Key]; ok {
		if st.label != "" {
			label = st.label
		}
		text, t = st.render(a.Value)
	}

	buf = append(buf, ' ')
	buf = append(buf, prefix...)
	buf = append(buf, label...)
	buf = append(buf, '=')
	return append(buf, h.paint(text, t)...)
}

func (h *consoleHandler) paint(s string, t tone) string {
	if !h.color || t == toneNone {
		return s
	}
	return string(t) + s + toneReset
}

var levelLabels = []struct {
	min   slog.Level
	label string
	tone  tone
}{
	{slog.LevelError, "ERROR", toneRed},
	{slog.LevelWarn, "WARN", toneYellow},
	{slog.LevelInfo, "INFO", toneBlue},
}

func (h *consoleHandler) levelLabel(level slog.Level) string {
	for _, l := range levelLabels {
		if level >= l.min {
			return h.paint(fmt.Sprintf("%-5s", l.label), l.tone)
		}
	}
	return h.paint("DEBUG", toneMagenta)
}

// fieldStyle renders a well-known request-log field. label replaces the key
// when set.
type fieldStyle struct {
	label  string
	render func(v slog.Value) (string, tone)
}

var consoleFields = map[string]fieldStyle{
	"method":       {render: renderMethod},
	"route":        {render: renderVerbatim(toneCyan)},
	"path":         {render: renderVerbatim(toneCyan)},
	"request_id":   {render: renderVerbatim(toneDim)},
	"status":       {render: renderStatus},
	"status_class": {label: "class", render: renderStatusClass},
	"duration_ms":  {label: "duration", render: renderMillis},
	"result":       {render: renderResult},
	"err":          {render: func(v slog.Value) (string, tone) { return quoteText(valueText(v)), toneRed }},
}

var methodTones = map[string]tone{
	"GET":    toneGreen,
	"HEAD":   toneGreen,
	"POST":   toneBlue,
	"PUT":    toneYellow,
	"PATCH":  toneYellow,
	"DELETE": toneRed,
}

var resultTones = map[string]tone{
	"success":      toneGreen,
	"redirect":     toneCyan,
	"client_error": toneYellow,
	"server_error": toneRed,
}

func renderVerbatim(t tone) func(slog.Value) (string, tone) {
	return func(v slog.Value) (string, tone) {
		return strings.TrimSpace(valueText(v)), t
	}
}

func renderMethod(v slog.Value) (string, tone) {
	m := strings.ToUpper(strings.TrimSpace(valueText(v)))
	if t, ok := methodTones[m]; ok {
		return m, t
	}
	return m, toneMagenta
}

func renderStatus(v slog.Value) (string, tone) {
	n, ok := valueInt(v)
	if !ok {
		return quoteText(valueText(v)), toneNone
	}
	return strconv.FormatInt(n, 10), statusTone(n)
}

func renderStatusClass(v slog.Value) (string, tone) {
	c := strings.TrimSpace(valueText(v))
	if c == "" || c[0] < '1' || c[0] > '5' {
		return quoteText(c), toneNone
	}
	return c, statusTone(int64(c[0]-'0') * 100)
}

func renderMillis(v slog.Value) (string, tone) {
	ms, ok := valueInt(v)
	if !ok {
		return quoteText(valueText(v)), toneNone
	}
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return s, toneRed
	case ms >= 250:
		return s, toneYellow
	}
	return s, toneDim
}

func renderResult(v slog.Value) (string, tone) {
	r := strings.ToLower(strings.TrimSpace(valueText(v)))
	return quoteText(r), resultTones[r]
}

func statusTone(code int64) tone {
	switch {
	case code >= 500:
		return toneRed
	case code >= 400:
		return toneYellow
	case code >= 300:
		return toneCyan
	}
	return toneGreen
}

func valueText(v slog.Value) string {
	if v.Kind() == slog.KindTime {
		return v.Time().Format(time.RFC3339)
	}
	return v.String()
}

// valueInt reads integers, floats, numeric strings and durations (as ms).
func valueInt(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		if v.Uint64() > math.MaxInt64 {
			return 0, false
		}
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindDuration:
		return v.Duration().Milliseconds(), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func quoteText(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}
