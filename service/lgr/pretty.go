package lgr

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"sync"

	"github.com/fatih/color"
)

// PrettyHandler writes one colored line per record followed by its attributes
// as indented JSON.
type PrettyHandler struct {
	opts   slog.HandlerOptions
	l      *log.Logger
	mu     *sync.Mutex
	attrs  []slog.Attr
	groups []string
}

func NewPrettyHandler(out io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{
		l:  log.New(out, "", 0),
		mu: &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.groups = append(append([]string{}, h.groups...), name)
	return &clone
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String() + ":"

	switch r.Level {
	case slog.LevelDebug:
		level = color.MagentaString(level)
	case slog.LevelInfo:
		level = color.BlueString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	}

	fields := make(map[string]interface{}, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		h.add(fields, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.add(fields, a)
		return true
	})

	var payload string
	if len(fields) > 0 {
		b, err := json.MarshalIndent(fields, "", "  ")
		if err != nil {
			return err
		}
		payload = color.WhiteString(string(b))
	}

	timeStr := r.Time.Format("[15:04:05.000]")
	msg := color.CyanString(r.Message)

	h.mu.Lock()
	defer h.mu.Unlock()
	if payload == "" {
		h.l.Println(timeStr, level, msg)
		return nil
	}
	h.l.Println(timeStr, level, msg, payload)
	return nil
}

func (h *PrettyHandler) add(fields map[string]interface{}, a slog.Attr) {
	if h.opts.ReplaceAttr != nil {
		a = h.opts.ReplaceAttr(h.groups, a)
	}
	if a.Key == "" && a.Value.Kind() != slog.KindGroup {
		return
	}

	target := fields
	for _, g := range h.groups {
		next, ok := target[g].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			target[g] = next
		}
		target = next
	}
	target[a.Key] = attrValue(a.Value)
}

func attrValue(v slog.Value) interface{} {
	v = v.Resolve()
	if v.Kind() != slog.KindGroup {
		return v.Any()
	}

	group := map[string]interface{}{}
	for _, a := range v.Group() {
		group[a.Key] = attrValue(a.Value)
	}
	return group
}
