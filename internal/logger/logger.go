// Package logger provides the slog handler used by the relay: one line per
// record in the form "time | LEVEL | message key=value ...".
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/fatih/color"
)

const timeFormat = "2006-01-02T15:04:05.000"

type palette struct {
	time, msg, attr *color.Color

	debug, info, warn, errorLevel *color.Color
}

func newPalette(enabled bool) *palette {
	p := &palette{
		time:       color.New(color.FgGreen),
		msg:        color.New(color.FgCyan),
		attr:       color.New(color.FgHiBlack),
		debug:      color.New(color.FgMagenta),
		info:       color.New(color.FgBlue),
		warn:       color.New(color.FgYellow),
		errorLevel: color.New(color.FgRed),
	}
	for _, c := range []*color.Color{p.time, p.msg, p.attr, p.debug, p.info, p.warn, p.errorLevel} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p *palette) level(l slog.Level) *color.Color {
	switch {
	case l >= slog.LevelError:
		return p.errorLevel
	case l >= slog.LevelWarn:
		return p.warn
	case l >= slog.LevelInfo:
		return p.info
	default:
		return p.debug
	}
}

// Handler is a slog.Handler writing colored single-line records.
type Handler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	colors *palette
	attrs  []slog.Attr
	groups []string
}

// NewHandler writes records at or above level to w.
func NewHandler(w io.Writer, level slog.Leveler, useColor bool) *Handler {
	return &Handler{
		mu:     &sync.Mutex{},
		w:      w,
		level:  level,
		colors: newPalette(useColor),
	}
}

// New returns a logger backed by a Handler.
func New(w io.Writer, level slog.Level, useColor bool) *slog.Logger {
	return slog.New(NewHandler(w, level, useColor))
}

// ParseLevel accepts debug, info, warn/warning and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder

	if !r.Time.IsZero() {
		sb.WriteString(h.colors.time.Sprint(r.Time.Format(timeFormat)))
		sb.WriteString(" | ")
	}
	sb.WriteString(h.colors.level(r.Level).Sprintf("%-5s", r.Level.String()))
	sb.WriteString(" | ")
	sb.WriteString(h.colors.msg.Sprint(r.Message))

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range h.attrs {
		h.appendAttr(&sb, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&sb, prefix, a)
		return true
	})
	sb.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, sb.String())
	return err
}

func (h *Handler) appendAttr(sb *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			h.appendAttr(sb, prefix, ga)
		}
		return
	}
	sb.WriteString(h.colors.attr.Sprintf(" %s%s=%v", prefix, a.Key, a.Value))
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := h.clone()
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	for _, a := range attrs {
		a.Key = prefix + a.Key
		h2.attrs = append(h2.attrs, a)
	}
	return h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := h.clone()
	h2.groups = append(h2.groups, name)
	return h2
}

func (h *Handler) clone() *Handler {
	return &Handler{
		mu:     h.mu,
		w:      h.w,
		level:  h.level,
		colors: h.colors,
		attrs:  append([]slog.Attr(nil), h.attrs...),
		groups: append([]string(nil), h.groups...),
	}
}
