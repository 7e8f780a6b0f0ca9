// Package slogcustom is a colored, single-line slog handler for local development.
package slogcustom

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/fatih/color"
)

type CustomHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

func NewCustomHandler(out io.Writer, level slog.Leveler) *CustomHandler {
	return &CustomHandler{
		mu:    &sync.Mutex{},
		out:   out,
		level: level,
	}
}

func (c *CustomHandler) Handle(_ context.Context, r slog.Record) error {
	level := r.Level.String() + ":"

	switch {
	case r.Level >= slog.LevelError:
		level = color.RedString(level)
	case r.Level >= slog.LevelWarn:
		level = color.YellowString(level)
	case r.Level >= slog.LevelInfo:
		level = color.HiBlueString(level)
	default:
		level = color.MagentaString(level)
	}

	var b strings.Builder
	b.WriteString(r.Time.Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(level)
	b.WriteByte(' ')
	b.WriteString(r.Message)

	for _, a := range c.attrs {
		writeAttr(&b, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, c.prefix, a)
		return true
	})
	b.WriteByte('\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := io.WriteString(c.out, b.String())
	return err
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, prefix+a.Key+".", ga)
		}
		return
	}

	b.WriteByte(' ')
	b.WriteString(color.GreenString(prefix + a.Key))
	b.WriteByte('=')
	b.WriteString(fmt.Sprint(a.Value.Any()))
}

func (c *CustomHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h := *c
	h.attrs = make([]slog.Attr, 0, len(c.attrs)+len(attrs))
	h.attrs = append(h.attrs, c.attrs...)
	for _, a := range attrs {
		if c.prefix != "" {
			a.Key = c.prefix + a.Key
		}
		h.attrs = append(h.attrs, a)
	}
	return &h
}

func (c *CustomHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return c
	}
	h := *c
	h.prefix = c.prefix + name + "."
	return &h
}

func (c *CustomHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= c.level.Level()
}
