package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// NewSlogHandler returns a slog.Handler that forwards records to l. The ACP
// SDK logs through slog; routing it here keeps stdout clean for JSON-RPC.
func NewSlogHandler(l *Logger) slog.Handler {
	if l == nil {
		return nil
	}
	return &slogHandler{log: l}
}

type slogHandler struct {
	log   *Logger
	group string
	attrs []slog.Attr
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return mapSlogLevel(level) >= h.log.GetLevel()
}

func (h *slogHandler) Handle(_ context.Context, record slog.Record) error {
	var sb strings.Builder
	sb.WriteString(record.Message)

	writeAttr := func(attr slog.Attr) {
		if attr.Equal(slog.Attr{}) {
			return
		}
		key := attr.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		fmt.Fprintf(&sb, " %s=%v", key, attr.Value)
	}
	for _, attr := range h.attrs {
		writeAttr(attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		writeAttr(attr)
		return true
	})

	switch mapSlogLevel(record.Level) {
	case LevelError:
		h.log.Error("%s", sb.String())
	case LevelWarn:
		h.log.Warn("%s", sb.String())
	case LevelInfo:
		h.log.Info("%s", sb.String())
	default:
		h.log.Debug("%s", sb.String())
	}
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	combined := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	combined = append(combined, h.attrs...)
	combined = append(combined, attrs...)
	return &slogHandler{log: h.log, group: h.group, attrs: combined}
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	group := h.group
	if name != "" {
		if group != "" {
			group += "." + name
		} else {
			group = name
		}
	}
	return &slogHandler{log: h.log, group: group, attrs: h.attrs}
}

func mapSlogLevel(level slog.Level) Level {
	switch {
	case level >= slog.LevelError:
		return LevelError
	case level >= slog.LevelWarn:
		return LevelWarn
	case level >= slog.LevelInfo:
		return LevelInfo
	default:
		return LevelDebug
	}
}
