// Package slogx provides additional handlers for the [log/slog] package.
// ctbt's own internal/obslog uses MultiHandler to fan a log record out to
// both a human-readable stderr handler and a machine-readable stdout one.
package slogx

import (
	"context"
	"errors"
	"log/slog"
)

// MultiHandler dispatches every record to each of its handlers, skipping
// handlers that don't enable the record's level.
type MultiHandler []slog.Handler

func (h MultiHandler) Enabled(ctx context.Context, l slog.Level) bool {
	for i := range h {
		if h[i].Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (h MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for i := range h {
		if h[i].Enabled(ctx, r.Level) {
			if err := h[i].Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, 0, len(h))
	for i := range h {
		handlers = append(handlers, h[i].WithAttrs(attrs))
	}
	return MultiHandler(handlers)
}

func (h MultiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, 0, len(h))
	for i := range h {
		handlers = append(handlers, h[i].WithGroup(name))
	}
	return MultiHandler(handlers)
}
