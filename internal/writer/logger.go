package writer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
)

// multiHandler wraps multiple handlers to write to multiple destinations
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		if err := handler.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// SetupLogger creates a logger writing text to stdout and JSON to the session log
func SetupLogger(sessionMgr *SessionManager, logLevel slog.Level) (*slog.Logger, *os.File, error) {
	logFile, err := os.OpenFile(sessionMgr.GetLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}

	return NewLogger(os.Stdout, logFile, logLevel), logFile, nil
}

// NewLogger builds the text+JSON logger over arbitrary writers; a nil
// jsonOut gives a console-only logger
func NewLogger(textOut, jsonOut io.Writer, logLevel slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel}
	textHandler := slog.NewTextHandler(textOut, opts)
	if jsonOut == nil {
		return slog.New(textHandler)
	}
	return slog.New(&multiHandler{
		handlers: []slog.Handler{textHandler, slog.NewJSONHandler(jsonOut, opts)},
	})
}
