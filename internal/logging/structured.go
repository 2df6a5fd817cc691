package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	slogmulti "github.com/samber/slog-multi"
)

var (
	sinkMu sync.Mutex
	sink   io.Closer
)

// InitStructured reconfigures the operational logger.
// format: "text" (default) or "json"
// level: "debug", "info", "warn", "error"
// file: optional path; when set, records are fanned out to stderr and to
// the file (always JSON) so a device log can be collected later.
func InitStructured(format, level, file string) error {
	SetLevelFromString(level)

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	sinkMu.Lock()
	defer sinkMu.Unlock()
	if sink != nil {
		sink.Close()
		sink = nil
	}
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		sink = f
		handler = slogmulti.Fanout(handler, slog.NewJSONHandler(f, opts))
	}

	opLogger.Store(slog.New(handler))
	return nil
}

// Close releases the file sink, if any.
func Close() {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if sink != nil {
		sink.Close()
		sink = nil
	}
}

// With returns the operational logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return opLogger.Load().With(args...)
}
