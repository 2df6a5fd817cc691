// Package logging holds the operational logger shared by every halo
// component. Components call Op() at log time so reconfiguration through
// InitStructured takes effect everywhere at once.
package logging

import (
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	opLogger.Store(slog.New(handler))
}

// Op returns the operational logger.
func Op() *slog.Logger {
	return opLogger.Load()
}

// SetLevel changes the log level for the operational logger.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the log level from a string.
// Valid values: "debug", "info", "warn", "error"
func SetLevelFromString(level string) {
	switch level {
	case "debug", "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "info", "INFO":
		logLevel.Set(slog.LevelInfo)
	case "warn", "WARN", "warning", "WARNING":
		logLevel.Set(slog.LevelWarn)
	case "error", "ERROR":
		logLevel.Set(slog.LevelError)
	}
}

// IdentityHash is how identities appear in logs. Raw identities are
// privacy-sensitive and never logged.
func IdentityHash(identity string) string {
	if identity == "" {
		return "anonymous"
	}
	return strconv.FormatUint(xxhash.Sum64String(identity), 16)
}
