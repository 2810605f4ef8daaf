package logger

import (
	"log/slog"
	"os"
)

// New returns the process-wide structured logger. Components receive it
// through their WithLogger options rather than reaching for a global.
func New(environment string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("env", environment)
}
