package rabble

import (
	"log/slog"
	"os"
)

// InitLogger installs a JSON slog handler on the process default logger and
// returns it. Every log line in this package carries a "node" attribute, and
// a "peer" attribute where one is involved, so a process running several
// nodes (tests and the demo do) stays separable in one stream. Call once at
// startup, before any node starts its loops.
func InitLogger(level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}
