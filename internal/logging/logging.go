// Package logging builds kiln's package-level zerolog.Logger, grounded on
// allaspectsdev-tokenman/internal/daemon/daemon.go's setup (global level +
// multi-writer + structured fields appended once via With()), scoped down
// from tokenman's daemon-with-a-log-file shape to a library default: console
// output unless a file path is supplied.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Options configures the process-wide logger.
type Options struct {
	Level    string // "debug", "info", "warn", "error"; default "info"
	FilePath string // optional; if set, logs are also written here
	Console  bool   // if true, pretty-print to stdout (like tokenman's foreground mode)
}

// New builds a zerolog.Logger per opts, tagged with kiln's service name.
func New(opts Options) (zerolog.Logger, error) {
	level := parseLevel(opts.Level)

	writers := []io.Writer{}
	if opts.FilePath != "" {
		f, err := os.OpenFile(opts.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Logger{}, err
		}
		writers = append(writers, f)
	}
	if opts.Console || len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}

	multi := zerolog.MultiLevelWriter(writers...)
	return zerolog.New(multi).Level(level).With().Timestamp().Str("service", "kiln").Logger(), nil
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
