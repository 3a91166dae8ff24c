package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace is a custom log level below Debug for wire-level forensics.
const LevelTrace = slog.Level(-8)

// namedLevels is the single source of truth both ParseLogLevel (string
// form, e.g. a config file's log_level key) and LevelFromVerbosity
// (the CLI's numeric --log-level N, spec section 6) resolve against, so
// the two entry points can never disagree on what a given level means.
var namedLevels = map[string]slog.Level{
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel converts a string to a slog.Level.
// Supported values: trace, debug, info, warn, error (case-insensitive).
func ParseLogLevel(s string) (slog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		s = "info"
	}
	level, ok := namedLevels[s]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
	return level, nil
}

// ReplaceLogLevelNames customizes the level name for Trace in log output.
func ReplaceLogLevelNames(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		level, ok := a.Value.Any().(slog.Level)
		if ok && level == LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}

// verbosityLevels is the CLI's --log-level N progression (spec section 6,
// N in 0..3), named rather than given raw slog.Level values a second
// time so it reads out of the same namedLevels table ParseLogLevel uses.
var verbosityLevels = []string{"warn", "info", "debug", "trace"}

// LevelFromVerbosity maps --log-level N onto a slog.Level: 0=warn,
// 1=info, 2=debug, 3=trace. Values outside the range clamp to the
// nearest endpoint.
func LevelFromVerbosity(n int) slog.Level {
	switch {
	case n < 0:
		n = 0
	case n >= len(verbosityLevels):
		n = len(verbosityLevels) - 1
	}
	return namedLevels[verbosityLevels[n]]
}
