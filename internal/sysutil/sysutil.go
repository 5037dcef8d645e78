// Package sysutil holds process-level plumbing that does not belong to any
// one layer. Currently that is just global log-level wiring.
package sysutil

import (
	"strings"

	"github.com/rs/zerolog"
)

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
	"panic":   zerolog.PanicLevel,
}

// ParseLevel maps a config string to a zerolog level. Unknown or empty
// values fall back to info so a typo in LOG_LEVEL never silences the app.
func ParseLevel(lvl string) zerolog.Level {
	if l, ok := logLevels[strings.ToLower(strings.TrimSpace(lvl))]; ok {
		return l
	}
	return zerolog.InfoLevel
}

// SetLogLevel applies ParseLevel globally. Called once at startup.
func SetLogLevel(lvl string) {
	zerolog.SetGlobalLevel(ParseLevel(lvl))
}
