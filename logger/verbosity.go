package logger

import "go.uber.org/zap/zapcore"

// Verbosity levels for the -v flag count.
const (
	VerbosityUser  = 0 // warnings and errors only
	VerbosityInfo  = 1 // -v: + lifecycle events
	VerbosityDebug = 2 // -vv: + every poll and claim
)

// VerbosityToLevel maps verbosity flags (-v, -vv) to zap levels.
//
//	0 (none) -> WarnLevel
//	1 (-v)   -> InfoLevel
//	2+ (-vv) -> DebugLevel
func VerbosityToLevel(verbosity int) zapcore.Level {
	switch {
	case verbosity <= VerbosityUser:
		return zapcore.WarnLevel
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// ParseLevel turns a config string ("debug", "info", ...) into a level,
// falling back to info for unknown values.
func ParseLevel(s string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
