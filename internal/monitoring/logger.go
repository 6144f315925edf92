package monitoring

import "log"

// LogFunc is the printf-style logger signature used throughout the module.
type LogFunc func(format string, v ...interface{})

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf LogFunc = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = Quiet()
		return
	}
	Logf = f
}

// Quiet returns a logger that discards everything. Child operations (solver
// calls, pose adjustments) run with it so their chatter does not reach the
// run log; their failures come back as errors instead.
func Quiet() LogFunc {
	return func(string, ...interface{}) {}
}

// Scoped returns a logger that prefixes every message with "[prefix] " and
// forwards to whatever Logf is at call time.
func Scoped(prefix string) LogFunc {
	return func(format string, v ...interface{}) {
		Logf("["+prefix+"] "+format, v...)
	}
}
