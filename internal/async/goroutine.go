// Package async starts background goroutines that must never take the
// gateway down with them.
package async

import "runtime/debug"

// PanicLogger receives panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on its own goroutine. A panic in fn is logged with its stack
// and swallowed; the gateway keeps serving.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is the deferred half of Go, exported for callers that manage their
// own goroutines but want the same panic containment.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	if name == "" {
		name = "unnamed"
	}
	logger.Error("goroutine panic [%s]: %v\n%s", name, r, debug.Stack())
}
