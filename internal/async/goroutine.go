package async

import (
	"fmt"
	"runtime/debug"
)

// PanicLogger captures panic reports from guarded callbacks.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn in a goroutine guarded by panic recovery.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Call runs fn on the current goroutine and converts a panic into an error,
// so a misbehaving callback cannot take down a shared loop.
func Call(logger PanicLogger, name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", name, r)
			if logger != nil {
				logger.Error("callback panic [%s]: %v, stack: %s", name, r, debug.Stack())
			}
		}
	}()
	fn()
	return nil
}

// Recover logs panic details without crashing the process.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			return
		}
		if name == "" {
			logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
			return
		}
		logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
	}
}
