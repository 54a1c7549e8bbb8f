package logging

import (
	"fmt"
	"runtime/debug"
)

// SafeGo runs fn in a new goroutine with panic recovery. Background tasks
// (discovery receive loop, subscription sweeper, delivery workers) must never
// take the process down on a recoverable panic; SafeGo logs the stack trace
// and invokes onPanic (which may be nil) instead.
func SafeGo(logger Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := string(debug.Stack())
				OrDefault(logger).Error("goroutine_panic_recovered",
					"operation", operation,
					"panic", r,
					"stack", stack,
				)
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}

// SafeExecute runs fn with panic recovery, converting a panic into an error.
func SafeExecute(logger Logger, operation string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			OrDefault(logger).Error("panic_recovered",
				"operation", operation,
				"panic", r,
				"stack", stack,
			)
			err = fmt.Errorf("panic in %s: %v", operation, r)
		}
	}()
	return fn()
}
