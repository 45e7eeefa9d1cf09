package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic logs a panic in the calling goroutine and swallows it. Defer
// it directly at the top of background jobs:
//
//	defer observability.RecoverPanic(logger, "scheduled cache flush")
func RecoverPanic(logger *Logger, task string) {
	if r := recover(); r != nil {
		LogPanic(logger, task, r)
	}
}

// LogPanic logs a recovered value with the current stack
func LogPanic(logger *Logger, task string, recovered interface{}) {
	logger.WithFields(map[string]interface{}{
		"panic": fmt.Sprint(recovered),
		"stack": string(debug.Stack()),
		"task":  task,
	}).Error("panic recovered")
}

// MustRecover turns a recover() result into an error, nil when nothing
// panicked
func MustRecover(r interface{}) error {
	if r == nil {
		return nil
	}
	return fmt.Errorf("panic: %v", r)
}
