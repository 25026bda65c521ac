package observability

import (
	"fmt"
	"runtime/debug"
)

// PanicError is a recovered panic turned into an error. The stack is the one
// captured at recovery, which still contains the panicking frame.
type PanicError struct {
	Value interface{}
	Stack []byte
}

// NewPanicError captures the current stack for a value returned by recover
func NewPanicError(recovered interface{}) *PanicError {
	return &PanicError{Value: recovered, Stack: debug.Stack()}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// LogPanic writes err at ERROR. where names the goroutine or route that
// panicked.
func LogPanic(logger *Logger, where string, err *PanicError) {
	logger.WithFields(map[string]interface{}{
		"panic": fmt.Sprint(err.Value),
		"stack": string(err.Stack),
		"where": where,
	}).Error("Recovered panic")
}
