package frame

import "fmt"

// FatalError is the "ShouldCrash" condition of spec §4.1/§7: framing has
// desynchronized beyond recovery (an oversize frame, e.g.), and the stream
// must be torn down rather than retried. The stream loop detects this with
// errors.As and tears the session down instead of surfacing a per-message
// error.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return fmt.Sprintf("frame: fatal: %s", e.Reason) }

func fatalf(format string, args ...any) error {
	return &FatalError{Reason: fmt.Sprintf(format, args...)}
}
