package builder

import (
	"errors"
	"fmt"
)

// ErrBaseUnresolvable reports that the pinned base rootfs could not be
// fetched or opened. The build aborts; nothing is committed.
var ErrBaseUnresolvable = errors.New("base rootfs unresolvable")

// StepError wraps a provisioning step failure. Builds stop at the first
// failing step and no image is tagged.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
