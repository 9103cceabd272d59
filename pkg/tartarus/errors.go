package tartarus

import (
	"errors"
	"fmt"

	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/kampe"
)

var (
	// ErrInvalidTransition is matched by every *TransitionError.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrAlreadyDeleted is returned by every operation on a deleted
	// instance except Delete and DeleteAndClean.
	ErrAlreadyDeleted = errors.New("instance already deleted")
)

// TransitionError rejects an operation that is not legal in the current
// state. The state is left unchanged.
type TransitionError struct {
	Op   string
	From domain.State
	To   domain.State
}

func (e *TransitionError) Error() string {
	if e.From == e.To {
		return fmt.Sprintf("%s: not allowed in state %s", e.Op, e.From)
	}
	return fmt.Sprintf("%s: cannot go from %s to %s", e.Op, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// UnexpectedExitError reports a hypervisor that exited while the controller
// still considered it live. The lifecycle state is not changed; callers
// still stop and delete the instance.
type UnexpectedExitError struct {
	State  domain.State
	Status kampe.ExitStatus
}

func (e *UnexpectedExitError) Error() string {
	return fmt.Sprintf("hypervisor exited unexpectedly while %s: %s", e.State, e.Status)
}
