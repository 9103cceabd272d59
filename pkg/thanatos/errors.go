package thanatos

import (
	"fmt"
	"strings"
)

// CleanupFailure is one artifact teardown could not remove.
type CleanupFailure struct {
	Artifact string
	Err      error
}

// PartialCleanupError lists what a clean teardown left behind. It is
// informational: the instance is gone either way.
type PartialCleanupError struct {
	Failures []CleanupFailure
}

func (e *PartialCleanupError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Artifact, f.Err)
	}
	return fmt.Sprintf("partial cleanup, %d artifact(s) left: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *PartialCleanupError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Artifacts returns the paths or names that failed, in teardown order.
func (e *PartialCleanupError) Artifacts() []string {
	out := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Artifact
	}
	return out
}
