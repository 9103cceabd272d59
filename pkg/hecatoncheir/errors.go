package hecatoncheir

import (
	"errors"
	"fmt"
)

// ErrTapMissing means a network interface names a host tap that does not
// exist in the configured namespace.
var ErrTapMissing = errors.New("tap device does not exist")

// StepError reports which configuration step failed. Steps before it were
// accepted by the hypervisor; steps after it were never sent.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("configure %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
