package tartarus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/kampe"
)

// Status is a point-in-time view of an instance.
type Status struct {
	ID       string               `json:"id"`
	State    domain.State         `json:"state"`
	Pid      int                  `json:"pid"`
	Alive    bool                 `json:"alive"`
	Instance *models.InstanceInfo `json:"instance,omitempty"`
	Exit     *kampe.ExitStatus    `json:"exit,omitempty"`
}

// Wait blocks until the hypervisor process exits or ctx is done. It only
// observes: the lifecycle state is not changed.
func (h *Hypervisor) Wait(ctx context.Context) (kampe.ExitStatus, error) {
	if h.State() == domain.StateDeleted {
		return kampe.ExitStatus{}, fmt.Errorf("wait %s: %w", h.cfg.ID, ErrAlreadyDeleted)
	}
	return h.proc.Wait(ctx)
}

// Status reports the lifecycle state together with what Firecracker says
// about itself. A process that died while the instance was live yields the
// status and an *UnexpectedExitError.
func (h *Hypervisor) Status(ctx context.Context) (Status, error) {
	state := h.State()
	if state == domain.StateDeleted {
		return Status{ID: h.cfg.ID, State: state}, fmt.Errorf("status %s: %w", h.cfg.ID, ErrAlreadyDeleted)
	}

	st := Status{ID: h.cfg.ID, State: state, Pid: h.proc.Pid(), Alive: h.proc.Alive()}
	if exit, ok := h.proc.ExitStatus(); ok {
		st.Alive = false
		st.Exit = &exit
		if state != domain.StateStopped {
			return st, &UnexpectedExitError{State: state, Status: exit}
		}
		return st, nil
	}
	if state == domain.StateStopped {
		return st, nil
	}

	info, err := h.api.DescribeInstance(ctx)
	if err != nil {
		return st, fmt.Errorf("describe %s: %w", h.cfg.ID, err)
	}
	st.Instance = info
	return st, nil
}

// Watch calls fn with a fresh Status every PollStatusInterval and once more
// when the process exits. It returns when the process has exited, the
// instance is deleted or ctx is done.
func (h *Hypervisor) Watch(ctx context.Context, fn func(Status, error)) error {
	if h.State() == domain.StateDeleted {
		return fmt.Errorf("watch %s: %w", h.cfg.ID, ErrAlreadyDeleted)
	}

	ticker := time.NewTicker(h.cfg.PollStatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.proc.Done():
			st, err := h.Status(ctx)
			fn(st, err)
			if errors.Is(err, ErrAlreadyDeleted) {
				return nil
			}
			return err
		case <-ticker.C:
			st, err := h.Status(ctx)
			fn(st, err)
			if st.State == domain.StateDeleted {
				return nil
			}
		}
	}
}
