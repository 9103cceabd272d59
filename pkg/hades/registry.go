// Package hades keeps the roll of instances: which controllers exist, what
// state they are in and where their sockets live.
package hades

import (
	"context"
	"errors"
	"time"

	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
)

var ErrNotFound = errors.New("instance not found")

// Record is the registry's view of one instance.
type Record struct {
	ID         string       `json:"id"`
	State      domain.State `json:"state"`
	Pid        int          `json:"pid"`
	SocketPath string       `json:"socket_path"`
	LockPath   string       `json:"lock_path"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Registry stores instance records.

type Registry interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (*Record, error)
	List(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, id string) error
}
