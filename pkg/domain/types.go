package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// IDs

// MaxIDLength is the longest instance id the jailer accepts.
const MaxIDLength = 64

var idPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

var (
	ErrInvalidID     = errors.New("invalid instance id")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ValidateID checks an instance id against the rules shared by the
// hypervisor and the jailer.
func ValidateID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", ErrInvalidID)
	case len(id) > MaxIDLength:
		return fmt.Errorf("%w: %q is longer than %d characters", ErrInvalidID, id, MaxIDLength)
	case !idPattern.MatchString(id):
		return fmt.Errorf("%w: %q may only contain alphanumerics and hyphens", ErrInvalidID, id)
	}
	return nil
}

// Lifecycle

// State is the lifecycle state of one controller instance.
type State int

const (
	StateUnknown State = iota
	StateCreated
	StateConfigured
	StateRunning
	StatePaused
	StateStopped
	StateDeleted
)

var stateNames = map[State]string{
	StateUnknown:    "Unknown",
	StateCreated:    "Created",
	StateConfigured: "Configured",
	StateRunning:    "Running",
	StatePaused:     "Paused",
	StateStopped:    "Stopped",
	StateDeleted:    "Deleted",
}

// States lists every real lifecycle state in transition order.
var States = []State{StateCreated, StateConfigured, StateRunning, StatePaused, StateStopped, StateDeleted}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Live reports whether the hypervisor process is expected to be up.
func (s State) Live() bool {
	return s == StateRunning || s == StatePaused
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	parsed, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseState accepts a state name in any case.
func ParseState(name string) (State, error) {
	for st, n := range stateNames {
		if strings.EqualFold(n, name) {
			return st, nil
		}
	}
	return StateUnknown, fmt.Errorf("unknown state %q", name)
}

// Snapshots

type SnapshotType string

const (
	SnapshotFull SnapshotType = "Full"
	SnapshotDiff SnapshotType = "Diff"
)

func (t SnapshotType) Valid() bool {
	return t == SnapshotFull || t == SnapshotDiff
}

// SnapshotRecord tracks the files produced by one snapshot call.
type SnapshotRecord struct {
	ID         string       `json:"id"`
	Type       SnapshotType `json:"type"`
	StatePath  string       `json:"state_path"`
	MemPath    string       `json:"mem_path"`
	CreatedAt  time.Time    `json:"created_at"`
	ArchiveKey string       `json:"archive_key,omitempty"`
}

// MemoryBackend selects where guest memory is restored from.
type MemoryBackend struct {
	BackendPath string `json:"backend_path"`
	BackendType string `json:"backend_type"`
}

const (
	MemoryBackendFile = "File"
	MemoryBackendUffd = "Uffd"
)

// LoadSnapshotParams is the body of PUT /snapshot/load.
type LoadSnapshotParams struct {
	SnapshotPath        string         `json:"snapshot_path"`
	MemBackend          *MemoryBackend `json:"mem_backend,omitempty"`
	EnableDiffSnapshots bool           `json:"enable_diff_snapshots,omitempty"`
	ResumeVM            bool           `json:"resume_vm,omitempty"`
}

func (p LoadSnapshotParams) Validate() error {
	if p.SnapshotPath == "" {
		return fmt.Errorf("%w: snapshot path is required", ErrInvalidConfig)
	}
	if p.MemBackend == nil || p.MemBackend.BackendPath == "" {
		return fmt.Errorf("%w: memory backend path is required", ErrInvalidConfig)
	}
	return nil
}
