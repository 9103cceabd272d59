package hecatoncheir

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var errBindUnsupported = errors.New("bind mounts are not supported on this platform")

// Stager makes host files reachable from inside a jail root. Files are hard
// linked when host and jail share a filesystem and bind mounted otherwise.
// Every staged file is owned by the jailed uid/gid.
type Stager struct {
	Root   string
	UID    int
	GID    int
	Logger *slog.Logger

	mu     sync.Mutex
	mounts []string
}

func NewStager(root string, uid, gid int, logger *slog.Logger) *Stager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stager{Root: root, UID: uid, GID: gid, Logger: logger}
}

// Stage places hostPath at the top of the jail root and returns the path
// Firecracker sees. Staging the same file twice is a no-op.
func (s *Stager) Stage(hostPath string, readOnly bool) (string, error) {
	if p, ok := s.inside(hostPath); ok {
		return p, s.chown(hostPath)
	}

	src, err := os.Stat(hostPath)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", hostPath, err)
	}
	if err := os.MkdirAll(s.Root, 0o755); err != nil {
		return "", fmt.Errorf("stage %s: %w", hostPath, err)
	}

	name := filepath.Base(hostPath)
	dst := filepath.Join(s.Root, name)
	if existing, err := os.Stat(dst); err == nil {
		if !os.SameFile(src, existing) {
			return "", fmt.Errorf("stage %s: %s already holds a different file", hostPath, dst)
		}
		return "/" + name, s.chown(dst)
	}

	if err := os.Link(hostPath, dst); err != nil {
		s.Logger.Debug("Hard link failed, bind mounting", "src", hostPath, "dst", dst, "error", err)
		if err := s.bind(hostPath, dst, readOnly); err != nil {
			return "", fmt.Errorf("stage %s: %w", hostPath, err)
		}
	}
	return "/" + name, s.chown(dst)
}

func (s *Stager) bind(src, dst string, readOnly bool) error {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	f.Close()

	if err := bindMount(src, dst, readOnly); err != nil {
		os.Remove(dst)
		return err
	}

	s.mu.Lock()
	s.mounts = append(s.mounts, dst)
	s.mu.Unlock()
	return nil
}

func (s *Stager) chown(p string) error {
	if err := os.Chown(p, s.UID, s.GID); err != nil {
		return fmt.Errorf("chown %s: %w", p, err)
	}
	return nil
}

// JailPath maps a host path under the root to the path Firecracker sees.
func (s *Stager) JailPath(host string) string {
	if p, ok := s.inside(host); ok {
		return p
	}
	return host
}

func (s *Stager) inside(host string) (string, bool) {
	rel, err := filepath.Rel(s.Root, host)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return "/" + rel, true
}

// Mounts lists the bind mounts created so far, oldest first.
func (s *Stager) Mounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.mounts))
	copy(out, s.mounts)
	return out
}
