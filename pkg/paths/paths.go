// Package paths derives every filesystem location an instance owns from its
// id and the configured base directories. Nothing here touches the disk.
package paths

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
)

// MaxSocketPath is the usable length of sun_path on Linux.
const MaxSocketPath = 107

// Set holds the resolved paths of one instance.
//
// Socket, Log and Metrics are host paths. The *Arg variants are the same
// files as Firecracker sees them, which differ only when jailed.
type Set struct {
	ID     string
	Jailed bool

	// JailDir is <chroot_base>/<exec name>/<id>; JailRoot is JailDir/root.
	JailDir  string
	JailRoot string

	Socket    string
	SocketArg string
	Lock      string

	Log        string
	LogArg     string
	Metrics    string
	MetricsArg string

	Stdout string
	Stderr string
}

// Derive resolves the path set for cfg. cfg must already carry defaults.
func Derive(cfg domain.HypervisorConfig) (Set, error) {
	if err := domain.ValidateID(cfg.ID); err != nil {
		return Set{}, err
	}

	s := Set{
		ID:     cfg.ID,
		Jailed: cfg.UseJailer,
		Stdout: cfg.StdoutPath,
		Stderr: cfg.StderrPath,
	}

	s.Lock = cfg.LockPath
	if s.Lock == "" {
		if cfg.RunDir == "" {
			return Set{}, fmt.Errorf("%w: no run dir for lock file", domain.ErrInvalidConfig)
		}
		s.Lock = filepath.Join(cfg.RunDir, fmt.Sprintf("firecracker-%s.lock", cfg.ID))
	}

	if cfg.UseJailer {
		if !filepath.IsAbs(cfg.Jailer.ChrootBaseDir) {
			return Set{}, fmt.Errorf("%w: chroot base dir %q must be absolute", domain.ErrInvalidConfig, cfg.Jailer.ChrootBaseDir)
		}
		s.JailDir = filepath.Join(cfg.Jailer.ChrootBaseDir, filepath.Base(cfg.FirecrackerBin), cfg.ID)
		s.JailRoot = filepath.Join(s.JailDir, "root")

		s.SocketArg = inJail(cfg.SocketPath)
		if cfg.SocketPath == "" {
			s.SocketArg = domain.DefaultJailSocketPath
		}
		s.Socket = s.HostPath(s.SocketArg)
		if cfg.LogPath != "" {
			s.LogArg = inJail(cfg.LogPath)
			s.Log = s.HostPath(s.LogArg)
		}
		if cfg.MetricsPath != "" {
			s.MetricsArg = inJail(cfg.MetricsPath)
			s.Metrics = s.HostPath(s.MetricsArg)
		}
	} else {
		s.Socket = cfg.SocketPath
		if s.Socket == "" {
			if cfg.RunDir == "" {
				return Set{}, fmt.Errorf("%w: no run dir for control socket", domain.ErrInvalidConfig)
			}
			s.Socket = filepath.Join(cfg.RunDir, fmt.Sprintf("firecracker-%s.socket", cfg.ID))
		}
		s.SocketArg = s.Socket
		s.Log, s.LogArg = cfg.LogPath, cfg.LogPath
		s.Metrics, s.MetricsArg = cfg.MetricsPath, cfg.MetricsPath
	}

	if len(s.Socket) > MaxSocketPath {
		return Set{}, fmt.Errorf("%w: socket path %q exceeds %d bytes", domain.ErrInvalidConfig, s.Socket, MaxSocketPath)
	}
	return s, nil
}

// HostPath maps a path as Firecracker sees it to the host filesystem.
func (s Set) HostPath(p string) string {
	if !s.Jailed || p == "" {
		return p
	}
	return filepath.Join(s.JailRoot, inJail(p))
}

// JailPath maps a host path under JailRoot back to the path Firecracker
// sees. Paths outside the jail are returned unchanged.
func (s Set) JailPath(host string) string {
	if !s.Jailed {
		return host
	}
	rel, err := filepath.Rel(s.JailRoot, host)
	if err != nil || strings.HasPrefix(rel, "..") {
		return host
	}
	return "/" + rel
}

func inJail(p string) string {
	return filepath.Join("/", p)
}
