package domain

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultRunDir         = "/run/tartarus-vmm"
	DefaultFirecrackerBin = "firecracker"
	DefaultJailerBin      = "jailer"
	DefaultChrootBaseDir  = "/srv/jailer"
	DefaultJailSocketPath = "/run/firecracker.socket"
	DefaultLaunchTimeout  = 3 * time.Second
	DefaultSocketRetry    = 3
	DefaultRetryBackoff   = 50 * time.Millisecond
	DefaultPollInterval   = 10 * time.Millisecond
	DefaultPollStatus     = 10 * time.Second
	DefaultRequestTimeout = 5 * time.Second
	DefaultStopTimeout    = 3 * time.Second
	DefaultGracePeriod    = 2 * time.Second
)

// HypervisorConfig describes how one Firecracker process is launched,
// supervised and cleaned up. A controller never mutates it.
type HypervisorConfig struct {
	ID     string `mapstructure:"id" json:"id" yaml:"id"`
	RunDir string `mapstructure:"run_dir" json:"run_dir" yaml:"run_dir"`

	// SocketPath, LogPath and MetricsPath are the paths Firecracker sees.
	// When jailed they are resolved inside the chroot.
	SocketPath  string `mapstructure:"socket_path" json:"socket_path,omitempty" yaml:"socket_path,omitempty"`
	LockPath    string `mapstructure:"lock_path" json:"lock_path,omitempty" yaml:"lock_path,omitempty"`
	LogPath     string `mapstructure:"log_path" json:"log_path,omitempty" yaml:"log_path,omitempty"`
	MetricsPath string `mapstructure:"metrics_path" json:"metrics_path,omitempty" yaml:"metrics_path,omitempty"`
	StdoutPath  string `mapstructure:"stdout_path" json:"stdout_path,omitempty" yaml:"stdout_path,omitempty"`
	StderrPath  string `mapstructure:"stderr_path" json:"stderr_path,omitempty" yaml:"stderr_path,omitempty"`
	ConfigFile  string `mapstructure:"config_file" json:"config_file,omitempty" yaml:"config_file,omitempty"`

	FirecrackerBin string       `mapstructure:"firecracker_bin" json:"firecracker_bin" yaml:"firecracker_bin"`
	UseJailer      bool         `mapstructure:"use_jailer" json:"use_jailer" yaml:"use_jailer"`
	Jailer         JailerConfig `mapstructure:"jailer" json:"jailer" yaml:"jailer"`
	NoSeccomp      bool         `mapstructure:"no_seccomp" json:"no_seccomp" yaml:"no_seccomp"`
	SeccompFilter  string       `mapstructure:"seccomp_filter" json:"seccomp_filter,omitempty" yaml:"seccomp_filter,omitempty"`

	LaunchTimeout      time.Duration `mapstructure:"launch_timeout" json:"launch_timeout" yaml:"launch_timeout"`
	SocketRetry        int           `mapstructure:"socket_retry" json:"socket_retry" yaml:"socket_retry"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff" json:"retry_backoff" yaml:"retry_backoff"`
	PollInterval       time.Duration `mapstructure:"poll_interval" json:"poll_interval" yaml:"poll_interval"`
	PollStatusInterval time.Duration `mapstructure:"poll_status_interval" json:"poll_status_interval" yaml:"poll_status_interval"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" json:"request_timeout" yaml:"request_timeout"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout" json:"stop_timeout" yaml:"stop_timeout"`
	GracePeriod        time.Duration `mapstructure:"grace_period" json:"grace_period" yaml:"grace_period"`

	TruncateLog     bool `mapstructure:"truncate_log" json:"truncate_log" yaml:"truncate_log"`
	TruncateMetrics bool `mapstructure:"truncate_metrics" json:"truncate_metrics" yaml:"truncate_metrics"`
	LogClear        bool `mapstructure:"log_clear" json:"log_clear" yaml:"log_clear"`
	MetricsClear    bool `mapstructure:"metrics_clear" json:"metrics_clear" yaml:"metrics_clear"`
	NetworkClear    bool `mapstructure:"network_clear" json:"network_clear" yaml:"network_clear"`
	JailClear       bool `mapstructure:"jail_clear" json:"jail_clear" yaml:"jail_clear"`
}

// JailerConfig configures the jailer wrapper.
type JailerConfig struct {
	JailerBin      string            `mapstructure:"jailer_bin" json:"jailer_bin" yaml:"jailer_bin"`
	UID            int               `mapstructure:"uid" json:"uid" yaml:"uid"`
	GID            int               `mapstructure:"gid" json:"gid" yaml:"gid"`
	ChrootBaseDir  string            `mapstructure:"chroot_base_dir" json:"chroot_base_dir" yaml:"chroot_base_dir"`
	NumaNode       *int              `mapstructure:"numa_node" json:"numa_node,omitempty" yaml:"numa_node,omitempty"`
	Daemonize      bool              `mapstructure:"daemonize" json:"daemonize" yaml:"daemonize"`
	NetNS          string            `mapstructure:"netns" json:"netns,omitempty" yaml:"netns,omitempty"`
	CgroupVersion  string            `mapstructure:"cgroup_version" json:"cgroup_version,omitempty" yaml:"cgroup_version,omitempty"`
	Cgroups        []string          `mapstructure:"cgroups" json:"cgroups,omitempty" yaml:"cgroups,omitempty"`
	ResourceLimits map[string]uint64 `mapstructure:"resource_limits" json:"resource_limits,omitempty" yaml:"resource_limits,omitempty"`
}

// DefaultHypervisorConfig returns the defaults every loaded config starts from.
func DefaultHypervisorConfig() HypervisorConfig {
	return HypervisorConfig{
		RunDir:             DefaultRunDir,
		FirecrackerBin:     DefaultFirecrackerBin,
		LaunchTimeout:      DefaultLaunchTimeout,
		SocketRetry:        DefaultSocketRetry,
		RetryBackoff:       DefaultRetryBackoff,
		PollInterval:       DefaultPollInterval,
		PollStatusInterval: DefaultPollStatus,
		RequestTimeout:     DefaultRequestTimeout,
		StopTimeout:        DefaultStopTimeout,
		GracePeriod:        DefaultGracePeriod,
		Jailer: JailerConfig{
			JailerBin:     DefaultJailerBin,
			ChrootBaseDir: DefaultChrootBaseDir,
		},
	}
}

// WithDefaults fills every zero field from DefaultHypervisorConfig and
// assigns a random id when none is set.
func (c HypervisorConfig) WithDefaults() HypervisorConfig {
	d := DefaultHypervisorConfig()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.RunDir == "" {
		c.RunDir = d.RunDir
	}
	if c.FirecrackerBin == "" {
		c.FirecrackerBin = d.FirecrackerBin
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = d.LaunchTimeout
	}
	if c.SocketRetry <= 0 {
		c.SocketRetry = d.SocketRetry
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PollStatusInterval <= 0 {
		c.PollStatusInterval = d.PollStatusInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.Jailer.JailerBin == "" {
		c.Jailer.JailerBin = d.Jailer.JailerBin
	}
	if c.Jailer.ChrootBaseDir == "" {
		c.Jailer.ChrootBaseDir = d.Jailer.ChrootBaseDir
	}
	return c
}

// Validate checks the config is complete enough to launch.
func (c HypervisorConfig) Validate() error {
	if err := ValidateID(c.ID); err != nil {
		return err
	}
	if c.FirecrackerBin == "" {
		return fmt.Errorf("%w: firecracker binary is required", ErrInvalidConfig)
	}
	if c.SocketRetry < 1 {
		return fmt.Errorf("%w: socket retry must be at least 1", ErrInvalidConfig)
	}
	if c.LaunchTimeout <= 0 {
		return fmt.Errorf("%w: launch timeout must be positive", ErrInvalidConfig)
	}
	if !c.UseJailer {
		if c.RunDir == "" && (c.SocketPath == "" || c.LockPath == "") {
			return fmt.Errorf("%w: run dir or explicit socket and lock paths are required", ErrInvalidConfig)
		}
		return nil
	}
	return c.Jailer.Validate(c.FirecrackerBin)
}

// Validate checks the jailer settings for the given Firecracker binary.
func (j JailerConfig) Validate(execFile string) error {
	if j.JailerBin == "" {
		return fmt.Errorf("%w: jailer binary is required", ErrInvalidConfig)
	}
	if !strings.Contains(filepath.Base(execFile), "firecracker") {
		return fmt.Errorf("%w: jailer exec file %q must be a firecracker binary", ErrInvalidConfig, execFile)
	}
	if !filepath.IsAbs(j.ChrootBaseDir) {
		return fmt.Errorf("%w: chroot base dir %q must be absolute", ErrInvalidConfig, j.ChrootBaseDir)
	}
	if j.UID < 0 || j.GID < 0 {
		return fmt.Errorf("%w: jailer uid and gid must not be negative", ErrInvalidConfig)
	}
	if j.CgroupVersion != "" && j.CgroupVersion != "1" && j.CgroupVersion != "2" {
		return fmt.Errorf("%w: cgroup version must be 1 or 2", ErrInvalidConfig)
	}
	return nil
}

// ResourceLimitArgs renders resource limits as sorted key=value pairs.
func (j JailerConfig) ResourceLimitArgs() []string {
	keys := make([]string, 0, len(j.ResourceLimits))
	for k := range j.ResourceLimits {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%d", k, j.ResourceLimits[k]))
	}
	return out
}
