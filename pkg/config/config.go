// Package config loads tartarus-vmm settings from a YAML file, TARTARUS_VMM_*
// environment variables and built-in defaults, in that order of precedence
// after flags.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/erebus"
)

const EnvPrefix = "TARTARUS_VMM"

// Settings is everything the CLI needs besides the guest config.
type Settings struct {
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat   string `mapstructure:"log_format" yaml:"log_format"`
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr,omitempty"`

	Hypervisor domain.HypervisorConfig `mapstructure:"hypervisor" yaml:"hypervisor"`

	Registry RegistrySettings `mapstructure:"registry" yaml:"registry"`
	Archive  ArchiveSettings  `mapstructure:"archive" yaml:"archive"`

	LaunchRate  float64 `mapstructure:"launch_rate" yaml:"launch_rate"`
	LaunchBurst int     `mapstructure:"launch_burst" yaml:"launch_burst"`
}

// RegistrySettings selects where instance records are kept. An empty
// RedisAddr keeps them in memory.
type RegistrySettings struct {
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr,omitempty"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	RedisPassword string `mapstructure:"redis_password" yaml:"-"`
}

// ArchiveSettings selects where snapshots are copied. S3 wins when a bucket
// is configured; otherwise LocalPath is used when set.
type ArchiveSettings struct {
	LocalPath string          `mapstructure:"local_path" yaml:"local_path,omitempty"`
	S3        erebus.S3Config `mapstructure:"s3" yaml:"s3"`
}

// NewViper returns a viper instance with defaults and environment binding.
// Nested keys map to variables with dots replaced by underscores, e.g.
// TARTARUS_VMM_HYPERVISOR_RUN_DIR.
func NewViper() *viper.Viper {
	v := viper.New()
	d := domain.DefaultHypervisorConfig()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("metrics_addr", "")
	v.SetDefault("launch_rate", 10.0)
	v.SetDefault("launch_burst", 1)

	v.SetDefault("hypervisor.id", "")
	v.SetDefault("hypervisor.run_dir", d.RunDir)
	v.SetDefault("hypervisor.firecracker_bin", d.FirecrackerBin)
	v.SetDefault("hypervisor.use_jailer", false)
	v.SetDefault("hypervisor.jailer.jailer_bin", d.Jailer.JailerBin)
	v.SetDefault("hypervisor.jailer.chroot_base_dir", d.Jailer.ChrootBaseDir)
	v.SetDefault("hypervisor.launch_timeout", d.LaunchTimeout.String())
	v.SetDefault("hypervisor.socket_retry", d.SocketRetry)
	v.SetDefault("hypervisor.retry_backoff", d.RetryBackoff.String())
	v.SetDefault("hypervisor.poll_interval", d.PollInterval.String())
	v.SetDefault("hypervisor.poll_status_interval", d.PollStatusInterval.String())
	v.SetDefault("hypervisor.request_timeout", d.RequestTimeout.String())
	v.SetDefault("hypervisor.stop_timeout", d.StopTimeout.String())
	v.SetDefault("hypervisor.grace_period", d.GracePeriod.String())
	for _, k := range []string{"log_clear", "metrics_clear", "network_clear", "jail_clear", "truncate_log", "truncate_metrics", "no_seccomp"} {
		v.SetDefault("hypervisor."+k, false)
	}

	v.SetDefault("registry.redis_addr", "")
	v.SetDefault("registry.redis_db", 0)
	v.SetDefault("registry.redis_password", "")
	v.SetDefault("archive.local_path", "")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.region", "us-east-1")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.access_key", "")
	v.SetDefault("archive.s3.secret_key", "")
	v.SetDefault("archive.s3.local_cache", "")

	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path into v, if given, and decodes the result. Without a path
// the usual locations are searched and a missing file is not an error.
func Load(v *viper.Viper, path string) (Settings, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("/etc/tartarus-vmm")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/tartarus-vmm")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Settings{}, fmt.Errorf("read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	return s, nil
}

// LoadMicroVM reads a guest config in Firecracker's --config-file layout.
func LoadMicroVM(path string) (domain.MicroVMConfig, error) {
	var vm domain.MicroVMConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return vm, fmt.Errorf("read microvm config: %w", err)
	}
	if err := json.Unmarshal(b, &vm); err != nil {
		return vm, fmt.Errorf("%w: parse %s: %v", domain.ErrInvalidConfig, path, err)
	}
	return vm, vm.Validate()
}
