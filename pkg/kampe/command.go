package kampe

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/paths"
)

// BuildCommand returns the command that starts the hypervisor for cfg,
// wrapped by the jailer when enabled. Stdio is left for the caller.
func BuildCommand(cfg domain.HypervisorConfig, set paths.Set) *exec.Cmd {
	if cfg.UseJailer {
		return exec.Command(cfg.Jailer.JailerBin, JailerArgs(cfg, set)...)
	}

	// The process must outlive the launch context, so it is not bound to it.
	return firecracker.VMCommandBuilder{}.
		WithBin(cfg.FirecrackerBin).
		WithSocketPath(set.SocketArg).
		WithArgs(append([]string{"--id", cfg.ID}, firecrackerArgs(cfg)...)).
		Build(context.Background())
}

// JailerArgs renders the jailer argument vector; everything after "--" is
// handed to Firecracker inside the chroot.
func JailerArgs(cfg domain.HypervisorConfig, set paths.Set) []string {
	j := cfg.Jailer
	args := []string{
		"--id", cfg.ID,
		"--exec-file", cfg.FirecrackerBin,
		"--uid", strconv.Itoa(j.UID),
		"--gid", strconv.Itoa(j.GID),
		"--chroot-base-dir", j.ChrootBaseDir,
	}
	if j.CgroupVersion != "" {
		args = append(args, "--cgroup-version", j.CgroupVersion)
	}
	if j.NumaNode != nil {
		for _, c := range numaCgroups(*j.NumaNode) {
			args = append(args, "--cgroup", c)
		}
	}
	for _, c := range j.Cgroups {
		args = append(args, "--cgroup", c)
	}
	for _, rl := range j.ResourceLimitArgs() {
		args = append(args, "--resource-limit", rl)
	}
	if j.NetNS != "" {
		args = append(args, "--netns", j.NetNS)
	}
	if j.Daemonize {
		args = append(args, "--daemonize")
	}

	args = append(args, "--", "--api-sock", set.SocketArg)
	return append(args, firecrackerArgs(cfg)...)
}

func firecrackerArgs(cfg domain.HypervisorConfig) []string {
	var args []string
	if cfg.NoSeccomp {
		args = append(args, "--no-seccomp")
	} else if cfg.SeccompFilter != "" {
		args = append(args, "--seccomp-filter", cfg.SeccompFilter)
	}
	if cfg.ConfigFile != "" {
		args = append(args, "--config-file", cfg.ConfigFile)
	}
	return args
}

var sysNodeDir = "/sys/devices/system/node"

// numaCgroups pins the jail to one NUMA node's memory and, when sysfs
// exposes it, that node's CPUs.
func numaCgroups(node int) []string {
	out := []string{"cpuset.mems=" + strconv.Itoa(node)}
	b, err := os.ReadFile(filepath.Join(sysNodeDir, "node"+strconv.Itoa(node), "cpulist"))
	if err == nil && len(strings.TrimSpace(string(b))) > 0 {
		out = append(out, "cpuset.cpus="+strings.TrimSpace(string(b)))
	}
	return out
}

// pidFile is where a daemonized jailer leaves the Firecracker pid.
func pidFile(cfg domain.HypervisorConfig, set paths.Set) string {
	return filepath.Join(set.JailRoot, filepath.Base(cfg.FirecrackerBin)+".pid")
}
