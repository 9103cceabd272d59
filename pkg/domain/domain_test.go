package domain

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("vm-1"))
	assert.NoError(t, ValidateID(strings.Repeat("a", MaxIDLength)))

	for _, id := range []string{"", strings.Repeat("a", MaxIDLength+1), "vm_1", "vm/1", "vm 1"} {
		assert.ErrorIs(t, ValidateID(id), ErrInvalidID, id)
	}
}

func TestStateText(t *testing.T) {
	for _, s := range States {
		b, err := s.MarshalText()
		require.NoError(t, err)

		var back State
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}

	_, err := ParseState("Exploded")
	assert.Error(t, err)

	st, err := ParseState("paused")
	require.NoError(t, err)
	assert.Equal(t, StatePaused, st)
	assert.True(t, st.Live())
	assert.False(t, StateStopped.Live())
}

func TestHypervisorConfigDefaults(t *testing.T) {
	cfg := HypervisorConfig{}.WithDefaults()

	assert.NotEmpty(t, cfg.ID)
	assert.NoError(t, ValidateID(cfg.ID))
	assert.Equal(t, DefaultRunDir, cfg.RunDir)
	assert.Equal(t, DefaultLaunchTimeout, cfg.LaunchTimeout)
	assert.Equal(t, DefaultSocketRetry, cfg.SocketRetry)
	assert.Equal(t, DefaultChrootBaseDir, cfg.Jailer.ChrootBaseDir)
	assert.NoError(t, cfg.Validate())

	kept := HypervisorConfig{ID: "vm-1", SocketRetry: 7}.WithDefaults()
	assert.Equal(t, "vm-1", kept.ID)
	assert.Equal(t, 7, kept.SocketRetry)
}

func TestHypervisorConfigValidateJailer(t *testing.T) {
	cfg := HypervisorConfig{ID: "vm-1", UseJailer: true, FirecrackerBin: "/usr/bin/firecracker"}.WithDefaults()
	assert.NoError(t, cfg.Validate())

	cfg.FirecrackerBin = "/usr/bin/qemu"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg.FirecrackerBin = "/usr/bin/firecracker"
	cfg.Jailer.ChrootBaseDir = "relative/dir"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg.Jailer.ChrootBaseDir = "/srv/jailer"
	cfg.Jailer.CgroupVersion = "3"
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestResourceLimitArgsSorted(t *testing.T) {
	j := JailerConfig{ResourceLimits: map[string]uint64{"no-file": 1024, "fsize": 250000000}}
	assert.Equal(t, []string{"fsize=250000000", "no-file=1024"}, j.ResourceLimitArgs())
}

func validMicroVM() MicroVMConfig {
	return MicroVMConfig{
		MachineConfig: &models.MachineConfiguration{
			VcpuCount:  firecracker.Int64(2),
			MemSizeMib: firecracker.Int64(128),
		},
		BootSource: &models.BootSource{KernelImagePath: firecracker.String("/images/vmlinux")},
		Drives: []models.Drive{{
			DriveID:      firecracker.String("rootfs"),
			PathOnHost:   firecracker.String("/images/rootfs.ext4"),
			IsRootDevice: firecracker.Bool(true),
			IsReadOnly:   firecracker.Bool(false),
		}},
		NetworkInterfaces: []models.NetworkInterface{{
			IfaceID:     firecracker.String("eth0"),
			HostDevName: firecracker.String("tap0"),
		}},
	}
}

func TestMicroVMConfigValidate(t *testing.T) {
	assert.NoError(t, validMicroVM().Validate())

	cases := map[string]func(*MicroVMConfig){
		"no machine config": func(c *MicroVMConfig) { c.MachineConfig = nil },
		"zero vcpu":         func(c *MicroVMConfig) { c.MachineConfig.VcpuCount = firecracker.Int64(0) },
		"no kernel":         func(c *MicroVMConfig) { c.BootSource = &models.BootSource{} },
		"duplicate drive":   func(c *MicroVMConfig) { c.Drives = append(c.Drives, c.Drives[0]) },
		"no tap":            func(c *MicroVMConfig) { c.NetworkInterfaces[0].HostDevName = nil },
		"bad metadata":      func(c *MicroVMConfig) { c.InitMetadata = json.RawMessage(`{"a":`) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := validMicroVM()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestMicroVMConfigFileLayout(t *testing.T) {
	raw := `{
		"boot-source": {"kernel_image_path": "/images/vmlinux", "boot_args": "console=ttyS0"},
		"machine-config": {"vcpu_count": 2, "mem_size_mib": 128},
		"drives": [{"drive_id": "rootfs", "path_on_host": "/images/rootfs.ext4", "is_root_device": true, "is_read_only": false}],
		"mmds-config": {"network_interfaces": ["eth0"]},
		"metadata": {"hello": "world"}
	}`

	var cfg MicroVMConfig
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	require.NotNil(t, cfg.MachineConfig)
	assert.Equal(t, int64(2), *cfg.MachineConfig.VcpuCount)
	assert.Equal(t, "console=ttyS0", cfg.BootSource.BootArgs)
	assert.Equal(t, []string{"eth0"}, cfg.MmdsConfig.NetworkInterfaces)
	assert.JSONEq(t, `{"hello": "world"}`, string(cfg.InitMetadata))
	assert.NoError(t, cfg.Validate())
}
