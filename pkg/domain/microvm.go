package domain

import (
	"encoding/json"
	"fmt"

	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
)

// MicroVMConfig is the declarative guest configuration applied after launch.
// The JSON layout matches Firecracker's --config-file format.
type MicroVMConfig struct {
	Logger            *models.Logger               `json:"logger,omitempty"`
	Metrics           *models.Metrics              `json:"metrics,omitempty"`
	MachineConfig     *models.MachineConfiguration `json:"machine-config,omitempty"`
	BootSource        *models.BootSource           `json:"boot-source,omitempty"`
	Drives            []models.Drive               `json:"drives,omitempty"`
	NetworkInterfaces []models.NetworkInterface    `json:"network-interfaces,omitempty"`
	Balloon           *models.Balloon              `json:"balloon,omitempty"`
	Vsock             *models.Vsock                `json:"vsock,omitempty"`
	Entropy           *EntropyDevice               `json:"entropy,omitempty"`
	MmdsConfig        *MmdsConfig                  `json:"mmds-config,omitempty"`
	MmdsAddress       string                       `json:"mmds-address,omitempty"`
	InitMetadata      json.RawMessage              `json:"metadata,omitempty"`
	NetNS             string                       `json:"netns,omitempty"`
}

// EntropyDevice is the body of PUT /entropy.
type EntropyDevice struct {
	RateLimiter *models.RateLimiter `json:"rate_limiter,omitempty"`
}

// MmdsConfig is the body of PUT /mmds/config.
type MmdsConfig struct {
	Version           string   `json:"version,omitempty"`
	NetworkInterfaces []string `json:"network_interfaces"`
	IPv4Address       string   `json:"ipv4_address,omitempty"`
}

// DrivePatch is the body of PATCH /drives/{id}.
type DrivePatch struct {
	DriveID    string `json:"drive_id"`
	PathOnHost string `json:"path_on_host,omitempty"`
}

// MachineConfigPatch is the body of PATCH /machine-config. Unset fields keep
// their current value.
type MachineConfigPatch struct {
	VcpuCount       *int64             `json:"vcpu_count,omitempty"`
	MemSizeMib      *int64             `json:"mem_size_mib,omitempty"`
	Smt             *bool              `json:"smt,omitempty"`
	TrackDirtyPages *bool              `json:"track_dirty_pages,omitempty"`
	CPUTemplate     models.CPUTemplate `json:"cpu_template,omitempty"`
}

// CPUConfig is a custom CPU template for PUT /cpu-config. Leaf, subleaf,
// addresses and bitmaps are strings as Firecracker expects them.
type CPUConfig struct {
	CPUIDModifiers []CPUIDModifier    `json:"cpuid_modifiers,omitempty"`
	MsrModifiers   []RegisterModifier `json:"msr_modifiers,omitempty"`
	RegModifiers   []RegisterModifier `json:"reg_modifiers,omitempty"`
}

type CPUIDModifier struct {
	Leaf      string                  `json:"leaf"`
	Subleaf   string                  `json:"subleaf"`
	Flags     uint32                  `json:"flags"`
	Modifiers []CPUIDRegisterModifier `json:"modifiers"`
}

type CPUIDRegisterModifier struct {
	Register string `json:"register"`
	Bitmap   string `json:"bitmap"`
}

// RegisterModifier covers both MSR (x86_64) and register (aarch64) entries.
type RegisterModifier struct {
	Addr   string `json:"addr"`
	Bitmap string `json:"bitmap"`
}

// Validate checks the fields Firecracker requires before boot.
func (c MicroVMConfig) Validate() error {
	if c.MachineConfig == nil {
		return fmt.Errorf("%w: machine config is required", ErrInvalidConfig)
	}
	if c.MachineConfig.VcpuCount == nil || *c.MachineConfig.VcpuCount < 1 {
		return fmt.Errorf("%w: vcpu count must be at least 1", ErrInvalidConfig)
	}
	if c.MachineConfig.MemSizeMib == nil || *c.MachineConfig.MemSizeMib < 1 {
		return fmt.Errorf("%w: memory size must be at least 1 MiB", ErrInvalidConfig)
	}
	if c.BootSource == nil || c.BootSource.KernelImagePath == nil || *c.BootSource.KernelImagePath == "" {
		return fmt.Errorf("%w: kernel image path is required", ErrInvalidConfig)
	}

	seen := make(map[string]bool)
	roots := 0
	for i, d := range c.Drives {
		if d.DriveID == nil || *d.DriveID == "" {
			return fmt.Errorf("%w: drive %d has no id", ErrInvalidConfig, i)
		}
		if d.PathOnHost == nil || *d.PathOnHost == "" {
			return fmt.Errorf("%w: drive %q has no host path", ErrInvalidConfig, *d.DriveID)
		}
		if seen[*d.DriveID] {
			return fmt.Errorf("%w: duplicate drive id %q", ErrInvalidConfig, *d.DriveID)
		}
		seen[*d.DriveID] = true
		if d.IsRootDevice != nil && *d.IsRootDevice {
			roots++
		}
	}
	if roots > 1 {
		return fmt.Errorf("%w: at most one root drive is allowed", ErrInvalidConfig)
	}

	seen = make(map[string]bool)
	for i, n := range c.NetworkInterfaces {
		if n.IfaceID == nil || *n.IfaceID == "" {
			return fmt.Errorf("%w: network interface %d has no id", ErrInvalidConfig, i)
		}
		if n.HostDevName == nil || *n.HostDevName == "" {
			return fmt.Errorf("%w: network interface %q has no host device", ErrInvalidConfig, *n.IfaceID)
		}
		if seen[*n.IfaceID] {
			return fmt.Errorf("%w: duplicate network interface id %q", ErrInvalidConfig, *n.IfaceID)
		}
		seen[*n.IfaceID] = true
	}

	if len(c.InitMetadata) > 0 && !json.Valid(c.InitMetadata) {
		return fmt.Errorf("%w: initial metadata is not valid JSON", ErrInvalidConfig)
	}
	return nil
}

// InterfaceIDs returns the network interface ids in configuration order.
func (c MicroVMConfig) InterfaceIDs() []string {
	ids := make([]string, 0, len(c.NetworkInterfaces))
	for _, n := range c.NetworkInterfaces {
		if n.IfaceID != nil {
			ids = append(ids, *n.IfaceID)
		}
	}
	return ids
}
