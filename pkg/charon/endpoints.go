package charon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
)

// Action types accepted by PUT /actions.
const (
	ActionInstanceStart  = "InstanceStart"
	ActionSendCtrlAltDel = "SendCtrlAltDel"
	ActionFlushMetrics   = "FlushMetrics"
)

// VM states accepted by PATCH /vm.
const (
	VMStatePaused  = "Paused"
	VMStateResumed = "Resumed"
)

// Instance states reported by GET /.
const (
	InstanceNotStarted = "Not started"
	InstanceRunning    = "Running"
	InstancePaused     = "Paused"
)

var errMissingID = errors.New("device id is required")

func (c *Client) PutLogger(ctx context.Context, l *models.Logger) error {
	return c.Do(ctx, http.MethodPut, "/logger", l, nil)
}

func (c *Client) PutMetrics(ctx context.Context, m *models.Metrics) error {
	return c.Do(ctx, http.MethodPut, "/metrics", m, nil)
}

func (c *Client) PutMachineConfig(ctx context.Context, m *models.MachineConfiguration) error {
	return c.Do(ctx, http.MethodPut, "/machine-config", m, nil)
}

// PatchMachineConfig changes individual machine settings before boot.
func (c *Client) PatchMachineConfig(ctx context.Context, p domain.MachineConfigPatch) error {
	return c.Do(ctx, http.MethodPatch, "/machine-config", p, nil)
}

func (c *Client) GetMachineConfig(ctx context.Context) (*models.MachineConfiguration, error) {
	var m models.MachineConfiguration
	if err := c.Do(ctx, http.MethodGet, "/machine-config", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) PutCPUConfig(ctx context.Context, cfg domain.CPUConfig) error {
	return c.Do(ctx, http.MethodPut, "/cpu-config", cfg, nil)
}

func (c *Client) PutBootSource(ctx context.Context, b *models.BootSource) error {
	return c.Do(ctx, http.MethodPut, "/boot-source", b, nil)
}

func (c *Client) PutDrive(ctx context.Context, d models.Drive) error {
	if d.DriveID == nil || *d.DriveID == "" {
		return errMissingID
	}
	return c.Do(ctx, http.MethodPut, "/drives/"+url.PathEscape(*d.DriveID), d, nil)
}

// PatchDrive swaps the backing file of an attached drive.
func (c *Client) PatchDrive(ctx context.Context, p domain.DrivePatch) error {
	if p.DriveID == "" {
		return errMissingID
	}
	return c.Do(ctx, http.MethodPatch, "/drives/"+url.PathEscape(p.DriveID), p, nil)
}

func (c *Client) PutNetworkInterface(ctx context.Context, n models.NetworkInterface) error {
	if n.IfaceID == nil || *n.IfaceID == "" {
		return errMissingID
	}
	return c.Do(ctx, http.MethodPut, "/network-interfaces/"+url.PathEscape(*n.IfaceID), n, nil)
}

// PatchNetworkInterface replaces the rate limiters of an attached interface.
func (c *Client) PatchNetworkInterface(ctx context.Context, p models.PartialNetworkInterface) error {
	if p.IfaceID == nil || *p.IfaceID == "" {
		return errMissingID
	}
	return c.Do(ctx, http.MethodPatch, "/network-interfaces/"+url.PathEscape(*p.IfaceID), p, nil)
}

func (c *Client) PutBalloon(ctx context.Context, b *models.Balloon) error {
	return c.Do(ctx, http.MethodPut, "/balloon", b, nil)
}

func (c *Client) GetBalloon(ctx context.Context) (*models.Balloon, error) {
	var b models.Balloon
	if err := c.Do(ctx, http.MethodGet, "/balloon", nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBalloonStats needs a non-zero stats polling interval on the balloon.
func (c *Client) GetBalloonStats(ctx context.Context) (*models.BalloonStats, error) {
	var st models.BalloonStats
	if err := c.Do(ctx, http.MethodGet, "/balloon/statistics", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) PatchBalloonStats(ctx context.Context, intervalSeconds int64) error {
	return c.Do(ctx, http.MethodPatch, "/balloon/statistics", models.BalloonStatsUpdate{StatsPollingIntervals: firecracker.Int64(intervalSeconds)}, nil)
}

// PatchBalloon changes the balloon target size.
func (c *Client) PatchBalloon(ctx context.Context, amountMib int64) error {
	return c.Do(ctx, http.MethodPatch, "/balloon", models.BalloonUpdate{AmountMib: firecracker.Int64(amountMib)}, nil)
}

func (c *Client) PutVsock(ctx context.Context, v *models.Vsock) error {
	return c.Do(ctx, http.MethodPut, "/vsock", v, nil)
}

func (c *Client) PutEntropy(ctx context.Context, e *domain.EntropyDevice) error {
	return c.Do(ctx, http.MethodPut, "/entropy", e, nil)
}

func (c *Client) PutMmdsConfig(ctx context.Context, m *domain.MmdsConfig) error {
	return c.Do(ctx, http.MethodPut, "/mmds/config", m, nil)
}

// PutMmds replaces the metadata store contents.
func (c *Client) PutMmds(ctx context.Context, data any) error {
	return c.Do(ctx, http.MethodPut, "/mmds", data, nil)
}

// PatchMmds merges data into the metadata store.
func (c *Client) PatchMmds(ctx context.Context, data any) error {
	return c.Do(ctx, http.MethodPatch, "/mmds", data, nil)
}

func (c *Client) GetMmds(ctx context.Context, out any) error {
	return c.Do(ctx, http.MethodGet, "/mmds", nil, out)
}

// DescribeInstance is GET /, which doubles as the liveness ping.
func (c *Client) DescribeInstance(ctx context.Context) (*models.InstanceInfo, error) {
	var info models.InstanceInfo
	if err := c.Do(ctx, http.MethodGet, "/", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var v models.FirecrackerVersion
	if err := c.Do(ctx, http.MethodGet, "/version", nil, &v); err != nil {
		return "", err
	}
	if v.FirecrackerVersion == nil {
		return "", nil
	}
	return *v.FirecrackerVersion, nil
}

// ExportConfig returns the full configuration Firecracker is running with.
func (c *Client) ExportConfig(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.Do(ctx, http.MethodGet, "/vm/config", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) Action(ctx context.Context, action string) error {
	return c.Do(ctx, http.MethodPut, "/actions", models.InstanceActionInfo{ActionType: firecracker.String(action)}, nil)
}

func (c *Client) PatchVM(ctx context.Context, state string) error {
	return c.Do(ctx, http.MethodPatch, "/vm", models.VM{State: firecracker.String(state)}, nil)
}

func (c *Client) CreateSnapshot(ctx context.Context, statePath, memPath string, typ domain.SnapshotType) error {
	return c.Do(ctx, http.MethodPut, "/snapshot/create", models.SnapshotCreateParams{
		SnapshotPath: firecracker.String(statePath),
		MemFilePath:  firecracker.String(memPath),
		SnapshotType: string(typ),
	}, nil)
}

func (c *Client) LoadSnapshot(ctx context.Context, p domain.LoadSnapshotParams) error {
	return c.Do(ctx, http.MethodPut, "/snapshot/load", p, nil)
}
