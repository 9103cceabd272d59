package hades_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/hades"
)

func exerciseRegistry(t *testing.T, reg hades.Registry) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for _, rec := range []hades.Record{
		{ID: "vm-b", State: domain.StateRunning, Pid: 42, SocketPath: "/run/vmm/firecracker-vm-b.socket", UpdatedAt: now},
		{ID: "vm-a", State: domain.StateCreated, Pid: 41, UpdatedAt: now},
	} {
		if err := reg.Put(ctx, rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	got, err := reg.Get(ctx, "vm-b")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != domain.StateRunning || got.Pid != 42 || !got.UpdatedAt.Equal(now) {
		t.Errorf("unexpected record: %+v", got)
	}

	if err := reg.Put(ctx, hades.Record{ID: "vm-b", State: domain.StatePaused, Pid: 42}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, _ = reg.Get(ctx, "vm-b")
	if got.State != domain.StatePaused {
		t.Errorf("expected Paused after update, got %s", got.State)
	}

	list, err := reg.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "vm-a" || list[1].ID != "vm-b" {
		t.Errorf("unexpected list: %+v", list)
	}

	if err := reg.Delete(ctx, "vm-a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := reg.Delete(ctx, "vm-a"); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	if _, err := reg.Get(ctx, "vm-a"); !errors.Is(err, hades.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryRegistry(t *testing.T) {
	exerciseRegistry(t, hades.NewMemoryRegistry())
}

func TestRedisRegistry(t *testing.T) {
	s := miniredis.RunT(t)
	reg, err := hades.NewRedisRegistry(s.Addr(), 0, "")
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	defer reg.Close()

	exerciseRegistry(t, reg)

	if !s.Exists("tartarus-vmm:instance:vm-b") {
		t.Error("expected record under the instance key")
	}
}

func TestRedisRegistryTTL(t *testing.T) {
	s := miniredis.RunT(t)
	reg, err := hades.NewRedisRegistry(s.Addr(), 0, "")
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}
	reg.TTL = time.Minute

	ctx := context.Background()
	if err := reg.Put(ctx, hades.Record{ID: "vm-1", State: domain.StateRunning}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	s.FastForward(2 * time.Minute)

	if _, err := reg.Get(ctx, "vm-1"); !errors.Is(err, hades.ErrNotFound) {
		t.Errorf("expected record to expire, got %v", err)
	}
}

func TestRedisRegistryUnreachable(t *testing.T) {
	if _, err := hades.NewRedisRegistry("127.0.0.1:1", 0, ""); err == nil {
		t.Fatal("expected connection error")
	}
}
