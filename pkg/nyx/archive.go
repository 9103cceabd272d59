// Package nyx keeps snapshots in the dark: it copies snapshot state and
// memory files into an erebus store and brings them back.
package nyx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/erebus"
)

const manifestName = "manifest.json"

// Manifest describes one archived snapshot. It is written after both files
// so its presence marks a complete upload.
type Manifest struct {
	Key        string              `json:"key"`
	InstanceID string              `json:"instance_id"`
	SnapshotID string              `json:"snapshot_id"`
	Type       domain.SnapshotType `json:"type"`
	StateName  string              `json:"state_name"`
	MemName    string              `json:"mem_name"`
	StateSize  int64               `json:"state_size"`
	MemSize    int64               `json:"mem_size"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Archive is Nyx.
type Archive struct {
	Store  erebus.Store
	Logger *slog.Logger

	// Prefix is prepended to every key.
	Prefix string
}

func NewArchive(store erebus.Store, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{Store: store, Logger: logger, Prefix: "snapshots"}
}

// Push uploads the snapshot files of rec and returns the archive key.
func (a *Archive) Push(ctx context.Context, instanceID string, rec domain.SnapshotRecord) (string, error) {
	snapID := rec.ID
	if snapID == "" {
		snapID = uuid.New().String()
	}
	key := path.Join(a.Prefix, instanceID, snapID)

	stateSize, err := a.upload(ctx, key+"/state", rec.StatePath)
	if err != nil {
		return "", err
	}
	memSize, err := a.upload(ctx, key+"/mem", rec.MemPath)
	if err != nil {
		return "", err
	}

	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	m := Manifest{
		Key:        key,
		InstanceID: instanceID,
		SnapshotID: snapID,
		Type:       rec.Type,
		StateName:  filepath.Base(rec.StatePath),
		MemName:    filepath.Base(rec.MemPath),
		StateSize:  stateSize,
		MemSize:    memSize,
		CreatedAt:  created,
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := a.Store.Put(ctx, key+"/"+manifestName, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("store manifest: %w", err)
	}

	a.Logger.Info("Archived snapshot", "id", instanceID, "key", key, "type", rec.Type, "bytes", stateSize+memSize)
	return key, nil
}

func (a *Archive) upload(ctx context.Context, key, file string) (int64, error) {
	f, err := os.Open(file)
	if err != nil {
		return 0, fmt.Errorf("open snapshot file: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	if err := a.Store.Put(ctx, key, f); err != nil {
		return 0, fmt.Errorf("upload %s: %w", key, err)
	}
	return st.Size(), nil
}

// Pull downloads the snapshot stored under key into dir and returns a
// record pointing at the local files.
func (a *Archive) Pull(ctx context.Context, key, dir string) (domain.SnapshotRecord, error) {
	m, err := a.manifest(ctx, key)
	if err != nil {
		return domain.SnapshotRecord{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.SnapshotRecord{}, err
	}

	rec := domain.SnapshotRecord{
		ID:         m.SnapshotID,
		Type:       m.Type,
		StatePath:  filepath.Join(dir, m.StateName),
		MemPath:    filepath.Join(dir, m.MemName),
		CreatedAt:  m.CreatedAt,
		ArchiveKey: key,
	}
	if err := a.download(ctx, key+"/state", rec.StatePath); err != nil {
		return domain.SnapshotRecord{}, err
	}
	if err := a.download(ctx, key+"/mem", rec.MemPath); err != nil {
		return domain.SnapshotRecord{}, err
	}

	a.Logger.Info("Restored snapshot from archive", "key", key, "dir", dir)
	return rec, nil
}

func (a *Archive) download(ctx context.Context, key, dst string) error {
	rc, err := a.Store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", key, err)
	}
	defer rc.Close()

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return f.Close()
}

func (a *Archive) manifest(ctx context.Context, key string) (Manifest, error) {
	rc, err := a.Store.Get(ctx, key+"/"+manifestName)
	if err != nil {
		return Manifest{}, fmt.Errorf("snapshot %s: %w", key, err)
	}
	defer rc.Close()

	var m Manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest %s: %w", key, err)
	}
	return m, nil
}

// List returns the complete snapshots archived for instanceID, oldest
// first. An empty instanceID lists every instance.
func (a *Archive) List(ctx context.Context, instanceID string) ([]Manifest, error) {
	prefix := a.Prefix + "/"
	if instanceID != "" {
		prefix = path.Join(a.Prefix, instanceID) + "/"
	}
	keys, err := a.Store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var out []Manifest
	for _, k := range keys {
		if path.Base(k) != manifestName {
			continue
		}
		m, err := a.manifest(ctx, path.Dir(k))
		if err != nil {
			if errors.Is(err, erebus.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Delete removes an archived snapshot, manifest first.
func (a *Archive) Delete(ctx context.Context, key string) error {
	for _, name := range []string{manifestName, "state", "mem"} {
		if err := a.Store.Delete(ctx, key+"/"+name); err != nil {
			return fmt.Errorf("delete %s/%s: %w", key, name, err)
		}
	}
	return nil
}
