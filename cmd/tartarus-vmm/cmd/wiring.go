package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/charon"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/erebus"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/hades"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/nyx"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/paths"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// openArchive returns the configured snapshot archive, or nil when none is.
func openArchive(ctx context.Context) (*nyx.Archive, error) {
	var (
		store erebus.Store
		err   error
	)
	switch a := settings.Archive; {
	case a.S3.Bucket != "":
		store, err = erebus.NewS3Store(ctx, a.S3)
	case a.LocalPath != "":
		store, err = erebus.NewLocalStore(a.LocalPath)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return nyx.NewArchive(store, logger), nil
}

func requireArchive(ctx context.Context) (*nyx.Archive, error) {
	a, err := openArchive(ctx)
	if err == nil && a == nil {
		err = fmt.Errorf("no archive configured: set archive.local_path or archive.s3.bucket")
	}
	return a, err
}

// openRegistry returns the Redis registry, or nil when none is configured.
func openRegistry() (*hades.RedisRegistry, error) {
	r := settings.Registry
	if r.RedisAddr == "" {
		return nil, nil
	}
	reg, err := hades.NewRedisRegistry(r.RedisAddr, r.RedisDB, r.RedisPassword)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	return reg, nil
}

// apiClient talks to a running instance, found either by explicit socket or
// by id under the configured run dir.
func apiClient(socket, id string) (*charon.Client, error) {
	if socket == "" {
		if id == "" {
			return nil, fmt.Errorf("either --socket or --id is required")
		}
		cfg := settings.Hypervisor
		cfg.ID = id
		set, err := paths.Derive(cfg.WithDefaults())
		if err != nil {
			return nil, err
		}
		socket = set.Socket
	}
	h := settings.Hypervisor.WithDefaults()
	return charon.New(socket,
		charon.WithRetry(h.SocketRetry, h.RetryBackoff),
		charon.WithRequestTimeout(h.RequestTimeout),
		charon.WithLogger(logger),
		charon.WithMetrics(metrics),
	), nil
}

// outputFormat resolves --output. Terminals get tables, pipes get JSON.
func outputFormat(w io.Writer) string {
	if output != "" {
		return output
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "table"
	}
	return "json"
}

// render writes v as JSON or YAML, or calls table for the table format.
// Without a table renderer, tables fall back to YAML.
func render(cmd *cobra.Command, v any, table func(io.Writer) error) error {
	w := cmd.OutOrStdout()
	format := outputFormat(w)
	if format == "table" && table == nil {
		format = "yaml"
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case "table":
		return table(w)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
