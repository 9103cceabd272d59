package tartarus

import (
	"context"
	"log/slog"

	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/hades"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/hermes"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/kampe"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/styx"
)

// Archiver stores snapshot files somewhere durable. nyx.Archive is one.
type Archiver interface {
	Push(ctx context.Context, instanceID string, rec domain.SnapshotRecord) (string, error)
}

type options struct {
	logger   *slog.Logger
	metrics  hermes.Metrics
	registry hades.Registry
	archive  Archiver
	links    styx.Links
	dial     kampe.DialFunc
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m hermes.Metrics) Option {
	return func(o *options) { o.metrics = hermes.OrNoop(m) }
}

// WithRegistry records every state change in reg.
func WithRegistry(reg hades.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithArchive copies every snapshot to a.
func WithArchive(a Archiver) Option {
	return func(o *options) { o.archive = a }
}

// WithLinks enables tap checks before network interfaces are attached and
// tap release on clean teardown.
func WithLinks(l styx.Links) Option {
	return func(o *options) { o.links = l }
}

// WithDialer replaces the Unix socket dialer for readiness checks and
// control requests.
func WithDialer(d kampe.DialFunc) Option {
	return func(o *options) { o.dial = d }
}
