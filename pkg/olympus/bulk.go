package olympus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tartarus-sandbox/tartarus-vmm/pkg/domain"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/tartarus"
	"golang.org/x/sync/errgroup"
)

// StartAll boots every Configured instance. It stops launching new starts
// after the first failure and returns that error.
func (m *Manager) StartAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.limit())
	for _, hv := range m.List() {
		if hv.State() != domain.StateConfigured {
			continue
		}
		hv := hv
		g.Go(func() error {
			if err := hv.Start(ctx); err != nil {
				return fmt.Errorf("start %s: %w", hv.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops every Running or Paused instance. Every instance is tried;
// the failures are joined.
func (m *Manager) StopAll(ctx context.Context) error {
	return m.each(ctx, func(ctx context.Context, hv *tartarus.Hypervisor) error {
		if !hv.State().Live() {
			return nil
		}
		return hv.Stop(ctx)
	})
}

// DeleteAll deletes every instance and forgets it. Without clean, live
// instances are stopped first since Delete only accepts Stopped ones, and
// instances that never started are cleaned because they cannot be stopped.
func (m *Manager) DeleteAll(ctx context.Context, clean bool) error {
	return m.each(ctx, func(ctx context.Context, hv *tartarus.Hypervisor) error {
		var err error
		if clean {
			err = hv.DeleteAndClean(ctx)
		} else {
			err = deleteStopped(ctx, hv)
		}
		if hv.State() == domain.StateDeleted {
			m.Remove(hv.ID())
		}
		return err
	})
}

func deleteStopped(ctx context.Context, hv *tartarus.Hypervisor) error {
	switch hv.State() {
	case domain.StateRunning, domain.StatePaused:
		if err := hv.Stop(ctx); err != nil {
			return err
		}
	case domain.StateCreated, domain.StateConfigured:
		return hv.DeleteAndClean(ctx)
	}
	return hv.Delete(ctx)
}

// each runs fn over every instance with bounded concurrency and joins the
// errors instead of cancelling siblings.
func (m *Manager) each(ctx context.Context, fn func(context.Context, *tartarus.Hypervisor) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	g.SetLimit(m.limit())
	for _, hv := range m.List() {
		hv := hv
		g.Go(func() error {
			if err := fn(ctx, hv); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", hv.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	m.Metrics.SetGauge("manager_instances", float64(m.Len()))
	return errors.Join(errs...)
}

func (m *Manager) limit() int {
	if m.Concurrency < 1 {
		return DefaultConcurrency
	}
	return m.Concurrency
}
