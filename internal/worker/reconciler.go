package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/martinsuchenak/vnetd/internal/log"
	"github.com/martinsuchenak/vnetd/internal/model"
	"github.com/martinsuchenak/vnetd/internal/storage"
)

// Leases is the view of the transport pool the reconciler needs
type Leases interface {
	Links() []model.TransportLink
	Bindings(networkID string) []model.PortBinding
	ReleaseLink(ctx context.Context, networkID string) error
	ReleaseBinding(ctx context.Context, networkID, portID string) error
}

// Report summarizes one reconciliation pass
type Report struct {
	StartedAt        time.Time `json:"started_at"`
	Duration         string    `json:"duration"`
	ReleasedLinks    []string  `json:"released_links"`
	ReleasedBindings []string  `json:"released_bindings"`
	MissingLinks     []string  `json:"missing_links"`
	MissingBindings  []string  `json:"missing_bindings"`
}

// Reconciler finds leases and records left inconsistent by a crash between
// a store step and a pool step. Leases without a record are released;
// records without a lease are reported only.
type Reconciler struct {
	store   storage.Storage
	leases  Leases
	workers *WorkerPool
}

// NewReconciler creates a reconciler; releases run on workers
func NewReconciler(store storage.Storage, leases Leases, workers *WorkerPool) *Reconciler {
	return &Reconciler{store: store, leases: leases, workers: workers}
}

// Run performs one reconciliation pass
func (r *Reconciler) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now()}

	var (
		ids      []string
		handlers []func(context.Context) error
		released []*[]string
		names    []string
	)
	release := func(jobID, name string, into *[]string, fn func(context.Context) error) {
		ids = append(ids, jobID)
		names = append(names, name)
		handlers = append(handlers, fn)
		released = append(released, into)
	}

	for _, link := range r.leases.Links() {
		_, err := r.store.GetNetwork(ctx, link.NetworkID)
		switch {
		case errors.Is(err, model.ErrNotFound):
			networkID := link.NetworkID
			release("link/"+networkID, networkID, &report.ReleasedLinks, func(ctx context.Context) error {
				err := r.leases.ReleaseLink(ctx, networkID)
				if errors.Is(err, model.ErrNotFound) {
					return nil
				}
				return err
			})
			continue
		case err != nil:
			return nil, fmt.Errorf("checking network %s: %w", link.NetworkID, err)
		}

		for _, b := range r.leases.Bindings(link.NetworkID) {
			_, err := r.store.GetPort(ctx, b.NetworkID, b.PortID)
			switch {
			case errors.Is(err, model.ErrNotFound):
				networkID, portID := b.NetworkID, b.PortID
				release("binding/"+networkID+"/"+portID, networkID+"/"+portID, &report.ReleasedBindings, func(ctx context.Context) error {
					return r.leases.ReleaseBinding(ctx, networkID, portID)
				})
			case err != nil:
				return nil, fmt.Errorf("checking port %s: %w", b.PortID, err)
			}
		}
	}

	if err := r.findMissing(ctx, report); err != nil {
		return nil, err
	}

	var errs []error
	if len(handlers) > 0 {
		for i, err := range r.workers.Run(ctx, ids, handlers) {
			if err != nil {
				log.Error("Reconciler release failed", "lease", names[i], "error", err)
				errs = append(errs, fmt.Errorf("releasing %s: %w", names[i], err))
				continue
			}
			*released[i] = append(*released[i], names[i])
		}
	}

	report.Duration = time.Since(report.StartedAt).String()
	if len(report.ReleasedLinks)+len(report.ReleasedBindings) > 0 {
		log.Warn("Reconciler released orphaned leases", "links", len(report.ReleasedLinks), "bindings", len(report.ReleasedBindings))
	}
	log.Debug("Reconciliation finished", "duration", report.Duration)
	return report, errors.Join(errs...)
}

// findMissing reports networks without a link and ports without a binding
func (r *Reconciler) findMissing(ctx context.Context, report *Report) error {
	linked := make(map[string]bool)
	for _, link := range r.leases.Links() {
		linked[link.NetworkID] = true
	}

	networks, err := r.store.ListNetworks(ctx, "")
	if err != nil {
		return fmt.Errorf("listing networks: %w", err)
	}

	for _, n := range networks {
		if !linked[n.ID] {
			log.Error("Network has no transport link", "network_id", n.ID, "tenant", n.TenantID)
			report.MissingLinks = append(report.MissingLinks, n.ID)
			continue
		}

		bound := make(map[string]bool)
		for _, b := range r.leases.Bindings(n.ID) {
			bound[b.PortID] = true
		}
		ports, err := r.store.ListPorts(ctx, n.ID)
		if err != nil {
			return fmt.Errorf("listing ports of %s: %w", n.ID, err)
		}
		for _, p := range ports {
			if !bound[p.ID] {
				log.Error("Port has no binding", "network_id", n.ID, "port_id", p.ID)
				report.MissingBindings = append(report.MissingBindings, n.ID+"/"+p.ID)
			}
		}
	}
	return nil
}
