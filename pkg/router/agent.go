package router

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/glennswest/routerd/pkg/config"
	"github.com/glennswest/routerd/pkg/iptables"
	"github.com/glennswest/routerd/pkg/metrics"
	"github.com/glennswest/routerd/pkg/router/driver"
)

// ErrNotRunning is returned for calls made after the agent loop has exited.
var ErrNotRunning = errors.New("agent not running")

// ControllerClient is the slice of the network controller API the agent
// consumes.
type ControllerClient interface {
	// GetRouters fetches router descriptors, optionally scoped to a single
	// router id. fullsync tells the controller this is a complete resync.
	GetRouters(ctx context.Context, fullsync bool, routerID string) ([]Router, error)

	// GetExternalNetworkID resolves the external network when exactly one
	// exists. Ambiguity is reported as ErrTooManyExternalNetworks.
	GetExternalNetworkID(ctx context.Context) (string, error)
}

// MetadataProxy supervises the per-router metadata proxy processes.
type MetadataProxy interface {
	Enable(routerID, namespace string, args func(pidFile string) []string) error
	Disable(routerID, namespace string) error
}

// BackendFactory builds the firewall backend for one router's namespace.
// An empty namespace means the root namespace.
type BackendFactory func(namespace string) (iptables.Backend, error)

// ─── Agent ──────────────────────────────────────────────────────────────────

// Agent keeps the routers assigned to this host converged: namespaces,
// interfaces, NAT rules, floating IPs, metadata proxies. All state lives
// behind a single task loop; notifications and the resync timer are
// serialized onto it, so a slow external call delays everything behind it.
type Agent struct {
	cfg        config.Config
	log        *zap.SugaredLogger
	driver     driver.ControlPlane
	controller ControllerClient
	proxy      MetadataProxy
	newBackend BackendFactory

	// Loop-owned state. Only the Run goroutine touches these.
	routers       map[string]*RouterState
	fullSync      bool
	externalNetID string

	tasks chan task
	quit  chan struct{}
}

type taskKind int

const (
	taskUpdate taskKind = iota
	taskDelete
	taskStatus
)

type task struct {
	kind     taskKind
	routers  []Router
	routerID string
	status   chan Status
	done     chan struct{}
}

// New assembles an agent from its collaborators. The agent is inert until
// Run is called; the full-sync flag starts raised so the first timer tick
// performs the initial sync.
func New(cfg config.Config, drv driver.ControlPlane, ctrl ControllerClient,
	proxy MetadataProxy, newBackend BackendFactory, log *zap.SugaredLogger) *Agent {
	return &Agent{
		cfg:        cfg,
		log:        log.Named("agent"),
		driver:     drv,
		controller: ctrl,
		proxy:      proxy,
		newBackend: newBackend,
		routers:    make(map[string]*RouterState),
		fullSync:   true,
		tasks:      make(chan task),
		quit:       make(chan struct{}),
	}
}

// Run owns all agent state until ctx is cancelled. Leftover router
// namespaces from a previous run are swept before the loop starts.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.quit)

	a.log.Infow("agent starting",
		"useNamespaces", a.cfg.UseNamespaces,
		"syncInterval", a.cfg.SyncIntervalSeconds)

	if a.cfg.UseNamespaces {
		a.destroyAllNamespaces()
	}

	ticker := time.NewTicker(time.Duration(a.cfg.SyncIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.log.Infow("agent stopping")
			return nil
		case t := <-a.tasks:
			a.handle(ctx, t)
		case <-ticker.C:
			a.periodicSync(ctx)
		}
	}
}

func (a *Agent) handle(ctx context.Context, t task) {
	defer close(t.done)
	switch t.kind {
	case taskUpdate:
		metrics.RecordNotification("update")
		a.onRoutersUpdated(ctx, t.routers)
	case taskDelete:
		metrics.RecordNotification("delete")
		a.onRouterDeleted(t.routerID)
	case taskStatus:
		t.status <- a.snapshot()
	}
	metrics.SetManagedRouters(len(a.routers))
}

// ─── Notification surface ───────────────────────────────────────────────────

// RoutersUpdated hands a batch of fresh router descriptors to the agent and
// blocks until they have been processed. Safe to deliver repeatedly; an
// empty batch is a no-op. Reconciliation errors are absorbed by scheduling
// a full resync, not returned.
func (a *Agent) RoutersUpdated(ctx context.Context, routers []Router) error {
	if len(routers) == 0 {
		return nil
	}
	return a.enqueue(ctx, task{kind: taskUpdate, routers: routers})
}

// RouterDeleted tears down the named router. Unknown ids are a no-op.
func (a *Agent) RouterDeleted(ctx context.Context, routerID string) error {
	return a.enqueue(ctx, task{kind: taskDelete, routerID: routerID})
}

// Status reports a snapshot of the registry.
func (a *Agent) Status(ctx context.Context) (Status, error) {
	t := task{kind: taskStatus, status: make(chan Status, 1)}
	if err := a.enqueue(ctx, t); err != nil {
		return Status{}, err
	}
	return <-t.status, nil
}

func (a *Agent) enqueue(ctx context.Context, t task) error {
	t.done = make(chan struct{})
	select {
	case a.tasks <- t:
	case <-a.quit:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-t.done:
		return nil
	case <-a.quit:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ─── Sync passes ────────────────────────────────────────────────────────────

func (a *Agent) onRoutersUpdated(ctx context.Context, routers []Router) {
	if err := a.processBatch(ctx, routers); err != nil {
		a.log.Errorw("router batch failed, scheduling full resync", "error", err)
		a.fullSync = true
	}
}

func (a *Agent) onRouterDeleted(routerID string) {
	if err := a.removeRouter(routerID); err != nil {
		a.log.Errorw("router removal failed, scheduling full resync",
			"router", routerID, "error", err)
		a.fullSync = true
	}
}

// periodicSync rebuilds the whole local state from the controller when an
// earlier pass left the flag raised. The registry is reset and re-derived;
// routers that are already converged come through as no-ops. The flag is
// cleared only when the entire pass lands.
func (a *Agent) periodicSync(ctx context.Context) {
	if !a.fullSync {
		return
	}
	a.log.Infow("starting full resync")
	start := time.Now()

	routerID := ""
	if !a.cfg.UseNamespaces {
		routerID = a.cfg.RouterID
	}
	routers, err := a.controller.GetRouters(ctx, true, routerID)
	if err != nil {
		a.log.Errorw("fetching routers", "error", err)
		metrics.RecordFullSync("error", time.Since(start))
		return
	}

	a.routers = make(map[string]*RouterState)
	if err := a.processBatch(ctx, routers); err != nil {
		a.log.Errorw("full resync failed", "error", err)
		metrics.RecordFullSync("error", time.Since(start))
		return
	}
	a.fullSync = false
	metrics.RecordFullSync("success", time.Since(start))
	metrics.SetManagedRouters(len(a.routers))
	a.log.Infow("full resync complete", "routers", len(a.routers))
}

// processBatch runs the eligibility filter and the reconciler over one
// batch of descriptors. The first router error aborts the batch; work
// already applied for earlier routers stays in place.
func (a *Agent) processBatch(ctx context.Context, routers []Router) error {
	if bridge := a.cfg.ExternalNetworkBridge; bridge != "" && !a.driver.DeviceExists(bridge, "") {
		a.log.Errorw("external network bridge does not exist", "bridge", bridge)
		return nil
	}

	externalNetID, err := a.resolveExternalNetworkID(ctx)
	if err != nil {
		return err
	}

	for _, r := range routers {
		if !a.eligible(r, externalNetID) {
			// A registered router that stops qualifying is torn down, not
			// just skipped.
			if _, ok := a.routers[r.ID]; ok {
				if err := a.removeRouter(r.ID); err != nil {
					return fmt.Errorf("removing ineligible router %s: %w", r.ID, err)
				}
			}
			continue
		}

		ri, err := a.ensureRouter(r.ID, r)
		if err != nil {
			return err
		}
		ri.Router = r
		if err := a.processRouter(ri); err != nil {
			return fmt.Errorf("processing router %s: %w", r.ID, err)
		}
	}
	return nil
}

// eligible decides whether this agent implements the router locally:
// admin-up, matching the pinned router id when namespaces are off,
// internal-only routers only when configured, and the gateway sitting on
// the agent's external network.
func (a *Agent) eligible(r Router, externalNetID string) bool {
	if !r.AdminStateUp {
		return false
	}
	if !a.cfg.UseNamespaces && r.ID != a.cfg.RouterID {
		return false
	}
	gwNetID := ""
	if r.ExternalGatewayPort != nil {
		gwNetID = r.ExternalGatewayPort.NetworkID
	}
	if gwNetID == "" && !a.cfg.HandleInternalOnlyRouters {
		return false
	}
	if gwNetID != "" && gwNetID != externalNetID {
		return false
	}
	return true
}

// resolveExternalNetworkID returns the external network this agent serves:
// the configured override when set, otherwise asked of the controller once
// and cached. An ambiguous answer is a configuration problem the operator
// has to settle, so it is passed up rather than retried here.
func (a *Agent) resolveExternalNetworkID(ctx context.Context) (string, error) {
	if a.cfg.GatewayExternalNetworkID != "" {
		return a.cfg.GatewayExternalNetworkID, nil
	}
	if a.externalNetID != "" {
		return a.externalNetID, nil
	}
	id, err := a.controller.GetExternalNetworkID(ctx)
	if err != nil {
		if errors.Is(err, ErrTooManyExternalNetworks) {
			return "", fmt.Errorf("gatewayExternalNetworkID must be configured when more than one external network exists: %w", err)
		}
		return "", fmt.Errorf("resolving external network: %w", err)
	}
	a.externalNetID = id
	return id, nil
}

// ─── Status ─────────────────────────────────────────────────────────────────

// Status is a point-in-time view of the agent's registry.
type Status struct {
	FullSyncRequired bool           `json:"fullSyncRequired"`
	Routers          []RouterStatus `json:"routers"`
}

// RouterStatus summarizes one managed router.
type RouterStatus struct {
	ID            string   `json:"id"`
	Namespace     string   `json:"namespace,omitempty"`
	GatewaySet    bool     `json:"gatewaySet"`
	InternalCIDRs []string `json:"internalCidrs,omitempty"`
	FloatingIPs   []string `json:"floatingIps,omitempty"`
}

func (a *Agent) snapshot() Status {
	st := Status{FullSyncRequired: a.fullSync, Routers: []RouterStatus{}}
	for _, ri := range a.routers {
		rs := RouterStatus{
			ID:            ri.ID,
			Namespace:     ri.Namespace,
			GatewaySet:    ri.GatewayPort != nil,
			InternalCIDRs: ri.internalCIDRs(),
		}
		for _, fip := range ri.FloatingIPs {
			rs.FloatingIPs = append(rs.FloatingIPs, fip.FloatingIPAddress)
		}
		st.Routers = append(st.Routers, rs)
	}
	slices.SortFunc(st.Routers, func(x, y RouterStatus) int {
		return cmp.Compare(x.ID, y.ID)
	})
	return st
}
