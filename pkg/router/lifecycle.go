package router

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/glennswest/routerd/pkg/iptables"
)

// ensureRouter returns the registry entry for id, creating one on first
// sight. Bring-up order for a fresh router: register, create the namespace
// with forwarding enabled, install the metadata redirect rules, start the
// metadata proxy. Registration happens before any control-plane work so a
// half-built router is still reachable for teardown.
func (a *Agent) ensureRouter(id string, r Router) (*RouterState, error) {
	if ri, ok := a.routers[id]; ok {
		return ri, nil
	}

	namespace := ""
	if a.cfg.UseNamespaces {
		namespace = NamespaceName(id)
	}
	backend, err := a.newBackend(namespace)
	if err != nil {
		return nil, fmt.Errorf("creating firewall backend for router %s: %w", id, err)
	}
	ri := newRouterState(id, namespace, r, iptables.NewManager(backend, a.log.Named("firewall")))
	a.routers[id] = ri

	if a.cfg.UseNamespaces {
		if err := a.createNamespace(ri); err != nil {
			return nil, err
		}
	}

	ri.Firewall.AddRules(metadataFilterRules(a.cfg.MetadataPort))
	ri.Firewall.AddRules(metadataNATRules(a.cfg.MetadataPort))
	if err := ri.Firewall.Apply(); err != nil {
		return nil, fmt.Errorf("applying metadata rules for router %s: %w", id, err)
	}

	if err := a.proxy.Enable(id, namespace, a.metadataProxyArgs(id)); err != nil {
		return nil, fmt.Errorf("starting metadata proxy for router %s: %w", id, err)
	}
	return ri, nil
}

func (a *Agent) createNamespace(ri *RouterState) error {
	if err := a.driver.EnsureNamespace(ri.Namespace); err != nil {
		return fmt.Errorf("creating namespace %s: %w", ri.Namespace, err)
	}
	sysctl := []string{"sysctl", "-w", "net.ipv4.ip_forward=1"}
	if _, err := a.driver.ExecIn(ri.Namespace, sysctl, true); err != nil {
		return fmt.Errorf("enabling forwarding in %s: %w", ri.Namespace, err)
	}
	return nil
}

// removeRouter tears one router down: metadata redirect rules out, metadata
// proxy stopped, registry entry dropped, namespace swept. Unknown ids are a
// no-op so repeated deletion notifications are harmless.
func (a *Agent) removeRouter(id string) error {
	ri, ok := a.routers[id]
	if !ok {
		return nil
	}

	ri.Firewall.RemoveRules(metadataFilterRules(a.cfg.MetadataPort))
	ri.Firewall.RemoveRules(metadataNATRules(a.cfg.MetadataPort))
	if err := ri.Firewall.Apply(); err != nil {
		return fmt.Errorf("removing metadata rules for router %s: %w", id, err)
	}
	if err := a.proxy.Disable(id, ri.Namespace); err != nil {
		return fmt.Errorf("stopping metadata proxy for router %s: %w", id, err)
	}
	delete(a.routers, id)
	return a.destroyNamespace(ri.Namespace)
}

// destroyNamespace unplugs every router-owned device in the namespace,
// then deletes the namespace itself. An empty name sweeps the root
// namespace, which is where the devices live when isolation is off.
// Deleting the namespace is best-effort: a failure leaves it orphaned and
// is only logged.
func (a *Agent) destroyNamespace(namespace string) error {
	devices, err := a.driver.NamespaceDevices(namespace)
	if err != nil {
		return fmt.Errorf("listing devices in namespace %q: %w", namespace, err)
	}
	for _, dev := range devices {
		switch {
		case strings.HasPrefix(dev, InternalDevPrefix):
			if err := a.driver.Unplug(dev, "", namespace); err != nil {
				return fmt.Errorf("unplugging %s: %w", dev, err)
			}
		case strings.HasPrefix(dev, ExternalDevPrefix):
			if err := a.driver.Unplug(dev, a.cfg.ExternalNetworkBridge, namespace); err != nil {
				return fmt.Errorf("unplugging %s: %w", dev, err)
			}
		}
	}
	if namespace != "" {
		if err := a.driver.DeleteNamespace(namespace); err != nil {
			a.log.Warnw("leaving namespace behind", "namespace", namespace, "error", err)
		}
	}
	return nil
}

// destroyAllNamespaces removes every router namespace left over from a
// previous run, stale devices included. Per-namespace failures are logged
// and the sweep moves on.
func (a *Agent) destroyAllNamespaces() {
	namespaces, err := a.driver.ListNamespaces()
	if err != nil {
		a.log.Errorw("listing namespaces", "error", err)
		return
	}
	for _, ns := range namespaces {
		if !strings.HasPrefix(ns, NamespacePrefix) {
			continue
		}
		if err := a.destroyNamespace(ns); err != nil {
			a.log.Errorw("failed deleting namespace", "namespace", ns, "error", err)
		}
	}
}

func (a *Agent) metadataProxyArgs(routerID string) func(pidFile string) []string {
	return func(pidFile string) []string {
		return []string{
			"routerd-metadata-proxy",
			"--pid-file", pidFile,
			"--router-id", routerID,
			"--metadata-port", strconv.Itoa(a.cfg.MetadataPort),
		}
	}
}
