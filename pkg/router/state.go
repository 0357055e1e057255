package router

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/glennswest/routerd/pkg/iptables"
)

// RouterState is the agent-side record of one managed router. The port and
// floating-IP fields are the baseline from the last pass over this router;
// each pass diffs the fresh descriptor against them and advances them as
// transitions are applied.
//
// State is only ever touched from the agent's task loop, so no locking here.
type RouterState struct {
	ID        string
	Namespace string // empty when namespaces are disabled

	// Router is the latest full descriptor received from the controller.
	Router Router

	GatewayPort   *Port
	InternalPorts []Port
	FloatingIPs   []FloatingIP

	// Firewall carries this router's desired NAT and filter rules across
	// passes. Rules accumulate here and converge on Apply.
	Firewall *iptables.Manager
}

func newRouterState(id, namespace string, r Router, fw *iptables.Manager) *RouterState {
	return &RouterState{
		ID:        id,
		Namespace: namespace,
		Router:    r,
		Firewall:  fw,
	}
}

// internalPortIDs returns the IDs of the ports wired up during earlier passes.
func (ri *RouterState) internalPortIDs() sets.Set[string] {
	ids := sets.New[string]()
	for _, p := range ri.InternalPorts {
		ids.Insert(p.ID)
	}
	return ids
}

// internalCIDRs returns the subnets currently plugged into the router, in
// masked network form.
func (ri *RouterState) internalCIDRs() []string {
	cidrs := make([]string, 0, len(ri.InternalPorts))
	for _, p := range ri.InternalPorts {
		cidrs = append(cidrs, p.Subnet)
	}
	return cidrs
}

func (ri *RouterState) dropInternalPort(portID string) {
	for i, p := range ri.InternalPorts {
		if p.ID == portID {
			ri.InternalPorts = append(ri.InternalPorts[:i], ri.InternalPorts[i+1:]...)
			return
		}
	}
}

func (ri *RouterState) dropFloatingIP(id string) {
	for i, fip := range ri.FloatingIPs {
		if fip.ID == id {
			ri.FloatingIPs = append(ri.FloatingIPs[:i], ri.FloatingIPs[i+1:]...)
			return
		}
	}
}
