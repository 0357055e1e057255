// Package router implements the reconciliation engine that drives local
// network state (namespaces, interfaces, routes, NAT and filter rules,
// floating-IP bindings) toward router descriptors received from the
// controller.
package router

import (
	"errors"
	"fmt"

	utilnet "k8s.io/utils/net"
)

const (
	// NamespacePrefix precedes the router id in namespace names.
	NamespacePrefix = "qrouter-"
	// InternalDevPrefix and ExternalDevPrefix name the two kinds of
	// router-owned devices inside a namespace.
	InternalDevPrefix = "qr-"
	ExternalDevPrefix = "qg-"
)

// ErrNoFixedIPs is returned when a router port arrives without any IP
// address to configure.
var ErrNoFixedIPs = errors.New("router port has no IP address")

// ErrTooManyExternalNetworks is reported by the controller when it cannot
// pick a single external network for this agent. The operator must set
// gatewayExternalNetworkId to resolve the ambiguity.
var ErrTooManyExternalNetworks = errors.New("more than one external network exists")

// FixedIP is one address assignment on a port, together with the subnet it
// was allocated from.
type FixedIP struct {
	IPAddress       string `json:"ipAddress"`
	SubnetCIDR      string `json:"subnetCidr"`
	SubnetGatewayIP string `json:"subnetGatewayIp,omitempty"`
}

// Port describes one router interface, internal or gateway.
type Port struct {
	ID           string    `json:"id"`
	NetworkID    string    `json:"networkId"`
	MACAddress   string    `json:"macAddress"`
	AdminStateUp bool      `json:"adminStateUp"`
	FixedIPs     []FixedIP `json:"fixedIps"`

	// CIDR is the normalized address/prefix derived from the first fixed
	// IP, filled in during reconciliation. Not wire data.
	CIDR string `json:"-"`

	// Subnet is the masked network of the same subnet, the form NAT rules
	// match on. Not wire data.
	Subnet string `json:"-"`
}

// FloatingIP is one externally routable address mapped to a port's fixed
// address. PortID and FixedIPAddress are empty while the floating IP is
// not associated.
type FloatingIP struct {
	ID                string `json:"id"`
	FloatingIPAddress string `json:"floatingIpAddress"`
	FixedIPAddress    string `json:"fixedIpAddress,omitempty"`
	PortID            string `json:"portId,omitempty"`
}

// Associated reports whether the floating IP is currently bound to a port.
func (f FloatingIP) Associated() bool {
	return f.PortID != ""
}

// Router is the full descriptor for one logical router as the controller
// last announced it.
type Router struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name,omitempty"`
	AdminStateUp        bool         `json:"adminStateUp"`
	ExternalGatewayPort *Port        `json:"externalGatewayPort,omitempty"`
	InternalPorts       []Port       `json:"internalPorts,omitempty"`
	FloatingIPs         []FloatingIP `json:"floatingIps,omitempty"`
}

// Validate rejects malformed descriptors at the controller boundary so the
// reconciler only ever sees well-formed IPv4 input.
func (r *Router) Validate() error {
	if r.ID == "" {
		return errors.New("router id is required")
	}
	if gw := r.ExternalGatewayPort; gw != nil {
		if err := gw.validate(); err != nil {
			return fmt.Errorf("router %s gateway port: %w", r.ID, err)
		}
	}
	for i := range r.InternalPorts {
		if err := r.InternalPorts[i].validate(); err != nil {
			return fmt.Errorf("router %s internal port: %w", r.ID, err)
		}
	}
	seen := make(map[string]bool, len(r.FloatingIPs))
	for _, fip := range r.FloatingIPs {
		if fip.ID == "" {
			return fmt.Errorf("router %s: floating ip id is required", r.ID)
		}
		if seen[fip.ID] {
			return fmt.Errorf("router %s: duplicate floating ip %s", r.ID, fip.ID)
		}
		seen[fip.ID] = true
		if !utilnet.IsIPv4String(fip.FloatingIPAddress) {
			return fmt.Errorf("router %s floating ip %s: invalid IPv4 address %q",
				r.ID, fip.ID, fip.FloatingIPAddress)
		}
		if fip.FixedIPAddress != "" && !utilnet.IsIPv4String(fip.FixedIPAddress) {
			return fmt.Errorf("router %s floating ip %s: invalid fixed IPv4 address %q",
				r.ID, fip.ID, fip.FixedIPAddress)
		}
	}
	return nil
}

func (p *Port) validate() error {
	if p.ID == "" {
		return errors.New("port id is required")
	}
	for _, fip := range p.FixedIPs {
		if !utilnet.IsIPv4String(fip.IPAddress) {
			return fmt.Errorf("port %s: invalid IPv4 address %q", p.ID, fip.IPAddress)
		}
		if _, _, err := utilnet.ParseCIDRSloppy(fip.SubnetCIDR); err != nil {
			return fmt.Errorf("port %s: invalid subnet CIDR %q", p.ID, fip.SubnetCIDR)
		}
		if fip.SubnetGatewayIP != "" && !utilnet.IsIPv4String(fip.SubnetGatewayIP) {
			return fmt.Errorf("port %s: invalid subnet gateway %q", p.ID, fip.SubnetGatewayIP)
		}
	}
	return nil
}

// NamespaceName derives the namespace a router lives in. It is a pure
// function of the router id.
func NamespaceName(routerID string) string {
	return NamespacePrefix + routerID
}

// InternalDeviceName and ExternalDeviceName derive device names from port
// ids, truncated to the driver's limit. The mapping is lossy; collisions
// between truncated ids are not handled.
func InternalDeviceName(portID string, maxLen int) string {
	return truncate(InternalDevPrefix+portID, maxLen)
}

func ExternalDeviceName(portID string, maxLen int) string {
	return truncate(ExternalDevPrefix+portID, maxLen)
}

func truncate(name string, maxLen int) string {
	if len(name) > maxLen {
		return name[:maxLen]
	}
	return name
}
