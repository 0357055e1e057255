package router

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
	utilnet "k8s.io/utils/net"
)

// normalizePort derives the port's interface CIDR from its first fixed IP
// and the subnet mask. A port with no fixed IPs cannot be wired up and
// fails with ErrNoFixedIPs; extra fixed IPs are ignored with a warning.
func (a *Agent) normalizePort(p *Port) error {
	if len(p.FixedIPs) == 0 {
		return fmt.Errorf("router port %s: %w", p.ID, ErrNoFixedIPs)
	}
	if len(p.FixedIPs) > 1 {
		a.log.Warnw("ignoring extra fixed IPs on router port", "port", p.ID)
	}
	fixed := p.FixedIPs[0]
	_, subnet, err := utilnet.ParseCIDRSloppy(fixed.SubnetCIDR)
	if err != nil {
		return fmt.Errorf("parsing subnet cidr %q on port %s: %w", fixed.SubnetCIDR, p.ID, err)
	}
	ones, _ := subnet.Mask.Size()
	p.CIDR = fmt.Sprintf("%s/%d", fixed.IPAddress, ones)
	p.Subnet = subnet.String()
	return nil
}

// processRouter walks one router from its applied baseline to the fresh
// descriptor held in ri.Router: internal ports first, then the gateway
// transition, then floating IPs. Baselines advance step by step as work
// lands; on error the remaining steps are abandoned and the caller decides
// whether a full resync is needed.
func (a *Agent) processRouter(ri *RouterState) error {
	var newGW *Port
	if ri.Router.ExternalGatewayPort != nil {
		cp := *ri.Router.ExternalGatewayPort
		newGW = &cp
	}

	existingIDs := ri.internalPortIDs()
	currentIDs := sets.New[string]()
	for _, p := range ri.Router.InternalPorts {
		if p.AdminStateUp {
			currentIDs.Insert(p.ID)
		}
	}

	var newPorts []Port
	for _, p := range ri.Router.InternalPorts {
		if currentIDs.Has(p.ID) && !existingIDs.Has(p.ID) {
			newPorts = append(newPorts, p)
		}
	}
	var oldPorts []Port
	for _, p := range ri.InternalPorts {
		if !currentIDs.Has(p.ID) {
			oldPorts = append(oldPorts, p)
		}
	}

	for _, p := range newPorts {
		if err := a.normalizePort(&p); err != nil {
			return err
		}
		ri.InternalPorts = append(ri.InternalPorts, p)
		if err := a.internalNetworkAdded(ri, newGW, p); err != nil {
			return err
		}
	}
	for _, p := range oldPorts {
		ri.dropInternalPort(p.ID)
		if err := a.internalNetworkRemoved(ri, newGW, p); err != nil {
			return err
		}
	}

	internalCIDRs := ri.internalCIDRs()

	switch {
	case newGW != nil && ri.GatewayPort == nil:
		if err := a.normalizePort(newGW); err != nil {
			return err
		}
		if err := a.externalGatewayAdded(ri, newGW, internalCIDRs); err != nil {
			return err
		}
	case newGW == nil && ri.GatewayPort != nil:
		if err := a.externalGatewayRemoved(ri, ri.GatewayPort, internalCIDRs); err != nil {
			return err
		}
	}

	// Floating IPs ride on the gateway interface. Run the pass when a
	// gateway exists on either side so bindings are also torn down in the
	// same sweep that removed the gateway.
	if ri.GatewayPort != nil || newGW != nil {
		if err := a.processFloatingIPs(ri, newGW); err != nil {
			return err
		}
	}

	ri.GatewayPort = newGW
	return nil
}

func (a *Agent) internalNetworkAdded(ri *RouterState, gwPort *Port, p Port) error {
	dev := InternalDeviceName(p.ID, a.driver.MaxDeviceNameLen())
	if !a.driver.DeviceExists(dev, ri.Namespace) {
		if err := a.driver.Plug(p.NetworkID, p.ID, dev, p.MACAddress, "", ri.Namespace); err != nil {
			return fmt.Errorf("plugging internal port %s: %w", p.ID, err)
		}
	}
	if err := a.driver.InitL3(dev, []string{p.CIDR}, ri.Namespace); err != nil {
		return fmt.Errorf("configuring %s: %w", dev, err)
	}
	ip, _, _ := strings.Cut(p.CIDR, "/")
	a.sendGratuitousARP(ri, dev, ip)

	if gwPort != nil {
		gwIP, err := portFixedIP(gwPort)
		if err != nil {
			return err
		}
		ri.Firewall.AddRules(internalNetworkNATRules(gwIP, p.Subnet))
		if err := ri.Firewall.Apply(); err != nil {
			return fmt.Errorf("applying snat rules for %s: %w", p.Subnet, err)
		}
	}
	return nil
}

func (a *Agent) internalNetworkRemoved(ri *RouterState, gwPort *Port, p Port) error {
	dev := InternalDeviceName(p.ID, a.driver.MaxDeviceNameLen())
	if a.driver.DeviceExists(dev, ri.Namespace) {
		if err := a.driver.Unplug(dev, "", ri.Namespace); err != nil {
			return fmt.Errorf("unplugging %s: %w", dev, err)
		}
	}
	if gwPort != nil {
		gwIP, err := portFixedIP(gwPort)
		if err != nil {
			return err
		}
		ri.Firewall.RemoveRules(internalNetworkNATRules(gwIP, p.Subnet))
		if err := ri.Firewall.Apply(); err != nil {
			return fmt.Errorf("removing snat rules for %s: %w", p.Subnet, err)
		}
	}
	return nil
}

func (a *Agent) externalGatewayAdded(ri *RouterState, gwPort *Port, internalCIDRs []string) error {
	dev := ExternalDeviceName(gwPort.ID, a.driver.MaxDeviceNameLen())
	if !a.driver.DeviceExists(dev, ri.Namespace) {
		err := a.driver.Plug(gwPort.NetworkID, gwPort.ID, dev, gwPort.MACAddress,
			a.cfg.ExternalNetworkBridge, ri.Namespace)
		if err != nil {
			return fmt.Errorf("plugging gateway port %s: %w", gwPort.ID, err)
		}
	}
	if err := a.driver.InitL3(dev, []string{gwPort.CIDR}, ri.Namespace); err != nil {
		return fmt.Errorf("configuring %s: %w", dev, err)
	}
	ip, _, _ := strings.Cut(gwPort.CIDR, "/")
	a.sendGratuitousARP(ri, dev, ip)

	if gw := gwPort.FixedIPs[0].SubnetGatewayIP; gw != "" {
		if err := a.driver.AddDefaultRoute(ri.Namespace, dev, gw); err != nil {
			a.log.Warnw("default route install failed",
				"router", ri.ID, "gateway", gw, "error", err)
		}
	}

	ri.Firewall.AddRules(externalGatewayNATRules(gwPort.FixedIPs[0].IPAddress, internalCIDRs, dev))
	if err := ri.Firewall.Apply(); err != nil {
		return fmt.Errorf("applying gateway nat rules: %w", err)
	}
	return nil
}

func (a *Agent) externalGatewayRemoved(ri *RouterState, gwPort *Port, internalCIDRs []string) error {
	dev := ExternalDeviceName(gwPort.ID, a.driver.MaxDeviceNameLen())
	if a.driver.DeviceExists(dev, ri.Namespace) {
		if err := a.driver.Unplug(dev, a.cfg.ExternalNetworkBridge, ri.Namespace); err != nil {
			return fmt.Errorf("unplugging %s: %w", dev, err)
		}
	}
	gwIP, err := portFixedIP(gwPort)
	if err != nil {
		return err
	}
	ri.Firewall.RemoveRules(externalGatewayNATRules(gwIP, internalCIDRs, dev))
	if err := ri.Firewall.Apply(); err != nil {
		return fmt.Errorf("removing gateway nat rules: %w", err)
	}
	return nil
}

// sendGratuitousARP announces an address move on the given device.
// Failures are logged, not propagated.
func (a *Agent) sendGratuitousARP(ri *RouterState, device, ip string) {
	if a.cfg.SendARPForHA <= 0 {
		return
	}
	if err := a.driver.SendGratuitousARP(device, ip, ri.Namespace, a.cfg.SendARPForHA); err != nil {
		a.log.Errorw("gratuitous ARP failed",
			"router", ri.ID, "device", device, "ip", ip, "error", err)
	}
}

// portFixedIP returns the port's first fixed IP address, the one NAT rules
// are generated against.
func portFixedIP(p *Port) (string, error) {
	if len(p.FixedIPs) == 0 {
		return "", fmt.Errorf("router port %s: %w", p.ID, ErrNoFixedIPs)
	}
	return p.FixedIPs[0].IPAddress, nil
}
