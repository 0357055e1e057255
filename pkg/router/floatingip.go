package router

import (
	"fmt"
	"slices"

	"k8s.io/apimachinery/pkg/util/sets"
)

// processFloatingIPs diffs the descriptor's floating IPs against the
// bindings applied so far. An entry the controller still lists but whose
// port association was cleared is torn down the same way as a vanished one.
// New bindings go onto the descriptor's gateway port; removals and remaps
// work against the previous baseline's gateway, whose device is the one
// still carrying the address.
func (a *Agent) processFloatingIPs(ri *RouterState, gwPort *Port) error {
	existing := sets.New[string]()
	for _, fip := range ri.FloatingIPs {
		existing.Insert(fip.ID)
	}

	current := make(map[string]FloatingIP)
	for _, fip := range ri.Router.FloatingIPs {
		if !fip.Associated() {
			continue
		}
		current[fip.ID] = fip
		if !existing.Has(fip.ID) {
			ri.FloatingIPs = append(ri.FloatingIPs, fip)
			if err := a.floatingIPAdded(ri, gwPort, fip.FloatingIPAddress, fip.FixedIPAddress); err != nil {
				return err
			}
		}
	}

	for _, fip := range slices.Clone(ri.FloatingIPs) {
		cur, ok := current[fip.ID]
		if !ok {
			ri.dropFloatingIP(fip.ID)
			err := a.floatingIPRemoved(ri, ri.GatewayPort, fip.FloatingIPAddress, fip.FixedIPAddress)
			if err != nil {
				return err
			}
			continue
		}

		// Remapped to a different fixed IP: tear the old translation down
		// before installing the new one so the two never overlap.
		if cur.FixedIPAddress != "" && fip.FixedIPAddress != "" &&
			cur.FixedIPAddress != fip.FixedIPAddress {
			err := a.floatingIPRemoved(ri, ri.GatewayPort, fip.FloatingIPAddress, fip.FixedIPAddress)
			if err != nil {
				return err
			}
			err = a.floatingIPAdded(ri, ri.GatewayPort, fip.FloatingIPAddress, cur.FixedIPAddress)
			if err != nil {
				return err
			}
			for i := range ri.FloatingIPs {
				if ri.FloatingIPs[i].ID == fip.ID {
					ri.FloatingIPs[i].FixedIPAddress = cur.FixedIPAddress
					break
				}
			}
		}
	}
	return nil
}

func (a *Agent) floatingIPAdded(ri *RouterState, gwPort *Port, floatingIP, fixedIP string) error {
	if gwPort == nil {
		return fmt.Errorf("binding floating ip %s: router %s has no gateway port", floatingIP, ri.ID)
	}
	dev := ExternalDeviceName(gwPort.ID, a.driver.MaxDeviceNameLen())
	cidr := floatingIP + "/32"

	addrs, err := a.driver.AddressList(dev, ri.Namespace)
	if err != nil {
		return fmt.Errorf("listing addresses on %s: %w", dev, err)
	}
	if !slices.Contains(addrs, cidr) {
		if err := a.driver.AddAddress(dev, cidr, ri.Namespace); err != nil {
			return fmt.Errorf("binding %s on %s: %w", cidr, dev, err)
		}
		a.sendGratuitousARP(ri, dev, floatingIP)
	}

	ri.Firewall.AddRules(floatingForwardRules(floatingIP, fixedIP))
	if err := ri.Firewall.Apply(); err != nil {
		return fmt.Errorf("applying floating ip rules for %s: %w", floatingIP, err)
	}
	return nil
}

func (a *Agent) floatingIPRemoved(ri *RouterState, gwPort *Port, floatingIP, fixedIP string) error {
	if gwPort == nil {
		return fmt.Errorf("unbinding floating ip %s: router %s has no gateway port", floatingIP, ri.ID)
	}
	dev := ExternalDeviceName(gwPort.ID, a.driver.MaxDeviceNameLen())
	if err := a.driver.DeleteAddress(dev, floatingIP+"/32", ri.Namespace); err != nil {
		return fmt.Errorf("unbinding %s from %s: %w", floatingIP, dev, err)
	}

	ri.Firewall.RemoveRules(floatingForwardRules(floatingIP, fixedIP))
	if err := ri.Firewall.Apply(); err != nil {
		return fmt.Errorf("removing floating ip rules for %s: %w", floatingIP, err)
	}
	return nil
}
