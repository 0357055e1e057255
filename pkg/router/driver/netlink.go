//go:build linux

package driver

import (
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/j-keck/arping"
	"github.com/vishvananda/netlink"
	vnetns "github.com/vishvananda/netns"
	"go.uber.org/zap"

	"github.com/glennswest/routerd/pkg/netns"
)

// peerPrefix names the host-side end of a veth pair.
const peerPrefix = "tap"

// Netlink implements ControlPlane with netlink syscalls, entering router
// namespaces through their bind mounts under /run/netns. Commands that must
// be spawned as child processes (sysctl, the metadata proxy) run through
// the configured root helper.
type Netlink struct {
	rootHelper string
	log        *zap.SugaredLogger
}

// NewNetlink returns a ControlPlane backed by Linux netlink.
func NewNetlink(rootHelper string, log *zap.SugaredLogger) *Netlink {
	return &Netlink{
		rootHelper: rootHelper,
		log:        log.Named("netlink-driver"),
	}
}

// ─── Namespace Operations ────────────────────────────────────────────────────

func (d *Netlink) EnsureNamespace(name string) error {
	if err := netns.Ensure(name); err != nil {
		return err
	}
	d.log.Infow("namespace ensured", "name", name)
	return nil
}

func (d *Netlink) DeleteNamespace(name string) error {
	if err := netns.Delete(name); err != nil {
		return err
	}
	d.log.Infow("namespace deleted", "name", name)
	return nil
}

func (d *Netlink) ListNamespaces() ([]string, error) {
	return netns.List()
}

func (d *Netlink) NamespaceDevices(name string) ([]string, error) {
	h, closeHandle, err := d.handle(name)
	if err != nil {
		return nil, err
	}
	defer closeHandle()

	links, err := h.LinkList()
	if err != nil {
		return nil, fmt.Errorf("netlink link list in %s: %w", name, err)
	}

	var out []string
	for _, l := range links {
		if l.Attrs().Name == "lo" {
			continue
		}
		out = append(out, l.Attrs().Name)
	}
	return out, nil
}

// ─── Device Operations ───────────────────────────────────────────────────────

func (d *Netlink) DeviceExists(device, namespace string) bool {
	h, closeHandle, err := d.handle(namespace)
	if err != nil {
		return false
	}
	defer closeHandle()

	_, err = h.LinkByName(device)
	return err == nil
}

// Plug creates a veth pair, attaches the host-side peer to the bridge when
// one is given, and moves the router-side end into the namespace. The
// networkID is carried for backends that key ports by network; netlink does
// not need it.
func (d *Netlink) Plug(networkID, portID, device, mac, bridge, namespace string) error {
	peer := peerName(portID)

	la := netlink.NewLinkAttrs()
	la.Name = device
	veth := &netlink.Veth{LinkAttrs: la, PeerName: peer}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("netlink veth add %s: %w", device, err)
	}

	devLink, err := netlink.LinkByName(device)
	if err != nil {
		return fmt.Errorf("netlink lookup %s after create: %w", device, err)
	}
	peerLink, err := netlink.LinkByName(peer)
	if err != nil {
		return fmt.Errorf("netlink lookup peer %s: %w", peer, err)
	}

	if mac != "" {
		hwAddr, err := net.ParseMAC(mac)
		if err != nil {
			netlink.LinkDel(devLink)
			return fmt.Errorf("parsing mac %q for %s: %w", mac, device, err)
		}
		if err := netlink.LinkSetHardwareAddr(devLink, hwAddr); err != nil {
			netlink.LinkDel(devLink)
			return fmt.Errorf("netlink set mac on %s: %w", device, err)
		}
	}

	if bridge != "" {
		br, err := netlink.LinkByName(bridge)
		if err != nil {
			netlink.LinkDel(devLink)
			return fmt.Errorf("netlink lookup bridge %s: %w", bridge, err)
		}
		if err := netlink.LinkSetMaster(peerLink, br); err != nil {
			netlink.LinkDel(devLink)
			return fmt.Errorf("netlink set master %s -> %s: %w", peer, bridge, err)
		}
	}

	if err := netlink.LinkSetUp(peerLink); err != nil {
		return fmt.Errorf("netlink link up %s: %w", peer, err)
	}

	if namespace != "" {
		ns, err := vnetns.GetFromName(namespace)
		if err != nil {
			netlink.LinkDel(devLink)
			return fmt.Errorf("opening namespace %s: %w", namespace, err)
		}
		defer ns.Close()
		if err := netlink.LinkSetNsFd(devLink, int(ns)); err != nil {
			netlink.LinkDel(devLink)
			return fmt.Errorf("netlink move %s into %s: %w", device, namespace, err)
		}
	}

	h, closeHandle, err := d.handle(namespace)
	if err != nil {
		return err
	}
	defer closeHandle()
	moved, err := h.LinkByName(device)
	if err != nil {
		return fmt.Errorf("netlink lookup %s in %s: %w", device, namespace, err)
	}
	if err := h.LinkSetUp(moved); err != nil {
		return fmt.Errorf("netlink link up %s in %s: %w", device, namespace, err)
	}

	d.log.Infow("device plugged",
		"device", device, "peer", peer, "bridge", bridge, "namespace", namespace)
	return nil
}

// Unplug deletes the namespace-side end of the pair; the kernel removes the
// peer (and its bridge attachment) with it.
func (d *Netlink) Unplug(device, bridge, namespace string) error {
	h, closeHandle, err := d.handle(namespace)
	if err != nil {
		return err
	}
	defer closeHandle()

	link, err := h.LinkByName(device)
	if err != nil {
		return fmt.Errorf("netlink lookup %s in %s: %w", device, namespace, err)
	}
	if err := h.LinkDel(link); err != nil {
		return fmt.Errorf("netlink del %s: %w", device, err)
	}
	d.log.Infow("device unplugged", "device", device, "namespace", namespace)
	return nil
}

// InitL3 brings the device up and makes its IPv4 address set exactly match
// cidrs, removing addresses that are no longer wanted.
func (d *Netlink) InitL3(device string, cidrs []string, namespace string) error {
	h, closeHandle, err := d.handle(namespace)
	if err != nil {
		return err
	}
	defer closeHandle()

	link, err := h.LinkByName(device)
	if err != nil {
		return fmt.Errorf("netlink lookup %s in %s: %w", device, namespace, err)
	}
	if err := h.LinkSetUp(link); err != nil {
		return fmt.Errorf("netlink link up %s: %w", device, err)
	}

	existing, err := h.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("netlink addr list %s: %w", device, err)
	}

	want := make(map[string]bool, len(cidrs))
	for _, c := range cidrs {
		want[c] = true
	}

	for _, a := range existing {
		cidr := a.IPNet.String()
		if want[cidr] {
			delete(want, cidr)
			continue
		}
		if err := h.AddrDel(link, &a); err != nil {
			return fmt.Errorf("netlink addr del %s on %s: %w", cidr, device, err)
		}
	}

	for _, c := range cidrs {
		if !want[c] {
			continue
		}
		addr, err := netlink.ParseAddr(c)
		if err != nil {
			return fmt.Errorf("parsing address %s: %w", c, err)
		}
		if err := h.AddrAdd(link, addr); err != nil {
			return fmt.Errorf("netlink addr add %s on %s: %w", c, device, err)
		}
	}
	return nil
}

// ─── Address and Route Operations ────────────────────────────────────────────

func (d *Netlink) AddressList(device, namespace string) ([]string, error) {
	h, closeHandle, err := d.handle(namespace)
	if err != nil {
		return nil, err
	}
	defer closeHandle()

	link, err := h.LinkByName(device)
	if err != nil {
		return nil, fmt.Errorf("netlink lookup %s in %s: %w", device, namespace, err)
	}
	addrs, err := h.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("netlink addr list %s: %w", device, err)
	}

	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.IPNet.String())
	}
	return out, nil
}

func (d *Netlink) AddAddress(device, cidr, namespace string) error {
	h, closeHandle, err := d.handle(namespace)
	if err != nil {
		return err
	}
	defer closeHandle()

	link, err := h.LinkByName(device)
	if err != nil {
		return fmt.Errorf("netlink lookup %s in %s: %w", device, namespace, err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("parsing address %s: %w", cidr, err)
	}
	if err := h.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("netlink addr add %s on %s: %w", cidr, device, err)
	}
	d.log.Debugw("address added", "device", device, "cidr", cidr, "namespace", namespace)
	return nil
}

func (d *Netlink) DeleteAddress(device, cidr, namespace string) error {
	h, closeHandle, err := d.handle(namespace)
	if err != nil {
		return err
	}
	defer closeHandle()

	link, err := h.LinkByName(device)
	if err != nil {
		return fmt.Errorf("netlink lookup %s in %s: %w", device, namespace, err)
	}
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return fmt.Errorf("parsing address %s: %w", cidr, err)
	}
	if err := h.AddrDel(link, addr); err != nil {
		return fmt.Errorf("netlink addr del %s on %s: %w", cidr, device, err)
	}
	d.log.Debugw("address deleted", "device", device, "cidr", cidr, "namespace", namespace)
	return nil
}

func (d *Netlink) AddDefaultRoute(namespace, device, gatewayIP string) error {
	gw := net.ParseIP(gatewayIP)
	if gw == nil {
		return fmt.Errorf("invalid gateway IP %q", gatewayIP)
	}

	h, closeHandle, err := d.handle(namespace)
	if err != nil {
		return err
	}
	defer closeHandle()

	link, err := h.LinkByName(device)
	if err != nil {
		return fmt.Errorf("netlink lookup %s in %s: %w", device, namespace, err)
	}
	route := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        gw,
	}
	if err := h.RouteReplace(route); err != nil {
		return fmt.Errorf("netlink route replace default via %s: %w", gatewayIP, err)
	}
	d.log.Infow("default route installed",
		"namespace", namespace, "device", device, "gateway", gatewayIP)
	return nil
}

// ─── Neighbor Announcement ───────────────────────────────────────────────────

func (d *Netlink) SendGratuitousARP(device, ip, namespace string, count int) error {
	addr := net.ParseIP(ip)
	if addr == nil {
		return fmt.Errorf("invalid IP %q", ip)
	}

	return netns.Do(namespace, func() error {
		for i := 0; i < count; i++ {
			if i > 0 {
				time.Sleep(time.Second)
			}
			if err := arping.GratuitousArpOverIfaceByName(addr, device); err != nil {
				return fmt.Errorf("gratuitous arp for %s on %s: %w", ip, device, err)
			}
		}
		return nil
	})
}

// ─── Command Execution ───────────────────────────────────────────────────────

// ExecIn runs cmd through the root helper, wrapped in `ip netns exec` when a
// namespace is given. With checkExit false a non-zero exit is ignored, which
// some callers rely on for best-effort commands.
func (d *Netlink) ExecIn(namespace string, cmd []string, checkExit bool) (string, error) {
	if len(cmd) == 0 {
		return "", errors.New("empty command")
	}

	argv := strings.Fields(d.rootHelper)
	if namespace != "" {
		argv = append(argv, "ip", "netns", "exec", namespace)
	}
	argv = append(argv, cmd...)

	out, err := exec.Command(argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && !checkExit {
			d.log.Debugw("command exited non-zero, ignoring",
				"cmd", strings.Join(cmd, " "), "namespace", namespace)
			return string(out), nil
		}
		return string(out), fmt.Errorf("running %q: %w: %s",
			strings.Join(cmd, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (d *Netlink) MaxDeviceNameLen() int {
	return maxDeviceNameLen
}

// handle opens a netlink socket in the given namespace, or the current one
// when name is empty. The returned closer must be called.
func (d *Netlink) handle(namespace string) (*netlink.Handle, func(), error) {
	if namespace == "" {
		h, err := netlink.NewHandle()
		if err != nil {
			return nil, nil, fmt.Errorf("opening netlink handle: %w", err)
		}
		return h, h.Close, nil
	}

	ns, err := vnetns.GetFromName(namespace)
	if err != nil {
		return nil, nil, fmt.Errorf("opening namespace %s: %w", namespace, err)
	}
	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		ns.Close()
		return nil, nil, fmt.Errorf("opening netlink handle in %s: %w", namespace, err)
	}
	return h, func() {
		h.Close()
		ns.Close()
	}, nil
}

func peerName(portID string) string {
	return truncateName(peerPrefix + portID)
}

func truncateName(name string) string {
	if len(name) > maxDeviceNameLen {
		return name[:maxDeviceNameLen]
	}
	return name
}

// Ensure Netlink implements ControlPlane at compile time.
var _ ControlPlane = (*Netlink)(nil)
