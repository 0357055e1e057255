package driver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FakeDevice is the in-memory state of one plugged device.
type FakeDevice struct {
	Name      string
	Namespace string
	NetworkID string
	MAC       string
	Bridge    string
	Addresses []string
	Up        bool
}

// Fake is an in-memory ControlPlane for tests. Mutating calls are recorded
// in order so tests can assert both final state and exactly how much work a
// reconciliation pass performed.
type Fake struct {
	mu sync.Mutex

	namespaces map[string]bool
	devices    map[string]*FakeDevice // namespace + "/" + name
	routes     map[string]string      // namespace -> default gateway
	garps      []string
	execs      [][]string
	mutating   []string

	// FailOn, when non-nil, is consulted before every call and lets a
	// test inject a failure for a specific operation.
	FailOn func(op string, args ...string) error
}

// NewFake returns an empty fake control plane.
func NewFake() *Fake {
	return &Fake{
		namespaces: make(map[string]bool),
		devices:    make(map[string]*FakeDevice),
		routes:     make(map[string]string),
	}
}

func (f *Fake) fail(op string, args ...string) error {
	if f.FailOn != nil {
		return f.FailOn(op, args...)
	}
	return nil
}

func (f *Fake) record(op string, args ...string) {
	f.mutating = append(f.mutating, op+" "+strings.Join(args, " "))
}

func devKey(namespace, device string) string {
	return namespace + "/" + device
}

// ─── Namespace Operations ────────────────────────────────────────────────────

func (f *Fake) EnsureNamespace(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("EnsureNamespace", name); err != nil {
		return err
	}
	if !f.namespaces[name] {
		f.record("EnsureNamespace", name)
		f.namespaces[name] = true
	}
	return nil
}

func (f *Fake) DeleteNamespace(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("DeleteNamespace", name); err != nil {
		return err
	}
	if !f.namespaces[name] {
		return fmt.Errorf("namespace %s does not exist", name)
	}
	f.record("DeleteNamespace", name)
	delete(f.namespaces, name)
	return nil
}

func (f *Fake) ListNamespaces() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ListNamespaces"); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(f.namespaces))
	for ns := range f.namespaces {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) NamespaceDevices(name string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("NamespaceDevices", name); err != nil {
		return nil, err
	}
	var out []string
	for _, d := range f.devices {
		if d.Namespace == name {
			out = append(out, d.Name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ─── Device Operations ───────────────────────────────────────────────────────

func (f *Fake) DeviceExists(device, namespace string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.devices[devKey(namespace, device)]
	return ok
}

func (f *Fake) Plug(networkID, portID, device, mac, bridge, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Plug", device, namespace); err != nil {
		return err
	}
	key := devKey(namespace, device)
	if _, ok := f.devices[key]; ok {
		return fmt.Errorf("device %s already exists in %q", device, namespace)
	}
	f.record("Plug", device, namespace)
	f.devices[key] = &FakeDevice{
		Name:      device,
		Namespace: namespace,
		NetworkID: networkID,
		MAC:       mac,
		Bridge:    bridge,
	}
	return nil
}

func (f *Fake) Unplug(device, bridge, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("Unplug", device, namespace); err != nil {
		return err
	}
	key := devKey(namespace, device)
	if _, ok := f.devices[key]; !ok {
		return fmt.Errorf("device %s does not exist in %q", device, namespace)
	}
	f.record("Unplug", device, namespace)
	delete(f.devices, key)
	return nil
}

func (f *Fake) InitL3(device string, cidrs []string, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("InitL3", device, namespace); err != nil {
		return err
	}
	d, ok := f.devices[devKey(namespace, device)]
	if !ok {
		return fmt.Errorf("device %s does not exist in %q", device, namespace)
	}
	f.record("InitL3", append([]string{device, namespace}, cidrs...)...)
	d.Addresses = append([]string(nil), cidrs...)
	d.Up = true
	return nil
}

// ─── Address and Route Operations ────────────────────────────────────────────

func (f *Fake) AddressList(device, namespace string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("AddressList", device, namespace); err != nil {
		return nil, err
	}
	d, ok := f.devices[devKey(namespace, device)]
	if !ok {
		return nil, fmt.Errorf("device %s does not exist in %q", device, namespace)
	}
	return append([]string(nil), d.Addresses...), nil
}

func (f *Fake) AddAddress(device, cidr, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("AddAddress", device, cidr); err != nil {
		return err
	}
	d, ok := f.devices[devKey(namespace, device)]
	if !ok {
		return fmt.Errorf("device %s does not exist in %q", device, namespace)
	}
	for _, a := range d.Addresses {
		if a == cidr {
			return fmt.Errorf("address %s already on %s", cidr, device)
		}
	}
	f.record("AddAddress", device, cidr)
	d.Addresses = append(d.Addresses, cidr)
	return nil
}

func (f *Fake) DeleteAddress(device, cidr, namespace string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("DeleteAddress", device, cidr); err != nil {
		return err
	}
	d, ok := f.devices[devKey(namespace, device)]
	if !ok {
		return fmt.Errorf("device %s does not exist in %q", device, namespace)
	}
	for i, a := range d.Addresses {
		if a == cidr {
			f.record("DeleteAddress", device, cidr)
			d.Addresses = append(d.Addresses[:i], d.Addresses[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("address %s not on %s", cidr, device)
}

func (f *Fake) AddDefaultRoute(namespace, device, gatewayIP string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("AddDefaultRoute", namespace, gatewayIP); err != nil {
		return err
	}
	f.record("AddDefaultRoute", namespace, device, gatewayIP)
	f.routes[namespace] = gatewayIP
	return nil
}

// ─── Neighbor Announcement ───────────────────────────────────────────────────

func (f *Fake) SendGratuitousARP(device, ip, namespace string, count int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("SendGratuitousARP", device, ip); err != nil {
		return err
	}
	f.record("SendGratuitousARP", device, ip)
	f.garps = append(f.garps, device+" "+ip)
	return nil
}

// ─── Command Execution ───────────────────────────────────────────────────────

func (f *Fake) ExecIn(namespace string, cmd []string, checkExit bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("ExecIn", cmd...); err != nil {
		return "", err
	}
	f.record("ExecIn", append([]string{namespace}, cmd...)...)
	f.execs = append(f.execs, append([]string{namespace}, cmd...))
	return "", nil
}

func (f *Fake) MaxDeviceNameLen() int {
	return maxDeviceNameLen
}

// ─── Inspection Helpers ──────────────────────────────────────────────────────

// Device returns the state of a plugged device, or nil.
func (f *Fake) Device(namespace, name string) *FakeDevice {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[devKey(namespace, name)]
	if !ok {
		return nil
	}
	cp := *d
	cp.Addresses = append([]string(nil), d.Addresses...)
	return &cp
}

// HasNamespace reports whether a namespace currently exists.
func (f *Fake) HasNamespace(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.namespaces[name]
}

// DefaultRoute returns the default gateway recorded for a namespace.
func (f *Fake) DefaultRoute(namespace string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.routes[namespace]
}

// GARPs returns every gratuitous ARP sent, as "device ip" strings.
func (f *Fake) GARPs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.garps...)
}

// Execs returns every ExecIn invocation, namespace first.
func (f *Fake) Execs() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.execs))
	for i, e := range f.execs {
		out[i] = append([]string(nil), e...)
	}
	return out
}

// MutatingOps returns the recorded mutating calls in order. Read-only calls
// (DeviceExists, AddressList, listings) are not counted, matching how
// convergence cost is measured.
func (f *Fake) MutatingOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.mutating...)
}

// MutatingCalls returns the number of mutating calls so far.
func (f *Fake) MutatingCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mutating)
}

// Ensure Fake implements ControlPlane at compile time.
var _ ControlPlane = (*Fake)(nil)
