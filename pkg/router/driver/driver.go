// Package driver provides the control-plane backends the router agent uses
// to manipulate namespaces, interfaces, addresses, and routes on the host.
package driver

// maxDeviceNameLen leaves one byte of the kernel's IFNAMSIZ budget free so
// derived names (peer suffixes) never overflow it.
const maxDeviceNameLen = 14

// ControlPlane abstracts host networking operations across backends (Linux
// netlink, in-memory fake for tests). The agent calls these methods instead
// of talking to the kernel directly. An empty namespace argument targets
// the host namespace.
//
// Calls are synchronous and are not cancellable once started; the agent's
// serialization model relies on them blocking the sync loop.
type ControlPlane interface {
	// Namespace operations
	EnsureNamespace(name string) error
	DeleteNamespace(name string) error
	ListNamespaces() ([]string, error)
	NamespaceDevices(name string) ([]string, error)

	// Device operations
	DeviceExists(device, namespace string) bool
	Plug(networkID, portID, device, mac, bridge, namespace string) error
	Unplug(device, bridge, namespace string) error
	InitL3(device string, cidrs []string, namespace string) error

	// Address and route operations
	AddressList(device, namespace string) ([]string, error)
	AddAddress(device, cidr, namespace string) error
	DeleteAddress(device, cidr, namespace string) error
	AddDefaultRoute(namespace, device, gatewayIP string) error

	// SendGratuitousARP announces an address on a device the given number
	// of times, one second apart.
	SendGratuitousARP(device, ip, namespace string, count int) error

	// ExecIn runs a command, optionally inside a namespace. When checkExit
	// is false a non-zero exit status is not treated as an error.
	ExecIn(namespace string, cmd []string, checkExit bool) (string, error)

	// MaxDeviceNameLen is the longest device name the backend can create.
	MaxDeviceNameLen() int
}
