package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Driver names accepted for Config.InterfaceDriver.
const (
	DriverNetlink = "netlink"
	DriverFake    = "fake"
)

// ErrDriverRequired is returned by Validate when no interface driver is
// configured. The agent cannot start without one.
var ErrDriverRequired = errors.New("an interface driver must be specified")

// Config is the routerd agent configuration, loaded from a YAML file.
type Config struct {
	// ControllerURL is the base URL of the network controller the agent
	// fetches router descriptors from.
	ControllerURL string `yaml:"controllerURL"`

	// RootHelper is prepended to privileged external commands (namespace
	// exec, metadata proxy spawn). Empty disables privilege escalation.
	RootHelper string `yaml:"rootHelper"`

	// ExternalNetworkBridge is the bridge carrying external network
	// traffic. Gateway ports are plugged into it.
	ExternalNetworkBridge string `yaml:"externalNetworkBridge"`

	// InterfaceDriver selects the network control plane implementation
	// ("netlink" or "fake"). Required.
	InterfaceDriver string `yaml:"interfaceDriver"`

	// MetadataPort is the TCP port of the per-router metadata proxy.
	MetadataPort int `yaml:"metadataPort"`

	// SendARPForHA is the number of gratuitous ARPs broadcast when an
	// address is configured on an interface. Zero or negative disables it.
	SendARPForHA int `yaml:"sendARPForHA"`

	// UseNamespaces places each router in its own network namespace,
	// allowing overlapping tenant addressing.
	UseNamespaces bool `yaml:"useNamespaces"`

	// RouterID restricts the agent to a single router. Required when
	// namespaces are disabled, ignored otherwise.
	RouterID string `yaml:"routerID"`

	// HandleInternalOnlyRouters lets the agent implement routers that have
	// no external gateway.
	HandleInternalOnlyRouters bool `yaml:"handleInternalOnlyRouters"`

	// GatewayExternalNetworkID statically pins the external network this
	// agent serves. Empty means resolve it through the controller.
	GatewayExternalNetworkID string `yaml:"gatewayExternalNetworkID"`

	// SyncIntervalSeconds is the period of the full-resync check.
	SyncIntervalSeconds int `yaml:"syncIntervalSeconds"`

	// ListenAddr serves the notification and status API.
	ListenAddr string `yaml:"listenAddr"`

	// MetricsAddr serves prometheus metrics and the health probe.
	MetricsAddr string `yaml:"metricsAddr"`

	// StateDir holds runtime state such as metadata proxy pid files.
	StateDir string `yaml:"stateDir"`

	// Debug switches the logger to development output.
	Debug bool `yaml:"debug"`
}

// Default returns a Config populated with defaults. Loading YAML on top of
// it only overrides keys present in the file, so booleans that default to
// true keep working.
func Default() Config {
	return Config{
		ControllerURL:             "http://127.0.0.1:9696",
		RootHelper:                "sudo",
		ExternalNetworkBridge:     "br-ex",
		MetadataPort:              9697,
		SendARPForHA:              3,
		UseNamespaces:             true,
		HandleInternalOnlyRouters: true,
		SyncIntervalSeconds:       40,
		ListenAddr:                ":9698",
		MetricsAddr:               ":9699",
		StateDir:                  "/var/lib/routerd",
	}
}

// Load reads the YAML file at path over Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks for configurations the agent cannot start with.
func (c Config) Validate() error {
	switch c.InterfaceDriver {
	case "":
		return ErrDriverRequired
	case DriverNetlink, DriverFake:
	default:
		return fmt.Errorf("unknown interface driver %q (want %q or %q)",
			c.InterfaceDriver, DriverNetlink, DriverFake)
	}

	if !c.UseNamespaces && c.RouterID == "" {
		return errors.New("routerID is required when namespaces are disabled")
	}
	if c.MetadataPort <= 0 || c.MetadataPort > 65535 {
		return fmt.Errorf("metadataPort %d out of range", c.MetadataPort)
	}
	if c.SyncIntervalSeconds <= 0 {
		return errors.New("syncIntervalSeconds must be positive")
	}
	if c.ControllerURL == "" {
		return errors.New("controllerURL must be set")
	}
	return nil
}
