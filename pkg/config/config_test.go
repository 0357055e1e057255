package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "interfaceDriver: netlink\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MetadataPort != 9697 {
		t.Errorf("MetadataPort = %d, want 9697", cfg.MetadataPort)
	}
	if cfg.SendARPForHA != 3 {
		t.Errorf("SendARPForHA = %d, want 3", cfg.SendARPForHA)
	}
	if !cfg.UseNamespaces {
		t.Error("UseNamespaces should default to true")
	}
	if !cfg.HandleInternalOnlyRouters {
		t.Error("HandleInternalOnlyRouters should default to true")
	}
	if cfg.ExternalNetworkBridge != "br-ex" {
		t.Errorf("ExternalNetworkBridge = %q, want br-ex", cfg.ExternalNetworkBridge)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
interfaceDriver: netlink
useNamespaces: false
routerID: r-1
metadataPort: 8775
sendARPForHA: 0
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UseNamespaces {
		t.Error("useNamespaces: false not honored")
	}
	if cfg.RouterID != "r-1" {
		t.Errorf("RouterID = %q, want r-1", cfg.RouterID)
	}
	if cfg.MetadataPort != 8775 {
		t.Errorf("MetadataPort = %d, want 8775", cfg.MetadataPort)
	}
	if cfg.SendARPForHA != 0 {
		t.Errorf("SendARPForHA = %d, want 0", cfg.SendARPForHA)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid netlink", func(c *Config) { c.InterfaceDriver = DriverNetlink }, false},
		{"valid fake", func(c *Config) { c.InterfaceDriver = DriverFake }, false},
		{"missing driver", func(c *Config) {}, true},
		{"unknown driver", func(c *Config) { c.InterfaceDriver = "ovs" }, true},
		{"no namespaces without router id", func(c *Config) {
			c.InterfaceDriver = DriverNetlink
			c.UseNamespaces = false
		}, true},
		{"no namespaces with router id", func(c *Config) {
			c.InterfaceDriver = DriverNetlink
			c.UseNamespaces = false
			c.RouterID = "r-1"
		}, false},
		{"bad metadata port", func(c *Config) {
			c.InterfaceDriver = DriverNetlink
			c.MetadataPort = -1
		}, true},
		{"bad sync interval", func(c *Config) {
			c.InterfaceDriver = DriverNetlink
			c.SyncIntervalSeconds = 0
		}, true},
		{"missing controller url", func(c *Config) {
			c.InterfaceDriver = DriverNetlink
			c.ControllerURL = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
