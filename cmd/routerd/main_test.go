package main

import (
	"testing"

	"github.com/spf13/pflag"
)

func TestDefaultConfigPath(t *testing.T) {
	t.Setenv("ROUTERD_CONFIG", "")
	if got := defaultConfigPath(); got != "/etc/routerd/config.yaml" {
		t.Errorf("defaultConfigPath() = %q, want the packaged default", got)
	}

	t.Setenv("ROUTERD_CONFIG", "/etc/routerd/staging.yaml")
	if got := defaultConfigPath(); got != "/etc/routerd/staging.yaml" {
		t.Errorf("defaultConfigPath() = %q, want the env value", got)
	}
}

func TestConfigPathEnvSeedsFlagDefault(t *testing.T) {
	t.Setenv("ROUTERD_CONFIG", "/etc/routerd/staging.yaml")

	opts := &options{}
	fs := pflag.NewFlagSet("routerd", pflag.ContinueOnError)
	registerFlags(opts, fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	if opts.configPath != "/etc/routerd/staging.yaml" {
		t.Errorf("configPath = %q, want the env value", opts.configPath)
	}
}

func TestExplicitConfigFlagWins(t *testing.T) {
	t.Setenv("ROUTERD_CONFIG", "/etc/routerd/staging.yaml")

	opts := &options{}
	fs := pflag.NewFlagSet("routerd", pflag.ContinueOnError)
	registerFlags(opts, fs)
	if err := fs.Parse([]string{"--config", "/tmp/cli.yaml"}); err != nil {
		t.Fatalf("Parse() = %v", err)
	}
	if opts.configPath != "/tmp/cli.yaml" {
		t.Errorf("configPath = %q, want the flag value", opts.configPath)
	}
}
