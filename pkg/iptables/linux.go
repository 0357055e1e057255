//go:build linux

package iptables

import (
	"fmt"

	goiptables "github.com/coreos/go-iptables/iptables"

	"github.com/glennswest/routerd/pkg/netns"
)

// LinuxBackend drives the iptables binary inside a router's network
// namespace. Each call switches the calling thread into the namespace so
// the forked iptables process inherits it. An empty namespace targets the
// host namespace, for agents running without namespace isolation.
type LinuxBackend struct {
	namespace string
	ipt       *goiptables.IPTables
}

var _ Backend = (*LinuxBackend)(nil)

// NewLinuxBackend returns a backend bound to the given namespace.
func NewLinuxBackend(namespace string) (*LinuxBackend, error) {
	ipt, err := goiptables.New()
	if err != nil {
		return nil, fmt.Errorf("initializing iptables: %w", err)
	}
	return &LinuxBackend{namespace: namespace, ipt: ipt}, nil
}

func (b *LinuxBackend) EnsureChain(table, chain string) error {
	return netns.Do(b.namespace, func() error {
		chains, err := b.ipt.ListChains(table)
		if err != nil {
			return fmt.Errorf("listing chains in %s: %w", table, err)
		}
		for _, c := range chains {
			if c == chain {
				return nil
			}
		}
		return b.ipt.NewChain(table, chain)
	})
}

func (b *LinuxBackend) AppendUnique(table, chain string, spec ...string) error {
	return netns.Do(b.namespace, func() error {
		return b.ipt.AppendUnique(table, chain, spec...)
	})
}

func (b *LinuxBackend) Delete(table, chain string, spec ...string) error {
	return netns.Do(b.namespace, func() error {
		return b.ipt.Delete(table, chain, spec...)
	})
}
