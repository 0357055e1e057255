// Package iptables maintains a desired set of iptables rules for a single
// router and converges the kernel state toward it with the minimum number
// of backend calls.
package iptables

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	// TableFilter and TableNAT are the iptables tables the agent manages.
	TableFilter = "filter"
	TableNAT    = "nat"

	// ChainSNAT holds the per-router source NAT rules. It is consulted
	// from POSTROUTING after the per-float chain.
	ChainSNAT = "snat"
	// ChainFloatSNAT holds one SNAT rule per floating IP binding. It is
	// consulted before the gateway-wide rules in ChainSNAT.
	ChainFloatSNAT = "float-snat"
)

// Backend executes individual chain and rule operations, either against a
// real iptables binary or an in-memory fake.
type Backend interface {
	EnsureChain(table, chain string) error
	AppendUnique(table, chain string, spec ...string) error
	Delete(table, chain string, spec ...string) error
}

// Rule is a single iptables rule in a given table and chain.
type Rule struct {
	Table string
	Chain string
	Spec  []string
}

func (r Rule) key() string {
	return r.Table + "/" + r.Chain + "/" + strings.Join(r.Spec, " ")
}

// String renders the rule roughly the way iptables-save would.
func (r Rule) String() string {
	return fmt.Sprintf("-t %s -A %s %s", r.Table, r.Chain, strings.Join(r.Spec, " "))
}

// Manager tracks the rules a router should have and applies only the
// difference since the last successful Apply. Adding a rule that is already
// desired, or removing one that is not, is a no-op, so replaying the same
// router state causes no backend traffic.
//
// Manager is confined to the sync goroutine and is not safe for concurrent
// use.
type Manager struct {
	backend Backend
	log     *zap.SugaredLogger

	chains        []Rule // chain declarations, abusing Rule for table+chain
	chainsEnsured bool

	desired []Rule
	applied []Rule
}

// NewManager returns a manager seeded with the chain layout every router
// shares: the custom snat and float-snat chains, a POSTROUTING jump into
// snat, and a leading jump from snat into float-snat so per-float source
// NAT wins over the gateway-wide rule.
func NewManager(backend Backend, log *zap.SugaredLogger) *Manager {
	m := &Manager{
		backend: backend,
		log:     log,
		chains: []Rule{
			{Table: TableNAT, Chain: ChainSNAT},
			{Table: TableNAT, Chain: ChainFloatSNAT},
		},
	}
	m.AddRule(TableNAT, "POSTROUTING", "-j", ChainSNAT)
	m.AddRule(TableNAT, ChainSNAT, "-j", ChainFloatSNAT)
	return m
}

// AddRule records a rule as desired. Rules are applied in the order they
// were first added.
func (m *Manager) AddRule(table, chain string, spec ...string) {
	r := Rule{Table: table, Chain: chain, Spec: spec}
	for _, d := range m.desired {
		if d.key() == r.key() {
			return
		}
	}
	m.desired = append(m.desired, r)
}

// AddRules records a batch of rules as desired.
func (m *Manager) AddRules(rules []Rule) {
	for _, r := range rules {
		m.AddRule(r.Table, r.Chain, r.Spec...)
	}
}

// RemoveRule drops a rule from the desired set. Unknown rules are ignored.
func (m *Manager) RemoveRule(table, chain string, spec ...string) {
	r := Rule{Table: table, Chain: chain, Spec: spec}
	for i, d := range m.desired {
		if d.key() == r.key() {
			m.desired = append(m.desired[:i], m.desired[i+1:]...)
			return
		}
	}
}

// RemoveRules drops a batch of rules from the desired set.
func (m *Manager) RemoveRules(rules []Rule) {
	for _, r := range rules {
		m.RemoveRule(r.Table, r.Chain, r.Spec...)
	}
}

// Apply converges the backend to the desired rule set. Stale rules are
// deleted before new ones are appended so a rule that changed shape never
// coexists with its replacement. The first backend error aborts the pass;
// rules already converged stay recorded so a retry only repeats what
// actually failed.
func (m *Manager) Apply() error {
	if !m.chainsEnsured {
		for _, c := range m.chains {
			if err := m.backend.EnsureChain(c.Table, c.Chain); err != nil {
				return fmt.Errorf("ensuring chain %s/%s: %w", c.Table, c.Chain, err)
			}
		}
		m.chainsEnsured = true
	}

	desiredKeys := make(map[string]bool, len(m.desired))
	for _, r := range m.desired {
		desiredKeys[r.key()] = true
	}
	appliedKeys := make(map[string]bool, len(m.applied))
	for _, r := range m.applied {
		appliedKeys[r.key()] = true
	}

	var removed, added int
	for i := 0; i < len(m.applied); {
		r := m.applied[i]
		if desiredKeys[r.key()] {
			i++
			continue
		}
		if err := m.backend.Delete(r.Table, r.Chain, r.Spec...); err != nil {
			return fmt.Errorf("deleting rule %q: %w", r.String(), err)
		}
		m.applied = append(m.applied[:i], m.applied[i+1:]...)
		removed++
	}

	for _, r := range m.desired {
		if appliedKeys[r.key()] {
			continue
		}
		if err := m.backend.AppendUnique(r.Table, r.Chain, r.Spec...); err != nil {
			return fmt.Errorf("appending rule %q: %w", r.String(), err)
		}
		m.applied = append(m.applied, r)
		added++
	}

	if removed > 0 || added > 0 {
		m.log.Debugw("applied iptables rules", "added", added, "removed", removed)
	}
	return nil
}
