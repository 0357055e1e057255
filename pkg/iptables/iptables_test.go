package iptables

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestManagerSeedsChainLayout(t *testing.T) {
	backend := NewFakeBackend()
	m := NewManager(backend, zap.NewNop().Sugar())

	if err := m.Apply(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !backend.HasChain(TableNAT, ChainSNAT) {
		t.Error("snat chain was not ensured")
	}
	if !backend.HasChain(TableNAT, ChainFloatSNAT) {
		t.Error("float-snat chain was not ensured")
	}
	if !backend.HasRule(TableNAT, "POSTROUTING", "-j", ChainSNAT) {
		t.Error("POSTROUTING jump into snat missing")
	}
	if !backend.HasRule(TableNAT, ChainSNAT, "-j", ChainFloatSNAT) {
		t.Error("snat jump into float-snat missing")
	}
}

func TestFloatSNATJumpPrecedesLaterRules(t *testing.T) {
	backend := NewFakeBackend()
	m := NewManager(backend, zap.NewNop().Sugar())

	// Gateway rules arrive after construction but must still land behind
	// the float-snat jump inside the snat chain.
	m.AddRule(TableNAT, ChainSNAT, "-s", "10.0.0.0/24", "-j", "SNAT", "--to-source", "172.24.4.2")
	if err := m.Apply(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rules := backend.Rules(TableNAT, ChainSNAT)
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules in snat chain, got %d: %v", len(rules), rules)
	}
	if rules[0] != "-j "+ChainFloatSNAT {
		t.Errorf("first snat rule = %q, want float-snat jump", rules[0])
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	backend := NewFakeBackend()
	m := NewManager(backend, zap.NewNop().Sugar())
	m.AddRule(TableFilter, "INPUT", "-s", "127.0.0.1/32", "-p", "tcp", "-m", "tcp", "--dport", "9697", "-j", "ACCEPT")

	if err := m.Apply(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := backend.TotalCalls()

	// Re-adding the same rules and re-applying must not touch the backend.
	m.AddRule(TableFilter, "INPUT", "-s", "127.0.0.1/32", "-p", "tcp", "-m", "tcp", "--dport", "9697", "-j", "ACCEPT")
	if err := m.Apply(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := backend.TotalCalls(); got != calls {
		t.Errorf("second apply made %d extra backend calls, want 0", got-calls)
	}
}

func TestApplyDeletesBeforeAdds(t *testing.T) {
	backend := NewFakeBackend()
	m := NewManager(backend, zap.NewNop().Sugar())
	m.AddRule(TableNAT, "PREROUTING", "-d", "172.24.4.10/32", "-j", "DNAT", "--to", "10.0.0.5")
	if err := m.Apply(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Rebind the external address to a different fixed IP.
	m.RemoveRule(TableNAT, "PREROUTING", "-d", "172.24.4.10/32", "-j", "DNAT", "--to", "10.0.0.5")
	m.AddRule(TableNAT, "PREROUTING", "-d", "172.24.4.10/32", "-j", "DNAT", "--to", "10.0.0.7")
	if err := m.Apply(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var deleteAt, appendAt int
	for i, op := range backend.Ops() {
		if strings.HasPrefix(op, "Delete ") && strings.Contains(op, "10.0.0.5") {
			deleteAt = i
		}
		if strings.HasPrefix(op, "AppendUnique ") && strings.Contains(op, "10.0.0.7") {
			appendAt = i
		}
	}
	if deleteAt == 0 || appendAt == 0 {
		t.Fatalf("expected both a delete and an append, ops: %v", backend.Ops())
	}
	if deleteAt > appendAt {
		t.Errorf("stale rule deleted at op %d after replacement appended at op %d", deleteAt, appendAt)
	}
	if backend.HasRule(TableNAT, "PREROUTING", "-d", "172.24.4.10/32", "-j", "DNAT", "--to", "10.0.0.5") {
		t.Error("stale rule still present after apply")
	}
}

func TestApplyRetriesOnlyFailedRules(t *testing.T) {
	backend := NewFakeBackend()
	m := NewManager(backend, zap.NewNop().Sugar())
	m.AddRule(TableFilter, "INPUT", "-j", "ACCEPT")
	m.AddRule(TableFilter, "FORWARD", "-j", "DROP")

	boom := errors.New("iptables: resource busy")
	backend.FailOn = func(op, table, chain string, spec []string) error {
		if op == "AppendUnique" && chain == "FORWARD" {
			return boom
		}
		return nil
	}
	if err := m.Apply(); !errors.Is(err, boom) {
		t.Fatalf("expected injected failure, got %v", err)
	}

	backend.FailOn = nil
	before := backend.Calls("AppendUnique")
	if err := m.Apply(); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := backend.Calls("AppendUnique") - before; got != 1 {
		t.Errorf("retry appended %d rules, want exactly the failed one", got)
	}
	if !backend.HasRule(TableFilter, "FORWARD", "-j", "DROP") {
		t.Error("failed rule never converged")
	}
}

func TestRemoveRuleUnknownIsNoop(t *testing.T) {
	backend := NewFakeBackend()
	m := NewManager(backend, zap.NewNop().Sugar())
	if err := m.Apply(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := backend.TotalCalls()

	m.RemoveRule(TableNAT, "PREROUTING", "-d", "1.2.3.4/32", "-j", "DNAT", "--to", "10.0.0.1")
	if err := m.Apply(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := backend.TotalCalls(); got != calls {
		t.Errorf("removing an unknown rule caused %d backend calls", got-calls)
	}
}
