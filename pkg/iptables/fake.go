package iptables

import (
	"strings"
	"sync"
)

// FakeBackend is an in-memory Backend for tests. It keeps rules in append
// order per chain and counts every mutating call so tests can assert that
// a convergence pass touched the backend exactly as often as expected.
type FakeBackend struct {
	mu sync.Mutex

	chains map[string][]string // table -> chains
	rules  map[string][]string // table/chain -> joined specs
	counts map[string]int      // op name -> calls
	ops    []string            // mutating calls in order

	// FailOn, when non-nil, is consulted before every mutating call and
	// lets a test inject a failure for a specific rule.
	FailOn func(op, table, chain string, spec []string) error
}

var _ Backend = (*FakeBackend)(nil)

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		chains: make(map[string][]string),
		rules:  make(map[string][]string),
		counts: make(map[string]int),
	}
}

func (f *FakeBackend) EnsureChain(table, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts["EnsureChain"]++
	f.ops = append(f.ops, "EnsureChain "+table+"/"+chain)
	if f.FailOn != nil {
		if err := f.FailOn("EnsureChain", table, chain, nil); err != nil {
			return err
		}
	}
	for _, c := range f.chains[table] {
		if c == chain {
			return nil
		}
	}
	f.chains[table] = append(f.chains[table], chain)
	return nil
}

func (f *FakeBackend) AppendUnique(table, chain string, spec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts["AppendUnique"]++
	f.ops = append(f.ops, "AppendUnique "+table+"/"+chain+" "+strings.Join(spec, " "))
	if f.FailOn != nil {
		if err := f.FailOn("AppendUnique", table, chain, spec); err != nil {
			return err
		}
	}
	key := table + "/" + chain
	joined := strings.Join(spec, " ")
	for _, r := range f.rules[key] {
		if r == joined {
			return nil
		}
	}
	f.rules[key] = append(f.rules[key], joined)
	return nil
}

func (f *FakeBackend) Delete(table, chain string, spec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts["Delete"]++
	f.ops = append(f.ops, "Delete "+table+"/"+chain+" "+strings.Join(spec, " "))
	if f.FailOn != nil {
		if err := f.FailOn("Delete", table, chain, spec); err != nil {
			return err
		}
	}
	key := table + "/" + chain
	joined := strings.Join(spec, " ")
	for i, r := range f.rules[key] {
		if r == joined {
			f.rules[key] = append(f.rules[key][:i], f.rules[key][i+1:]...)
			return nil
		}
	}
	return nil
}

// Rules returns the joined rule specs currently in a chain, in order.
func (f *FakeBackend) Rules(table, chain string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := table + "/" + chain
	out := make([]string, len(f.rules[key]))
	copy(out, f.rules[key])
	return out
}

// HasRule reports whether the exact rule is present.
func (f *FakeBackend) HasRule(table, chain string, spec ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	joined := strings.Join(spec, " ")
	for _, r := range f.rules[table+"/"+chain] {
		if r == joined {
			return true
		}
	}
	return false
}

// HasChain reports whether a chain was ensured.
func (f *FakeBackend) HasChain(table, chain string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.chains[table] {
		if c == chain {
			return true
		}
	}
	return false
}

// Ops returns every mutating call in the order it arrived.
func (f *FakeBackend) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

// Calls returns how many times the named operation ran.
func (f *FakeBackend) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[op]
}

// TotalCalls returns the number of mutating backend calls so far.
func (f *FakeBackend) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.counts {
		total += n
	}
	return total
}
