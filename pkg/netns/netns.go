//go:build linux

// Package netns manages named network namespaces (the /run/netns bind-mount
// convention shared with iproute2) and runs callbacks inside them.
package netns

import (
	"fmt"
	"os"
	"runtime"

	vnetns "github.com/vishvananda/netns"
)

// runDir is where iproute2 and vishvananda/netns keep named namespace
// bind mounts.
const runDir = "/run/netns"

// Exists reports whether a named namespace is present.
func Exists(name string) (bool, error) {
	ns, err := vnetns.GetFromName(name)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	ns.Close()
	return true, nil
}

// Ensure creates the named namespace if it does not already exist. The
// calling goroutine's namespace is left unchanged.
func Ensure(name string) error {
	ok, err := Exists(name)
	if err != nil {
		return fmt.Errorf("checking namespace %s: %w", name, err)
	}
	if ok {
		return nil
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := vnetns.Get()
	if err != nil {
		return fmt.Errorf("getting current namespace: %w", err)
	}
	defer orig.Close()

	// NewNamed switches the current thread into the new namespace.
	ns, err := vnetns.NewNamed(name)
	if err != nil {
		return fmt.Errorf("creating namespace %s: %w", name, err)
	}
	ns.Close()

	if err := vnetns.Set(orig); err != nil {
		return fmt.Errorf("restoring namespace after creating %s: %w", name, err)
	}
	return nil
}

// Delete removes the named namespace.
func Delete(name string) error {
	if err := vnetns.DeleteNamed(name); err != nil {
		return fmt.Errorf("deleting namespace %s: %w", name, err)
	}
	return nil
}

// List returns the names of all named namespaces on the host. A missing
// run directory means no namespaces.
func List() ([]string, error) {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", runDir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Do runs fn with the calling goroutine switched into the named namespace,
// restoring the original namespace afterwards. An empty name runs fn in the
// current namespace. Forked children (exec'd binaries) inherit the switched
// namespace, which is what the iptables backend relies on.
func Do(name string, fn func() error) error {
	if name == "" {
		return fn()
	}

	runtime.LockOSThread()

	orig, err := vnetns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("getting current namespace: %w", err)
	}
	defer orig.Close()

	target, err := vnetns.GetFromName(name)
	if err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("opening namespace %s: %w", name, err)
	}
	defer target.Close()

	if err := vnetns.Set(target); err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("entering namespace %s: %w", name, err)
	}

	fnErr := fn()

	if err := vnetns.Set(orig); err != nil {
		// The thread is stuck in the wrong namespace. Keep it locked so
		// the runtime discards it instead of reusing it.
		return fmt.Errorf("restoring namespace after %s: %w", name, err)
	}
	runtime.UnlockOSThread()
	return fnErr
}
