package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/glennswest/routerd/pkg/config"
	"github.com/glennswest/routerd/pkg/iptables"
	"github.com/glennswest/routerd/pkg/router/driver"
)

// ─── Test doubles ───────────────────────────────────────────────────────────

type fakeController struct {
	mu              sync.Mutex
	routers         []Router
	routersErr      error
	externalNetID   string
	externalNetErr  error
	getRoutersCalls int
	lastFullsync    bool
	lastRouterID    string
}

func (c *fakeController) GetRouters(_ context.Context, fullsync bool, routerID string) ([]Router, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getRoutersCalls++
	c.lastFullsync = fullsync
	c.lastRouterID = routerID
	if c.routersErr != nil {
		return nil, c.routersErr
	}
	return append([]Router(nil), c.routers...), nil
}

func (c *fakeController) GetExternalNetworkID(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.externalNetErr != nil {
		return "", c.externalNetErr
	}
	return c.externalNetID, nil
}

type fakeProxy struct {
	mu       sync.Mutex
	running  map[string]bool
	enables  []string
	disables []string
	lastArgs []string
}

func newFakeProxy() *fakeProxy {
	return &fakeProxy{running: make(map[string]bool)}
}

func (p *fakeProxy) Enable(routerID, namespace string, args func(string) []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running[routerID] = true
	p.enables = append(p.enables, routerID)
	p.lastArgs = args("/run/routerd/pids/" + routerID + ".pid")
	return nil
}

func (p *fakeProxy) Disable(routerID, namespace string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.running, routerID)
	p.disables = append(p.disables, routerID)
	return nil
}

// ─── Harness ────────────────────────────────────────────────────────────────

type harness struct {
	agent    *Agent
	driver   *driver.Fake
	backends map[string]*iptables.FakeBackend
	proxy    *fakeProxy
	ctrl     *fakeController
}

// newHarness wires an agent to in-memory collaborators. Backends are keyed
// by namespace and survive registry resets, the way kernel rule state
// survives an agent restart.
func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	h := &harness{
		driver:   driver.NewFake(),
		backends: make(map[string]*iptables.FakeBackend),
		proxy:    newFakeProxy(),
		ctrl:     &fakeController{externalNetID: "ext-net"},
	}
	factory := func(namespace string) (iptables.Backend, error) {
		if b, ok := h.backends[namespace]; ok {
			return b, nil
		}
		b := iptables.NewFakeBackend()
		h.backends[namespace] = b
		return b, nil
	}
	h.agent = New(cfg, h.driver, h.ctrl, h.proxy, factory, zap.NewNop().Sugar())
	return h
}

func (h *harness) backend(t *testing.T, namespace string) *iptables.FakeBackend {
	t.Helper()
	b, ok := h.backends[namespace]
	if !ok {
		t.Fatalf("no firewall backend created for namespace %q", namespace)
	}
	return b
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ExternalNetworkBridge = ""
	cfg.GatewayExternalNetworkID = "ext-net"
	return cfg
}

func extGateway() *Port {
	return &Port{
		ID:           "G",
		NetworkID:    "ext-net",
		MACAddress:   "fa:16:3e:00:00:aa",
		AdminStateUp: true,
		FixedIPs: []FixedIP{{
			IPAddress:       "203.0.113.5",
			SubnetCIDR:      "203.0.113.0/24",
			SubnetGatewayIP: "203.0.113.1",
		}},
	}
}

func internalPort(id, ip, cidr string) Port {
	return Port{
		ID:           id,
		NetworkID:    "net-int",
		MACAddress:   "fa:16:3e:00:00:01",
		AdminStateUp: true,
		FixedIPs:     []FixedIP{{IPAddress: ip, SubnetCIDR: cidr}},
	}
}

func testRouter(id string, gw *Port, ports ...Port) Router {
	return Router{
		ID:                  id,
		Name:                id,
		AdminStateUp:        true,
		ExternalGatewayPort: gw,
		InternalPorts:       ports,
	}
}

func countOps(ops []string, want string) int {
	n := 0
	for _, op := range ops {
		if op == want {
			n++
		}
	}
	return n
}

// ─── Batch processing ───────────────────────────────────────────────────────

func TestGatewayBringUpInstallsSnatAndDefaultRoute(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	r := testRouter("r1", nil, internalPort("P1", "10.0.0.1", "10.0.0.0/24"))
	if err := h.agent.processBatch(ctx, []Router{r}); err != nil {
		t.Fatalf("first batch: %v", err)
	}

	const ns = "qrouter-r1"
	if !h.driver.HasNamespace(ns) {
		t.Fatalf("namespace %s not created", ns)
	}
	dev := h.driver.Device(ns, "qr-P1")
	if dev == nil {
		t.Fatalf("internal device qr-P1 not plugged")
	}
	if len(dev.Addresses) != 1 || dev.Addresses[0] != "10.0.0.1/24" {
		t.Errorf("qr-P1 addresses = %v, want [10.0.0.1/24]", dev.Addresses)
	}

	r.ExternalGatewayPort = extGateway()
	if err := h.agent.processBatch(ctx, []Router{r}); err != nil {
		t.Fatalf("gateway batch: %v", err)
	}

	gwDev := h.driver.Device(ns, "qg-G")
	if gwDev == nil {
		t.Fatalf("gateway device qg-G not plugged")
	}
	if len(gwDev.Addresses) != 1 || gwDev.Addresses[0] != "203.0.113.5/24" {
		t.Errorf("qg-G addresses = %v, want [203.0.113.5/24]", gwDev.Addresses)
	}
	if got := h.driver.DefaultRoute(ns); got != "203.0.113.1" {
		t.Errorf("default route = %q, want 203.0.113.1", got)
	}

	be := h.backend(t, ns)
	if !be.HasRule("nat", "snat", "-s", "10.0.0.0/24", "-j", "SNAT", "--to-source", "203.0.113.5") {
		t.Errorf("snat rule for 10.0.0.0/24 missing, have %v", be.Rules("nat", "snat"))
	}
	if !be.HasRule("nat", "POSTROUTING",
		"!", "-i", "qg-G", "!", "-o", "qg-G", "-m", "conntrack", "!", "--ctstate", "DNAT", "-j", "ACCEPT") {
		t.Errorf("conntrack accept rule missing, have %v", be.Rules("nat", "POSTROUTING"))
	}
}

func TestReplayIssuesNoCalls(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	r := testRouter("r1", extGateway(), internalPort("P1", "10.0.0.1", "10.0.0.0/24"))
	r.FloatingIPs = []FloatingIP{{
		ID:                "f1",
		FloatingIPAddress: "203.0.113.10",
		FixedIPAddress:    "10.0.0.5",
		PortID:            "p-vm",
	}}
	if err := h.agent.processBatch(ctx, []Router{r}); err != nil {
		t.Fatalf("initial batch: %v", err)
	}

	drvCalls := h.driver.MutatingCalls()
	beCalls := h.backend(t, "qrouter-r1").TotalCalls()

	if err := h.agent.processBatch(ctx, []Router{r}); err != nil {
		t.Fatalf("replay batch: %v", err)
	}

	if got := h.driver.MutatingCalls(); got != drvCalls {
		t.Errorf("replay issued %d extra driver calls: %v",
			got-drvCalls, h.driver.MutatingOps()[drvCalls:])
	}
	if got := h.backend(t, "qrouter-r1").TotalCalls(); got != beCalls {
		t.Errorf("replay issued %d extra firewall calls", got-beCalls)
	}
}

func TestAdminDownRouterNeverRegistered(t *testing.T) {
	h := newHarness(t, testConfig())

	r := testRouter("r1", nil, internalPort("P1", "10.0.0.1", "10.0.0.0/24"))
	r.AdminStateUp = false
	if err := h.agent.processBatch(context.Background(), []Router{r}); err != nil {
		t.Fatalf("processBatch: %v", err)
	}

	if len(h.agent.routers) != 0 {
		t.Fatalf("admin-down router entered the registry")
	}
	if h.driver.HasNamespace("qrouter-r1") {
		t.Errorf("namespace created for admin-down router")
	}
}

func TestRouterTornDownWhenDisqualified(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	r := testRouter("r1", nil, internalPort("P1", "10.0.0.1", "10.0.0.0/24"))
	if err := h.agent.processBatch(ctx, []Router{r}); err != nil {
		t.Fatalf("bring-up: %v", err)
	}
	if len(h.agent.routers) != 1 {
		t.Fatalf("router not registered")
	}

	r.AdminStateUp = false
	if err := h.agent.processBatch(ctx, []Router{r}); err != nil {
		t.Fatalf("disqualifying batch: %v", err)
	}

	if len(h.agent.routers) != 0 {
		t.Fatalf("disqualified router still in registry")
	}
	if h.driver.HasNamespace("qrouter-r1") {
		t.Errorf("namespace survived disqualification")
	}
	if len(h.proxy.disables) != 1 || h.proxy.disables[0] != "r1" {
		t.Errorf("metadata proxy not stopped, disables = %v", h.proxy.disables)
	}
}

func TestGatewayOnForeignNetworkFiltered(t *testing.T) {
	h := newHarness(t, testConfig())

	gw := extGateway()
	gw.NetworkID = "someone-elses-net"
	r := testRouter("r1", gw, internalPort("P1", "10.0.0.1", "10.0.0.0/24"))
	if err := h.agent.processBatch(context.Background(), []Router{r}); err != nil {
		t.Fatalf("processBatch: %v", err)
	}
	if len(h.agent.routers) != 0 {
		t.Errorf("router with foreign gateway network was registered")
	}
}

func TestInternalOnlyRouterFilteredWhenDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.HandleInternalOnlyRouters = false
	h := newHarness(t, cfg)

	r := testRouter("r1", nil, internalPort("P1", "10.0.0.1", "10.0.0.0/24"))
	if err := h.agent.processBatch(context.Background(), []Router{r}); err != nil {
		t.Fatalf("processBatch: %v", err)
	}
	if len(h.agent.routers) != 0 {
		t.Errorf("internal-only router was registered")
	}
}

func TestSingleRouterModeScopesWork(t *testing.T) {
	cfg := testConfig()
	cfg.UseNamespaces = false
	cfg.RouterID = "r1"
	h := newHarness(t, cfg)
	ctx := context.Background()

	r1 := testRouter("r1", nil, internalPort("P1", "10.0.0.1", "10.0.0.0/24"))
	r2 := testRouter("r2", nil, internalPort("P2", "10.0.1.1", "10.0.1.0/24"))
	if err := h.agent.processBatch(ctx, []Router{r1, r2}); err != nil {
		t.Fatalf("processBatch: %v", err)
	}

	if len(h.agent.routers) != 1 {
		t.Fatalf("registry size = %d, want 1", len(h.agent.routers))
	}
	ri := h.agent.routers["r1"]
	if ri == nil || ri.Namespace != "" {
		t.Fatalf("r1 should live in the root namespace, got %+v", ri)
	}
	if h.driver.Device("", "qr-P1") == nil {
		t.Errorf("qr-P1 not plugged into the root namespace")
	}

	h.ctrl.routers = []Router{r1}
	h.agent.periodicSync(ctx)
	if h.ctrl.lastRouterID != "r1" {
		t.Errorf("full sync fetch not scoped: routerID = %q", h.ctrl.lastRouterID)
	}
}

// ─── Full resync ────────────────────────────────────────────────────────────

func TestPeriodicSyncConvergesAndClearsFlag(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	h.ctrl.routers = []Router{
		testRouter("r1", extGateway(), internalPort("P1", "10.0.0.1", "10.0.0.0/24")),
	}

	h.agent.periodicSync(ctx)
	if h.agent.fullSync {
		t.Fatalf("fullSync still set after a clean pass")
	}
	if !h.ctrl.lastFullsync {
		t.Errorf("fetch did not announce fullsync")
	}
	if len(h.agent.routers) != 1 {
		t.Fatalf("registry size = %d, want 1", len(h.agent.routers))
	}

	calls := h.ctrl.getRoutersCalls
	h.agent.periodicSync(ctx)
	if h.ctrl.getRoutersCalls != calls {
		t.Errorf("sync ran again without the flag raised")
	}
}

func TestResyncAfterResetDoesNotDuplicateRules(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	h.ctrl.routers = []Router{
		testRouter("r1", extGateway(), internalPort("P1", "10.0.0.1", "10.0.0.0/24")),
	}
	h.agent.periodicSync(ctx)

	be := h.backend(t, "qrouter-r1")
	snatRules := len(be.Rules("nat", "snat"))

	// Registry is rebuilt from nothing while the kernel-side rules remain.
	h.agent.fullSync = true
	h.agent.periodicSync(ctx)

	if h.agent.fullSync {
		t.Fatalf("resync did not complete")
	}
	if got := len(be.Rules("nat", "snat")); got != snatRules {
		t.Errorf("snat rule count changed %d -> %d across resync", snatRules, got)
	}
}

func TestFetchFailureKeepsFullSyncRaised(t *testing.T) {
	h := newHarness(t, testConfig())
	h.ctrl.routersErr = errors.New("controller unreachable")

	h.agent.periodicSync(context.Background())
	if !h.agent.fullSync {
		t.Fatalf("fullSync cleared despite fetch failure")
	}
}

func TestAmbiguousExternalNetworkKeepsFullSyncRaised(t *testing.T) {
	cfg := testConfig()
	cfg.GatewayExternalNetworkID = ""
	h := newHarness(t, cfg)
	ctx := context.Background()

	h.ctrl.externalNetErr = ErrTooManyExternalNetworks
	h.ctrl.routers = []Router{
		testRouter("r1", extGateway(), internalPort("P1", "10.0.0.1", "10.0.0.0/24")),
	}

	h.agent.periodicSync(ctx)
	if !h.agent.fullSync {
		t.Fatalf("fullSync cleared despite ambiguous external network")
	}
	if len(h.agent.routers) != 0 {
		t.Errorf("routers registered despite aborted batch")
	}

	// Retrying without fixing the configuration fails the same way.
	h.agent.periodicSync(ctx)
	if !h.agent.fullSync {
		t.Fatalf("fullSync cleared on retry")
	}
}

func TestMissingBridgeSkipsProcessing(t *testing.T) {
	cfg := testConfig()
	cfg.ExternalNetworkBridge = "br-ex"
	h := newHarness(t, cfg)
	ctx := context.Background()

	h.ctrl.routers = []Router{
		testRouter("r1", extGateway(), internalPort("P1", "10.0.0.1", "10.0.0.0/24")),
	}

	// No br-ex device exists, so the batch is skipped wholesale; the pass
	// still counts as complete and lowers the flag.
	h.agent.periodicSync(ctx)
	if h.agent.fullSync {
		t.Fatalf("fullSync still raised")
	}
	if len(h.agent.routers) != 0 {
		t.Errorf("routers processed despite missing bridge")
	}

	// Once the bridge appears the next resync does real work.
	if err := h.driver.Plug("ext-net", "bridge-port", "br-ex", "fa:16:3e:ff:ff:ff", "", ""); err != nil {
		t.Fatalf("plugging bridge: %v", err)
	}
	h.agent.fullSync = true
	h.agent.periodicSync(ctx)
	if len(h.agent.routers) != 1 {
		t.Fatalf("router not processed after bridge came up")
	}
}

// ─── Deletion ───────────────────────────────────────────────────────────────

func TestRouterDeletedTearsEverythingDown(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()

	r := testRouter("r1", extGateway(), internalPort("P1", "10.0.0.1", "10.0.0.0/24"))
	if err := h.agent.processBatch(ctx, []Router{r}); err != nil {
		t.Fatalf("bring-up: %v", err)
	}

	h.agent.onRouterDeleted("r1")

	if len(h.agent.routers) != 0 {
		t.Fatalf("router still registered")
	}
	const ns = "qrouter-r1"
	if h.driver.HasNamespace(ns) {
		t.Errorf("namespace still present")
	}
	if h.driver.Device(ns, "qr-P1") != nil || h.driver.Device(ns, "qg-G") != nil {
		t.Errorf("devices still plugged after teardown")
	}
	if len(h.proxy.disables) != 1 {
		t.Errorf("metadata proxy not stopped")
	}
	be := h.backend(t, ns)
	if be.HasRule("filter", "INPUT",
		"-s", "0.0.0.0/0", "-d", "127.0.0.1", "-p", "tcp", "-m", "tcp", "--dport", "9697", "-j", "ACCEPT") {
		t.Errorf("metadata filter rule survived teardown")
	}
}

func TestRouterDeletedUnknownIsNoop(t *testing.T) {
	h := newHarness(t, testConfig())
	h.agent.fullSync = false

	h.agent.onRouterDeleted("ghost")

	if h.agent.fullSync {
		t.Errorf("unknown deletion raised the resync flag")
	}
	if h.driver.MutatingCalls() != 0 {
		t.Errorf("unknown deletion touched the control plane: %v", h.driver.MutatingOps())
	}
}

// ─── Startup sweep ──────────────────────────────────────────────────────────

func TestStartupSweepRemovesStaleNamespaces(t *testing.T) {
	h := newHarness(t, testConfig())

	if err := h.driver.EnsureNamespace("qrouter-old"); err != nil {
		t.Fatal(err)
	}
	if err := h.driver.Plug("n1", "old-port", "qr-old", "fa:16:3e:00:00:01", "", "qrouter-old"); err != nil {
		t.Fatal(err)
	}
	if err := h.driver.EnsureNamespace("unrelated"); err != nil {
		t.Fatal(err)
	}

	h.agent.destroyAllNamespaces()

	if h.driver.HasNamespace("qrouter-old") {
		t.Errorf("stale router namespace survived the sweep")
	}
	if !h.driver.HasNamespace("unrelated") {
		t.Errorf("sweep removed a namespace it does not own")
	}
	if got := countOps(h.driver.MutatingOps(), "Unplug qr-old qrouter-old"); got != 1 {
		t.Errorf("stale device unplugged %d times, want 1", got)
	}
}

// ─── Router creation plumbing ───────────────────────────────────────────────

func TestRouterCreateInstallsMetadataPlumbing(t *testing.T) {
	h := newHarness(t, testConfig())

	r := testRouter("r1", nil, internalPort("P1", "10.0.0.1", "10.0.0.0/24"))
	if err := h.agent.processBatch(context.Background(), []Router{r}); err != nil {
		t.Fatalf("processBatch: %v", err)
	}

	const ns = "qrouter-r1"
	be := h.backend(t, ns)
	if !be.HasRule("filter", "INPUT",
		"-s", "0.0.0.0/0", "-d", "127.0.0.1", "-p", "tcp", "-m", "tcp", "--dport", "9697", "-j", "ACCEPT") {
		t.Errorf("metadata filter rule missing")
	}
	if !be.HasRule("nat", "PREROUTING",
		"-s", "0.0.0.0/0", "-d", "169.254.169.254/32", "-p", "tcp", "-m", "tcp",
		"--dport", "80", "-j", "REDIRECT", "--to-port", "9697") {
		t.Errorf("metadata redirect rule missing")
	}

	sysctl := false
	for _, cmd := range h.driver.Execs() {
		if len(cmd) >= 2 && cmd[0] == ns && strings.Contains(strings.Join(cmd[1:], " "), "net.ipv4.ip_forward=1") {
			sysctl = true
		}
	}
	if !sysctl {
		t.Errorf("ip forwarding not enabled in namespace, execs = %v", h.driver.Execs())
	}

	if len(h.proxy.enables) != 1 || h.proxy.enables[0] != "r1" {
		t.Fatalf("metadata proxy enables = %v, want [r1]", h.proxy.enables)
	}
	args := strings.Join(h.proxy.lastArgs, " ")
	for _, want := range []string{"routerd-metadata-proxy", "--router-id r1", "--metadata-port 9697", "--pid-file"} {
		if !strings.Contains(args, want) {
			t.Errorf("proxy args missing %q: %v", want, h.proxy.lastArgs)
		}
	}
}
