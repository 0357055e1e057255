package router

import (
	"strconv"

	"github.com/glennswest/routerd/pkg/iptables"
)

// metadataFilterRules allows traffic to reach the local metadata proxy port.
func metadataFilterRules(metadataPort int) []iptables.Rule {
	return []iptables.Rule{{
		Table: iptables.TableFilter,
		Chain: "INPUT",
		Spec: []string{
			"-s", "0.0.0.0/0", "-d", "127.0.0.1",
			"-p", "tcp", "-m", "tcp", "--dport", strconv.Itoa(metadataPort),
			"-j", "ACCEPT",
		},
	}}
}

// metadataNATRules redirects metadata requests onto the proxy port.
func metadataNATRules(metadataPort int) []iptables.Rule {
	return []iptables.Rule{{
		Table: iptables.TableNAT,
		Chain: "PREROUTING",
		Spec: []string{
			"-s", "0.0.0.0/0", "-d", "169.254.169.254/32",
			"-p", "tcp", "-m", "tcp", "--dport", "80",
			"-j", "REDIRECT", "--to-port", strconv.Itoa(metadataPort),
		},
	}}
}

// externalGatewayNATRules exempts already-translated traffic from further
// NAT and source-NATs each internal CIDR behind the gateway address.
func externalGatewayNATRules(gatewayIP string, internalCIDRs []string, device string) []iptables.Rule {
	rules := []iptables.Rule{{
		Table: iptables.TableNAT,
		Chain: "POSTROUTING",
		Spec: []string{
			"!", "-i", device, "!", "-o", device,
			"-m", "conntrack", "!", "--ctstate", "DNAT",
			"-j", "ACCEPT",
		},
	}}
	for _, cidr := range internalCIDRs {
		rules = append(rules, internalNetworkNATRules(gatewayIP, cidr)...)
	}
	return rules
}

// internalNetworkNATRules source-NATs one internal CIDR behind the gateway
// address.
func internalNetworkNATRules(gatewayIP, internalCIDR string) []iptables.Rule {
	return []iptables.Rule{{
		Table: iptables.TableNAT,
		Chain: iptables.ChainSNAT,
		Spec:  []string{"-s", internalCIDR, "-j", "SNAT", "--to-source", gatewayIP},
	}}
}

// floatingForwardRules translates between a floating address and the fixed
// address it is bound to, in both directions.
func floatingForwardRules(floatingIP, fixedIP string) []iptables.Rule {
	return []iptables.Rule{
		{
			Table: iptables.TableNAT,
			Chain: "PREROUTING",
			Spec:  []string{"-d", floatingIP, "-j", "DNAT", "--to", fixedIP},
		},
		{
			Table: iptables.TableNAT,
			Chain: "OUTPUT",
			Spec:  []string{"-d", floatingIP, "-j", "DNAT", "--to", fixedIP},
		},
		{
			Table: iptables.TableNAT,
			Chain: iptables.ChainFloatSNAT,
			Spec:  []string{"-s", fixedIP, "-j", "SNAT", "--to", floatingIP},
		},
	}
}
