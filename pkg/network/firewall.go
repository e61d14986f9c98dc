package network

import (
	"fmt"
	"os/exec"
	"strings"
)

// firewall installs and tears down the nftables chains scoped to one VNI
// plus any additional user rules from
// /networks/<vni>/firewall (step 4).
type firewall interface {
	Apply(vni int, bridge string, rules []string) error
	Teardown(vni int) error
}

// nftFirewall shells out to nft -f, the idiom pkg/network previously used
// for iptables via exec.Command/CombinedOutput, retargeted at nftables
// since no nftables Go library exists in the example pack.
type nftFirewall struct{}

func newNFTFirewall() *nftFirewall { return &nftFirewall{} }

func tableName(vni int) string { return fmt.Sprintf("pvc-vni%d", vni) }

// Apply (re)creates the table for vni from scratch: nft tables are cheap
// to replace wholesale, which sidesteps having to diff individual rules.
func (f *nftFirewall) Apply(vni int, bridge string, rules []string) error {
	var b strings.Builder
	table := tableName(vni)
	fmt.Fprintf(&b, "add table inet %s\n", table)
	fmt.Fprintf(&b, "delete table inet %s\n", table)
	fmt.Fprintf(&b, "table inet %s {\n", table)
	fmt.Fprintf(&b, "  chain forward-in {\n")
	fmt.Fprintf(&b, "    type filter hook forward priority 0; policy drop;\n")
	fmt.Fprintf(&b, "    iifname %q ip protocol icmp accept\n", bridge)
	fmt.Fprintf(&b, "    iifname %q udp dport 53 accept\n", bridge)
	fmt.Fprintf(&b, "    iifname %q udp dport 67 accept\n", bridge)
	fmt.Fprintf(&b, "    iifname %q ct state established,related accept\n", bridge)
	for _, r := range rules {
		fmt.Fprintf(&b, "    %s\n", r)
	}
	fmt.Fprintf(&b, "  }\n")
	fmt.Fprintf(&b, "  chain forward-out {\n")
	fmt.Fprintf(&b, "    type filter hook forward priority 0; policy accept;\n")
	fmt.Fprintf(&b, "    oifname %q ct state established,related accept\n", bridge)
	fmt.Fprintf(&b, "  }\n")
	fmt.Fprintf(&b, "}\n")
	return runNFT(b.String())
}

func (f *nftFirewall) Teardown(vni int) error {
	err := runNFT(fmt.Sprintf("delete table inet %s\n", tableName(vni)))
	if err != nil && strings.Contains(err.Error(), "No such file or directory") {
		return nil // already gone: destruction is idempotent
	}
	return err
}

func runNFT(ruleset string) error {
	cmd := exec.Command("nft", "-f", "-")
	cmd.Stdin = strings.NewReader(ruleset)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("nft: %w (output: %s)", err, string(out))
	}
	return nil
}
