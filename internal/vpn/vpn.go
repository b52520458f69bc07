// Package vpn flags submissions arriving through VPN, proxy or datacenter
// networks, based on the resolved AS number and organization name.
//
// Detection is a weak signal on its own (plenty of legitimate users sit
// behind corporate VPNs), so the detector only reports a boolean; the risk
// engine decides what it is worth.
package vpn

import (
	"net/netip"
	"strings"

	"github.com/thanhtungtav4/Silent-Trust/internal/geoip"
)

// Known datacenter / cloud ASNs. Traffic from these networks is almost never
// a human browsing from home.
var defaultDenyASNs = map[uint32]bool{
	16509: true, // Amazon AWS
	15169: true, // Google Cloud
	8075:  true, // Microsoft Azure
	14061: true, // DigitalOcean
	20473: true, // Vultr
	24940: true, // Hetzner
	16276: true, // OVH
	9009:  true, // M247
	51167: true, // Contabo
	60068: true, // Datacamp / CDN77
}

var defaultOrgKeywords = []string{
	"vpn", "proxy", "datacenter", "hosting", "cloud", "server",
}

// Detector classifies an AS record as VPN/datacenter traffic, with an IP
// allowlist for known-good networks (office ranges, monitoring probes).
type Detector struct {
	denyASNs    map[uint32]bool
	orgKeywords []string
	allowAddrs  map[netip.Addr]bool
	allowNets   []netip.Prefix
}

// Option configures a Detector.
type Option func(*Detector)

// WithDenyASNs replaces the built-in ASN deny list.
func WithDenyASNs(asns []uint32) Option {
	return func(d *Detector) {
		d.denyASNs = make(map[uint32]bool, len(asns))
		for _, a := range asns {
			d.denyASNs[a] = true
		}
	}
}

// WithAllowlist exempts the given IPs and CIDR ranges from detection.
// Entries that parse as neither are ignored.
func WithAllowlist(entries []string) Option {
	return func(d *Detector) {
		for _, e := range entries {
			e = strings.TrimSpace(e)
			if e == "" {
				continue
			}
			if p, err := netip.ParsePrefix(e); err == nil {
				d.allowNets = append(d.allowNets, p)
				continue
			}
			if a, err := netip.ParseAddr(e); err == nil {
				d.allowAddrs[a] = true
			}
		}
	}
}

// NewDetector builds a Detector with the default deny list and keywords.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{
		denyASNs:    defaultDenyASNs,
		orgKeywords: defaultOrgKeywords,
		allowAddrs:  make(map[netip.Addr]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IsVPN reports whether the IP's network looks like VPN/datacenter traffic.
// A nil AS record (lookup unavailable) is never flagged.
func (d *Detector) IsVPN(ip netip.Addr, asn *geoip.ASN) bool {
	if asn == nil {
		return false
	}
	if d.allowed(ip) {
		return false
	}
	if d.denyASNs[asn.Number] {
		return true
	}
	org := strings.ToLower(asn.Organization)
	for _, kw := range d.orgKeywords {
		if strings.Contains(org, kw) {
			return true
		}
	}
	return false
}

func (d *Detector) allowed(ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	if d.allowAddrs[ip] {
		return true
	}
	for _, n := range d.allowNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
