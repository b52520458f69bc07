package vpn

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thanhtungtav4/Silent-Trust/internal/geoip"
)

func TestIsVPNDenyListedASN(t *testing.T) {
	d := NewDetector()
	ip := netip.MustParseAddr("3.15.20.1")

	assert.True(t, d.IsVPN(ip, &geoip.ASN{Number: 16509, Organization: "Amazon.com, Inc."}))
	assert.False(t, d.IsVPN(ip, &geoip.ASN{Number: 3320, Organization: "Deutsche Telekom AG"}))
}

func TestIsVPNOrgKeywords(t *testing.T) {
	d := NewDetector()
	ip := netip.MustParseAddr("198.51.100.7")

	assert.True(t, d.IsVPN(ip, &geoip.ASN{Number: 64512, Organization: "SuperFast VPN Ltd"}))
	assert.True(t, d.IsVPN(ip, &geoip.ASN{Number: 64513, Organization: "ACME Hosting Solutions"}))
	assert.False(t, d.IsVPN(ip, &geoip.ASN{Number: 64514, Organization: "Riverside Community ISP"}))
}

func TestIsVPNUnknownASN(t *testing.T) {
	d := NewDetector()
	assert.False(t, d.IsVPN(netip.MustParseAddr("203.0.113.1"), nil),
		"missing AS data must not be flagged")
}

func TestAllowlistExemptsIPAndCIDR(t *testing.T) {
	d := NewDetector(WithAllowlist([]string{"203.0.113.10", "10.0.0.0/8", "not an ip"}))
	asn := &geoip.ASN{Number: 16509, Organization: "Amazon.com, Inc."}

	assert.False(t, d.IsVPN(netip.MustParseAddr("203.0.113.10"), asn))
	assert.False(t, d.IsVPN(netip.MustParseAddr("10.42.7.1"), asn))
	assert.True(t, d.IsVPN(netip.MustParseAddr("203.0.113.11"), asn))
}

func TestWithDenyASNsReplacesDefaults(t *testing.T) {
	d := NewDetector(WithDenyASNs([]uint32{64512}))
	ip := netip.MustParseAddr("198.51.100.1")

	assert.True(t, d.IsVPN(ip, &geoip.ASN{Number: 64512, Organization: "Example Networks"}))
	assert.False(t, d.IsVPN(ip, &geoip.ASN{Number: 16509, Organization: "Example Networks"}),
		"default deny list is replaced, not merged")
}
