// Package geoip defines the lookup interfaces the risk engine uses to turn
// an IP address into location and network-owner context.
//
// Lookups are best-effort: a provider returning (nil, nil) means "unknown",
// and the caller must treat missing data as the absence of a signal, never as
// evidence of spam.
package geoip

import (
	"context"
	"net/netip"
)

// Location is a resolved IP geolocation.
type Location struct {
	CountryCode string
	CountryName string
	Region      string
	City        string
	Latitude    float64
	Longitude   float64
	Timezone    string // IANA name, e.g. "Europe/Berlin"
}

// ASN is a resolved autonomous-system record.
type ASN struct {
	Number       uint32
	Organization string
}

// LocationProvider resolves an IP to a location, or (nil, nil) if unknown.
type LocationProvider interface {
	Location(ctx context.Context, ip netip.Addr) (*Location, error)
}

// ASNProvider resolves an IP to its AS record, or (nil, nil) if unknown.
type ASNProvider interface {
	ASN(ctx context.Context, ip netip.Addr) (*ASN, error)
}

// StaticProvider serves fixed lookup tables. Used in tests and as the
// zero-infrastructure default when no GeoIP database is configured.
type StaticProvider struct {
	Locations map[netip.Addr]*Location
	ASNs      map[netip.Addr]*ASN
}

func (p *StaticProvider) Location(_ context.Context, ip netip.Addr) (*Location, error) {
	if p == nil || p.Locations == nil {
		return nil, nil
	}
	return p.Locations[ip], nil
}

func (p *StaticProvider) ASN(_ context.Context, ip netip.Addr) (*ASN, error) {
	if p == nil || p.ASNs == nil {
		return nil, nil
	}
	return p.ASNs[ip], nil
}
