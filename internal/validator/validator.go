// Package validator runs the cheap structural and consistency checks on a
// submission before the full factor analysis: honeypot, required fields,
// timezone-vs-geo agreement and user-agent agreement.
package validator

import (
	"context"
	"net/netip"
	"strings"

	"github.com/thanhtungtav4/Silent-Trust/internal/geoip"
	"github.com/thanhtungtav4/Silent-Trust/internal/honeypot"
	"github.com/thanhtungtav4/Silent-Trust/internal/payload"
)

// Flags emitted by Validate.
const (
	FlagHoneypot         = "honeypot_triggered"
	FlagMissingPayload   = "missing_payload"
	FlagTimezoneMismatch = "timezone_mismatch"
	FlagUAMismatch       = "ua_mismatch"
)

// Point values per check.
const (
	honeypotScore       = 100
	missingPayloadScore = 50
	missingFieldScore   = 15
	timezoneScore       = 10
	uaScore             = 20
)

// Result is the validator's partial score plus the named flags that fired.
type Result struct {
	Score int
	Flags []string
}

// Flagged reports whether a specific flag fired.
func (r Result) Flagged(flag string) bool {
	for _, f := range r.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Validator performs payload-level checks. Location lookups are optional;
// with a nil provider the timezone check is skipped.
type Validator struct {
	locations geoip.LocationProvider
}

func New(locations geoip.LocationProvider) *Validator {
	return &Validator{locations: locations}
}

// Validate scores the payload's structural consistency.
//
// A filled honeypot is an absolute override: score 100, no further checks.
// A missing payload scores 50 and also short-circuits, since the remaining
// checks have nothing to inspect.
func (v *Validator) Validate(ctx context.Context, p *payload.Payload, req payload.RequestContext) Result {
	if honeypot.Triggered(req.PostedFields, req.ReceivedAt) {
		return Result{Score: honeypotScore, Flags: []string{FlagHoneypot}}
	}
	if p == nil {
		return Result{Score: missingPayloadScore, Flags: []string{FlagMissingPayload}}
	}

	var res Result

	for _, f := range []struct{ name, value string }{
		{"device_type", p.DeviceType},
		{"fingerprint_hash", p.FingerprintHash},
		{"canvas_hash", p.CanvasHash},
	} {
		if f.value == "" {
			res.Score += missingFieldScore
			res.Flags = append(res.Flags, "missing_"+f.name)
		}
	}

	if v.timezoneMismatch(ctx, p, req.IP) {
		res.Score += timezoneScore
		res.Flags = append(res.Flags, FlagTimezoneMismatch)
	}

	if uaMismatch(p.UserAgent, req.UserAgent) {
		res.Score += uaScore
		res.Flags = append(res.Flags, FlagUAMismatch)
	}

	return res
}

// timezoneMismatch compares the browser-declared timezone against the IP's
// geolocated timezone. Either side missing means no signal.
func (v *Validator) timezoneMismatch(ctx context.Context, p *payload.Payload, ip string) bool {
	if v.locations == nil || p.Timezone == "" {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	loc, err := v.locations.Location(ctx, addr)
	if err != nil || loc == nil || loc.Timezone == "" {
		return false
	}
	return loc.Timezone != p.Timezone
}

// uaMismatch fires when neither UA string contains the other. Browsers and
// privacy extensions routinely truncate or extend UA strings, so one-way
// containment in either direction is accepted as a match.
func uaMismatch(declared, actual string) bool {
	if declared == "" || actual == "" {
		return false
	}
	return !strings.Contains(declared, actual) && !strings.Contains(actual, declared)
}
