package risk

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/thanhtungtav4/Silent-Trust/internal/geoip"
	"github.com/thanhtungtav4/Silent-Trust/internal/payload"
	"github.com/thanhtungtav4/Silent-Trust/internal/store"
	"github.com/thanhtungtav4/Silent-Trust/internal/validator"
	"github.com/thanhtungtav4/Silent-Trust/internal/vpn"
)

// Point contributions per signal. Fixed constants: the trained weight set
// describes factor influence for reporting but does not scale these.
const (
	pointsFpReuse       = 25
	pointsFpCollision   = 10
	pointsFastFill      = 20
	pointsNoMouse       = 15
	pointsMechanical    = 20
	pointsNoTouch       = 15
	pointsImpossibleTap = 20
	pointsTooSlow       = 10
	pointsSuperhuman    = 25
	pointsIPMultiFp     = 15
	pointsVPN           = 10
	pointsFreqFpHour    = 30
	pointsDailyLimit    = 25
	pointsFreqFpDay     = 25
	pointsFreqIP        = 20
	pointsTzEscalation  = 15
)

// Behavioral thresholds.
const (
	fastFillDesktopMs   = 400
	fastFillMobileMs    = 600
	noMouseMaxSeconds   = 3
	noTouchMaxSeconds   = 4
	impossibleTouchRate = 10
	tooSlowSeconds      = 600
	superhumanWPM       = 150

	fpReuseHourlyCount = 3
	ipMultiFpCount     = 5
	ipHourlyCount      = 5

	// A submission without a device cookie can never satisfy a daily limit
	// check, so it is treated as already far over any positive limit.
	missingCookieCount = 999
)

const (
	lenientDailyVolume = 20
	strictDailyVolume  = 100
)

// Engine runs the pre-check and the full factor analysis.
type Engine struct {
	store     Store
	validator *validator.Validator
	vpn       *vpn.Detector
	locations geoip.LocationProvider
	asns      geoip.ASNProvider
	log       *slog.Logger

	trafficMode string
	dailyLimit  int
}

// Config tunes the engine. TrafficMode "auto" selects strictness from
// trailing 24h volume; DailyLimit 0 disables the per-device cap.
type Config struct {
	TrafficMode string
	DailyLimit  int
}

func NewEngine(s Store, v *validator.Validator, det *vpn.Detector,
	locations geoip.LocationProvider, asns geoip.ASNProvider,
	cfg Config, log *slog.Logger) *Engine {
	if cfg.TrafficMode == "" {
		cfg.TrafficMode = ModeAuto
	}
	return &Engine{
		store:       s,
		validator:   v,
		vpn:         det,
		locations:   locations,
		asns:        asns,
		log:         log,
		trafficMode: cfg.TrafficMode,
		dailyLimit:  cfg.DailyLimit,
	}
}

// Precheck runs the cheap gate: daily limit first, then whitelist, then
// active penalties. The daily limit outranks the whitelist so a trusted
// device is still capped.
func (e *Engine) Precheck(ctx context.Context, deviceCookie, ip, fingerprintHash string) (PrecheckResult, error) {
	if e.dailyLimit > 0 {
		count := missingCookieCount
		if deviceCookie != "" {
			var err error
			count, err = e.store.CountSubmissionsToday(ctx, deviceCookie)
			if err != nil {
				return PrecheckResult{}, fmt.Errorf("daily count: %w", err)
			}
		}
		if count >= e.dailyLimit {
			return PrecheckResult{InstantBlock: true, Reason: KeyDailyLimit}, nil
		}
	}

	if deviceCookie != "" {
		ok, err := e.store.IsWhitelisted(ctx, deviceCookie)
		if err != nil {
			return PrecheckResult{}, fmt.Errorf("whitelist check: %w", err)
		}
		if ok {
			return PrecheckResult{InstantAllow: true, Reason: KeyWhitelisted}, nil
		}
	}

	for _, target := range []struct{ typ, value string }{
		{"fingerprint", fingerprintHash},
		{"ip", ip},
	} {
		if target.value == "" {
			continue
		}
		hit, err := e.store.IsPenalized(ctx, target.typ, target.value)
		if err != nil {
			return PrecheckResult{}, fmt.Errorf("penalty check: %w", err)
		}
		if hit {
			return PrecheckResult{InstantBlock: true, Reason: KeyPenalized}, nil
		}
	}

	return PrecheckResult{}, nil
}

// CalculateRisk scores one submission end to end.
//
// Pre-check outcomes short-circuit with a single-entry breakdown. Otherwise
// the validator score and the four factor analyses accumulate into the
// breakdown; a repeated key overwrites rather than sums (last write wins).
// The final score is clamped to 100.
func (e *Engine) CalculateRisk(ctx context.Context, p *payload.Payload, req payload.RequestContext) (Assessment, error) {
	deviceType := string(p.Device())
	mode, confidence := e.thresholdMode(ctx)

	a := Assessment{
		Breakdown:     make(map[string]int),
		DeviceType:    deviceType,
		ThresholdMode: mode,
		Confidence:    confidence,
	}

	fingerprintHash := ""
	if p != nil {
		fingerprintHash = p.FingerprintHash
	}

	pre, err := e.Precheck(ctx, req.DeviceCookie, req.IP, fingerprintHash)
	if err != nil {
		return Assessment{}, err
	}
	switch {
	case pre.InstantAllow:
		a.Breakdown[KeyWhitelisted] = 0
		return a, nil
	case pre.InstantBlock:
		a.Score = 100
		a.Breakdown[pre.Reason] = 100
		return a, nil
	}

	val := e.validator.Validate(ctx, p, req)
	a.Breakdown[KeyValidation] = val.Score

	addr, _ := netip.ParseAddr(req.IP)
	loc := e.lookupLocation(ctx, addr)
	asn := e.lookupASN(ctx, addr)
	a.Analytics = geoAnalytics(loc, asn)

	hourly := e.fingerprintFrequency(ctx, fingerprintHash, time.Hour)

	e.analyzeFingerprint(ctx, p, hourly, &a)
	e.analyzeBehavior(p, &a)
	e.analyzeIP(ctx, req.IP, addr, asn, &a)
	e.analyzeFrequency(ctx, fingerprintHash, req.IP, hourly, &a)

	if val.Flagged(validator.FlagTimezoneMismatch) && e.corroborated(a.Breakdown) {
		a.Breakdown[KeyTzEscalated] = pointsTzEscalation
	}

	total := 0
	for _, points := range a.Breakdown {
		total += points
	}
	if total > 100 {
		total = 100
	}
	a.Score = total
	return a, nil
}

// thresholdMode resolves the effective mode and its behavioral multiplier.
func (e *Engine) thresholdMode(ctx context.Context) (string, float64) {
	mode := e.trafficMode
	if mode == ModeAuto {
		volume, err := e.store.DailyVolume(ctx)
		if err != nil {
			e.log.Warn("daily volume unavailable, assuming normal mode", "error", err)
			volume = lenientDailyVolume
		}
		switch {
		case volume < lenientDailyVolume:
			mode = ModeLenient
		case volume <= strictDailyVolume:
			mode = ModeNormal
		default:
			mode = ModeStrict
		}
	}
	switch mode {
	case ModeLenient:
		return mode, 0.8
	case ModeStrict:
		return mode, 1.2
	default:
		return ModeNormal, 1.0
	}
}

func (e *Engine) analyzeFingerprint(ctx context.Context, p *payload.Payload, hourly int, a *Assessment) {
	if p == nil || p.FingerprintHash == "" || hourly <= fpReuseHourlyCount {
		return
	}
	traits, err := e.store.LastTraits(ctx, p.FingerprintHash, 24*time.Hour)
	if err != nil {
		e.log.Warn("trait lookup failed", "error", err)
		return
	}
	if traitsConsistent(traits, p) {
		a.Breakdown[KeyFpReuse] = pointsFpReuse
	} else {
		a.Breakdown[KeyFpCollision] = pointsFpCollision
	}
}

// traitsConsistent reports whether the stable traits of the fingerprint's
// history match the current payload. A divergence suggests two distinct
// devices colliding on one hash rather than genuine reuse.
func traitsConsistent(prev *store.Traits, p *payload.Payload) bool {
	if prev == nil {
		return false
	}
	if prev.UserAgent != "" && prev.UserAgent != p.UserAgent {
		return false
	}
	if prev.ScreenResolution != "" && prev.ScreenResolution != p.ScreenResolution() {
		return false
	}
	if prev.DeviceType != "" && prev.DeviceType != string(p.Device()) {
		return false
	}
	return true
}

func (e *Engine) analyzeBehavior(p *payload.Payload, a *Assessment) {
	if p == nil {
		return
	}
	device := p.Device()

	if p.TimePerField > 0 {
		limit := float64(fastFillMobileMs)
		if device == payload.DeviceDesktop {
			limit = fastFillDesktopMs
		}
		if p.TimePerField < limit {
			a.Breakdown[KeyFastFill] = pointsFastFill
		}
	}

	// An absent total_time reads as zero, so omitting timing data does not
	// dodge the instant-submit signals.
	if device == payload.DeviceDesktop && p.MouseEvents == 0 && p.TotalTime < noMouseMaxSeconds {
		a.Breakdown[KeyNoMouse] = pointsNoMouse
	}
	if device == payload.DeviceDesktop && p.TypingMechanical {
		a.Breakdown[KeyMechanical] = pointsMechanical
	}
	if (device == payload.DeviceMobile || device == payload.DeviceTablet) &&
		p.TouchEvents == 0 && p.TotalTime < noTouchMaxSeconds {
		a.Breakdown[KeyNoTouch] = pointsNoTouch
	}
	if p.TouchSpeed > impossibleTouchRate {
		a.Breakdown[KeyImpossibleTap] = pointsImpossibleTap
	}
	if p.TotalTime > tooSlowSeconds {
		a.Breakdown[KeyTooSlow] = pointsTooSlow
	}
	if p.TypingSpeed > superhumanWPM {
		a.Breakdown[KeySuperhuman] = pointsSuperhuman
	}
}

func (e *Engine) analyzeIP(ctx context.Context, ip string, addr netip.Addr, asn *geoip.ASN, a *Assessment) {
	if ip == "" {
		return
	}
	distinct, err := e.store.DistinctFingerprintsForIP(ctx, ip, 24*time.Hour)
	if err != nil {
		e.log.Warn("distinct fingerprint lookup failed", "error", err)
	} else if distinct > ipMultiFpCount {
		a.Breakdown[KeyIPMultiFp] = pointsIPMultiFp
	}

	if e.vpn != nil && e.vpn.IsVPN(addr, asn) {
		a.Breakdown[KeyVPN] = pointsVPN
	}
}

func (e *Engine) analyzeFrequency(ctx context.Context, fingerprintHash, ip string, hourly int, a *Assessment) {
	hourlyViolation := false
	if fingerprintHash != "" && hourly > fpReuseHourlyCount {
		a.Breakdown[KeyFreqFpHour] = pointsFreqFpHour
		hourlyViolation = true
	}

	if fingerprintHash != "" && e.dailyLimit > 0 {
		daily := e.fingerprintFrequency(ctx, fingerprintHash, 24*time.Hour)
		if daily > e.dailyLimit {
			a.Breakdown[KeyDailyLimit] = pointsDailyLimit
			if hourlyViolation {
				a.Breakdown[KeyFreqFpDay] = pointsFreqFpDay
			}
		}
	}

	if ip != "" {
		count, err := e.store.IPFrequency(ctx, ip, time.Hour)
		if err != nil {
			e.log.Warn("ip frequency lookup failed", "error", err)
		} else if count > ipHourlyCount {
			a.Breakdown[KeyFreqIP] = pointsFreqIP
		}
	}
}

// corroborated reports whether a red flag fired that upgrades a timezone
// mismatch from weak to corroborating evidence.
func (e *Engine) corroborated(breakdown map[string]int) bool {
	for _, key := range []string{KeyFastFill, KeyFpReuse, KeyFreqFpHour, KeyFreqFpDay, KeyDailyLimit, KeyFreqIP} {
		if _, ok := breakdown[key]; ok {
			return true
		}
	}
	return false
}

func (e *Engine) fingerprintFrequency(ctx context.Context, hash string, window time.Duration) int {
	if hash == "" {
		return 0
	}
	freq, err := e.store.FingerprintFrequency(ctx, hash, window)
	if err != nil {
		e.log.Warn("fingerprint frequency lookup failed", "error", err)
		return 0
	}
	return freq.Count
}

func (e *Engine) lookupLocation(ctx context.Context, addr netip.Addr) *geoip.Location {
	if e.locations == nil || !addr.IsValid() {
		return nil
	}
	loc, err := e.locations.Location(ctx, addr)
	if err != nil {
		e.log.Warn("location lookup failed", "error", err)
		return nil
	}
	return loc
}

func (e *Engine) lookupASN(ctx context.Context, addr netip.Addr) *geoip.ASN {
	if e.asns == nil || !addr.IsValid() {
		return nil
	}
	asn, err := e.asns.ASN(ctx, addr)
	if err != nil {
		e.log.Warn("asn lookup failed", "error", err)
		return nil
	}
	return asn
}

func geoAnalytics(loc *geoip.Location, asn *geoip.ASN) store.Analytics {
	var a store.Analytics
	if loc != nil {
		a.CountryCode = loc.CountryCode
		a.CountryName = loc.CountryName
		a.Region = loc.Region
		a.City = loc.City
		a.Latitude = loc.Latitude
		a.Longitude = loc.Longitude
		a.IPTimezone = loc.Timezone
	}
	if asn != nil {
		a.ASN = fmt.Sprintf("AS%d", asn.Number)
	}
	return a
}
