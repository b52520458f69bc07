// Package risk turns one submission into a bounded score with an explainable
// breakdown: pre-checks first, then the payload validator, then four factor
// analyzers over fingerprint, behavior, IP reputation and frequency.
package risk

import (
	"context"
	"time"

	"github.com/thanhtungtav4/Silent-Trust/internal/store"
)

// Traffic modes. Auto picks one of the other three from trailing volume.
const (
	ModeAuto    = "auto"
	ModeLenient = "lenient"
	ModeNormal  = "normal"
	ModeStrict  = "strict"
)

// Breakdown keys.
const (
	KeyWhitelisted   = "whitelisted"
	KeyPenalized     = "penalized"
	KeyDailyLimit    = "daily_limit_exceeded"
	KeyValidation    = "server_validation"
	KeyTzEscalated   = "timezone_escalated"
	KeyFpReuse       = "fingerprint_reuse"
	KeyFpCollision   = "fingerprint_collision"
	KeyFastFill      = "fast_fill"
	KeyNoMouse       = "no_mouse"
	KeyMechanical    = "mechanical_typing"
	KeyNoTouch       = "no_touch"
	KeyImpossibleTap = "impossible_touch"
	KeyTooSlow       = "too_slow"
	KeySuperhuman    = "superhuman_typing"
	KeyIPMultiFp     = "ip_multi_fp"
	KeyVPN           = "vpn_detected"
	KeyFreqFpHour    = "frequency_fp_hour"
	KeyFreqFpDay     = "frequency_fp_day"
	KeyFreqIP        = "frequency_ip"
)

// Assessment is the full scoring result for one submission.
type Assessment struct {
	Score         int
	Breakdown     map[string]int
	DeviceType    string
	ThresholdMode string

	// Confidence is the mode's behavioral-threshold multiplier. Carried for
	// reporting; the point contributions themselves are fixed constants.
	Confidence float64

	// Geo enrichment captured during scoring, for the audit record.
	Analytics store.Analytics
}

// PrecheckResult is the outcome of the cheap gate that runs before scoring.
type PrecheckResult struct {
	InstantAllow bool
	InstantBlock bool
	Reason       string
}

// Store is the persistence surface the engine reads. All reads are
// best-effort during factor analysis: a failing read silences that signal,
// it never fails scoring.
type Store interface {
	CountSubmissionsToday(ctx context.Context, deviceCookie string) (int, error)
	IsWhitelisted(ctx context.Context, deviceCookie string) (bool, error)
	IsPenalized(ctx context.Context, targetType, targetValue string) (bool, error)
	FingerprintFrequency(ctx context.Context, hash string, window time.Duration) (store.Frequency, error)
	IPFrequency(ctx context.Context, ip string, window time.Duration) (int, error)
	DistinctFingerprintsForIP(ctx context.Context, ip string, window time.Duration) (int, error)
	DailyVolume(ctx context.Context) (int, error)
	LastTraits(ctx context.Context, hash string, window time.Duration) (*store.Traits, error)
}
