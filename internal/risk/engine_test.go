package risk

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhtungtav4/Silent-Trust/internal/geoip"
	"github.com/thanhtungtav4/Silent-Trust/internal/payload"
	"github.com/thanhtungtav4/Silent-Trust/internal/store"
	"github.com/thanhtungtav4/Silent-Trust/internal/validator"
	"github.com/thanhtungtav4/Silent-Trust/internal/vpn"
)

const testUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0"

func newTestEngine(ms *store.MemoryStore, cfg Config) *Engine {
	return NewEngine(ms, validator.New(nil), vpn.NewDetector(), nil, nil, cfg, slog.Default())
}

func cleanPayload() *payload.Payload {
	return &payload.Payload{
		DeviceType:      "desktop",
		FingerprintHash: "fp-clean",
		CanvasHash:      "cv-1",
		UserAgent:       testUA,
		MouseEvents:     40,
		KeyEvents:       80,
		TotalTime:       45,
		TimePerField:    5000,
	}
}

func request(cookie string) payload.RequestContext {
	return payload.RequestContext{
		IP:           "203.0.113.5",
		UserAgent:    testUA,
		DeviceCookie: cookie,
		FormID:       "contact",
		ReceivedAt:   time.Now(),
	}
}

func seed(t *testing.T, ms *store.MemoryStore, sub store.Submission) {
	t.Helper()
	require.NoError(t, ms.InsertSubmission(context.Background(), &sub))
}

func TestCleanSubmissionScoresLow(t *testing.T) {
	e := newTestEngine(store.NewMemoryStore(), Config{DailyLimit: 3})

	a, err := e.CalculateRisk(context.Background(), cleanPayload(), request("cookie-1"))

	require.NoError(t, err)
	assert.Equal(t, 0, a.Score)
	assert.Equal(t, 0, a.Breakdown[KeyValidation])
}

func TestFastFillDesktop(t *testing.T) {
	e := newTestEngine(store.NewMemoryStore(), Config{DailyLimit: 3})
	p := cleanPayload()
	p.TimePerField = 100

	a, err := e.CalculateRisk(context.Background(), p, request("cookie-1"))

	require.NoError(t, err)
	assert.Equal(t, 20, a.Breakdown[KeyFastFill])
	assert.GreaterOrEqual(t, a.Score, 20)
}

func TestFastFillMobileThresholdIsLooser(t *testing.T) {
	e := newTestEngine(store.NewMemoryStore(), Config{DailyLimit: 3})
	p := cleanPayload()
	p.DeviceType = "mobile"
	p.TouchEvents = 12
	p.TimePerField = 500 // under 600ms mobile cutoff, over 400ms desktop cutoff

	a, err := e.CalculateRisk(context.Background(), p, request("cookie-1"))

	require.NoError(t, err)
	assert.Equal(t, 20, a.Breakdown[KeyFastFill])
}

func TestBehaviorSignalsCoFire(t *testing.T) {
	e := newTestEngine(store.NewMemoryStore(), Config{DailyLimit: 3})
	p := cleanPayload()
	p.MouseEvents = 0
	p.TotalTime = 2
	p.TimePerField = 100
	p.TypingSpeed = 200

	a, err := e.CalculateRisk(context.Background(), p, request("cookie-1"))

	require.NoError(t, err)
	assert.Equal(t, 20, a.Breakdown[KeyFastFill])
	assert.Equal(t, 15, a.Breakdown[KeyNoMouse])
	assert.Equal(t, 25, a.Breakdown[KeySuperhuman])
}

func TestOmittedTimingStillFiresInstantSignals(t *testing.T) {
	e := newTestEngine(store.NewMemoryStore(), Config{DailyLimit: 3})

	// Client sends no total_time and no mouse_events at all.
	p := cleanPayload()
	p.MouseEvents = 0
	p.TotalTime = 0

	a, err := e.CalculateRisk(context.Background(), p, request("cookie-1"))
	require.NoError(t, err)
	assert.Equal(t, 15, a.Breakdown[KeyNoMouse])

	p = cleanPayload()
	p.DeviceType = "mobile"
	p.TouchEvents = 0
	p.TotalTime = 0

	a, err = e.CalculateRisk(context.Background(), p, request("cookie-2"))
	require.NoError(t, err)
	assert.Equal(t, 15, a.Breakdown[KeyNoTouch])
}

func TestMechanicalTypingDesktopOnly(t *testing.T) {
	e := newTestEngine(store.NewMemoryStore(), Config{DailyLimit: 3})
	p := cleanPayload()
	p.TypingMechanical = true

	a, err := e.CalculateRisk(context.Background(), p, request("cookie-1"))
	require.NoError(t, err)
	assert.Equal(t, 20, a.Breakdown[KeyMechanical])

	p = cleanPayload()
	p.DeviceType = "mobile"
	p.TouchEvents = 12
	p.TypingMechanical = true

	a, err = e.CalculateRisk(context.Background(), p, request("cookie-2"))
	require.NoError(t, err)
	assert.NotContains(t, a.Breakdown, KeyMechanical)
}

func TestFrequencyStacking(t *testing.T) {
	ms := store.NewMemoryStore()
	for i := 0; i < 4; i++ {
		seed(t, ms, store.Submission{
			FormID:          "contact",
			FingerprintHash: "fp-busy",
			DeviceType:      "desktop",
			Action:          "allow",
			SubmittedAt:     time.Now().Add(-time.Duration(i+1) * time.Minute),
			Analytics:       store.Analytics{UserAgent: testUA},
		})
	}
	e := newTestEngine(ms, Config{DailyLimit: 3})
	p := cleanPayload()
	p.FingerprintHash = "fp-busy"

	a, err := e.CalculateRisk(context.Background(), p, request("fresh-cookie"))

	require.NoError(t, err)
	assert.Equal(t, 30, a.Breakdown[KeyFreqFpHour])
	assert.Equal(t, 25, a.Breakdown[KeyDailyLimit])
	assert.Equal(t, 25, a.Breakdown[KeyFreqFpDay])
	stack := a.Breakdown[KeyFreqFpHour] + a.Breakdown[KeyDailyLimit] + a.Breakdown[KeyFreqFpDay]
	assert.Equal(t, 80, stack)
}

func TestDailyStackRequiresHourlyViolation(t *testing.T) {
	ms := store.NewMemoryStore()
	// 4 submissions today but spread out: none within the last hour.
	for i := 0; i < 4; i++ {
		seed(t, ms, store.Submission{
			FormID:          "contact",
			FingerprintHash: "fp-spread",
			DeviceType:      "desktop",
			Action:          "allow",
			SubmittedAt:     time.Now().Add(-time.Duration(i+2) * time.Hour),
			Analytics:       store.Analytics{UserAgent: testUA},
		})
	}
	e := newTestEngine(ms, Config{DailyLimit: 3})
	p := cleanPayload()
	p.FingerprintHash = "fp-spread"

	a, err := e.CalculateRisk(context.Background(), p, request("fresh-cookie"))

	require.NoError(t, err)
	assert.Equal(t, 25, a.Breakdown[KeyDailyLimit])
	assert.NotContains(t, a.Breakdown, KeyFreqFpHour)
	assert.NotContains(t, a.Breakdown, KeyFreqFpDay)
}

func TestFingerprintReuseVsCollision(t *testing.T) {
	ms := store.NewMemoryStore()
	for i := 0; i < 4; i++ {
		seed(t, ms, store.Submission{
			FormID:          "contact",
			FingerprintHash: "fp-x",
			DeviceType:      "desktop",
			Action:          "allow",
			SubmittedAt:     time.Now().Add(-time.Duration(i+1) * time.Minute),
			Analytics:       store.Analytics{UserAgent: testUA},
		})
	}
	e := newTestEngine(ms, Config{})
	p := cleanPayload()
	p.FingerprintHash = "fp-x"

	a, err := e.CalculateRisk(context.Background(), p, request("cookie-1"))
	require.NoError(t, err)
	assert.Equal(t, 25, a.Breakdown[KeyFpReuse])
	assert.NotContains(t, a.Breakdown, KeyFpCollision)

	// Same hash, diverging stable traits: scored as a possible collision.
	p.UserAgent = "Mozilla/5.0 (X11; Linux x86_64) Firefox/121.0"
	req := request("cookie-1")
	req.UserAgent = p.UserAgent
	a, err = e.CalculateRisk(context.Background(), p, req)
	require.NoError(t, err)
	assert.Equal(t, 10, a.Breakdown[KeyFpCollision])
	assert.NotContains(t, a.Breakdown, KeyFpReuse)
}

func TestWhitelistInstantAllow(t *testing.T) {
	ms := store.NewMemoryStore()
	require.NoError(t, ms.UpsertWhitelist(context.Background(), "trusted", 0))
	e := newTestEngine(ms, Config{DailyLimit: 3})

	a, err := e.CalculateRisk(context.Background(), cleanPayload(), request("trusted"))

	require.NoError(t, err)
	assert.Equal(t, 0, a.Score)
	assert.Equal(t, map[string]int{KeyWhitelisted: 0}, a.Breakdown)
}

func TestDailyLimitOutranksWhitelist(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, ms.UpsertWhitelist(ctx, "trusted", 0))
	for i := 0; i < 3; i++ {
		seed(t, ms, store.Submission{
			FormID:          "contact",
			FingerprintHash: "fp-w",
			DeviceCookie:    "trusted",
			DeviceType:      "desktop",
			Action:          "allow",
			SubmittedAt:     time.Now().Add(-time.Duration(i+1) * time.Minute),
		})
	}
	e := newTestEngine(ms, Config{DailyLimit: 3})

	pre, err := e.Precheck(ctx, "trusted", "203.0.113.5", "fp-w")
	require.NoError(t, err)
	assert.True(t, pre.InstantBlock)
	assert.False(t, pre.InstantAllow)

	a, err := e.CalculateRisk(ctx, cleanPayload(), request("trusted"))
	require.NoError(t, err)
	assert.Equal(t, 100, a.Score)
	assert.Equal(t, 100, a.Breakdown[KeyDailyLimit])
}

func TestMissingCookieBlockedUnderPositiveLimit(t *testing.T) {
	e := newTestEngine(store.NewMemoryStore(), Config{DailyLimit: 3})

	pre, err := e.Precheck(context.Background(), "", "203.0.113.5", "fp-1")

	require.NoError(t, err)
	assert.True(t, pre.InstantBlock)
}

func TestHardPenaltyInstantBlock(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, ms.AddPenalty(ctx, &store.Penalty{
		Type:        store.PenaltyHard,
		TargetType:  store.TargetFingerprint,
		TargetValue: "fp-bad",
		ExpiresAt:   time.Now().Add(24 * time.Hour),
	}))
	e := newTestEngine(ms, Config{DailyLimit: 3})
	p := cleanPayload()
	p.FingerprintHash = "fp-bad"

	a, err := e.CalculateRisk(ctx, p, request("cookie-1"))

	require.NoError(t, err)
	assert.Equal(t, 100, a.Score)
	assert.Equal(t, 100, a.Breakdown[KeyPenalized])
}

func TestTimezoneAloneIsNotEscalated(t *testing.T) {
	// No corroborating signal: timezone mismatch stays at the validator's 10.
	e := newTimezoneEngine(t, store.NewMemoryStore())
	p := cleanPayload()
	p.Timezone = "Europe/Berlin"

	a, err := e.CalculateRisk(context.Background(), p, request("cookie-1"))

	require.NoError(t, err)
	assert.Equal(t, 10, a.Breakdown[KeyValidation])
	assert.NotContains(t, a.Breakdown, KeyTzEscalated)
	assert.Equal(t, 10, a.Score)
}

func TestTimezoneEscalatesWithFastFill(t *testing.T) {
	e := newTimezoneEngine(t, store.NewMemoryStore())
	p := cleanPayload()
	p.Timezone = "Europe/Berlin"
	p.TimePerField = 100

	a, err := e.CalculateRisk(context.Background(), p, request("cookie-1"))

	require.NoError(t, err)
	assert.Equal(t, 10, a.Breakdown[KeyValidation])
	assert.Equal(t, 15, a.Breakdown[KeyTzEscalated])
	assert.Equal(t, 10+20+15, a.Score)
}

func TestScoreClampedAtHundred(t *testing.T) {
	ms := store.NewMemoryStore()
	for i := 0; i < 6; i++ {
		seed(t, ms, store.Submission{
			FormID:          "contact",
			FingerprintHash: "fp-flood",
			IPAddress:       "203.0.113.5",
			DeviceType:      "desktop",
			Action:          "allow",
			SubmittedAt:     time.Now().Add(-time.Duration(i+1) * time.Minute),
		})
	}
	e := newTestEngine(ms, Config{DailyLimit: 3})
	p := cleanPayload()
	p.FingerprintHash = "fp-flood"
	p.TimePerField = 50
	p.TypingSpeed = 300

	a, err := e.CalculateRisk(context.Background(), p, request("fresh-cookie"))

	require.NoError(t, err)
	assert.Equal(t, 100, a.Score)
}

func TestAutoThresholdMode(t *testing.T) {
	ms := store.NewMemoryStore()
	e := newTestEngine(ms, Config{TrafficMode: ModeAuto})

	mode, confidence := e.thresholdMode(context.Background())
	assert.Equal(t, ModeLenient, mode)
	assert.InDelta(t, 0.8, confidence, 1e-9)

	for i := 0; i < 25; i++ {
		seed(t, ms, store.Submission{
			FormID:          "contact",
			FingerprintHash: "fp-v",
			DeviceType:      "desktop",
			Action:          "allow",
			SubmittedAt:     time.Now().Add(-time.Duration(i+1) * time.Minute),
		})
	}
	mode, confidence = e.thresholdMode(context.Background())
	assert.Equal(t, ModeNormal, mode)
	assert.InDelta(t, 1.0, confidence, 1e-9)
}

// mismatchProvider geolocates every IP to a timezone no test payload declares.
type mismatchProvider struct{}

func (mismatchProvider) Location(_ context.Context, _ netip.Addr) (*geoip.Location, error) {
	return &geoip.Location{Timezone: "Australia/Sydney"}, nil
}

func newTimezoneEngine(t *testing.T, ms *store.MemoryStore) *Engine {
	t.Helper()
	return NewEngine(ms, validator.New(mismatchProvider{}), vpn.NewDetector(), nil, nil,
		Config{DailyLimit: 3}, slog.Default())
}
