package weights

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhtungtav4/Silent-Trust/internal/store"
)

func seedRecords(t *testing.T, ms *store.MemoryStore, records []store.TrainingRecord) {
	t.Helper()
	ctx := context.Background()
	for i, rec := range records {
		emailSent := rec.EmailSent
		err := ms.InsertSubmission(ctx, &store.Submission{
			FormID:          "form-1",
			FingerprintHash: "fp",
			RiskScore:       rec.RiskScore,
			RiskBreakdown:   rec.Breakdown,
			Action:          rec.Action,
			EmailSent:       emailSent,
			SubmittedAt:     time.Now().Add(-time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
}

// spamRecord is suppressed with a contributing breakdown; hamRecord went out.
func spamRecord(breakdown map[string]int) store.TrainingRecord {
	return store.TrainingRecord{RiskScore: 80, Breakdown: breakdown, Action: "hard_penalty", EmailSent: false}
}

func hamRecord(breakdown map[string]int) store.TrainingRecord {
	return store.TrainingRecord{RiskScore: 10, Breakdown: breakdown, Action: "allow", EmailSent: true}
}

func TestCurrentWeightsDefaultsWhenUntrained(t *testing.T) {
	a := NewAdjuster(store.NewMemoryStore())

	w, err := a.CurrentWeights(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Default(), w)
	assert.Equal(t, 100, w.Fingerprint+w.Behavior+w.IP+w.Frequency)
}

func TestCanTrain(t *testing.T) {
	ms := store.NewMemoryStore()
	a := NewAdjuster(ms)

	ok, err := a.CanTrain(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	var records []store.TrainingRecord
	for i := 0; i < 100; i++ {
		records = append(records, hamRecord(map[string]int{"behavior_fast_fill": 20}))
	}
	seedRecords(t, ms, records)

	ok, err = a.CanTrain(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCalculateInsufficientData(t *testing.T) {
	ms := store.NewMemoryStore()
	seedRecords(t, ms, []store.TrainingRecord{spamRecord(map[string]int{"frequency_fp_hour": 30})})

	_, err := NewAdjuster(ms).CalculateOptimalWeights(context.Background())

	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestCalculateSumsToHundred(t *testing.T) {
	ms := store.NewMemoryStore()
	var records []store.TrainingRecord
	for i := 0; i < 40; i++ {
		records = append(records, spamRecord(map[string]int{
			"fingerprint_reuse": 25,
			"behavior_fast_fill": 20,
		}))
	}
	for i := 0; i < 30; i++ {
		records = append(records, spamRecord(map[string]int{"frequency_fp_hour": 30}))
	}
	for i := 0; i < 30; i++ {
		records = append(records, hamRecord(map[string]int{"ip_vpn_detected": 10}))
	}
	seedRecords(t, ms, records)

	w, err := NewAdjuster(ms).CalculateOptimalWeights(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 100, w.Fingerprint+w.Behavior+w.IP+w.Frequency)
	assert.Zero(t, w.IP, "factor that only fired on ham has zero precision")
	assert.Greater(t, w.Frequency, 0)
}

func TestCalculateZeroEffectivenessFallsBack(t *testing.T) {
	ms := store.NewMemoryStore()
	var records []store.TrainingRecord
	for i := 0; i < 120; i++ {
		// Every contribution is on allowed-through traffic: precision 0 everywhere.
		records = append(records, hamRecord(map[string]int{"behavior_fast_fill": 20}))
	}
	seedRecords(t, ms, records)

	w, err := NewAdjuster(ms).CalculateOptimalWeights(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Default(), w)
}

func TestTrainPersistsAndCurrentWeightsRoundTrips(t *testing.T) {
	ms := store.NewMemoryStore()
	var records []store.TrainingRecord
	for i := 0; i < 60; i++ {
		records = append(records, spamRecord(map[string]int{"frequency_fp_hour": 30}))
	}
	for i := 0; i < 60; i++ {
		records = append(records, hamRecord(map[string]int{"behavior_fast_fill": 20}))
	}
	seedRecords(t, ms, records)

	a := NewAdjuster(ms)
	trained, err := a.Train(context.Background())
	require.NoError(t, err)

	current, err := a.CurrentWeights(context.Background())
	require.NoError(t, err)
	assert.Equal(t, trained, current)
	assert.NotEqual(t, Default(), current)
}

func TestTrainIsIdempotentOnStableHistory(t *testing.T) {
	ms := store.NewMemoryStore()
	var records []store.TrainingRecord
	for i := 0; i < 60; i++ {
		records = append(records, spamRecord(map[string]int{"fingerprint_reuse": 25}))
	}
	for i := 0; i < 60; i++ {
		records = append(records, hamRecord(map[string]int{}))
	}
	seedRecords(t, ms, records)

	a := NewAdjuster(ms)
	first, err := a.Train(context.Background())
	require.NoError(t, err)
	second, err := a.Train(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestResetRestoresDefaults(t *testing.T) {
	ms := store.NewMemoryStore()
	var records []store.TrainingRecord
	for i := 0; i < 120; i++ {
		records = append(records, spamRecord(map[string]int{"frequency_fp_hour": 30}))
	}
	seedRecords(t, ms, records)

	a := NewAdjuster(ms)
	_, err := a.Train(context.Background())
	require.NoError(t, err)
	require.NoError(t, a.Reset(context.Background()))

	w, err := a.CurrentWeights(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Default(), w)
}
