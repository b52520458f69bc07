package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanhtungtav4/Silent-Trust/internal/store"
	"github.com/thanhtungtav4/Silent-Trust/internal/testutil"
)

// These tests run against a real PostgreSQL and are skipped unless
// POSTGRES_URL is set.

func newPGStore(t *testing.T) *store.PostgresStore {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return store.NewPostgresStore(db)
}

func sampleSubmission(fp, cookie, ip string, score int) *store.Submission {
	return &store.Submission{
		FormID:          "contact-form",
		FingerprintHash: fp,
		DeviceCookie:    cookie,
		DeviceType:      "desktop",
		RiskScore:       score,
		RiskBreakdown:   map[string]int{"fingerprint_reuse": score},
		Action:          "allow",
		EmailSent:       true,
		SentVia:         "direct",
		IPAddress:       ip,
		SubmittedAt:     time.Now(),
		Analytics: store.Analytics{
			CountryCode: "DE",
			UserAgent:   "test-agent",
		},
	}
}

func TestPostgres_SubmissionRoundTrip(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	sub := sampleSubmission("fp_aaa", "dev_1", "203.0.113.5", 25)
	require.NoError(t, s.InsertSubmission(ctx, sub))
	require.NotEmpty(t, sub.ID)

	count, err := s.CountSubmissionsToday(ctx, "dev_1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	freq, err := s.FingerprintFrequency(ctx, "fp_aaa", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, freq.Count)
	assert.InDelta(t, 1.0, freq.Decayed, 0.01)

	traits, err := s.LastTraits(ctx, "fp_aaa", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, traits)
	assert.Equal(t, "test-agent", traits.UserAgent)
	assert.Equal(t, "desktop", traits.DeviceType)

	// Unknown fingerprint yields no traits, not an error
	traits, err = s.LastTraits(ctx, "fp_missing", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, traits)

	scores, err := s.RecentScores(ctx, "fp_aaa", 10)
	require.NoError(t, err)
	assert.Equal(t, []int{25}, scores)
}

func TestPostgres_PatchSubmissionEmail(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	sub := sampleSubmission("fp_patch", "dev_2", "203.0.113.6", 55)
	sub.EmailSent = false
	require.NoError(t, s.InsertSubmission(ctx, sub))

	require.NoError(t, s.PatchSubmissionEmail(ctx, sub.ID, true, nil, "cron"))

	reason := "smtp timeout"
	require.NoError(t, s.PatchSubmissionEmail(ctx, sub.ID, false, &reason, ""))

	err := s.PatchSubmissionEmail(ctx, "sub_missing", true, nil, "cron")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPostgres_ListSubmissionsPagination(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		sub := sampleSubmission("fp_list", "dev_3", "203.0.113.7", 10)
		sub.SubmittedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.InsertSubmission(ctx, sub))
	}

	page, err := s.ListSubmissions(ctx, time.Time{}, "", 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.True(t, page[0].SubmittedAt.After(page[1].SubmittedAt))

	last := page[len(page)-1]
	rest, err := s.ListSubmissions(ctx, last.SubmittedAt, last.ID, 3)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.True(t, rest[0].SubmittedAt.Before(last.SubmittedAt))
}

func TestPostgres_PenaltyLifecycle(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddPenalty(ctx, &store.Penalty{
		Type:        store.PenaltyHard,
		TargetType:  store.TargetFingerprint,
		TargetValue: "fp_bad",
		Reason:      "risk score 92",
		ExpiresAt:   time.Now().Add(time.Hour),
	}))
	require.NoError(t, s.AddPenalty(ctx, &store.Penalty{
		Type:        store.PenaltySoft,
		TargetType:  store.TargetIP,
		TargetValue: "203.0.113.99",
		Reason:      "risk score 75",
		ExpiresAt:   time.Now().Add(-time.Minute), // already expired
	}))

	hit, err := s.IsPenalized(ctx, store.TargetFingerprint, "fp_bad")
	require.NoError(t, err)
	assert.True(t, hit)

	hard, err := s.HasHardPenalty(ctx, store.TargetFingerprint, "fp_bad")
	require.NoError(t, err)
	assert.True(t, hard)

	// Expired penalties no longer bind
	hit, err = s.IsPenalized(ctx, store.TargetIP, "203.0.113.99")
	require.NoError(t, err)
	assert.False(t, hit)

	removed, err := s.DeleteExpiredPenalties(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestPostgres_WhitelistUpsert(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	ok, err := s.IsWhitelisted(ctx, "dev_trusted")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.UpsertWhitelist(ctx, "dev_trusted", 0))
	require.NoError(t, s.UpsertWhitelist(ctx, "dev_trusted", 0))

	ok, err = s.IsWhitelisted(ctx, "dev_trusted")
	require.NoError(t, err)
	assert.True(t, ok)

	entry, err := s.GetWhitelistEntry(ctx, "dev_trusted")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.SuccessCount)
	assert.Nil(t, entry.ExpiresAt)

	// Expiring entries stop binding once past their TTL
	require.NoError(t, s.UpsertWhitelist(ctx, "dev_probation", -time.Minute))
	ok, err = s.IsWhitelisted(ctx, "dev_probation")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgres_QueueLifecycle(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	item := &store.QueueItem{
		PayloadHash: "deadbeef",
		Payload:     []byte(`{"payload":null}`),
		IPAddress:   "203.0.113.8",
		FormID:      "contact-form",
	}
	require.NoError(t, s.EnqueueAnalysis(ctx, item))
	require.NotEmpty(t, item.ID)

	claimed, err := s.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, item.ID, claimed.ID)
	assert.Equal(t, store.QueueProcessing, claimed.Status)

	// Nothing else pending
	next, err := s.ClaimNextPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, s.CompleteQueueItem(ctx, claimed.ID))

	stats, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
	assert.Equal(t, 0, stats.Processing)
	assert.Equal(t, 1, stats.CompletedToday)

	purged, err := s.PurgeQueue(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestPostgres_QueueReclaimStale(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	item := &store.QueueItem{
		PayloadHash: "cafebabe",
		Payload:     []byte(`{"payload":null}`),
		IPAddress:   "203.0.113.8",
		FormID:      "contact-form",
	}
	require.NoError(t, s.EnqueueAnalysis(ctx, item))

	claimed, err := s.ClaimQueueItem(ctx, item.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// A zero lease makes the fresh claim immediately stale
	reclaimed, err := s.ReclaimStaleQueueItems(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reclaimed)

	again, err := s.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, item.ID, again.ID)
}

func TestPostgres_WeightsRoundTrip(t *testing.T) {
	s := newPGStore(t)
	ctx := context.Background()

	rec, err := s.GetWeights(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec, "no weights before first training")

	saved := &store.WeightRecord{
		Weights:   map[string]int{"fingerprint": 30, "behavior": 30, "ip": 10, "frequency": 30},
		TrainedAt: time.Now(),
	}
	require.NoError(t, s.SaveWeights(ctx, saved))
	require.NoError(t, s.SaveWeights(ctx, saved)) // upsert replaces

	rec, err = s.GetWeights(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 30, rec.Weights["fingerprint"])

	require.NoError(t, s.ResetWeights(ctx))
	rec, err = s.GetWeights(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}
