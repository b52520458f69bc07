package store

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/thanhtungtav4/Silent-Trust/internal/idgen"
)

// MemoryStore is an in-memory persistence gateway for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	submissions []*Submission
	penalties   []*Penalty
	whitelist   map[string]*WhitelistEntry
	queue       map[string]*QueueItem
	queueOrder  []string
	weights     *WeightRecord
}

// NewMemoryStore creates an empty in-memory gateway.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		whitelist: make(map[string]*WhitelistEntry),
		queue:     make(map[string]*QueueItem),
	}
}

// -----------------------------------------------------------------------------
// Submissions
// -----------------------------------------------------------------------------

func (s *MemoryStore) InsertSubmission(ctx context.Context, sub *Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.ID == "" {
		sub.ID = idgen.WithPrefix("sub_")
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now()
	}
	cp := *sub
	if sub.RiskBreakdown != nil {
		cp.RiskBreakdown = make(map[string]int, len(sub.RiskBreakdown))
		for k, v := range sub.RiskBreakdown {
			cp.RiskBreakdown[k] = v
		}
	}
	s.submissions = append(s.submissions, &cp)
	return nil
}

func (s *MemoryStore) PatchSubmissionEmail(ctx context.Context, id string, sent bool, failureReason *string, sentVia string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.submissions {
		if sub.ID == id {
			sub.EmailSent = sent
			sub.EmailFailure = failureReason
			if sentVia != "" {
				sub.SentVia = sentVia
			}
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) ListSubmissions(ctx context.Context, before time.Time, beforeID string, limit int) ([]*Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sorted := make([]*Submission, len(s.submissions))
	copy(sorted, s.submissions)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].SubmittedAt.Equal(sorted[j].SubmittedAt) {
			return sorted[i].SubmittedAt.After(sorted[j].SubmittedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})

	var out []*Submission
	for _, sub := range sorted {
		if !before.IsZero() {
			if sub.SubmittedAt.After(before) {
				continue
			}
			if sub.SubmittedAt.Equal(before) && sub.ID >= beforeID {
				continue
			}
		}
		cp := *sub
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CountSubmissionsToday(ctx context.Context, deviceCookie string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	count := 0
	for _, sub := range s.submissions {
		if sub.DeviceCookie == deviceCookie && !sub.SubmittedAt.Before(start) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) FingerprintFrequency(ctx context.Context, hash string, window time.Duration) (Frequency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	var freq Frequency
	for _, sub := range s.submissions {
		if sub.FingerprintHash == hash && sub.SubmittedAt.After(cutoff) {
			freq.Count++
			ageDays := time.Since(sub.SubmittedAt).Hours() / 24
			freq.Decayed += math.Exp(-ageDays / 2)
		}
	}
	return freq, nil
}

func (s *MemoryStore) IPFrequency(ctx context.Context, ip string, window time.Duration) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	count := 0
	for _, sub := range s.submissions {
		if sub.IPAddress == ip && sub.SubmittedAt.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) DistinctFingerprintsForIP(ctx context.Context, ip string, window time.Duration) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	seen := make(map[string]struct{})
	for _, sub := range s.submissions {
		if sub.IPAddress == ip && sub.SubmittedAt.After(cutoff) {
			seen[sub.FingerprintHash] = struct{}{}
		}
	}
	return len(seen), nil
}

func (s *MemoryStore) DailyVolume(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-24 * time.Hour)
	count := 0
	for _, sub := range s.submissions {
		if sub.SubmittedAt.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) RecentScores(ctx context.Context, hash string, limit int) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var scores []int
	for i := len(s.submissions) - 1; i >= 0 && len(scores) < limit; i-- {
		if s.submissions[i].FingerprintHash == hash {
			scores = append(scores, s.submissions[i].RiskScore)
		}
	}
	return scores, nil
}

func (s *MemoryStore) LastTraits(ctx context.Context, hash string, window time.Duration) (*Traits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-window)
	for i := len(s.submissions) - 1; i >= 0; i-- {
		sub := s.submissions[i]
		if sub.FingerprintHash == hash && sub.SubmittedAt.After(cutoff) {
			return &Traits{
				UserAgent:        sub.Analytics.UserAgent,
				ScreenResolution: sub.Analytics.ScreenResolution,
				DeviceType:       sub.DeviceType,
			}, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) TotalSubmissions(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.submissions), nil
}

func (s *MemoryStore) TrainingRecords(ctx context.Context, sampleSize int) ([]TrainingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []TrainingRecord
	for i := len(s.submissions) - 1; i >= 0 && len(records) < sampleSize; i-- {
		sub := s.submissions[i]
		if sub.RiskBreakdown == nil {
			continue
		}
		records = append(records, TrainingRecord{
			RiskScore: sub.RiskScore,
			Breakdown: sub.RiskBreakdown,
			Action:    sub.Action,
			EmailSent: sub.EmailSent,
		})
	}
	return records, nil
}

// -----------------------------------------------------------------------------
// Penalties
// -----------------------------------------------------------------------------

func (s *MemoryStore) AddPenalty(ctx context.Context, p *Penalty) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	if cp.ID == "" {
		cp.ID = idgen.WithPrefix("pen_")
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.penalties = append(s.penalties, &cp)
	return nil
}

func (s *MemoryStore) IsPenalized(ctx context.Context, targetType, targetValue string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	for _, p := range s.penalties {
		if p.TargetType == targetType && p.TargetValue == targetValue && p.ExpiresAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) HasHardPenalty(ctx context.Context, targetType, targetValue string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	for _, p := range s.penalties {
		if p.Type == PenaltyHard && p.TargetType == targetType && p.TargetValue == targetValue && p.ExpiresAt.After(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) DeleteExpiredPenalties(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	kept := s.penalties[:0]
	var deleted int64
	for _, p := range s.penalties {
		if p.ExpiresAt.After(now) {
			kept = append(kept, p)
		} else {
			deleted++
		}
	}
	s.penalties = kept
	return deleted, nil
}

// -----------------------------------------------------------------------------
// Whitelist
// -----------------------------------------------------------------------------

func (s *MemoryStore) IsWhitelisted(ctx context.Context, deviceCookie string) (bool, error) {
	if deviceCookie == "" {
		return false, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.whitelist[deviceCookie]
	if !ok {
		return false, nil
	}
	if entry.ExpiresAt != nil && !entry.ExpiresAt.After(time.Now()) {
		return false, nil
	}
	return true, nil
}

// UpsertWhitelist adds or bumps a whitelist entry. A non-zero ttl sets an
// expiry (used by auto-whitelisting); ttl 0 leaves the entry permanent.
func (s *MemoryStore) UpsertWhitelist(ctx context.Context, deviceCookie string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	entry, ok := s.whitelist[deviceCookie]
	if !ok {
		entry = &WhitelistEntry{
			ID:           idgen.WithPrefix("wl_"),
			DeviceCookie: deviceCookie,
			CreatedAt:    now,
		}
		s.whitelist[deviceCookie] = entry
	}
	entry.SuccessCount++
	entry.LastSuccessAt = now
	if ttl > 0 {
		exp := now.Add(ttl)
		entry.ExpiresAt = &exp
	}
	return nil
}

func (s *MemoryStore) GetWhitelistEntry(ctx context.Context, deviceCookie string) (*WhitelistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.whitelist[deviceCookie]
	if !ok {
		return nil, nil
	}
	cp := *entry
	return &cp, nil
}

// -----------------------------------------------------------------------------
// Analysis queue
// -----------------------------------------------------------------------------

func (s *MemoryStore) EnqueueAnalysis(ctx context.Context, item *QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *item
	if cp.ID == "" {
		cp.ID = idgen.WithPrefix("aq_")
		item.ID = cp.ID
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.Status = QueuePending
	s.queue[cp.ID] = &cp
	s.queueOrder = append(s.queueOrder, cp.ID)
	return nil
}

// ClaimQueueItem transitions a pending item to processing and returns it.
// Returns nil if the item is absent or already claimed.
func (s *MemoryStore) ClaimQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.queue[id]
	if !ok || item.Status != QueuePending {
		return nil, nil
	}
	now := time.Now()
	item.Status = QueueProcessing
	item.LeasedAt = &now
	cp := *item
	return &cp, nil
}

// ClaimNextPending claims the oldest pending item, or returns nil.
func (s *MemoryStore) ClaimNextPending(ctx context.Context) (*QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.queueOrder {
		item, ok := s.queue[id]
		if !ok || item.Status != QueuePending {
			continue
		}
		now := time.Now()
		item.Status = QueueProcessing
		item.LeasedAt = &now
		cp := *item
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) CompleteQueueItem(ctx context.Context, id string) error {
	return s.finishQueueItem(id, QueueCompleted, "")
}

func (s *MemoryStore) FailQueueItem(ctx context.Context, id, errMsg string) error {
	return s.finishQueueItem(id, QueueFailed, errMsg)
}

func (s *MemoryStore) finishQueueItem(id, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.queue[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	item.Status = status
	item.ProcessedAt = &now
	item.ErrorMessage = errMsg
	return nil
}

func (s *MemoryStore) PurgeQueue(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for id, item := range s.queue {
		if (item.Status == QueueCompleted || item.Status == QueueFailed) && item.CreatedAt.Before(olderThan) {
			delete(s.queue, id)
			purged++
		}
	}
	if purged > 0 {
		order := s.queueOrder[:0]
		for _, id := range s.queueOrder {
			if _, ok := s.queue[id]; ok {
				order = append(order, id)
			}
		}
		s.queueOrder = order
	}
	return purged, nil
}

// ReclaimStaleQueueItems returns items stuck in processing beyond the lease
// back to pending so a later worker pass can retry them.
func (s *MemoryStore) ReclaimStaleQueueItems(ctx context.Context, lease time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-lease)
	var reclaimed int64
	for _, item := range s.queue {
		if item.Status == QueueProcessing && item.LeasedAt != nil && item.LeasedAt.Before(cutoff) {
			item.Status = QueuePending
			item.LeasedAt = nil
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (s *MemoryStore) QueueStats(ctx context.Context) (QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	var stats QueueStats
	for _, item := range s.queue {
		switch item.Status {
		case QueuePending:
			stats.Pending++
		case QueueProcessing:
			stats.Processing++
		case QueueCompleted:
			if !item.CreatedAt.Before(dayStart) {
				stats.CompletedToday++
			}
		case QueueFailed:
			if !item.CreatedAt.Before(dayStart) {
				stats.FailedToday++
			}
		}
	}
	return stats, nil
}

// -----------------------------------------------------------------------------
// Weights
// -----------------------------------------------------------------------------

func (s *MemoryStore) GetWeights(ctx context.Context) (*WeightRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.weights == nil {
		return nil, nil
	}
	cp := *s.weights
	cp.Weights = cloneWeights(s.weights.Weights)
	return &cp, nil
}

func (s *MemoryStore) SaveWeights(ctx context.Context, rec *WeightRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	cp.Weights = cloneWeights(rec.Weights)
	s.weights = &cp
	return nil
}

func (s *MemoryStore) ResetWeights(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weights = nil
	return nil
}

func cloneWeights(w map[string]int) map[string]int {
	out := make(map[string]int, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Submissions returns a snapshot of all logged submissions, most recent
// first. Test/demo helper.
func (s *MemoryStore) Submissions() []*Submission {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Submission, len(s.submissions))
	for i, sub := range s.submissions {
		cp := *sub
		out[len(out)-1-i] = &cp
	}
	return out
}

// Penalties returns a snapshot of all penalties matching the target value,
// most recent first. Test/demo helper.
func (s *MemoryStore) Penalties(targetValue string) []*Penalty {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Penalty
	for _, p := range s.penalties {
		if targetValue == "" || strings.EqualFold(p.TargetValue, targetValue) {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
