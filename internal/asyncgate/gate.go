// Package asyncgate decouples form-response latency from full risk analysis.
//
// The quick tier runs only indexed lookups and a counter increment, enough
// to reject the worst offenders inline; everything else is queued and scored
// later. A bad submission that slips past the quick tier still gets caught:
// the deferred pass applies retroactive penalties, so the sender's second
// attempt hits the pre-check wall.
package asyncgate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/thanhtungtav4/Silent-Trust/internal/cache"
	"github.com/thanhtungtav4/Silent-Trust/internal/decision"
	"github.com/thanhtungtav4/Silent-Trust/internal/payload"
	"github.com/thanhtungtav4/Silent-Trust/internal/risk"
	"github.com/thanhtungtav4/Silent-Trust/internal/store"
)

// Quick-tier block reasons.
const (
	ReasonHardPenaltyFingerprint = "hard_penalty_fingerprint"
	ReasonHardPenaltyIP          = "hard_penalty_ip"
	ReasonIPBurst                = "ip_burst"
	ReasonImpossibleSpeed        = "impossible_speed"
)

const (
	ipBurstWindow = time.Minute
	ipBurstLimit  = 10

	// Under 50ms per field no human is typing.
	impossibleFieldMs = 50

	retroactiveThreshold = 70
	retroFingerprintTTL  = 30 * 24 * time.Hour
	retroIPTTL           = 7 * 24 * time.Hour

	autoWhitelistScore   = 20
	autoWhitelistStreak  = 10
	autoWhitelistTTL     = 90 * 24 * time.Hour
	queueRetention       = time.Hour
	processingLease      = 15 * time.Minute
)

// QuickResult is the quick tier's verdict.
type QuickResult struct {
	InstantBlock bool
	Reason       string
	Action       string
}

// Store is the persistence surface of the gate.
type Store interface {
	HasHardPenalty(ctx context.Context, targetType, targetValue string) (bool, error)
	IPFrequency(ctx context.Context, ip string, window time.Duration) (int, error)
	EnqueueAnalysis(ctx context.Context, item *store.QueueItem) error
	ClaimQueueItem(ctx context.Context, id string) (*store.QueueItem, error)
	ClaimNextPending(ctx context.Context) (*store.QueueItem, error)
	CompleteQueueItem(ctx context.Context, id string) error
	FailQueueItem(ctx context.Context, id, errMsg string) error
	PurgeQueue(ctx context.Context, olderThan time.Time) (int64, error)
	ReclaimStaleQueueItems(ctx context.Context, lease time.Duration) (int64, error)
	QueueStats(ctx context.Context) (store.QueueStats, error)
	InsertSubmission(ctx context.Context, sub *store.Submission) error
	AddPenalty(ctx context.Context, p *store.Penalty) error
	UpsertWhitelist(ctx context.Context, deviceCookie string, ttl time.Duration) error
	RecentScores(ctx context.Context, hash string, limit int) ([]int, error)
}

// Scorer is the full risk engine as the gate sees it.
type Scorer interface {
	CalculateRisk(ctx context.Context, p *payload.Payload, req payload.RequestContext) (risk.Assessment, error)
}

// Gate is the two-tier async front end.
type Gate struct {
	store   Store
	scorer  Scorer
	counter cache.Counter
	log     *slog.Logger
	enabled bool
}

func NewGate(s Store, scorer Scorer, counter cache.Counter, enabled bool, log *slog.Logger) *Gate {
	if counter == nil {
		counter = cache.NewMemoryCounter()
	}
	return &Gate{store: s, scorer: scorer, counter: counter, log: log, enabled: enabled}
}

// Enabled reports whether async mode is configured on. Callers must also
// confirm the periodic scheduler is running before relying on the deferred
// path; otherwise they fall back to inline scoring.
func (g *Gate) Enabled() bool { return g.enabled }

// QuickPrecheck runs only the cheap checks and never errs on the side of
// blocking: any lookup failure passes the submission through to the queue.
func (g *Gate) QuickPrecheck(ctx context.Context, p *payload.Payload, req payload.RequestContext) QuickResult {
	if p != nil && p.FingerprintHash != "" {
		if hit, err := g.store.HasHardPenalty(ctx, store.TargetFingerprint, p.FingerprintHash); err != nil {
			g.log.Warn("quick penalty check failed", "error", err)
		} else if hit {
			return blockResult(ReasonHardPenaltyFingerprint)
		}
	}

	if req.IP != "" {
		if hit, err := g.store.HasHardPenalty(ctx, store.TargetIP, req.IP); err != nil {
			g.log.Warn("quick penalty check failed", "error", err)
		} else if hit {
			return blockResult(ReasonHardPenaltyIP)
		}

		if count, err := g.counter.Incr(ctx, "ip:"+req.IP, ipBurstWindow); err != nil {
			// Counter down: fall back to the indexed store count.
			stored, serr := g.store.IPFrequency(ctx, req.IP, ipBurstWindow)
			if serr != nil {
				g.log.Warn("quick burst check unavailable", "error", err)
			} else if stored > ipBurstLimit {
				return blockResult(ReasonIPBurst)
			}
		} else if count > ipBurstLimit {
			return blockResult(ReasonIPBurst)
		}
	}

	if p != nil && p.TimePerField > 0 && p.TimePerField < impossibleFieldMs {
		return blockResult(ReasonImpossibleSpeed)
	}

	return QuickResult{}
}

func blockResult(reason string) QuickResult {
	return QuickResult{InstantBlock: true, Reason: reason, Action: decision.ActionDrop}
}

// envelope is the queued form of a submission: the payload plus the request
// facts the deferred pass needs to rebuild its context.
type envelope struct {
	Payload      *payload.Payload `json:"payload"`
	DeviceCookie string           `json:"device_cookie,omitempty"`
	UserAgent    string           `json:"user_agent,omitempty"`
}

// Enqueue queues the submission for deferred analysis and returns the queue
// item ID.
func (g *Gate) Enqueue(ctx context.Context, p *payload.Payload, req payload.RequestContext) (string, error) {
	raw, err := json.Marshal(envelope{
		Payload:      p,
		DeviceCookie: req.DeviceCookie,
		UserAgent:    req.UserAgent,
	})
	if err != nil {
		return "", fmt.Errorf("encode queue payload: %w", err)
	}

	sum := sha256.Sum256(raw)
	item := &store.QueueItem{
		PayloadHash: hex.EncodeToString(sum[:]),
		Payload:     raw,
		IPAddress:   req.IP,
		FormID:      req.FormID,
		CreatedAt:   req.ReceivedAt,
	}
	if err := g.store.EnqueueAnalysis(ctx, item); err != nil {
		return "", fmt.Errorf("enqueue analysis: %w", err)
	}
	return item.ID, nil
}

// Process claims and fully analyzes one queued item. A nil error with an
// unclaimed item (someone else got it first) is not a failure.
func (g *Gate) Process(ctx context.Context, id string) error {
	item, err := g.store.ClaimQueueItem(ctx, id)
	if err != nil {
		return fmt.Errorf("claim queue item: %w", err)
	}
	if item == nil {
		return nil
	}
	return g.analyze(ctx, item)
}

// ProcessNext drains one pending item, oldest first. Returns false when the
// queue is empty.
func (g *Gate) ProcessNext(ctx context.Context) (bool, error) {
	item, err := g.store.ClaimNextPending(ctx)
	if err != nil {
		return false, fmt.Errorf("claim next pending: %w", err)
	}
	if item == nil {
		return false, nil
	}
	return true, g.analyze(ctx, item)
}

func (g *Gate) analyze(ctx context.Context, item *store.QueueItem) error {
	if err := g.analyzeItem(ctx, item); err != nil {
		if ferr := g.store.FailQueueItem(ctx, item.ID, err.Error()); ferr != nil {
			g.log.Error("failed to mark queue item failed", "item_id", item.ID, "error", ferr)
		}
		g.log.Warn("deferred analysis failed", "item_id", item.ID, "error", err)
		return nil
	}
	if err := g.store.CompleteQueueItem(ctx, item.ID); err != nil {
		g.log.Error("failed to mark queue item completed", "item_id", item.ID, "error", err)
	}
	return nil
}

func (g *Gate) analyzeItem(ctx context.Context, item *store.QueueItem) error {
	var env envelope
	if err := json.Unmarshal(item.Payload, &env); err != nil {
		return fmt.Errorf("decode queue payload: %w", err)
	}

	req := payload.RequestContext{
		IP:           item.IPAddress,
		UserAgent:    env.UserAgent,
		DeviceCookie: env.DeviceCookie,
		FormID:       item.FormID,
		ReceivedAt:   item.CreatedAt,
	}

	a, err := g.scorer.CalculateRisk(ctx, env.Payload, req)
	if err != nil {
		return fmt.Errorf("deferred scoring: %w", err)
	}

	// The quick tier already let the mail through; this record carries the
	// full score for audit and for the trainer.
	sub := &store.Submission{
		FormID:        req.FormID,
		DeviceCookie:  req.DeviceCookie,
		DeviceType:    a.DeviceType,
		Payload:       item.Payload,
		RiskScore:     a.Score,
		RiskBreakdown: a.Breakdown,
		Action:        decision.DetermineAction(a.Score),
		EmailSent:     true,
		SentVia:       decision.SentDirect,
		IPAddress:     req.IP,
		SubmittedAt:   req.ReceivedAt,
		Analytics:     a.Analytics,
	}
	if env.Payload != nil {
		sub.FingerprintHash = env.Payload.FingerprintHash
		sub.Analytics.UserAgent = env.Payload.UserAgent
		sub.Analytics.ScreenResolution = env.Payload.ScreenResolution()
	}
	if err := g.store.InsertSubmission(ctx, sub); err != nil {
		return fmt.Errorf("write deferred record: %w", err)
	}

	switch {
	case a.Score >= retroactiveThreshold:
		g.applyRetroactivePenalties(ctx, sub, a.Score)
	case a.Score < autoWhitelistScore:
		g.maybeAutoWhitelist(ctx, sub)
	}
	return nil
}

// applyRetroactivePenalties punishes after the fact: the mail is gone, but
// the sender's fingerprint and IP are burned for the next attempt.
func (g *Gate) applyRetroactivePenalties(ctx context.Context, sub *store.Submission, score int) {
	reason := fmt.Sprintf("retroactive: deferred risk score %d", score)
	if sub.FingerprintHash != "" {
		err := g.store.AddPenalty(ctx, &store.Penalty{
			Type:        store.PenaltyHard,
			TargetType:  store.TargetFingerprint,
			TargetValue: sub.FingerprintHash,
			Reason:      reason,
			ExpiresAt:   time.Now().Add(retroFingerprintTTL),
		})
		if err != nil {
			g.log.Warn("retroactive fingerprint penalty failed", "error", err)
		}
	}
	if sub.IPAddress != "" {
		err := g.store.AddPenalty(ctx, &store.Penalty{
			Type:        store.PenaltySoft,
			TargetType:  store.TargetIP,
			TargetValue: sub.IPAddress,
			Reason:      reason,
			ExpiresAt:   time.Now().Add(retroIPTTL),
		})
		if err != nil {
			g.log.Warn("retroactive ip penalty failed", "error", err)
		}
	}
}

// maybeAutoWhitelist trusts a device once its fingerprint shows a full
// streak of low-risk submissions.
func (g *Gate) maybeAutoWhitelist(ctx context.Context, sub *store.Submission) {
	if sub.DeviceCookie == "" || sub.FingerprintHash == "" {
		return
	}
	scores, err := g.store.RecentScores(ctx, sub.FingerprintHash, autoWhitelistStreak)
	if err != nil {
		g.log.Warn("recent score lookup failed", "error", err)
		return
	}
	if len(scores) < autoWhitelistStreak {
		return
	}
	for _, s := range scores {
		if s >= autoWhitelistScore {
			return
		}
	}
	if err := g.store.UpsertWhitelist(ctx, sub.DeviceCookie, autoWhitelistTTL); err != nil {
		g.log.Warn("auto-whitelist failed", "error", err)
	}
}

// PurgeProcessed removes terminal queue items older than the retention
// window.
func (g *Gate) PurgeProcessed(ctx context.Context) (int64, error) {
	return g.store.PurgeQueue(ctx, time.Now().Add(-queueRetention))
}

// ReclaimStale requeues items stuck in processing past the lease, covering
// workers that died mid-analysis.
func (g *Gate) ReclaimStale(ctx context.Context) (int64, error) {
	return g.store.ReclaimStaleQueueItems(ctx, processingLease)
}

// Stats exposes queue depth for the admin surface.
func (g *Gate) Stats(ctx context.Context) (store.QueueStats, error) {
	return g.store.QueueStats(ctx)
}
