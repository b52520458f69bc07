// Package decision maps a risk score onto a graduated silent response and
// applies its side effects: the audit record, whitelist upkeep, penalties and
// delayed mail scheduling.
//
// The audit record is the durability anchor. It is written first and its
// failure propagates to the caller; every other side effect is logged and
// swallowed so a flaky penalty insert can never lose the record.
package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/thanhtungtav4/Silent-Trust/internal/payload"
	"github.com/thanhtungtav4/Silent-Trust/internal/risk"
	"github.com/thanhtungtav4/Silent-Trust/internal/store"
)

// Actions, ordered by severity.
const (
	ActionAllow       = "allow"
	ActionAllowLog    = "allow_log"
	ActionDelay       = "delay"
	ActionDrop        = "drop"
	ActionSoftPenalty = "soft_penalty"
	ActionHardPenalty = "hard_penalty"
)

// Mail provenance values on the audit record.
const (
	SentDirect   = "direct"
	SentCron     = "cron"
	SentFallback = "fallback"
)

const decisionPenaltyTTL = 24 * time.Hour

// DetermineAction maps a clamped score onto the action ladder. The six
// ranges partition [0,100] with no gaps or overlaps.
func DetermineAction(score int) string {
	switch {
	case score < 30:
		return ActionAllow
	case score < 50:
		return ActionAllowLog
	case score < 65:
		return ActionDelay
	case score < 70:
		return ActionDrop
	case score < 85:
		return ActionSoftPenalty
	default:
		return ActionHardPenalty
	}
}

// Outcome tells the form framework whether its mail send may proceed.
type Outcome struct {
	Proceed      bool
	Action       string
	Silent       bool
	SubmissionID string
}

// Store is the persistence surface the decision engine writes.
type Store interface {
	InsertSubmission(ctx context.Context, sub *store.Submission) error
	AddPenalty(ctx context.Context, p *store.Penalty) error
	UpsertWhitelist(ctx context.Context, deviceCookie string, ttl time.Duration) error
}

// Scheduler schedules a deferred mail send for a logged submission.
type Scheduler interface {
	Schedule(submissionID string)
}

// Engine executes decisions.
type Engine struct {
	store  Store
	mailer Scheduler
	log    *slog.Logger
}

func NewEngine(s Store, mailer Scheduler, log *slog.Logger) *Engine {
	return &Engine{store: s, mailer: mailer, log: log}
}

// Execute writes the audit record for one assessed submission and applies
// the action's side effects. The returned error is an audit-write failure
// only; the caller decides fail-open versus fail-closed.
func (e *Engine) Execute(ctx context.Context, a risk.Assessment, p *payload.Payload, req payload.RequestContext) (Outcome, error) {
	action := DetermineAction(a.Score)
	proceed := action == ActionAllow || action == ActionAllowLog

	sub := buildRecord(a, p, req, action, proceed)
	if err := e.store.InsertSubmission(ctx, sub); err != nil {
		return Outcome{}, fmt.Errorf("write submission record: %w", err)
	}

	switch action {
	case ActionAllow:
		if req.DeviceCookie != "" {
			if err := e.store.UpsertWhitelist(ctx, req.DeviceCookie, 0); err != nil {
				e.log.Warn("whitelist update failed", "submission_id", sub.ID, "error", err)
			}
		}
	case ActionDelay:
		e.mailer.Schedule(sub.ID)
	case ActionSoftPenalty:
		e.penalize(ctx, sub, store.PenaltySoft, store.TargetFingerprint, sub.FingerprintHash, a.Score)
	case ActionHardPenalty:
		e.penalize(ctx, sub, store.PenaltyHard, store.TargetFingerprint, sub.FingerprintHash, a.Score)
		e.penalize(ctx, sub, store.PenaltyHard, store.TargetIP, req.IP, a.Score)
	}

	return Outcome{
		Proceed:      proceed,
		Action:       action,
		Silent:       !proceed,
		SubmissionID: sub.ID,
	}, nil
}

func (e *Engine) penalize(ctx context.Context, sub *store.Submission, penaltyType, targetType, targetValue string, score int) {
	if targetValue == "" {
		return
	}
	err := e.store.AddPenalty(ctx, &store.Penalty{
		Type:        penaltyType,
		TargetType:  targetType,
		TargetValue: targetValue,
		Reason:      fmt.Sprintf("risk score %d", score),
		ExpiresAt:   time.Now().Add(decisionPenaltyTTL),
	})
	if err != nil {
		e.log.Warn("penalty write failed", "submission_id", sub.ID,
			"target_type", targetType, "error", err)
	}
}

// buildRecord assembles the audit record. EmailSent is true only on the two
// allow paths where the framework sends immediately; a delayed send starts
// false and is patched once delivered. Suppressed paths keep a nil failure
// reason, marking the silence as intentional.
func buildRecord(a risk.Assessment, p *payload.Payload, req payload.RequestContext, action string, proceed bool) *store.Submission {
	sub := &store.Submission{
		FormID:        req.FormID,
		DeviceCookie:  req.DeviceCookie,
		DeviceType:    a.DeviceType,
		RiskScore:     a.Score,
		RiskBreakdown: a.Breakdown,
		Action:        action,
		EmailSent:     proceed,
		SentVia:       SentDirect,
		IPAddress:     req.IP,
		SubmittedAt:   req.ReceivedAt,
		Analytics:     a.Analytics,
	}
	if p != nil {
		sub.Payload, _ = json.Marshal(p)
		sub.FingerprintHash = p.FingerprintHash
		sub.Analytics.PageURL = p.PageURL
		sub.Analytics.LandingURL = p.LandingURL
		sub.Analytics.FirstURL = p.FirstURL
		sub.Analytics.LeadURL = p.LeadURL
		sub.Analytics.ReferrerURL = p.ReferrerURL
		sub.Analytics.UTMSource = p.UTMSource
		sub.Analytics.UTMMedium = p.UTMMedium
		sub.Analytics.UTMCampaign = p.UTMCampaign
		sub.Analytics.UTMTerm = p.UTMTerm
		sub.Analytics.UTMContent = p.UTMContent
		sub.Analytics.SessionID = p.SessionID
		sub.Analytics.SessionDuration = p.SessionDuration
		sub.Analytics.PagesVisited = p.PagesVisited
		sub.Analytics.VisitCount = p.VisitCount
		sub.Analytics.UserAgent = p.UserAgent
		sub.Analytics.ScreenResolution = p.ScreenResolution()
		sub.Analytics.TimeOnPage = p.TimeOnPage
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now()
	}
	return sub
}
