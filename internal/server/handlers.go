package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/thanhtungtav4/Silent-Trust/internal/decision"
	"github.com/thanhtungtav4/Silent-Trust/internal/logging"
	"github.com/thanhtungtav4/Silent-Trust/internal/metrics"
	"github.com/thanhtungtav4/Silent-Trust/internal/pagination"
	"github.com/thanhtungtav4/Silent-Trust/internal/payload"
	"github.com/thanhtungtav4/Silent-Trust/internal/store"
	"github.com/thanhtungtav4/Silent-Trust/internal/traces"
	"github.com/thanhtungtav4/Silent-Trust/internal/validation"
	"github.com/thanhtungtav4/Silent-Trust/internal/weights"
)

// checkRequest is what the form framework posts for each submission. The
// payload blob is passed through opaque; a malformed blob is a scoring
// signal, not a request error.
type checkRequest struct {
	FormID       string            `json:"form_id"`
	DeviceCookie string            `json:"device_cookie"`
	Payload      json.RawMessage   `json:"payload"`
	Fields       map[string]string `json:"fields"`
	UserAgent    string            `json:"user_agent"`
	IP           string            `json:"ip"`
}

// checkResponse tells the framework whether its mail send may proceed. It is
// consumed server-side only; nothing here reaches the submitting client.
type checkResponse struct {
	Proceed      bool   `json:"proceed"`
	Action       string `json:"action,omitempty"`
	SubmissionID string `json:"submission_id,omitempty"`
}

func (s *Server) checkSubmissionHandler(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be valid JSON",
		})
		return
	}

	if verrs := validation.Validate(
		validation.Required("form_id", req.FormID),
		validation.ValidFormID("form_id", req.FormID),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": verrs.Error()})
		return
	}

	ctx, span := traces.StartSpan(c.Request.Context(), "submissions.check",
		traces.FormID(req.FormID))
	defer span.End()

	p, err := payload.Decode(req.Payload)
	if err != nil {
		// Malformed blob scores as a missing payload downstream.
		logging.L(ctx).Warn("malformed signal payload", "form_id", req.FormID, "error", err)
		p = nil
	}

	rc := payload.RequestContext{
		IP:           clientIP(c, req.IP),
		UserAgent:    requestUserAgent(c, req.UserAgent),
		DeviceCookie: req.DeviceCookie,
		FormID:       validation.SanitizeString(req.FormID, validation.MaxFormIDLength),
		PostedFields: req.Fields,
		ReceivedAt:   time.Now(),
	}

	if s.gate.Enabled() && s.runner.Running() {
		s.checkAsync(ctx, c, p, rc)
		return
	}

	assessment, err := s.riskEngine.CalculateRisk(ctx, p, rc)
	if err != nil {
		logging.L(ctx).Error("risk calculation failed", "form_id", rc.FormID, "error", err)
		s.respondFailPolicy(c)
		return
	}

	outcome, err := s.decisions.Execute(ctx, assessment, p, rc)
	if err != nil {
		logging.L(ctx).Error("decision write failed", "form_id", rc.FormID, "error", err)
		s.respondFailPolicy(c)
		return
	}

	span.SetAttributes(
		traces.Action(outcome.Action),
		traces.RiskScore(assessment.Score),
		traces.ThresholdMode(assessment.ThresholdMode),
		traces.SubmissionID(outcome.SubmissionID),
	)
	metrics.ObserveDecision(outcome.Action, assessment.Score)
	observePenalties(outcome.Action)

	c.JSON(http.StatusOK, checkResponse{
		Proceed:      outcome.Proceed,
		Action:       outcome.Action,
		SubmissionID: outcome.SubmissionID,
	})
}

// checkAsync runs the two-tier path: cheap checks inline, full analysis
// deferred to the queue. The caller gets an answer without waiting on the
// factor analyzers.
func (s *Server) checkAsync(ctx context.Context, c *gin.Context, p *payload.Payload, rc payload.RequestContext) {
	if qr := s.gate.QuickPrecheck(ctx, p, rc); qr.InstantBlock {
		metrics.QuickBlocksTotal.WithLabelValues(qr.Reason).Inc()

		sub := quickBlockRecord(p, rc, qr.Action, qr.Reason)
		if err := s.gateway.InsertSubmission(ctx, sub); err != nil {
			logging.L(ctx).Error("quick block record failed", "form_id", rc.FormID, "error", err)
			s.respondFailPolicy(c)
			return
		}

		metrics.ObserveDecision(qr.Action, sub.RiskScore)
		c.JSON(http.StatusOK, checkResponse{
			Proceed:      false,
			Action:       qr.Action,
			SubmissionID: sub.ID,
		})
		return
	}

	id, err := s.gate.Enqueue(ctx, p, rc)
	if err != nil {
		logging.L(ctx).Error("enqueue failed", "form_id", rc.FormID, "error", err)
		s.respondFailPolicy(c)
		return
	}

	// Kick the deferred pass immediately; the queue-drain job catches
	// anything this misses.
	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.gate.Process(bg, id); err != nil {
			s.logger.Error("deferred analysis failed", "queue_item_id", id, "error", err)
		}
	}()

	c.JSON(http.StatusOK, checkResponse{Proceed: true, Action: decision.ActionAllow})
}

// quickBlockRecord builds the audit record for a quick-tier block. The full
// breakdown never ran, so the record carries the single blocking reason.
func quickBlockRecord(p *payload.Payload, rc payload.RequestContext, action, reason string) *store.Submission {
	sub := &store.Submission{
		FormID:        rc.FormID,
		DeviceCookie:  rc.DeviceCookie,
		RiskScore:     100,
		RiskBreakdown: map[string]int{reason: 100},
		Action:        action,
		EmailSent:     false,
		SentVia:       decision.SentDirect,
		IPAddress:     rc.IP,
		SubmittedAt:   rc.ReceivedAt,
	}
	if p != nil {
		sub.Payload, _ = json.Marshal(p)
		sub.FingerprintHash = p.FingerprintHash
		sub.DeviceType = string(p.Device())
	}
	return sub
}

// respondFailPolicy answers when the engine itself failed. Fail-open lets the
// mail through unscored; fail-closed suppresses it.
func (s *Server) respondFailPolicy(c *gin.Context) {
	if s.cfg.FailOpen {
		c.JSON(http.StatusOK, checkResponse{Proceed: true, Action: decision.ActionAllow})
		return
	}
	c.JSON(http.StatusServiceUnavailable, checkResponse{Proceed: false, Action: decision.ActionDrop})
}

func observePenalties(action string) {
	switch action {
	case decision.ActionSoftPenalty:
		metrics.PenaltiesTotal.WithLabelValues(store.PenaltySoft, store.TargetFingerprint).Inc()
	case decision.ActionHardPenalty:
		metrics.PenaltiesTotal.WithLabelValues(store.PenaltyHard, store.TargetFingerprint).Inc()
		metrics.PenaltiesTotal.WithLabelValues(store.PenaltyHard, store.TargetIP).Inc()
	}
}

// clientIP prefers the explicit IP the framework forwarded (the submitting
// visitor), falling back to the connection peer.
func clientIP(c *gin.Context, forwarded string) string {
	if forwarded != "" {
		return forwarded
	}
	return c.ClientIP()
}

func requestUserAgent(c *gin.Context, forwarded string) string {
	if forwarded != "" {
		return forwarded
	}
	return c.Request.UserAgent()
}

// -----------------------------------------------------------------------------
// Admin
// -----------------------------------------------------------------------------

func (s *Server) getWeightsHandler(c *gin.Context) {
	ctx := c.Request.Context()

	w, err := s.adjuster.CurrentWeights(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	canTrain, err := s.adjuster.CanTrain(ctx)
	if err != nil {
		logging.L(ctx).Warn("train eligibility check failed", "error", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"weights":   w,
		"can_train": canTrain,
	})
}

func (s *Server) trainWeightsHandler(c *gin.Context) {
	w, err := s.adjuster.Train(c.Request.Context())
	if err != nil {
		if errors.Is(err, weights.ErrInsufficientData) {
			metrics.TrainingRunsTotal.WithLabelValues("insufficient_data").Inc()
			c.JSON(http.StatusConflict, gin.H{
				"error":   "insufficient_data",
				"message": "Not enough scored submissions to train on yet",
			})
			return
		}
		metrics.TrainingRunsTotal.WithLabelValues("error").Inc()
		logging.L(c.Request.Context()).Error("training failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	metrics.TrainingRunsTotal.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, gin.H{"weights": w})
}

func (s *Server) resetWeightsHandler(c *gin.Context) {
	if err := s.adjuster.Reset(c.Request.Context()); err != nil {
		logging.L(c.Request.Context()).Error("weights reset failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"weights": weights.Default()})
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (s *Server) listSubmissionsHandler(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be a positive integer"})
			return
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		limit = n
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid cursor"})
		return
	}

	var before time.Time
	var beforeID string
	if cursor != nil {
		before, beforeID = cursor.CreatedAt, cursor.ID
	}

	// Fetch one extra row to detect whether another page exists.
	subs, err := s.gateway.ListSubmissions(c.Request.Context(), before, beforeID, limit+1)
	if err != nil {
		logging.L(c.Request.Context()).Error("list submissions failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	page, next, hasMore := pagination.ComputePage(subs, limit, func(sub *store.Submission) (time.Time, string) {
		return sub.SubmittedAt, sub.ID
	})
	if page == nil {
		page = []*store.Submission{}
	}

	c.JSON(http.StatusOK, gin.H{
		"submissions": page,
		"next_cursor": next,
		"has_more":    hasMore,
	})
}

func (s *Server) queueStatsHandler(c *gin.Context) {
	stats, err := s.gate.Stats(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("queue stats failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
