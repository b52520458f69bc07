package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/thanhtungtav4/Silent-Trust/internal/idgen"
)

// PostgresStore is the production persistence gateway.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle. Schema is managed by the
// goose migrations under migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// -----------------------------------------------------------------------------
// Submissions
// -----------------------------------------------------------------------------

func (s *PostgresStore) InsertSubmission(ctx context.Context, sub *Submission) error {
	if sub.ID == "" {
		sub.ID = idgen.WithPrefix("sub_")
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now()
	}

	var breakdown []byte
	if sub.RiskBreakdown != nil {
		var err error
		breakdown, err = json.Marshal(sub.RiskBreakdown)
		if err != nil {
			return fmt.Errorf("marshal risk breakdown: %w", err)
		}
	}

	a := sub.Analytics
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO submissions (
			id, form_id, fingerprint_hash, device_cookie, device_type, payload,
			risk_score, risk_breakdown, action, email_sent, email_failure_reason,
			sent_via, ip_address, submitted_at,
			country_code, country_name, region, city, asn,
			ip_latitude, ip_longitude, ip_timezone,
			page_url, landing_url, first_url, lead_url, referrer_url,
			utm_source, utm_medium, utm_campaign, utm_term, utm_content,
			session_id, session_duration, pages_visited, visit_count,
			user_agent, screen_resolution, time_on_page
		) VALUES (
			$1, $2, $3, NULLIF($4, ''), $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14,
			NULLIF($15, ''), NULLIF($16, ''), NULLIF($17, ''), NULLIF($18, ''), NULLIF($19, ''),
			$20, $21, NULLIF($22, ''),
			NULLIF($23, ''), NULLIF($24, ''), NULLIF($25, ''), NULLIF($26, ''), NULLIF($27, ''),
			NULLIF($28, ''), NULLIF($29, ''), NULLIF($30, ''), NULLIF($31, ''), NULLIF($32, ''),
			NULLIF($33, ''), $34, $35, $36,
			NULLIF($37, ''), NULLIF($38, ''), $39
		)`,
		sub.ID, sub.FormID, sub.FingerprintHash, sub.DeviceCookie, sub.DeviceType, nullBytes(sub.Payload),
		sub.RiskScore, nullBytes(breakdown), sub.Action, sub.EmailSent, sub.EmailFailure,
		sub.SentVia, sub.IPAddress, sub.SubmittedAt,
		a.CountryCode, a.CountryName, a.Region, a.City, a.ASN,
		a.Latitude, a.Longitude, a.IPTimezone,
		a.PageURL, a.LandingURL, a.FirstURL, a.LeadURL, a.ReferrerURL,
		a.UTMSource, a.UTMMedium, a.UTMCampaign, a.UTMTerm, a.UTMContent,
		a.SessionID, a.SessionDuration, a.PagesVisited, a.VisitCount,
		a.UserAgent, a.ScreenResolution, a.TimeOnPage,
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) PatchSubmissionEmail(ctx context.Context, id string, sent bool, failureReason *string, sentVia string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE submissions
		SET email_sent = $2,
		    email_failure_reason = $3,
		    sent_via = COALESCE(NULLIF($4, ''), sent_via)
		WHERE id = $1`,
		id, sent, failureReason, sentVia,
	)
	if err != nil {
		return fmt.Errorf("patch submission email: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSubmissions returns submissions newest-first, strictly older than the
// (before, beforeID) cursor position. A zero before means no cursor.
func (s *PostgresStore) ListSubmissions(ctx context.Context, before time.Time, beforeID string, limit int) ([]*Submission, error) {
	var cursor interface{}
	if !before.IsZero() {
		cursor = before
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, form_id, fingerprint_hash, COALESCE(device_cookie, ''), device_type,
		       risk_score, risk_breakdown, action, email_sent, email_failure_reason,
		       sent_via, ip_address, submitted_at
		FROM submissions
		WHERE ($1::timestamptz IS NULL OR (submitted_at, id) < ($1, $2))
		ORDER BY submitted_at DESC, id DESC
		LIMIT $3`,
		cursor, beforeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var subs []*Submission
	for rows.Next() {
		var sub Submission
		var breakdown []byte
		if err := rows.Scan(
			&sub.ID, &sub.FormID, &sub.FingerprintHash, &sub.DeviceCookie, &sub.DeviceType,
			&sub.RiskScore, &breakdown, &sub.Action, &sub.EmailSent, &sub.EmailFailure,
			&sub.SentVia, &sub.IPAddress, &sub.SubmittedAt,
		); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		if len(breakdown) > 0 {
			if err := json.Unmarshal(breakdown, &sub.RiskBreakdown); err != nil {
				return nil, fmt.Errorf("decode risk breakdown: %w", err)
			}
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) CountSubmissionsToday(ctx context.Context, deviceCookie string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM submissions
		WHERE device_cookie = $1 AND submitted_at >= date_trunc('day', NOW())`,
		deviceCookie,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count submissions today: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) FingerprintFrequency(ctx context.Context, hash string, window time.Duration) (Frequency, error) {
	var freq Frequency
	var decayed sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       SUM(EXP(-EXTRACT(EPOCH FROM NOW() - submitted_at) / 86400.0 / 2))
		FROM submissions
		WHERE fingerprint_hash = $1 AND submitted_at > NOW() - $2::interval`,
		hash, interval(window),
	).Scan(&freq.Count, &decayed)
	if err != nil {
		return Frequency{}, fmt.Errorf("fingerprint frequency: %w", err)
	}
	freq.Decayed = decayed.Float64
	return freq, nil
}

func (s *PostgresStore) IPFrequency(ctx context.Context, ip string, window time.Duration) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM submissions
		WHERE ip_address = $1 AND submitted_at > NOW() - $2::interval`,
		ip, interval(window),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ip frequency: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) DistinctFingerprintsForIP(ctx context.Context, ip string, window time.Duration) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT fingerprint_hash) FROM submissions
		WHERE ip_address = $1 AND submitted_at > NOW() - $2::interval`,
		ip, interval(window),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("distinct fingerprints for ip: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) DailyVolume(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submissions WHERE submitted_at > NOW() - INTERVAL '24 hours'`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("daily volume: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) RecentScores(ctx context.Context, hash string, limit int) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT risk_score FROM submissions
		WHERE fingerprint_hash = $1
		ORDER BY submitted_at DESC
		LIMIT $2`,
		hash, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent scores: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scores []int
	for rows.Next() {
		var score int
		if err := rows.Scan(&score); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		scores = append(scores, score)
	}
	return scores, rows.Err()
}

func (s *PostgresStore) LastTraits(ctx context.Context, hash string, window time.Duration) (*Traits, error) {
	var t Traits
	var ua, res sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT user_agent, screen_resolution, device_type FROM submissions
		WHERE fingerprint_hash = $1 AND submitted_at > NOW() - $2::interval
		ORDER BY submitted_at DESC
		LIMIT 1`,
		hash, interval(window),
	).Scan(&ua, &res, &t.DeviceType)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last traits: %w", err)
	}
	t.UserAgent = ua.String
	t.ScreenResolution = res.String
	return &t, nil
}

func (s *PostgresStore) TotalSubmissions(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions`).Scan(&count); err != nil {
		return 0, fmt.Errorf("total submissions: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) TrainingRecords(ctx context.Context, sampleSize int) ([]TrainingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT risk_score, risk_breakdown, action, email_sent
		FROM submissions
		WHERE risk_breakdown IS NOT NULL
		ORDER BY submitted_at DESC
		LIMIT $1`,
		sampleSize,
	)
	if err != nil {
		return nil, fmt.Errorf("training records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []TrainingRecord
	for rows.Next() {
		var rec TrainingRecord
		var breakdown []byte
		if err := rows.Scan(&rec.RiskScore, &breakdown, &rec.Action, &rec.EmailSent); err != nil {
			return nil, fmt.Errorf("scan training record: %w", err)
		}
		rec.Breakdown = make(map[string]int)
		_ = json.Unmarshal(breakdown, &rec.Breakdown)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// -----------------------------------------------------------------------------
// Penalties
// -----------------------------------------------------------------------------

func (s *PostgresStore) AddPenalty(ctx context.Context, p *Penalty) error {
	if p.ID == "" {
		p.ID = idgen.WithPrefix("pen_")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO penalties (id, penalty_type, target_type, target_value, reason, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Type, p.TargetType, p.TargetValue, p.Reason, p.CreatedAt, p.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("add penalty: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsPenalized(ctx context.Context, targetType, targetValue string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM penalties
		WHERE target_value = $1 AND target_type = $2 AND expires_at > NOW()`,
		targetValue, targetType,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check penalty: %w", err)
	}
	return count > 0, nil
}

func (s *PostgresStore) HasHardPenalty(ctx context.Context, targetType, targetValue string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM penalties
		WHERE target_value = $1 AND target_type = $2 AND penalty_type = 'hard' AND expires_at > NOW()`,
		targetValue, targetType,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check hard penalty: %w", err)
	}
	return count > 0, nil
}

func (s *PostgresStore) DeleteExpiredPenalties(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM penalties WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired penalties: %w", err)
	}
	return res.RowsAffected()
}

// -----------------------------------------------------------------------------
// Whitelist
// -----------------------------------------------------------------------------

func (s *PostgresStore) IsWhitelisted(ctx context.Context, deviceCookie string) (bool, error) {
	if deviceCookie == "" {
		return false, nil
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM whitelist
		WHERE device_cookie = $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		deviceCookie,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check whitelist: %w", err)
	}
	return count > 0, nil
}

func (s *PostgresStore) UpsertWhitelist(ctx context.Context, deviceCookie string, ttl time.Duration) error {
	var expires *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expires = &t
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO whitelist (id, device_cookie, success_count, last_success_at, created_at, expires_at)
		VALUES ($1, $2, 1, NOW(), NOW(), $3)
		ON CONFLICT (device_cookie) DO UPDATE SET
			success_count = whitelist.success_count + 1,
			last_success_at = NOW(),
			expires_at = COALESCE(EXCLUDED.expires_at, whitelist.expires_at)`,
		idgen.WithPrefix("wl_"), deviceCookie, expires,
	)
	if err != nil {
		return fmt.Errorf("upsert whitelist: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWhitelistEntry(ctx context.Context, deviceCookie string) (*WhitelistEntry, error) {
	var e WhitelistEntry
	var last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, device_cookie, success_count, last_success_at, created_at, expires_at
		FROM whitelist WHERE device_cookie = $1`,
		deviceCookie,
	).Scan(&e.ID, &e.DeviceCookie, &e.SuccessCount, &last, &e.CreatedAt, &e.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get whitelist entry: %w", err)
	}
	e.LastSuccessAt = last.Time
	return &e, nil
}

// -----------------------------------------------------------------------------
// Analysis queue
// -----------------------------------------------------------------------------

func (s *PostgresStore) EnqueueAnalysis(ctx context.Context, item *QueueItem) error {
	if item.ID == "" {
		item.ID = idgen.WithPrefix("aq_")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_queue (id, payload_hash, payload, ip_address, form_id, submission_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), 'pending', $7)`,
		item.ID, item.PayloadHash, item.Payload, item.IPAddress, item.FormID, item.SubmissionID, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE analysis_queue
		SET status = 'processing', leased_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING id, payload_hash, payload, ip_address, form_id, COALESCE(submission_id, ''), status, created_at`,
		id,
	)
	return scanClaimedItem(row)
}

func (s *PostgresStore) ClaimNextPending(ctx context.Context) (*QueueItem, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE analysis_queue
		SET status = 'processing', leased_at = NOW()
		WHERE id = (
			SELECT id FROM analysis_queue
			WHERE status = 'pending'
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, payload_hash, payload, ip_address, form_id, COALESCE(submission_id, ''), status, created_at`,
	)
	return scanClaimedItem(row)
}

func scanClaimedItem(row *sql.Row) (*QueueItem, error) {
	var item QueueItem
	err := row.Scan(&item.ID, &item.PayloadHash, &item.Payload, &item.IPAddress,
		&item.FormID, &item.SubmissionID, &item.Status, &item.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) CompleteQueueItem(ctx context.Context, id string) error {
	return s.finishQueueItem(ctx, id, QueueCompleted, "")
}

func (s *PostgresStore) FailQueueItem(ctx context.Context, id, errMsg string) error {
	return s.finishQueueItem(ctx, id, QueueFailed, errMsg)
}

func (s *PostgresStore) finishQueueItem(ctx context.Context, id, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE analysis_queue
		SET status = $2, error_message = NULLIF($3, ''), processed_at = NOW()
		WHERE id = $1`,
		id, status, errMsg,
	)
	if err != nil {
		return fmt.Errorf("finish queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PurgeQueue(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM analysis_queue
		WHERE status IN ('completed', 'failed') AND created_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("purge queue: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) ReclaimStaleQueueItems(ctx context.Context, lease time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE analysis_queue
		SET status = 'pending', leased_at = NULL
		WHERE status = 'processing' AND leased_at < NOW() - $1::interval`,
		interval(lease),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale queue items: %w", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) QueueStats(ctx context.Context) (QueueStats, error) {
	var stats QueueStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed' AND created_at >= date_trunc('day', NOW())),
			COUNT(*) FILTER (WHERE status = 'failed' AND created_at >= date_trunc('day', NOW()))
		FROM analysis_queue`,
	).Scan(&stats.Pending, &stats.Processing, &stats.CompletedToday, &stats.FailedToday)
	if err != nil {
		return QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

// -----------------------------------------------------------------------------
// Weights
// -----------------------------------------------------------------------------

func (s *PostgresStore) GetWeights(ctx context.Context) (*WeightRecord, error) {
	var raw []byte
	var rec WeightRecord
	err := s.db.QueryRowContext(ctx, `SELECT weights, trained_at FROM ml_weights WHERE id = 1`).
		Scan(&raw, &rec.TrainedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get weights: %w", err)
	}
	rec.Weights = make(map[string]int)
	if err := json.Unmarshal(raw, &rec.Weights); err != nil {
		return nil, fmt.Errorf("decode weights: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) SaveWeights(ctx context.Context, rec *WeightRecord) error {
	raw, err := json.Marshal(rec.Weights)
	if err != nil {
		return fmt.Errorf("encode weights: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ml_weights (id, weights, trained_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET weights = EXCLUDED.weights, trained_at = EXCLUDED.trained_at`,
		raw, rec.TrainedAt,
	)
	if err != nil {
		return fmt.Errorf("save weights: %w", err)
	}
	return nil
}

func (s *PostgresStore) ResetWeights(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ml_weights WHERE id = 1`); err != nil {
		return fmt.Errorf("reset weights: %w", err)
	}
	return nil
}

// interval renders a duration as a Postgres interval literal.
func interval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
