// Package store is the persistence gateway for the anti-spam engine: the
// submission audit log, penalties, the whitelist, the deferred-analysis queue
// and the learned weight record.
//
// Two implementations are provided: PostgresStore for production and
// MemoryStore for demo/test use. Consumers declare their own narrow
// interfaces over the methods they need; both implementations satisfy all of
// them.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("store: not found")

// Submission is one decided form submission, written exactly once per
// decision and patched later only for email delivery outcome.
type Submission struct {
	ID              string         `json:"id"`
	FormID          string         `json:"formId"`
	FingerprintHash string         `json:"fingerprintHash"`
	DeviceCookie    string         `json:"deviceCookie,omitempty"`
	DeviceType      string         `json:"deviceType"`
	Payload         []byte         `json:"-"` // raw payload snapshot (JSON)
	RiskScore       int            `json:"riskScore"`
	RiskBreakdown   map[string]int `json:"riskBreakdown,omitempty"`
	Action          string         `json:"action"`
	EmailSent       bool           `json:"emailSent"`
	EmailFailure    *string        `json:"emailFailureReason,omitempty"` // nil = intentional silent drop
	SentVia         string         `json:"sentVia"`
	IPAddress       string         `json:"ipAddress"`
	SubmittedAt     time.Time      `json:"submittedAt"`

	Analytics Analytics `json:"analytics"`
}

// Analytics is the enrichment context stored alongside a submission for
// explainability and reporting. Every field is optional.
type Analytics struct {
	CountryCode string  `json:"countryCode,omitempty"`
	CountryName string  `json:"countryName,omitempty"`
	Region      string  `json:"region,omitempty"`
	City        string  `json:"city,omitempty"`
	ASN         string  `json:"asn,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	IPTimezone  string  `json:"ipTimezone,omitempty"`

	PageURL     string `json:"pageUrl,omitempty"`
	LandingURL  string `json:"landingUrl,omitempty"`
	FirstURL    string `json:"firstUrl,omitempty"`
	LeadURL     string `json:"leadUrl,omitempty"`
	ReferrerURL string `json:"referrerUrl,omitempty"`

	UTMSource   string `json:"utmSource,omitempty"`
	UTMMedium   string `json:"utmMedium,omitempty"`
	UTMCampaign string `json:"utmCampaign,omitempty"`
	UTMTerm     string `json:"utmTerm,omitempty"`
	UTMContent  string `json:"utmContent,omitempty"`

	SessionID       string `json:"sessionId,omitempty"`
	SessionDuration int    `json:"sessionDuration,omitempty"`
	PagesVisited    int    `json:"pagesVisited,omitempty"`
	VisitCount      int    `json:"visitCount,omitempty"`

	UserAgent        string `json:"userAgent,omitempty"`
	ScreenResolution string `json:"screenResolution,omitempty"`
	TimeOnPage       int    `json:"timeOnPage,omitempty"`
}

// Penalty restricts a fingerprint or IP until it expires. Expiry is checked
// by timestamp comparison; the periodic sweep only reclaims storage.
type Penalty struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`       // "soft" or "hard"
	TargetType  string    `json:"targetType"` // "fingerprint" or "ip"
	TargetValue string    `json:"targetValue"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Penalty and target kinds.
const (
	PenaltySoft = "soft"
	PenaltyHard = "hard"

	TargetFingerprint = "fingerprint"
	TargetIP          = "ip"
)

// WhitelistEntry records a trusted device cookie. Presence alone confers
// instant-allow; success_count is informational.
type WhitelistEntry struct {
	ID            string     `json:"id"`
	DeviceCookie  string     `json:"deviceCookie"`
	SuccessCount  int        `json:"successCount"`
	LastSuccessAt time.Time  `json:"lastSuccessAt"`
	CreatedAt     time.Time  `json:"createdAt"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"` // nil = does not expire
}

// Queue item states.
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueCompleted  = "completed"
	QueueFailed     = "failed"
)

// QueueItem is a submission awaiting deferred full analysis.
type QueueItem struct {
	ID           string     `json:"id"`
	PayloadHash  string     `json:"payloadHash"`
	Payload      []byte     `json:"-"`
	IPAddress    string     `json:"ipAddress"`
	FormID       string     `json:"formId"`
	SubmissionID string     `json:"submissionId,omitempty"`
	Status       string     `json:"status"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	LeasedAt     *time.Time `json:"leasedAt,omitempty"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
}

// QueueStats summarizes queue state for the admin surface.
type QueueStats struct {
	Pending        int `json:"pending"`
	Processing     int `json:"processing"`
	CompletedToday int `json:"completedToday"`
	FailedToday    int `json:"failedToday"`
}

// Frequency is a submission count over a window, with an exponential-decay
// companion (sum of e^(-age_days/2)) for trend analysis.
type Frequency struct {
	Count   int
	Decayed float64
}

// Traits are the stable device traits of a prior submission, used by the
// fingerprint analyzer to distinguish genuine reuse from hash collisions.
type Traits struct {
	UserAgent        string
	ScreenResolution string
	DeviceType       string
}

// WeightRecord is the single persisted weight set, present only after
// training. Saving replaces the prior record; there is no version history.
type WeightRecord struct {
	Weights   map[string]int `json:"weights"`
	TrainedAt time.Time      `json:"trainedAt"`
}

// TrainingRecord is the slice of a submission the weight trainer consumes.
type TrainingRecord struct {
	RiskScore int
	Breakdown map[string]int
	Action    string
	EmailSent bool
}
