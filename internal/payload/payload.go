// Package payload defines the signal payload collected client-side for each
// form view, plus the immutable request context a submission arrives with.
//
// A payload is decoded and normalized exactly once at the boundary and never
// mutated afterwards; every analyzer receives the same typed struct.
package payload

import (
	"encoding/json"
	"strconv"
	"time"
)

// DeviceType classifies the submitting device.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceUnknown DeviceType = "unknown"
)

// ParseDeviceType maps a raw device string to a known DeviceType.
func ParseDeviceType(s string) DeviceType {
	switch DeviceType(s) {
	case DeviceDesktop, DeviceMobile, DeviceTablet:
		return DeviceType(s)
	default:
		return DeviceUnknown
	}
}

// Payload is the fingerprint + behavior data collected per form view.
// All fields are optional; absent signals contribute nothing to scoring.
type Payload struct {
	DeviceType      string `json:"device_type,omitempty"`
	FingerprintHash string `json:"fingerprint_hash,omitempty"`
	CanvasHash      string `json:"canvas_hash,omitempty"`
	WebGLHash       string `json:"webgl_hash,omitempty"`

	// Static traits
	UserAgent           string `json:"user_agent,omitempty"`
	ScreenWidth         int    `json:"screen_width,omitempty"`
	ScreenHeight        int    `json:"screen_height,omitempty"`
	Timezone            string `json:"timezone,omitempty"`
	TimezoneOffset      int    `json:"timezone_offset,omitempty"`
	Language            string `json:"language,omitempty"`
	Platform            string `json:"platform,omitempty"`
	HardwareConcurrency int    `json:"hardware_concurrency,omitempty"`

	// Behavioral metrics
	FieldCount       int     `json:"field_count,omitempty"`
	TotalTime        float64 `json:"total_time,omitempty"`     // seconds from first focus to submit
	TimePerField     float64 `json:"time_per_field,omitempty"` // milliseconds
	MouseEvents      int     `json:"mouse_events,omitempty"`
	TouchEvents      int     `json:"touch_events,omitempty"`
	KeyEvents        int     `json:"key_events,omitempty"`
	FocusEvents      int     `json:"focus_events,omitempty"`
	TypingSpeed      float64 `json:"typing_speed,omitempty"`
	TypingMechanical bool    `json:"typing_mechanical,omitempty"` // perfectly even inter-key intervals
	TouchSpeed       float64 `json:"touch_speed,omitempty"`       // touches per second

	// URL / session / campaign metadata
	PageURL         string `json:"page_url,omitempty"`
	LandingURL      string `json:"landing_url,omitempty"`
	FirstURL        string `json:"first_url,omitempty"`
	LeadURL         string `json:"lead_url,omitempty"`
	ReferrerURL     string `json:"referrer_url,omitempty"`
	UTMSource       string `json:"utm_source,omitempty"`
	UTMMedium       string `json:"utm_medium,omitempty"`
	UTMCampaign     string `json:"utm_campaign,omitempty"`
	UTMTerm         string `json:"utm_term,omitempty"`
	UTMContent      string `json:"utm_content,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	SessionDuration int    `json:"session_duration,omitempty"`
	PagesVisited    int    `json:"pages_visited,omitempty"`
	VisitCount      int    `json:"visit_count,omitempty"`
	TimeOnPage      int    `json:"time_on_page,omitempty"`
}

// Device returns the normalized device type.
func (p *Payload) Device() DeviceType {
	if p == nil {
		return DeviceUnknown
	}
	return ParseDeviceType(p.DeviceType)
}

// ScreenResolution formats the declared screen dimensions, or "" if absent.
func (p *Payload) ScreenResolution() string {
	if p == nil || p.ScreenWidth == 0 || p.ScreenHeight == 0 {
		return ""
	}
	return strconv.Itoa(p.ScreenWidth) + "x" + strconv.Itoa(p.ScreenHeight)
}

// Decode parses a raw payload blob. A nil result with nil error means the
// blob was empty; a decode failure is reported so the caller can treat the
// payload as malformed (a scoring signal, not a hard error).
func Decode(raw []byte) (*Payload, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// RequestContext carries the per-request facts the engines need. It is built
// once at the boundary and passed explicitly; components never read ambient
// request state.
type RequestContext struct {
	IP           string
	UserAgent    string // User-Agent header of the actual HTTP request
	DeviceCookie string
	FormID       string
	PostedFields map[string]string // raw posted form fields (honeypot check)
	ReceivedAt   time.Time
}
