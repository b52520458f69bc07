// Package weights holds the per-factor weight set and the trainer that
// re-derives it from decision history.
//
// The learned weights describe how predictive each factor family has been;
// they feed reporting and retraining but do not scale the analyzers' fixed
// point contributions. Changing that coupling would change every historical
// score's meaning, so it stays as is.
package weights

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/thanhtungtav4/Silent-Trust/internal/store"
)

// Factor names, also the JSON keys of the persisted weight record.
const (
	FactorFingerprint = "fingerprint"
	FactorBehavior    = "behavior"
	FactorIP          = "ip"
	FactorFrequency   = "frequency"
)

// ErrInsufficientData is returned when training is requested with fewer
// usable records than the configured minimum.
var ErrInsufficientData = errors.New("weights: not enough training data")

// WeightSet is the relative influence of the four factor families,
// normalized to sum to 100.
type WeightSet struct {
	Fingerprint int `json:"fingerprint"`
	Behavior    int `json:"behavior"`
	IP          int `json:"ip"`
	Frequency   int `json:"frequency"`
}

// Default returns the hand-tuned starting weights.
func Default() WeightSet {
	return WeightSet{Fingerprint: 25, Behavior: 30, IP: 15, Frequency: 30}
}

func (w WeightSet) toMap() map[string]int {
	return map[string]int{
		FactorFingerprint: w.Fingerprint,
		FactorBehavior:    w.Behavior,
		FactorIP:          w.IP,
		FactorFrequency:   w.Frequency,
	}
}

func fromMap(m map[string]int) WeightSet {
	return WeightSet{
		Fingerprint: m[FactorFingerprint],
		Behavior:    m[FactorBehavior],
		IP:          m[FactorIP],
		Frequency:   m[FactorFrequency],
	}
}

// factorPatterns maps each factor to the breakdown-key prefixes that count as
// that factor "contributing" to a historical score.
var factorPatterns = map[string][]string{
	FactorFingerprint: {"fingerprint_", "device_", "cookie_"},
	FactorBehavior:    {"behavior_", "typing_", "time_per_field"},
	FactorIP:          {"ip_", "vpn_", "country_"},
	FactorFrequency:   {"frequency_", "rate_", "daily_limit"},
}

// Store is the persistence surface the adjuster needs.
type Store interface {
	GetWeights(ctx context.Context) (*store.WeightRecord, error)
	SaveWeights(ctx context.Context, rec *store.WeightRecord) error
	ResetWeights(ctx context.Context) error
	TotalSubmissions(ctx context.Context) (int, error)
	TrainingRecords(ctx context.Context, sampleSize int) ([]store.TrainingRecord, error)
}

// Adjuster computes and persists factor weights from decision history.
type Adjuster struct {
	store       Store
	sampleSize  int
	minRequired int
	now         func() time.Time
}

func NewAdjuster(s Store) *Adjuster {
	return &Adjuster{store: s, sampleSize: 500, minRequired: 100, now: time.Now}
}

// CurrentWeights returns the learned set if one has been trained, otherwise
// the defaults.
func (a *Adjuster) CurrentWeights(ctx context.Context) (WeightSet, error) {
	rec, err := a.store.GetWeights(ctx)
	if err != nil {
		return WeightSet{}, fmt.Errorf("load weights: %w", err)
	}
	if rec == nil {
		return Default(), nil
	}
	return fromMap(rec.Weights), nil
}

// CanTrain reports whether enough history exists to train.
func (a *Adjuster) CanTrain(ctx context.Context) (bool, error) {
	total, err := a.store.TotalSubmissions(ctx)
	if err != nil {
		return false, fmt.Errorf("count submissions: %w", err)
	}
	return total >= a.minRequired, nil
}

// CalculateOptimalWeights derives a weight set from the most recent sample of
// decided submissions without persisting it.
//
// A record counts as spam iff it was silently suppressed (drop or either
// penalty) and no mail went out. Per factor: precision over the records the
// factor contributed to, scaled by how often it contributed at all. If no
// factor shows any effectiveness the defaults are returned unchanged.
func (a *Adjuster) CalculateOptimalWeights(ctx context.Context) (WeightSet, error) {
	records, err := a.store.TrainingRecords(ctx, a.sampleSize)
	if err != nil {
		return WeightSet{}, fmt.Errorf("load training records: %w", err)
	}
	if len(records) < a.minRequired {
		return WeightSet{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientData, len(records), a.minRequired)
	}

	effectiveness := make(map[string]float64, 4)
	var totalEff float64
	for factor, patterns := range factorPatterns {
		var contributed, truePos int
		for _, rec := range records {
			if !factorContributed(rec.Breakdown, patterns) {
				continue
			}
			contributed++
			if isSpam(rec) {
				truePos++
			}
		}
		if contributed == 0 {
			continue
		}
		precision := float64(truePos) / float64(contributed)
		participation := float64(contributed) / float64(len(records))
		eff := precision * participation
		effectiveness[factor] = eff
		totalEff += eff
	}

	if totalEff == 0 {
		return Default(), nil
	}

	result := WeightSet{
		Fingerprint: roundShare(effectiveness[FactorFingerprint], totalEff),
		Behavior:    roundShare(effectiveness[FactorBehavior], totalEff),
		IP:          roundShare(effectiveness[FactorIP], totalEff),
		Frequency:   roundShare(effectiveness[FactorFrequency], totalEff),
	}
	// Rounding drift lands on the fingerprint bucket so the set sums to 100.
	result.Fingerprint += 100 - (result.Fingerprint + result.Behavior + result.IP + result.Frequency)
	return result, nil
}

// Train computes and persists a new weight set, replacing any prior one.
func (a *Adjuster) Train(ctx context.Context) (WeightSet, error) {
	w, err := a.CalculateOptimalWeights(ctx)
	if err != nil {
		return WeightSet{}, err
	}
	rec := &store.WeightRecord{Weights: w.toMap(), TrainedAt: a.now()}
	if err := a.store.SaveWeights(ctx, rec); err != nil {
		return WeightSet{}, fmt.Errorf("save weights: %w", err)
	}
	return w, nil
}

// Reset deletes the learned set; CurrentWeights falls back to defaults.
func (a *Adjuster) Reset(ctx context.Context) error {
	if err := a.store.ResetWeights(ctx); err != nil {
		return fmt.Errorf("reset weights: %w", err)
	}
	return nil
}

func factorContributed(breakdown map[string]int, patterns []string) bool {
	for key, points := range breakdown {
		if points <= 0 {
			continue
		}
		for _, p := range patterns {
			if strings.HasPrefix(key, p) {
				return true
			}
		}
	}
	return false
}

func isSpam(rec store.TrainingRecord) bool {
	switch rec.Action {
	case "drop", "soft_penalty", "hard_penalty":
		return !rec.EmailSent
	default:
		return false
	}
}

func roundShare(eff, total float64) int {
	return int(math.Round(eff / total * 100))
}
