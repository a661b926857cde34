// Package impact summarizes the measured effect of closed intervention
// cases: how far the subject's metric moved from the baseline captured
// at case creation toward the rule's target. The analyzer is strictly
// read-only over the intervention store and metric source.
package impact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"meridian-hq/meridian/pkg/intervention"
	"meridian-hq/meridian/pkg/metric"
)

// ErrInsufficientData indicates no closed case in the window carried a
// usable post-closure metric snapshot.
var ErrInsufficientData = errors.New("insufficient data for impact summary")

// Category buckets the observed improvement ratio.
type Category string

const (
	CategorySignificant Category = "significant"
	CategoryModerate    Category = "moderate"
	CategoryMinimal     Category = "minimal"
)

// Categorize maps an improvement ratio to its bucket: significant at
// 0.7 and above, moderate in [0.3, 0.7), minimal below.
func Categorize(ratio float64) Category {
	switch {
	case ratio >= 0.7:
		return CategorySignificant
	case ratio >= 0.3:
		return CategoryModerate
	default:
		return CategoryMinimal
	}
}

// CaseImpact is the measured outcome of a single closed case.
type CaseImpact struct {
	InterventionID string    `json:"intervention_id"`
	Number         string    `json:"number"`
	SubjectID      string    `json:"subject_id"`
	Metric         string    `json:"metric"`
	Baseline       float64   `json:"baseline"`
	Target         float64   `json:"target"`
	Actual         float64   `json:"actual"`
	Ratio          float64   `json:"ratio"`
	Category       Category  `json:"category"`
	ClosedAt       time.Time `json:"closed_at"`
	ObservedAt     time.Time `json:"observed_at"`
}

// Summary aggregates case impacts for one intervention type over a
// closure window.
type Summary struct {
	InterventionType string           `json:"intervention_type"`
	WindowStart      time.Time        `json:"window_start"`
	WindowEnd        time.Time        `json:"window_end"`
	Cases            []CaseImpact     `json:"cases"`
	Counts           map[Category]int `json:"counts"`
	AverageRatio     float64          `json:"average_ratio"`

	// Skipped counts closed cases in the window the analyzer could not
	// measure (no pinned metric, degenerate target, or no post-closure
	// snapshot).
	Skipped int `json:"skipped"`
}

// Analyzer computes impact summaries from closed cases and post-closure
// metric snapshots.
type Analyzer struct {
	store   intervention.Store
	metrics metric.Source
	logger  *slog.Logger
}

// NewAnalyzer creates an impact analyzer.
func NewAnalyzer(store intervention.Store, metrics metric.Source) *Analyzer {
	return &Analyzer{
		store:   store,
		metrics: metrics,
		logger:  slog.Default().With("component", "impact"),
	}
}

// Summarize measures every case of the given type closed inside
// [windowStart, windowEnd]. Each measurable case contributes a ratio
// |actual-baseline| / |target-baseline| read against the latest metric
// snapshot observed after closure. Returns ErrInsufficientData when no
// case in the window could be measured.
func (a *Analyzer) Summarize(ctx context.Context, interventionType string, windowStart, windowEnd time.Time) (*Summary, error) {
	if interventionType == "" {
		return nil, errors.New("intervention type is required")
	}
	if windowEnd.Before(windowStart) {
		return nil, fmt.Errorf("window end %s precedes window start %s", windowEnd, windowStart)
	}

	cases, err := a.store.List(ctx, intervention.Filter{Type: interventionType})
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		InterventionType: interventionType,
		WindowStart:      windowStart,
		WindowEnd:        windowEnd,
		Counts:           make(map[Category]int),
	}

	var ratioSum float64
	for _, iv := range cases {
		if !closedWithin(iv, windowStart, windowEnd) {
			continue
		}

		ci, ok := a.measure(ctx, iv)
		if !ok {
			summary.Skipped++
			continue
		}

		summary.Cases = append(summary.Cases, ci)
		summary.Counts[ci.Category]++
		ratioSum += ci.Ratio
	}

	if len(summary.Cases) == 0 {
		return nil, fmt.Errorf("%w: type %q, window %s to %s",
			ErrInsufficientData, interventionType,
			windowStart.Format(time.RFC3339), windowEnd.Format(time.RFC3339))
	}

	summary.AverageRatio = ratioSum / float64(len(summary.Cases))
	return summary, nil
}

// measure computes the impact of one closed case. A case without a
// pinned metric, with baseline equal to target, or without any metric
// snapshot observed after closure is unmeasurable.
func (a *Analyzer) measure(ctx context.Context, iv *intervention.Intervention) (CaseImpact, bool) {
	if iv.Metric == "" || iv.TargetValue == iv.BaselineValue {
		return CaseImpact{}, false
	}

	snap, err := a.metrics.LatestAfter(ctx, iv.SubjectID, iv.Metric, iv.ClosedAt)
	if err != nil {
		if !errors.Is(err, metric.ErrNoSnapshot) {
			a.logger.Warn("metric lookup failed",
				"intervention_id", iv.ID,
				"metric", iv.Metric,
				"error", err,
			)
		}
		return CaseImpact{}, false
	}

	ratio := math.Abs(snap.Value-iv.BaselineValue) / math.Abs(iv.TargetValue-iv.BaselineValue)
	return CaseImpact{
		InterventionID: iv.ID,
		Number:         iv.Number,
		SubjectID:      iv.SubjectID,
		Metric:         iv.Metric,
		Baseline:       iv.BaselineValue,
		Target:         iv.TargetValue,
		Actual:         snap.Value,
		Ratio:          ratio,
		Category:       Categorize(ratio),
		ClosedAt:       iv.ClosedAt,
		ObservedAt:     snap.ObservedAt,
	}, true
}

func closedWithin(iv *intervention.Intervention, from, to time.Time) bool {
	if !iv.Status.Terminal() || iv.ClosedAt.IsZero() {
		return false
	}
	return !iv.ClosedAt.Before(from) && !iv.ClosedAt.After(to)
}
