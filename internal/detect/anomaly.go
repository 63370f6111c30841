package detect

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poolwarden/poolwarden/internal/models"
)

const (
	// minTrendSamples is the number of observations required before any
	// trend fitting happens; below this the detector stays silent.
	minTrendSamples = 10
	// spikeSigma is the z-score at which the current sample is called out as
	// a spike against the trailing baseline. Inherited heuristic.
	spikeSigma = 3.0
	// defaultHistorySize bounds the per-metric rolling window.
	defaultHistorySize = 120
	// reEmitInterval suppresses repeat diagnoses for a metric whose trend
	// persists across consecutive sweeps; alert dedup handles the rest.
	reEmitInterval = 5 * time.Minute
)

// Thresholds are the warning/critical levels used for breach forecasting.
type Thresholds struct {
	Warning  float64
	Critical float64
}

type samplePoint struct {
	at    time.Time
	value float64
}

// AnomalyDetector keeps a bounded rolling history per metric, scores the
// newest sample against the trailing baseline, and fits a linear trend to
// forecast threshold-breach times. Purely advisory: it never recommends
// recovery and never reacts to a single sample.
type AnomalyDetector struct {
	logger *slog.Logger

	mu              sync.Mutex
	histories       map[string][]samplePoint
	thresholds      map[string]Thresholds
	lastEmit        map[string]time.Time
	maxSamples      int
	confidenceFloor float64
}

// NewAnomalyDetector constructs a detector. confidenceFloor is the minimum R²
// (0..1) a trend fit needs before a diagnosis is emitted.
func NewAnomalyDetector(confidenceFloor float64, logger *slog.Logger) *AnomalyDetector {
	if logger == nil {
		logger = slog.Default()
	}
	if confidenceFloor <= 0 {
		confidenceFloor = 0.7
	}
	return &AnomalyDetector{
		logger:          logger,
		histories:       make(map[string][]samplePoint),
		thresholds:      make(map[string]Thresholds),
		lastEmit:        make(map[string]time.Time),
		maxSamples:      defaultHistorySize,
		confidenceFloor: confidenceFloor,
	}
}

// SetThresholds configures breach forecasting for a metric.
func (d *AnomalyDetector) SetThresholds(metric string, t Thresholds) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.thresholds[metric] = t
}

// SetConfidenceFloor updates the emission floor; applied on config reload.
func (d *AnomalyDetector) SetConfidenceFloor(floor float64) {
	if floor <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.confidenceFloor = floor
}

// Observe appends a sample and returns a diagnosis when the metric shows a
// confident upward trend, with a breach forecast attached when thresholds are
// configured and ahead of the current value.
func (d *AnomalyDetector) Observe(metric string, value float64, ts time.Time) *models.Diagnosis {
	d.mu.Lock()
	defer d.mu.Unlock()

	history := append(d.histories[metric], samplePoint{at: ts, value: value})
	if len(history) > d.maxSamples {
		history = history[len(history)-d.maxSamples:]
	}
	d.histories[metric] = history

	if len(history) < minTrendSamples {
		return nil
	}

	slope, intercept, r2 := fitOLS(history)
	if slope <= 0 || r2 <= 0.5 || r2 < d.confidenceFloor {
		return nil
	}
	if last, ok := d.lastEmit[metric]; ok && ts.Sub(last) < reEmitInterval {
		return nil
	}

	direction := classifyDirection(history)
	zScore := baselineZScore(history)

	explanation := fmt.Sprintf("metric %s trending %s (slope %.4f/s, r2 %.2f)",
		metric, direction, slope, r2)
	if math.Abs(zScore) >= spikeSigma {
		explanation += fmt.Sprintf("; current value %.2f sigma from trailing baseline", zScore)
	}

	severity := models.SeverityMedium
	if th, ok := d.thresholds[metric]; ok {
		breachType, predicted := forecastBreach(history, slope, intercept, value, th)
		if breachType != "" {
			explanation += fmt.Sprintf("; %s threshold breach predicted at %s",
				breachType, predicted.UTC().Format(time.RFC3339))
			if breachType == "critical" {
				severity = models.SeverityHigh
			}
		}
	}

	d.lastEmit[metric] = ts
	return &models.Diagnosis{
		ID:                 uuid.NewString(),
		Timestamp:          ts,
		Source:             models.SourceAnomaly,
		Category:           models.CategoryResource,
		Severity:           severity,
		MatchedID:          metric,
		EvidenceCount:      len(history),
		AffectedComponents: []string{RuleComponent},
		Explanation:        explanation,
		Confidence:         r2 * 100,
	}
}

// classifyDirection looks at the last five samples only; short-term wobble
// should not override the fitted trend in the explanation.
func classifyDirection(history []samplePoint) string {
	tail := history[len(history)-5:]
	delta := 0.0
	for i := 1; i < len(tail); i++ {
		delta += tail[i].value - tail[i-1].value
	}
	switch {
	case delta > 0:
		return "up"
	case delta < 0:
		return "down"
	default:
		return "flat"
	}
}

// fitOLS runs ordinary least squares over the retained window with x measured
// in seconds since the first sample. Returns slope, intercept and R².
func fitOLS(history []samplePoint) (slope, intercept, r2 float64) {
	n := float64(len(history))
	t0 := history[0].at

	var sumX, sumY, sumXY, sumXX float64
	for _, p := range history {
		x := p.at.Sub(t0).Seconds()
		sumX += x
		sumY += p.value
		sumXY += x * p.value
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, history[0].value, 0
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n

	meanY := sumY / n
	var ssRes, ssTot float64
	for _, p := range history {
		x := p.at.Sub(t0).Seconds()
		predicted := intercept + slope*x
		ssRes += (p.value - predicted) * (p.value - predicted)
		ssTot += (p.value - meanY) * (p.value - meanY)
	}
	if ssTot == 0 {
		return slope, intercept, 0
	}
	return slope, intercept, 1 - ssRes/ssTot
}

// baselineZScore scores the newest sample against the mean and stddev of the
// samples before it.
func baselineZScore(history []samplePoint) float64 {
	baseline := history[:len(history)-1]
	mean := 0.0
	for _, p := range baseline {
		mean += p.value
	}
	mean /= float64(len(baseline))

	variance := 0.0
	for _, p := range baseline {
		variance += (p.value - mean) * (p.value - mean)
	}
	variance /= float64(len(baseline))
	std := math.Sqrt(variance)
	if std == 0 {
		std = 0.01
	}
	return (history[len(history)-1].value - mean) / std
}

// forecastBreach extrapolates the fitted line to the first threshold the
// metric has not yet crossed. Returns "" when nothing ahead will be crossed.
func forecastBreach(history []samplePoint, slope, intercept, current float64, th Thresholds) (string, time.Time) {
	t0 := history[0].at
	cross := func(threshold float64) (time.Time, bool) {
		if threshold <= 0 || current >= threshold {
			return time.Time{}, false
		}
		seconds := (threshold - intercept) / slope
		at := t0.Add(time.Duration(seconds * float64(time.Second)))
		if at.Before(history[len(history)-1].at) {
			return time.Time{}, false
		}
		return at, true
	}

	// Report the nearest threshold still ahead of the current value.
	if at, ok := cross(th.Warning); ok {
		return "warning", at
	}
	if at, ok := cross(th.Critical); ok {
		return "critical", at
	}
	return "", time.Time{}
}
