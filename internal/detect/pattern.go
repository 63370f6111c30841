package detect

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/poolwarden/poolwarden/internal/models"
)

// PatternMatcher matches incoming error events against the configured health
// patterns. Match timestamps are tracked in a per-pattern sliding window; once
// the surviving count crosses the pattern's frequency threshold one diagnosis
// is emitted, and the pattern does not fire again until the window has rolled
// enough matches out to drop below the threshold.
type PatternMatcher struct {
	logger *slog.Logger

	mu       sync.Mutex
	patterns []compiledPattern
	windows  map[string]*matchWindow
}

type compiledPattern struct {
	def models.HealthPattern
	re  *regexp.Regexp
}

type matchWindow struct {
	entries []matchEntry
	fired   bool
}

type matchEntry struct {
	at        time.Time
	component string
}

// NewPatternMatcher compiles the supplied patterns. A pattern with an invalid
// regex fails construction; packs are validated upstream so this is a
// programmer error.
func NewPatternMatcher(patterns []models.HealthPattern, logger *slog.Logger) (*PatternMatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &PatternMatcher{logger: logger, windows: make(map[string]*matchWindow)}
	if err := m.Reload(patterns); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload swaps the pattern set. Windows of patterns that survive the reload
// keep their match history.
func (m *PatternMatcher) Reload(patterns []models.HealthPattern) error {
	compiled := make([]compiledPattern, 0, len(patterns))
	for _, def := range patterns {
		re, err := regexp.Compile("(?i)" + def.Regex)
		if err != nil {
			return fmt.Errorf("pattern %s: %w", def.ID, err)
		}
		compiled = append(compiled, compiledPattern{def: def, re: re})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.patterns = compiled
	live := make(map[string]struct{}, len(compiled))
	for _, p := range compiled {
		live[p.def.ID] = struct{}{}
	}
	for id := range m.windows {
		if _, ok := live[id]; !ok {
			delete(m.windows, id)
		}
	}
	return nil
}

// Ingest classifies the event if needed and runs it through every pattern,
// returning any diagnoses that crossed their threshold. A failure inside one
// pattern never blocks the others.
func (m *PatternMatcher) Ingest(event models.ErrorEvent) []models.Diagnosis {
	if event.Category == "" {
		event.Category = ClassifyCategory(event.Message)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var diagnoses []models.Diagnosis
	for _, p := range m.patterns {
		if p.def.Category != "" && p.def.Category != event.Category {
			continue
		}
		if !p.re.MatchString(event.Message) {
			continue
		}

		win := m.windows[p.def.ID]
		if win == nil {
			win = &matchWindow{}
			m.windows[p.def.ID] = win
		}
		win.entries = append(win.entries, matchEntry{at: event.OccurredAt, component: event.Component})
		evictOlderThan(win, event.OccurredAt.Add(-p.def.Window))

		count := len(win.entries)
		if count < p.def.FrequencyThreshold {
			win.fired = false
			continue
		}
		if win.fired {
			continue
		}
		win.fired = true
		diagnoses = append(diagnoses, m.buildDiagnosis(p, win, event.OccurredAt))
	}
	return diagnoses
}

func evictOlderThan(win *matchWindow, cutoff time.Time) {
	kept := win.entries[:0]
	for _, e := range win.entries {
		if !e.at.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	win.entries = kept
}

func (m *PatternMatcher) buildDiagnosis(p compiledPattern, win *matchWindow, now time.Time) models.Diagnosis {
	components := uniqueComponents(win.entries)
	count := len(win.entries)
	burst := isBurst(win.entries, now, p.def.Window)

	explanation := fmt.Sprintf("pattern %s matched %d times within %s across %d component(s); %s",
		p.def.ID, count, p.def.Window, len(components), rootCauseTemplate(p.def.Category))
	if burst {
		explanation += " (burst: most matches in the last half of the window)"
	}

	return models.Diagnosis{
		ID:                  uuid.NewString(),
		Timestamp:           now,
		Source:              models.SourcePattern,
		Category:            p.def.Category,
		Severity:            p.def.Severity,
		MatchedID:           p.def.ID,
		EvidenceCount:       count,
		AffectedComponents:  components,
		Explanation:         explanation,
		RecommendedActions:  append([]string(nil), p.def.SuggestedActions...),
		Confidence:          patternConfidence(p.def, count, len(components)),
		RecoveryRecommended: p.def.Severity == models.SeverityCritical || p.def.Severity == models.SeverityHigh,
	}
}

// isBurst reports whether at least half of the matches fall in the most recent
// half of the window.
func isBurst(entries []matchEntry, now time.Time, window time.Duration) bool {
	if len(entries) == 0 {
		return false
	}
	cutoff := now.Add(-window / 2)
	recent := 0
	for _, e := range entries {
		if !e.at.Before(cutoff) {
			recent++
		}
	}
	return recent*2 >= len(entries)
}

// patternConfidence implements the hand-tuned scoring contract: 50 base, up to
// 45 scaled by count/threshold (capped at 3x), +10 for long regexes, a
// component-spread bonus, all weighted by severity and capped at 100. The
// constants are inherited heuristics, kept literal on purpose.
func patternConfidence(def models.HealthPattern, count, components int) float64 {
	confidence := 50.0

	ratio := float64(count) / float64(def.FrequencyThreshold)
	if ratio > 3 {
		ratio = 3
	}
	confidence += 45 * ratio / 3

	if len(def.Regex) > 50 {
		confidence += 10
	}

	switch {
	case components >= 3:
		confidence += 15
	case components == 1:
		confidence += 5
	}

	confidence *= severityMultiplier(def.Severity)
	if confidence > 100 {
		confidence = 100
	}
	return confidence
}

func severityMultiplier(severity models.Severity) float64 {
	switch severity {
	case models.SeverityCritical:
		return 1.2
	case models.SeverityHigh:
		return 1.1
	case models.SeverityLow:
		return 0.9
	default:
		return 1.0
	}
}

func uniqueComponents(entries []matchEntry) []string {
	seen := make(map[string]struct{}, len(entries))
	out := make([]string, 0, 2)
	for _, e := range entries {
		component := e.component
		if component == "" {
			continue
		}
		if _, ok := seen[component]; ok {
			continue
		}
		seen[component] = struct{}{}
		out = append(out, component)
	}
	return out
}

func rootCauseTemplate(category string) string {
	switch category {
	case models.CategoryConnection:
		return "likely cause: backend connectivity failure"
	case models.CategoryTimeout:
		return "likely cause: pool contention or slow backend"
	case models.CategoryResource:
		return "likely cause: pool capacity saturation"
	case models.CategoryQuery:
		return "likely cause: degraded query performance holding connections"
	default:
		return "cause undetermined from error text"
	}
}

// ClassifyCategory infers an error category from message keywords when the
// host does not supply one.
func ClassifyCategory(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "pool") || strings.Contains(lower, "exhausted") ||
		strings.Contains(lower, "too many") || strings.Contains(lower, "out of memory"):
		return models.CategoryResource
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline"):
		return models.CategoryTimeout
	case strings.Contains(lower, "connection") || strings.Contains(lower, "refused") ||
		strings.Contains(lower, "broken pipe") || strings.Contains(lower, "reset"):
		return models.CategoryConnection
	case strings.Contains(lower, "query") || strings.Contains(lower, "statement") ||
		strings.Contains(lower, "sql") || strings.Contains(lower, "lock"):
		return models.CategoryQuery
	default:
		return models.CategoryUnknown
	}
}
