// Package analytics turns a sliding window of results into a deterministic,
// cacheable analysis record. The computation is pure; the only state is the
// fingerprint cache.
package analytics

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/fault"
	"github.com/Melampe001/Tokyo-Predictor-Roulette.--sub000/pkg/tenantstore"
)

// Dominant trend classifications.
const (
	DominantHigh          = "high"
	DominantLow           = "low"
	DominantNeutral       = "neutral"
	DominantIndeterminate = "indeterminate"
)

// Pair is one adjacent pair whose values differ by exactly one.
type Pair struct {
	First  int `json:"first"`
	Second int `json:"second"`
}

// PatternReport holds the single-pass adjacency findings.
type PatternReport struct {
	Consecutive []Pair `json:"consecutive"`
	Repetitions []int  `json:"repetitions"`
}

// TrendReport summarizes the window's distribution.
type TrendReport struct {
	MostFrequent      *int    `json:"mostFrequent"`
	MostFrequentCount int     `json:"mostFrequentCount"`
	Mean              float64 `json:"mean"`
	Median            float64 `json:"median"`
	Dominant          string  `json:"dominant"`
}

// Footer carries tenant-lifetime statistics alongside the analysis.
// Accuracy is a heuristic estimate, not a calibrated probability.
type Footer struct {
	TotalResults int     `json:"totalResults"`
	Dominant     string  `json:"dominant"`
	MostFrequent *int    `json:"mostFrequent"`
	Accuracy     float64 `json:"accuracy"`
	LastUpdate   int64   `json:"lastUpdate"`
}

// AnalysisRecord is the full derived analysis of one window.
type AnalysisRecord struct {
	WindowSize    int                       `json:"windowSize"`
	Window        []tenantstore.ResultEntry `json:"window"`
	Frequencies   map[int]int               `json:"frequencies"`
	Probabilities map[int]float64           `json:"probabilities"`
	Patterns      PatternReport             `json:"patterns"`
	Trends        TrendReport               `json:"trends"`
	Suggestion    string                    `json:"suggestion"`
	Statistics    Footer                    `json:"statistics"`
}

const fallbackSuggestion = "insufficient data to form an optimized suggestion."

// Engine computes analysis records and memoizes them per fingerprint.
type Engine struct {
	batchSize int
	cache     *recordCache
}

// New creates an Engine with the configured default window size.
func New(batchSize int) *Engine {
	if batchSize < 1 {
		batchSize = 10
	}
	return &Engine{batchSize: batchSize, cache: newRecordCache(cacheCapacity)}
}

// BatchSize returns the default window size.
func (e *Engine) BatchSize() int { return e.batchSize }

// Analyze returns the canonical-JSON encoding of the analysis for the given
// window. The fingerprint is (tenant total, window size); a hit returns the
// cached bytes, which are byte-identical to a fresh computation.
func (e *Engine) Analyze(username string, window []tenantstore.ResultEntry, total int, lastUpdated int64) (json.RawMessage, error) {
	fp := fingerprint{username: username, total: total, window: len(window)}
	if raw, ok := e.cache.get(fp); ok {
		return raw, nil
	}

	record := Compute(window, total, lastUpdated)
	encoded, err := json.Marshal(record)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "analysis encoding failed", err)
	}
	canonical, err := jcs.Transform(encoded)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "analysis canonicalization failed", err)
	}
	e.cache.put(fp, canonical)
	return canonical, nil
}

// Invalidate drops every cached record for the tenant. Runs before any
// mutation of the tenant completes.
func (e *Engine) Invalidate(username string) {
	e.cache.invalidate(username)
}

// Compute derives the full analysis record from an ordered window.
func Compute(window []tenantstore.ResultEntry, total int, lastUpdated int64) *AnalysisRecord {
	values := make([]int, len(window))
	for i, entry := range window {
		values[i] = entry.Value
	}

	freqs := frequencies(values)
	patterns := patterns(values)
	trends := trend(values, freqs)
	probs := probabilities(freqs, len(values))

	if window == nil {
		window = []tenantstore.ResultEntry{}
	}
	return &AnalysisRecord{
		WindowSize:    len(window),
		Window:        window,
		Frequencies:   freqs,
		Probabilities: probs,
		Patterns:      patterns,
		Trends:        trends,
		Suggestion:    suggestion(trends, patterns),
		Statistics: Footer{
			TotalResults: total,
			Dominant:     trends.Dominant,
			MostFrequent: trends.MostFrequent,
			Accuracy:     accuracy(total),
			LastUpdate:   lastUpdated,
		},
	}
}

func frequencies(values []int) map[int]int {
	freqs := make(map[int]int, len(values))
	for _, v := range values {
		freqs[v]++
	}
	return freqs
}

// patterns records, in one pass, adjacent pairs differing by exactly one
// and adjacent equal values.
func patterns(values []int) PatternReport {
	report := PatternReport{Consecutive: []Pair{}, Repetitions: []int{}}
	for i := 1; i < len(values); i++ {
		a, b := values[i-1], values[i]
		switch {
		case abs(a-b) == 1:
			report.Consecutive = append(report.Consecutive, Pair{First: a, Second: b})
		case a == b:
			report.Repetitions = append(report.Repetitions, a)
		}
	}
	return report
}

func trend(values []int, freqs map[int]int) TrendReport {
	if len(values) == 0 {
		return TrendReport{Median: 0, Dominant: DominantIndeterminate}
	}

	// Highest frequency wins; ties break to the smallest value.
	best, bestCount := 0, -1
	for v, c := range freqs {
		if c > bestCount || (c == bestCount && v < best) {
			best, bestCount = v, c
		}
	}

	sum := 0
	for _, v := range values {
		sum += v
	}
	mean := float64(sum) / float64(len(values))
	med := median(values)

	dominant := DominantNeutral
	switch {
	case mean > 1.1*med:
		dominant = DominantHigh
	case mean < 0.9*med:
		dominant = DominantLow
	}

	mf := best
	return TrendReport{
		MostFrequent:      &mf,
		MostFrequentCount: bestCount,
		Mean:              mean,
		Median:            med,
		Dominant:          dominant,
	}
}

func median(values []int) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int, len(values))
	copy(sorted, values)
	sort.Ints(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return float64(sorted[mid])
	}
	return float64(sorted[mid-1]+sorted[mid]) / 2
}

func probabilities(freqs map[int]int, windowSize int) map[int]float64 {
	probs := make(map[int]float64, len(freqs))
	if windowSize == 0 {
		return probs
	}
	for v, c := range freqs {
		probs[v] = float64(c) / float64(windowSize)
	}
	return probs
}

// suggestion concatenates the non-empty clauses in fixed order.
func suggestion(trends TrendReport, patterns PatternReport) string {
	var clauses []string
	if trends.MostFrequent != nil {
		clauses = append(clauses, fmt.Sprintf("value %d appeared %d times (highest frequency)",
			*trends.MostFrequent, trends.MostFrequentCount))
	}
	if trends.Dominant == DominantHigh || trends.Dominant == DominantLow {
		clauses = append(clauses, fmt.Sprintf("trend toward %s values (mean %.2f)",
			trends.Dominant, trends.Mean))
	}
	if n := len(patterns.Consecutive); n > 0 {
		clauses = append(clauses, fmt.Sprintf("%d consecutive sequences detected", n))
	}
	if n := len(patterns.Repetitions); n > 0 {
		clauses = append(clauses, fmt.Sprintf("%d immediate repetitions detected", n))
	}
	if len(clauses) == 0 {
		return fallbackSuggestion
	}
	return strings.Join(clauses, "; ")
}

func accuracy(total int) float64 {
	return 0.5 + math.Min(float64(total)/100, 1)*0.3
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
