package models

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/workload-advisor/controller/storage"
	"github.com/workload-advisor/controller/types"
)

// Cache predictor constants
const (
	DefaultHistoryCap      = 1000
	UnseenCacheProbability = 0.5
	frequencySaturation    = 100.0
	execTimeSaturationMs   = 1000.0
	frequencyWeight        = 0.6
	execTimeWeight         = 0.4
)

// CacheCandidate is a template whose cache probability reached the threshold
type CacheCandidate struct {
	QueryTemplate string    `json:"query_template"`
	Probability   float64   `json:"probability"`
	AccessCount   int       `json:"access_count"`
	AvgExecTimeMs float64   `json:"avg_execution_time_ms"`
	LastAccess    time.Time `json:"last_access"`
}

// accessRing is the bounded access history of one template
type accessRing struct {
	mu     sync.Mutex
	times  []time.Time
	execMs []float64
	next   int
	size   int
	sum    float64
	last   time.Time
}

func newAccessRing(capacity int) *accessRing {
	return &accessRing{times: make([]time.Time, capacity), execMs: make([]float64, capacity)}
}

func (r *accessRing) add(ts time.Time, execMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == len(r.execMs) {
		r.sum -= r.execMs[r.next]
	} else {
		r.size++
	}
	r.times[r.next] = ts
	r.execMs[r.next] = execMs
	r.sum += execMs
	r.next = (r.next + 1) % len(r.execMs)
	if ts.After(r.last) {
		r.last = ts
	}
}

func (r *accessRing) stats() (count int, avg float64, last time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return 0, 0, r.last
	}
	return r.size, r.sum / float64(r.size), r.last
}

// CachePredictor scores query templates by access frequency and latency
type CachePredictor struct {
	capacity int

	mu       sync.RWMutex
	patterns map[string]*accessRing
}

// NewCachePredictor creates a predictor keeping at most capacity accesses per template
func NewCachePredictor(capacity int) *CachePredictor {
	if capacity <= 0 {
		capacity = DefaultHistoryCap
	}
	return &CachePredictor{capacity: capacity, patterns: make(map[string]*accessRing)}
}

func (p *CachePredictor) ring(template string) *accessRing {
	p.mu.RLock()
	r, ok := p.patterns[template]
	p.mu.RUnlock()
	if ok {
		return r
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok = p.patterns[template]; !ok {
		r = newAccessRing(p.capacity)
		p.patterns[template] = r
	}
	return r
}

// TrackAccess records one access, evicting the oldest beyond the capacity
func (p *CachePredictor) TrackAccess(template string, ts time.Time, execMs float64) {
	p.ring(template).add(ts, execMs)
}

// PredictCacheProbability returns a value in [0, 1]; unseen templates score 0.5
func (p *CachePredictor) PredictCacheProbability(template string) float64 {
	p.mu.RLock()
	r, ok := p.patterns[template]
	p.mu.RUnlock()
	if !ok {
		return UnseenCacheProbability
	}
	count, avg, _ := r.stats()
	return probability(count, avg)
}

func probability(count int, avgMs float64) float64 {
	freq := math.Min(float64(count)/frequencySaturation, 1)
	slow := math.Min(math.Max(avgMs, 0)/execTimeSaturationMs, 1)
	return math.Min(frequencyWeight*freq+execTimeWeight*slow, 1)
}

// GetCacheCandidates returns templates at or above threshold, most probable first
func (p *CachePredictor) GetCacheCandidates(threshold float64) []CacheCandidate {
	p.mu.RLock()
	templates := make(map[string]*accessRing, len(p.patterns))
	for t, r := range p.patterns {
		templates[t] = r
	}
	p.mu.RUnlock()

	var out []CacheCandidate
	for t, r := range templates {
		count, avg, last := r.stats()
		prob := probability(count, avg)
		if prob < threshold {
			continue
		}
		out = append(out, CacheCandidate{
			QueryTemplate: t,
			Probability:   prob,
			AccessCount:   count,
			AvgExecTimeMs: avg,
			LastAccess:    last,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].QueryTemplate < out[j].QueryTemplate
	})
	return out
}

// Templates returns the number of tracked templates
func (p *CachePredictor) Templates() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.patterns)
}

// Observe tracks every record of a committed collection batch
func (p *CachePredictor) Observe(records []*types.QueryLogRecord) {
	for _, r := range records {
		template := r.NormalizedQuery
		if template == "" {
			continue
		}
		p.TrackAccess(template, r.CollectedAt, r.MeanExecTimeMs)
	}
}

// Replay rebuilds the history from the logs collected within lookback
func (p *CachePredictor) Replay(ctx context.Context, store storage.QueryLogStore, lookback time.Duration) (int, error) {
	records, err := store.ListQueryLogs(ctx, types.QueryLogFilter{Since: time.Now().Add(-lookback)})
	if err != nil {
		return 0, fmt.Errorf("failed to load logs for replay: %w", err)
	}
	p.Observe(records)
	return len(records), nil
}
