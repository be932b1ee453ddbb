package recommender

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/workload-advisor/controller/config"
	"github.com/workload-advisor/controller/features"
	"github.com/workload-advisor/controller/metrics"
	"github.com/workload-advisor/controller/models"
	"github.com/workload-advisor/controller/storage"
	"github.com/workload-advisor/controller/types"
)

const (
	// CacheTarget is the table name recorded on cache recommendations
	CacheTarget = "query_cache"

	highCacheProbability = 0.9
)

// Store is the persistence the engine reads and writes
type Store interface {
	storage.QueryLogStore
	storage.RecommendationStore
	storage.MetricStore
	storage.FeedbackStore
}

// CandidateSource ranks query templates worth caching
type CandidateSource interface {
	GetCacheCandidates(threshold float64) []models.CacheCandidate
}

// Options wires the engine's collaborators. Only Store is required.
type Options struct {
	Store          Store
	Candidates     CandidateSource
	CacheThreshold float64
	Metrics        *metrics.Recorder
}

// CycleReport summarizes one recommendation cycle
type CycleReport struct {
	Scanned    int                     `json:"scanned"`
	Index      []*types.Recommendation `json:"index"`
	Partition  []*types.Recommendation `json:"partition"`
	Cache      []*types.Recommendation `json:"cache"`
	Duplicates int                     `json:"duplicates"`
}

// Inserted is the number of new recommendations across kinds
func (r *CycleReport) Inserted() int {
	return len(r.Index) + len(r.Partition) + len(r.Cache)
}

// Engine turns query logs, table sizes and cache predictions into deduplicated recommendations
type Engine struct {
	opts     Options
	cfg      config.RecommenderConfig
	patterns []*Pattern
	log      logrus.FieldLogger
	now      func() time.Time
	newID    func() string
}

// New creates an engine over the configured pattern catalog
func New(cfg config.RecommenderConfig, opts Options, log logrus.FieldLogger) (*Engine, error) {
	patterns, err := CompilePatterns(cfg.Patterns)
	if err != nil {
		return nil, err
	}
	if opts.CacheThreshold <= 0 {
		opts.CacheThreshold = 0.7
	}
	return &Engine{
		opts:     opts,
		cfg:      cfg,
		patterns: patterns,
		log:      log.WithField("component", "recommender"),
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// patternMatch aggregates the queries that hit one catalog pattern
type patternMatch struct {
	pattern  *Pattern
	queries  int
	calls    int64
	execSum  float64
	topQuery string
}

// avgExecMs is the call-weighted mean execution time
func (m *patternMatch) avgExecMs() float64 {
	if m.calls == 0 {
		return 0
	}
	return m.execSum / float64(m.calls)
}

// cycleState is read once per cycle and shared by every advice kind
type cycleState struct {
	records []*types.QueryLogRecord
	matches []*patternMatch
	active  map[string]bool
	weights map[string]float64
}

func (e *Engine) prepare(ctx context.Context, window time.Duration) (*cycleState, error) {
	if window <= 0 {
		window = e.cfg.Window
	}
	filter := types.QueryLogFilter{
		MinCalls:     e.cfg.MinQueryFrequency,
		TextLike:     "%WHERE%",
		OrderByCalls: true,
		Limit:        e.cfg.Limit,
	}
	if window > 0 {
		filter.Since = e.now().Add(-window)
	}

	records, err := e.opts.Store.ListQueryLogs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to load query logs: %w", err)
	}

	active, err := e.opts.Store.ActiveRecommendationKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active recommendations: %w", err)
	}

	return &cycleState{
		records: records,
		matches: e.match(records),
		active:  active,
		weights: e.feedbackWeights(ctx),
	}, nil
}

// match groups records by catalog pattern in order of first appearance.
// A query hash is counted once since its statistics are cumulative across cycles.
func (e *Engine) match(records []*types.QueryLogRecord) []*patternMatch {
	byKey := make(map[string]*patternMatch)
	var ordered []*patternMatch
	seen := make(map[string]bool)

	for _, r := range records {
		if r.QueryText == "" || r.Calls <= e.cfg.MinQueryFrequency {
			continue
		}
		if r.QueryHash != "" {
			if seen[r.QueryHash] {
				continue
			}
			seen[r.QueryHash] = true
		}

		for _, p := range e.patterns {
			if !p.Matches(r.QueryText) {
				continue
			}
			m, ok := byKey[p.Key()]
			if !ok {
				m = &patternMatch{pattern: p, topQuery: r.QueryText}
				byKey[p.Key()] = m
				ordered = append(ordered, m)
			}
			m.queries++
			m.calls += r.Calls
			m.execSum += float64(r.Calls) * r.MeanExecTimeMs
		}
	}
	return ordered
}

// feedbackWeights loads the realized-improvement weight per pattern.
// Missing feedback weighs 1; a read failure is not fatal.
func (e *Engine) feedbackWeights(ctx context.Context) map[string]float64 {
	weights := make(map[string]float64)
	feedback, err := e.opts.Store.ListFeedback(ctx)
	if err != nil {
		e.log.WithError(err).Warn("Failed to load recommendation feedback, using neutral weights")
		return weights
	}
	for _, f := range feedback {
		weights[types.DedupKey(f.TableName, f.ColumnName)] = FeedbackWeight(f.MeanImprovementPct)
	}
	return weights
}

func (s *cycleState) weight(key string) float64 {
	if w, ok := s.weights[key]; ok {
		return w
	}
	return 1
}

func (e *Engine) newRecommendation(kind types.RecommendationKind) *types.Recommendation {
	return &types.Recommendation{
		ID:        e.newID(),
		Kind:      kind,
		Status:    types.StatusPending,
		CreatedAt: e.now(),
	}
}

func (e *Engine) indexCandidates(state *cycleState) []*types.Recommendation {
	out := make([]*types.Recommendation, 0, len(state.matches))
	for _, m := range state.matches {
		p := m.pattern
		exec := m.avgExecMs()

		rec := e.newRecommendation(types.KindIndex)
		rec.TableName = p.Table
		rec.ColumnName = p.Column
		rec.Columns = []string{p.Column}
		rec.Priority = p.PriorityFor(exec, state.weight(p.Key()))
		rec.EstimatedImprovement = p.ImprovementFactor * exec
		rec.ImprovementPercent = p.ImprovementFactor * 100
		rec.QueryCount = m.calls
		rec.AvgExecTimeMs = exec
		rec.SQLStatement = p.IndexStatement()
		rec.Rationale = fmt.Sprintf("%d filtered queries on %s.%s averaging %.2fms",
			m.queries, p.Table, p.Column, exec)
		out = append(out, rec)
	}
	return out
}

func (e *Engine) partitionCandidates(ctx context.Context, state *cycleState) []*types.Recommendation {
	sizes, err := e.opts.Store.LatestMetrics(ctx, types.ResourceUsageTable, "table")
	if err != nil {
		e.log.WithError(err).Warn("Failed to load table sizes, skipping partition advice")
		return nil
	}
	bytesByTable := make(map[string]float64, len(sizes))
	for _, s := range sizes {
		bytesByTable[s.MetricName] = s.Value
	}

	var out []*types.Recommendation
	for _, m := range state.matches {
		p := m.pattern
		size, ok := bytesByTable[p.Table]
		if !p.Temporal || !ok || size < float64(e.cfg.PartitionMinTableBytes) {
			continue
		}
		exec := m.avgExecMs()

		rec := e.newRecommendation(types.KindPartition)
		rec.TableName = p.Table
		rec.ColumnName = PartitionSlot(p.Column)
		rec.Columns = []string{p.Column}
		rec.Priority = p.PriorityFor(exec, state.weight(p.Key()))
		rec.EstimatedImprovement = p.ImprovementFactor * exec
		rec.ImprovementPercent = p.ImprovementFactor * 100
		rec.QueryCount = m.calls
		rec.AvgExecTimeMs = exec
		rec.SQLStatement = p.PartitionStatement()
		rec.Rationale = fmt.Sprintf("%s holds %s and is filtered by range on %s",
			p.Table, humanize.Bytes(uint64(size)), p.Column)
		out = append(out, rec)
	}
	return out
}

func (e *Engine) cacheCandidates() []*types.Recommendation {
	if e.opts.Candidates == nil {
		return nil
	}
	var out []*types.Recommendation
	for _, c := range e.opts.Candidates.GetCacheCandidates(e.opts.CacheThreshold) {
		rec := e.newRecommendation(types.KindCache)
		rec.TableName = CacheTarget
		rec.ColumnName = "tmpl_" + features.Hash(c.QueryTemplate)[:12]
		rec.Priority = types.PriorityMedium
		if c.Probability >= highCacheProbability {
			rec.Priority = types.PriorityHigh
		}
		rec.EstimatedImprovement = c.Probability * c.AvgExecTimeMs
		rec.ImprovementPercent = c.Probability * 100
		rec.QueryCount = int64(c.AccessCount)
		rec.AvgExecTimeMs = c.AvgExecTimeMs
		rec.QueryTemplate = c.QueryTemplate
		rec.Rationale = fmt.Sprintf("template seen %d times with %.0f%% predicted reuse",
			c.AccessCount, c.Probability*100)
		out = append(out, rec)
	}
	return out
}

// persist inserts candidates whose slot is free. Slots taken by an active
// recommendation, an earlier candidate, or a concurrent writer count as duplicates.
func (e *Engine) persist(ctx context.Context, state *cycleState, candidates []*types.Recommendation) ([]*types.Recommendation, int, error) {
	var inserted []*types.Recommendation
	duplicates := 0

	for _, rec := range candidates {
		if err := ctx.Err(); err != nil {
			return inserted, duplicates, err
		}

		key := rec.Key()
		if state.active[key] {
			duplicates++
			continue
		}

		ok, err := e.opts.Store.InsertRecommendation(ctx, rec)
		if err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"table":  rec.TableName,
				"column": rec.ColumnName,
				"kind":   rec.Kind,
			}).Warn("Failed to store recommendation")
			continue
		}
		state.active[key] = true
		if !ok {
			duplicates++
			continue
		}
		inserted = append(inserted, rec)
	}

	if len(inserted) > 0 {
		e.opts.Metrics.AddRecommendations(inserted[0].Kind, len(inserted))
	}
	return inserted, duplicates, nil
}

// GenerateIndexRecommendations scans the recent filtered, high-call queries and
// stores one index recommendation per matched (table, column) whose slot is free.
// A zero window uses the configured one.
func (e *Engine) GenerateIndexRecommendations(ctx context.Context, window time.Duration) ([]*types.Recommendation, error) {
	state, err := e.prepare(ctx, window)
	if err != nil {
		return nil, err
	}
	inserted, _, err := e.persist(ctx, state, e.indexCandidates(state))
	return inserted, err
}

// RunCycle generates index, partition and cache advice from one read of the log window
func (e *Engine) RunCycle(ctx context.Context) (report *CycleReport, err error) {
	start := e.now()
	defer func() { e.opts.Metrics.ObserveCycle("recommendation", start, err) }()

	state, err := e.prepare(ctx, e.cfg.Window)
	if err != nil {
		return nil, err
	}
	report = &CycleReport{Scanned: len(state.records)}

	var dup int
	if report.Index, dup, err = e.persist(ctx, state, e.indexCandidates(state)); err != nil {
		return report, err
	}
	report.Duplicates += dup

	if e.cfg.EnablePartitionAdvice {
		if report.Partition, dup, err = e.persist(ctx, state, e.partitionCandidates(ctx, state)); err != nil {
			return report, err
		}
		report.Duplicates += dup
	}

	if e.cfg.EnableCacheAdvice {
		if report.Cache, dup, err = e.persist(ctx, state, e.cacheCandidates()); err != nil {
			return report, err
		}
		report.Duplicates += dup
	}

	e.refreshStatusCounts(ctx)

	e.log.WithFields(logrus.Fields{
		"scanned":    report.Scanned,
		"index":      len(report.Index),
		"partition":  len(report.Partition),
		"cache":      len(report.Cache),
		"duplicates": report.Duplicates,
	}).Info("Recommendation cycle finished")
	return report, nil
}

func (e *Engine) refreshStatusCounts(ctx context.Context) {
	if e.opts.Metrics == nil {
		return
	}
	recs, err := e.opts.Store.ListRecommendations(ctx, types.RecommendationFilter{})
	if err != nil {
		e.log.WithError(err).Warn("Failed to count recommendations by status")
		return
	}
	counts := make(map[types.RecommendationStatus]int)
	for _, r := range recs {
		counts[r.Status]++
	}
	e.opts.Metrics.SetStatusCounts(counts)
}
