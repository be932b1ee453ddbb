package collector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/workload-advisor/controller/config"
	"github.com/workload-advisor/controller/features"
	"github.com/workload-advisor/controller/metrics"
	"github.com/workload-advisor/controller/storage"
	"github.com/workload-advisor/controller/types"
)

var placeholderRe = regexp.MustCompile(`\$\d+|\?`)

// batchWriteTimeout bounds a batch insert that outlives a cancelled cycle
const batchWriteTimeout = 30 * time.Second

// PlanExplainer returns an estimated plan for a query without executing it
type PlanExplainer interface {
	Explain(ctx context.Context, query string) ([]byte, error)
}

// PostgresExplainer runs EXPLAIN (FORMAT JSON) on the observed database
type PostgresExplainer struct {
	db *sql.DB
}

func NewPostgresExplainer(db *sql.DB) *PostgresExplainer {
	return &PostgresExplainer{db: db}
}

func (e *PostgresExplainer) Explain(ctx context.Context, query string) ([]byte, error) {
	var raw []byte
	if err := e.db.QueryRowContext(ctx, "EXPLAIN (FORMAT JSON) "+query).Scan(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// RecordObserver is notified with every batch that was committed
type RecordObserver func(records []*types.QueryLogRecord)

// Options wires the collaborators of a Collector. Only Primary and Store are required.
type Options struct {
	Primary   StatisticsSource
	Fallback  StatisticsSource
	Secondary []StatisticsSource
	Store     storage.QueryLogStore
	Extractor features.QueryFeatureExtractor
	Explainer PlanExplainer
	Metrics   *metrics.Recorder
	Observers []RecordObserver
}

// Collector turns statistics source output into append-only query_logs rows
type Collector struct {
	opts Options
	cfg  config.CollectorConfig
	log  logrus.FieldLogger
	now  func() time.Time
}

// New creates a collector
func New(cfg config.CollectorConfig, opts Options, log logrus.FieldLogger) *Collector {
	if opts.Extractor == nil {
		opts.Extractor = features.NewHeuristicExtractor()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Collector{
		opts: opts,
		cfg:  cfg,
		log:  log.WithField("component", "collector"),
		now:  time.Now,
	}
}

// AddObserver registers a callback for committed batches
func (c *Collector) AddObserver(o RecordObserver) {
	c.opts.Observers = append(c.opts.Observers, o)
}

// CollectAndStore runs one collection cycle and returns the number of stored records.
// Batches are committed independently; a failed batch is rolled back and logged.
// Cancellation is honoured between records and between batches; a batch already
// being written is committed.
func (c *Collector) CollectAndStore(ctx context.Context) (int, error) {
	start := c.now()

	records, err := c.gather(ctx)
	if err != nil {
		c.opts.Metrics.ObserveCycle("collection", start, err)
		return 0, err
	}

	if err := c.prepare(ctx, records); err != nil {
		c.opts.Metrics.ObserveCycle("collection", start, err)
		return 0, err
	}

	stored, err := c.store(ctx, records)
	c.opts.Metrics.ObserveCycle("collection", start, err)

	c.log.WithFields(logrus.Fields{
		"collected": len(records),
		"stored":    stored,
		"duration":  c.now().Sub(start).String(),
	}).Info("Collection cycle finished")

	return stored, err
}

// gather reads the primary source, degrading to the fallback when statistics are unavailable
func (c *Collector) gather(ctx context.Context) ([]*types.QueryLogRecord, error) {
	records, err := c.opts.Primary.Collect(ctx)
	switch {
	case err == nil:
	case errors.Is(err, types.ErrCollectionUnavailable) && c.opts.Fallback != nil:
		c.log.WithError(err).Warn("Statistics unavailable, using fallback collector")
		records, err = c.opts.Fallback.Collect(ctx)
		if err != nil && len(records) == 0 {
			return nil, fmt.Errorf("fallback collection failed: %w", err)
		}
	case len(records) > 0:
		c.log.WithError(err).Warn("Primary source returned partial results")
	default:
		return nil, fmt.Errorf("failed to collect from %s: %w", c.opts.Primary.Name(), err)
	}

	for _, src := range c.opts.Secondary {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		extra, err := src.Collect(ctx)
		if err != nil {
			c.log.WithError(err).WithField("source", src.Name()).Warn("Secondary source failed")
		}
		records = append(records, extra...)
	}

	return records, nil
}

// prepare assigns identity, timestamp, plan and features to every record
func (c *Collector) prepare(ctx context.Context, records []*types.QueryLogRecord) error {
	collectedAt := c.now()
	plansLeft := 0
	if c.cfg.CapturePlans && c.opts.Explainer != nil {
		plansLeft = c.cfg.MaxPlansPerCycle
	}

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.NormalizedQuery, r.QueryHash = features.Fingerprint(r.QueryText)
		r.CollectedAt = collectedAt

		var plan *features.Explain
		if plansLeft > 0 && explainable(r.QueryText) {
			plansLeft--
			plan = c.explain(ctx, r)
		}

		fv := c.opts.Extractor.Extract(r.QueryText, plan)
		r.Features = &fv
	}
	return nil
}

func (c *Collector) explain(ctx context.Context, r *types.QueryLogRecord) *features.Explain {
	raw, err := c.opts.Explainer.Explain(ctx, r.QueryText)
	if err != nil {
		c.log.WithError(err).WithField("query_hash", r.QueryHash).Debug("Plan capture failed")
		return nil
	}
	plan, err := features.ParsePlan(raw)
	if err != nil {
		c.log.WithError(err).WithField("query_hash", r.QueryHash).Debug("Plan could not be parsed")
		return nil
	}
	r.QueryPlan = raw
	return plan
}

// explainable reports whether a text is a single SELECT with no bind placeholders
func explainable(query string) bool {
	q := strings.TrimSpace(query)
	if !strings.HasPrefix(strings.ToUpper(q), "SELECT") {
		return false
	}
	if strings.Contains(strings.TrimSuffix(q, ";"), ";") {
		return false
	}
	return !placeholderRe.MatchString(q)
}

func (c *Collector) store(ctx context.Context, records []*types.QueryLogRecord) (int, error) {
	stored, failed := 0, 0

	for start := 0; start < len(records); start += c.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return stored, err
		}

		end := start + c.cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		n, err := c.insertBatch(ctx, batch)
		if err != nil {
			failed++
			c.log.WithError(err).WithFields(logrus.Fields{
				"batch_start": start,
				"batch_size":  len(batch),
			}).Error("Failed to store query log batch")
			continue
		}
		stored += n

		for source, count := range countBySource(batch) {
			c.opts.Metrics.AddCollected(source, count)
		}
		for _, observe := range c.opts.Observers {
			observe(batch)
		}
	}

	if stored == 0 && failed > 0 {
		return 0, fmt.Errorf("all %d query log batches failed", failed)
	}
	return stored, nil
}

func (c *Collector) insertBatch(ctx context.Context, batch []*types.QueryLogRecord) (int, error) {
	unit, cancel := context.WithTimeout(context.WithoutCancel(ctx), batchWriteTimeout)
	defer cancel()
	return c.opts.Store.InsertQueryLogs(unit, batch)
}

func countBySource(records []*types.QueryLogRecord) map[string]int {
	counts := make(map[string]int)
	for _, r := range records {
		counts[r.Source]++
	}
	return counts
}
