// Package app assembles the controller components from configuration.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/workload-advisor/controller/api"
	"github.com/workload-advisor/controller/approvals"
	"github.com/workload-advisor/controller/cache"
	"github.com/workload-advisor/controller/collector"
	"github.com/workload-advisor/controller/config"
	"github.com/workload-advisor/controller/feedback"
	"github.com/workload-advisor/controller/features"
	"github.com/workload-advisor/controller/metrics"
	"github.com/workload-advisor/controller/models"
	"github.com/workload-advisor/controller/recommender"
	"github.com/workload-advisor/controller/scheduler"
	"github.com/workload-advisor/controller/storage"
	"github.com/workload-advisor/controller/types"
	"github.com/workload-advisor/controller/workload"
)

// App holds every wired component of the controller
type App struct {
	Config      *config.Config
	DB          *storage.Database
	Metrics     *metrics.Recorder
	Models      *models.Ensemble
	Collector   *collector.Collector
	Resources   *collector.ResourceCollector
	Analyzer    *workload.Analyzer
	Recommender *recommender.Engine
	Benchmarker *feedback.Benchmarker
	Controller  *feedback.Controller
	Cache       *cache.Manager

	log     logrus.FieldLogger
	closers []func() error
}

// New connects to the database, applies migrations and builds the components
func New(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*App, error) {
	a := &App{
		Config:  cfg,
		Metrics: metrics.NewRecorder(),
		log:     log.WithField("component", "app"),
	}

	a.DB = storage.NewDatabase(&cfg.Database, log)
	if err := a.DB.Connect(ctx); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.DB.Close)
	if err := a.DB.Migrate(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	if err := a.build(ctx, log); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, log logrus.FieldLogger) error {
	cfg := a.Config
	db := a.DB.DB()
	extractor := features.NewHeuristicExtractor()

	ensemble, err := models.NewEnsemble(cfg.Models, a.Metrics, log)
	if err != nil {
		return fmt.Errorf("failed to create models: %w", err)
	}
	a.Models = ensemble
	a.closers = append(a.closers, func() error { ensemble.Close(); return nil })
	if n := ensemble.LoadArtifacts(); n > 0 {
		a.log.WithField("models", n).Info("Restored model artifacts")
	}

	opts := collector.Options{
		Primary:   collector.NewPgStatStatementsSource(db, cfg.Collector.TopN, log),
		Fallback:  collector.NewDirectExecutionSource(db, log),
		Store:     a.DB,
		Extractor: extractor,
		Metrics:   a.Metrics,
		Observers: []collector.RecordObserver{ensemble.CachePredictor.Observe, ensemble.ScanAnomalies},
	}
	if cfg.Collector.CapturePlans {
		opts.Explainer = collector.NewPostgresExplainer(db)
	}
	if cfg.ClickHouse.Enabled {
		ch := collector.NewClickHouseSource(cfg.ClickHouse, log)
		opts.Secondary = append(opts.Secondary, ch)
		a.closers = append(a.closers, ch.Close)
	}
	a.Collector = collector.New(cfg.Collector, opts, log)

	var host *collector.HostMetricsCollector
	if cfg.Collector.EnableHostMetrics {
		if host, err = collector.NewHostMetricsCollector(); err != nil {
			a.log.WithError(err).Warn("Host metrics unavailable")
			host = nil
		}
	}
	a.Resources = collector.NewResourceCollector(db, a.DB, cfg.Collector.ResourceSchemas, host, log)

	a.Analyzer = workload.NewAnalyzer(extractor, log)
	a.Analyzer.SetLabeler(ensemble.Clusterer)

	a.Recommender, err = recommender.New(cfg.Recommender, recommender.Options{
		Store:          a.DB,
		Candidates:     ensemble.CachePredictor,
		CacheThreshold: cfg.Models.CachePredictor.Threshold,
		Metrics:        a.Metrics,
	}, log)
	if err != nil {
		return fmt.Errorf("invalid recommendation catalog: %w", err)
	}

	a.Cache, err = cache.NewManager(ctx, cfg.Cache, ensemble.CachePredictor, a.Metrics, log)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, a.Cache.Close)

	a.Benchmarker = feedback.NewBenchmarker(db, a.DB, cfg.Feedback, a.Metrics, log)
	a.Controller = feedback.NewController(db, a.DB, cfg.Feedback, feedback.Options{
		Benchmarker: a.Benchmarker,
		Pinner:      a.Cache,
		Metrics:     a.Metrics,
	}, log)
	return nil
}

// Profile analyzes the trailing window of collected logs
func (a *App) Profile(ctx context.Context, window time.Duration) (*types.WorkloadProfile, error) {
	return a.Analyzer.AnalyzeWindow(ctx, a.DB, window)
}

// ReplayCacheHistory rebuilds the cache predictor from recent logs
func (a *App) ReplayCacheHistory(ctx context.Context) error {
	n, err := a.Models.CachePredictor.Replay(ctx, a.DB, a.Config.Cache.ReplayLookback)
	if err != nil {
		return err
	}
	a.log.WithFields(logrus.Fields{
		"records":   n,
		"templates": a.Models.CachePredictor.Templates(),
	}).Info("Replayed cache access history")
	return nil
}

// Cycles returns the periodic units of work keyed by scheduler cycle name
func (a *App) Cycles() map[string]scheduler.Cycle {
	return map[string]scheduler.Cycle{
		scheduler.CollectionCycle: func(ctx context.Context) error {
			_, err := a.Collector.CollectAndStore(ctx)
			return err
		},
		scheduler.ResourceCycle: func(ctx context.Context) error {
			start := time.Now()
			_, err := a.Resources.CollectAndStore(ctx)
			a.Metrics.ObserveCycle(scheduler.ResourceCycle, start, err)
			return err
		},
		scheduler.TrainingCycle: func(ctx context.Context) error {
			start := time.Now()
			_, err := a.Models.Train(ctx, a.DB)
			a.Metrics.ObserveCycle(scheduler.TrainingCycle, start, err)
			return err
		},
		scheduler.RecommendationCycle: func(ctx context.Context) error {
			_, err := a.Recommender.RunCycle(ctx)
			return err
		},
	}
}

// Serve runs the scheduled cycles, the API and the approval sources until ctx is done
func (a *App) Serve(ctx context.Context) error {
	cfg := a.Config

	if cfg.Cache.ReplayOnStart {
		if err := a.ReplayCacheHistory(ctx); err != nil {
			a.log.WithError(err).Warn("Cache history replay failed")
		}
	}

	sched, err := scheduler.New(cfg.Scheduler, a.log)
	if err != nil {
		return err
	}
	cycles := a.Cycles()
	intervals := map[string]time.Duration{
		scheduler.CollectionCycle:     cfg.Scheduler.CollectionInterval,
		scheduler.ResourceCycle:       cfg.Scheduler.ResourceInterval,
		scheduler.TrainingCycle:       cfg.Scheduler.TrainingInterval,
		scheduler.RecommendationCycle: cfg.Scheduler.RecommendationInterval,
	}
	for _, name := range []string{scheduler.CollectionCycle, scheduler.ResourceCycle, scheduler.TrainingCycle, scheduler.RecommendationCycle} {
		if err := sched.Add(name, intervals[name], cycles[name]); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	if cfg.Approvals.File != "" && cfg.Approvals.WatchFile {
		src := approvals.NewFileSource(cfg.Approvals.File, a.Controller, a.log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := src.Watch(ctx); err != nil {
				a.log.WithError(err).Error("Approval file watcher stopped")
			}
		}()
	}
	if cfg.Approvals.AMQP.Enabled {
		q := approvals.NewQueueSource(cfg.Approvals.AMQP, a.Controller, a.log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.Run(ctx); err != nil {
				a.log.WithError(err).Error("Approval queue consumer stopped")
			}
		}()
	}

	var srv api.Server
	if cfg.API.Enabled {
		srv = api.NewServer(cfg.API.Addr, api.Dependencies{
			Recommendations: a.DB,
			Controller:      a.Controller,
			Profile:         a.Profile,
			Cache:           a.Cache,
			Cycles:          sched,
			Metrics:         a.Metrics,
			Database:        a.DB,
		}, a.log)
		if err := srv.Start(ctx); err != nil {
			return err
		}
	}

	sched.Start()
	a.log.Info("Workload advisor running")
	<-ctx.Done()

	a.log.Info("Shutting down")
	if srv != nil {
		if err := srv.Stop(); err != nil {
			a.log.WithError(err).Warn("API server shutdown failed")
		}
	}
	if err := sched.Shutdown(); err != nil {
		a.log.WithError(err).Warn("Scheduler shutdown failed")
	}
	wg.Wait()
	return nil
}

// Close releases every resource in reverse order of acquisition
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
