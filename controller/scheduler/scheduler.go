package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/workload-advisor/controller/config"
)

// Cycle names used by the controller
const (
	CollectionCycle     = "collection"
	ResourceCycle       = "resources"
	TrainingCycle       = "training"
	RecommendationCycle = "recommendation"
)

const stopTimeout = 2 * time.Minute

// Cycle is one periodic unit of work. It should return promptly once ctx is
// cancelled, after finishing the record or batch it is working on.
type Cycle func(ctx context.Context) error

// JobStatus describes a registered cycle
type JobStatus struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	Runs      int           `json:"runs"`
	Failures  int           `json:"failures"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	NextRun   time.Time     `json:"next_run,omitempty"`
}

// Scheduler runs cycles on independent intervals. A cycle never overlaps itself;
// a run due while the previous one is still going is skipped until the next tick.
type Scheduler struct {
	sched      gocron.Scheduler
	log        logrus.FieldLogger
	runOnStart bool

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	jobs   map[string]gocron.Job
	status map[string]*JobStatus
}

// New creates a stopped scheduler
func New(cfg config.SchedulerConfig, log logrus.FieldLogger) (*Scheduler, error) {
	log = log.WithField("component", "scheduler")
	sched, err := gocron.NewScheduler(
		gocron.WithLogger(logAdapter{log: log}),
		gocron.WithStopTimeout(stopTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sched:      sched,
		log:        log,
		runOnStart: cfg.RunOnStart,
		ctx:        ctx,
		cancel:     cancel,
		jobs:       make(map[string]gocron.Job),
		status:     make(map[string]*JobStatus),
	}, nil
}

// Add registers a cycle. A non-positive interval disables it.
func (s *Scheduler) Add(name string, interval time.Duration, cycle Cycle) error {
	if interval <= 0 {
		s.log.WithField("cycle", name).Info("Cycle disabled")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("cycle %q already registered", name)
	}

	opts := []gocron.JobOption{
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithEventListeners(
			gocron.AfterJobRunsWithError(func(_ uuid.UUID, jobName string, err error) {
				s.log.WithError(err).WithField("cycle", jobName).Error("Cycle failed")
			}),
		),
	}
	if s.runOnStart {
		opts = append(opts, gocron.WithStartAt(gocron.WithStartImmediately()))
	}

	st := &JobStatus{Name: name, Interval: interval}
	job, err := s.sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() error { return s.run(st, cycle) }),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	s.jobs[name] = job
	s.status[name] = st

	s.log.WithFields(logrus.Fields{"cycle": name, "interval": interval.String()}).Info("Cycle scheduled")
	return nil
}

func (s *Scheduler) run(st *JobStatus, cycle Cycle) error {
	if s.ctx.Err() != nil {
		return nil
	}
	start := time.Now()
	err := cycle(s.ctx)

	s.mu.Lock()
	st.Runs++
	st.LastRun = start
	st.LastError = ""
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"cycle":    st.Name,
		"duration": time.Since(start).String(),
	}).Debug("Cycle finished")
	return err
}

// Start begins scheduling
func (s *Scheduler) Start() {
	s.sched.Start()
	s.log.WithField("cycles", len(s.jobs)).Info("Scheduler started")
}

// RunNow triggers a registered cycle outside its schedule
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown cycle %q", name)
	}
	return job.RunNow()
}

// Status reports every registered cycle, sorted by name
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.status))
	for name, st := range s.status {
		cp := *st
		if next, err := s.jobs[name].NextRun(); err == nil {
			cp.NextRun = next
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Shutdown cancels the context handed to running cycles and waits for them to return
func (s *Scheduler) Shutdown() error {
	s.cancel()
	if err := s.sched.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown: %w", err)
	}
	s.log.Info("Scheduler stopped")
	return nil
}

// logAdapter routes gocron's key/value logging into logrus
type logAdapter struct {
	log logrus.FieldLogger
}

func (l logAdapter) fields(args []any) logrus.FieldLogger {
	entry := l.log
	for i := 0; i+1 < len(args); i += 2 {
		entry = entry.WithField(fmt.Sprint(args[i]), args[i+1])
	}
	return entry
}

func (l logAdapter) Debug(msg string, args ...any) { l.fields(args).Debug(msg) }
func (l logAdapter) Info(msg string, args ...any)  { l.fields(args).Debug(msg) }
func (l logAdapter) Warn(msg string, args ...any)  { l.fields(args).Warn(msg) }
func (l logAdapter) Error(msg string, args ...any) { l.fields(args).Error(msg) }
