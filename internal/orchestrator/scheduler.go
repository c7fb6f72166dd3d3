package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

// DefaultSchedule runs every target daily at 02:00.
const DefaultSchedule = "0 2 * * *"

var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule validates a five-field cron expression or a descriptor such
// as @daily or "@every 1h".
func ParseSchedule(spec string) (cronlib.Schedule, error) {
	sched, err := scheduleParser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return sched, nil
}

// TargetRunner is the part of Runner the scheduler drives.
type TargetRunner interface {
	TryRun(ctx context.Context, target pipeline.Target) (pipeline.RunReport, error)
	RunAll(ctx context.Context, targets []pipeline.Target) []pipeline.RunReport
}

// SchedulerConfig controls the global trigger.
type SchedulerConfig struct {
	// Schedule applies to every target without its own. Empty uses DefaultSchedule.
	Schedule string
	// RunOnStart fires one pass over every enabled target when Start is called.
	RunOnStart bool
	Location   *time.Location
}

// Scheduler is the explicit registry of periodic triggers. Nothing fires
// until Start, and Stop waits for runs it started.
type Scheduler struct {
	runner  TargetRunner
	cfg     SchedulerConfig
	logger  *zap.Logger
	targets []pipeline.Target
	byID    map[string]pipeline.Target
	entries map[string]cronlib.EntryID
	cron    *cronlib.Cron

	mu      sync.Mutex
	started bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler registers one cron entry per enabled target.
func NewScheduler(
	runner TargetRunner,
	targets []pipeline.Target,
	cfg SchedulerConfig,
	logger *zap.Logger,
) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	logger = logger.Named("scheduler")

	s := &Scheduler{
		runner:  runner,
		cfg:     cfg,
		logger:  logger,
		byID:    make(map[string]pipeline.Target, len(targets)),
		entries: make(map[string]cronlib.EntryID, len(targets)),
		cron: cronlib.New(
			cronlib.WithParser(scheduleParser),
			cronlib.WithLocation(cfg.Location),
			cronlib.WithLogger(cronLogger{logger: logger.Sugar()}),
			cronlib.WithChain(cronlib.Recover(cronLogger{logger: logger.Sugar()})),
		),
	}
	var errs []error
	for _, t := range targets {
		if _, dup := s.byID[t.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate target id %q", t.ID))
			continue
		}
		s.byID[t.ID] = t
		s.targets = append(s.targets, t)
		if t.Disabled {
			continue
		}
		spec := t.Schedule
		if spec == "" {
			spec = cfg.Schedule
		}
		sched, err := ParseSchedule(spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("target %q: %w", t.ID, err))
			continue
		}
		s.entries[t.ID] = s.cron.Schedule(sched, cronlib.FuncJob(func() { s.fire(t) }))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins firing triggers. Runs use a context derived from ctx that Stop
// cancels.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.Int("targets", len(s.entries)),
		zap.String("schedule", s.cfg.Schedule),
		zap.Bool("run_on_start", s.cfg.RunOnStart),
	)

	if s.cfg.RunOnStart {
		enabled := s.enabledTargets()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runner.RunAll(s.runCtx, enabled)
		}()
	}
}

// Stop prevents new triggers, cancels in-flight runs between stages and waits
// for them to finish or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cronDone := s.cron.Stop()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Trigger runs targetID now on the caller's goroutine.
func (s *Scheduler) Trigger(ctx context.Context, targetID string) (pipeline.RunReport, error) {
	t, ok := s.byID[targetID]
	if !ok {
		return pipeline.RunReport{}, fmt.Errorf("%w %q", pipeline.ErrUnknownTarget, targetID)
	}
	return s.runner.TryRun(ctx, t)
}

// Targets lists every registered target, enabled or not, in registration order.
func (s *Scheduler) Targets() []pipeline.Target {
	return slices.Clone(s.targets)
}

// Target looks up a target by ID.
func (s *Scheduler) Target(targetID string) (pipeline.Target, bool) {
	t, ok := s.byID[targetID]
	return t, ok
}

// Next returns the next time targetID is due. It is zero for disabled targets
// and before Start.
func (s *Scheduler) Next(targetID string) time.Time {
	entryID, ok := s.entries[targetID]
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(entryID).Next
}

func (s *Scheduler) enabledTargets() []pipeline.Target {
	out := make([]pipeline.Target, 0, len(s.targets))
	for _, t := range s.targets {
		if !t.Disabled {
			out = append(out, t)
		}
	}
	return out
}

func (s *Scheduler) fire(t pipeline.Target) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	ctx := s.runCtx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if _, err := s.runner.TryRun(ctx, t); errors.Is(err, pipeline.ErrRunInProgress) {
		s.logger.Info("trigger skipped, run in flight", zap.String("target_id", t.ID))
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
