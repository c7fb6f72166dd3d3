// Package orchestrator sequences a run for one target: fetch, extract,
// deduplicate, persist and notify. It also owns the cron driven scheduler.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/harvest/internal/clock"
	"github.com/JakeFAU/harvest/internal/extract"
	"github.com/JakeFAU/harvest/internal/fingerprint"
	"github.com/JakeFAU/harvest/internal/id"
	"github.com/JakeFAU/harvest/internal/metrics"
	"github.com/JakeFAU/harvest/internal/pipeline"
	"github.com/JakeFAU/harvest/internal/reporting"
	"github.com/JakeFAU/harvest/internal/storage"
)

// ErrUnknownRule is returned when a target references a rule that was not
// configured.
var ErrUnknownRule = errors.New("unknown parse rule")

const (
	defaultPersistTimeout = 2 * time.Minute
	defaultNotifyTimeout  = time.Minute
	defaultMaxConcurrent  = 4
)

// Runner executes pipeline runs. At most one run per target is in flight.
type Runner struct {
	fetcher   pipeline.Fetcher
	store     pipeline.RecordStore
	extractor *extract.Extractor
	rules     map[string]*extract.Compiled

	notifier       pipeline.Notifier
	archiver       *storage.Archiver
	emitter        reporting.Emitter
	logger         *zap.Logger
	clock          clock.Clock
	ids            id.Generator
	persistTimeout time.Duration
	notifyTimeout  time.Duration
	maxConcurrent  int

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option customises a Runner.
type Option func(*Runner)

// WithNotifier sets the notifier. Without one, new records are not announced.
func WithNotifier(n pipeline.Notifier) Option {
	return func(r *Runner) { r.notifier = n }
}

// WithArchiver stores every fetched page before extraction.
func WithArchiver(a *storage.Archiver) Option {
	return func(r *Runner) { r.archiver = a }
}

// WithEmitter receives every finalised report.
func WithEmitter(e reporting.Emitter) Option {
	return func(r *Runner) { r.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithIDs replaces the run ID generator.
func WithIDs(g id.Generator) Option {
	return func(r *Runner) {
		if g != nil {
			r.ids = g
		}
	}
}

// WithPersistTimeout bounds the persistence stage. The stage ignores caller
// cancellation so a shutdown never cuts a transaction short.
func WithPersistTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.persistTimeout = d
		}
	}
}

// WithNotifyTimeout bounds the notification stage.
func WithNotifyTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.notifyTimeout = d
		}
	}
}

// WithMaxConcurrent caps how many targets RunAll processes at once.
func WithMaxConcurrent(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxConcurrent = n
		}
	}
}

// NewRunner wires the stages together.
func NewRunner(
	fetcher pipeline.Fetcher,
	store pipeline.RecordStore,
	rules map[string]*extract.Compiled,
	opts ...Option,
) (*Runner, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if store == nil {
		return nil, errors.New("record store is required")
	}
	r := &Runner{
		fetcher:        fetcher,
		store:          store,
		extractor:      extract.New(),
		rules:          rules,
		logger:         zap.NewNop(),
		clock:          clock.System{},
		ids:            id.UUIDv7{},
		persistTimeout: defaultPersistTimeout,
		notifyTimeout:  defaultNotifyTimeout,
		maxConcurrent:  defaultMaxConcurrent,
		inFlight:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.Named("runner")
	return r, nil
}

// Run executes one run for target and always returns its report. An
// overlapping run for the same target yields a skipped report.
func (r *Runner) Run(ctx context.Context, target pipeline.Target) pipeline.RunReport {
	report, _ := r.TryRun(ctx, target)
	return report
}

// TryRun is Run that also reports ErrRunInProgress when the run was skipped.
func (r *Runner) TryRun(ctx context.Context, target pipeline.Target) (pipeline.RunReport, error) {
	if !r.claim(target.ID) {
		report := pipeline.NewRunReport(r.ids.NewID(), target.ID, r.clock.Now())
		_ = report.Enter(pipeline.StateSkipped)
		report.AddWarning(pipeline.ErrRunInProgress.Error())
		final := report.Finalize(r.clock.Now())
		r.logger.Info("run skipped, previous run still in flight", zap.String("target_id", target.ID))
		r.finish(final)
		return final, pipeline.ErrRunInProgress
	}
	defer r.release(target.ID)

	metrics.IncRunsInFlight()
	defer metrics.DecRunsInFlight()

	report := pipeline.NewRunReport(r.ids.NewID(), target.ID, r.clock.Now())
	r.execute(ctx, target, report)
	final := report.Finalize(r.clock.Now())
	r.finish(final)
	return final, nil
}

// RunAll runs targets concurrently, bounded by the configured limit, and
// returns reports in the order of targets.
func (r *Runner) RunAll(ctx context.Context, targets []pipeline.Target) []pipeline.RunReport {
	reports := make([]pipeline.RunReport, len(targets))
	var g errgroup.Group
	g.SetLimit(r.maxConcurrent)
	for i, t := range targets {
		g.Go(func() error {
			reports[i] = r.Run(ctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// InFlight reports whether a run for targetID is executing.
func (r *Runner) InFlight(targetID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.inFlight[targetID]
	return ok
}

func (r *Runner) claim(targetID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[targetID]; busy {
		return false
	}
	r.inFlight[targetID] = struct{}{}
	return true
}

func (r *Runner) release(targetID string) {
	r.mu.Lock()
	delete(r.inFlight, targetID)
	r.mu.Unlock()
}

func (r *Runner) finish(report pipeline.RunReport) {
	metrics.ObserveRun(report.TargetID, string(report.State))
	if r.emitter != nil {
		r.emitter.Emit(report)
	}
}

// execute runs the stages and turns any panic into a failed report.
func (r *Runner) execute(ctx context.Context, target pipeline.Target, report *pipeline.RunReport) {
	logger := r.logger.With(zap.String("target_id", target.ID), zap.String("run_id", report.ID))
	defer func() {
		if p := recover(); p != nil {
			logger.Error("run panicked", zap.Any("panic", p), zap.Stack("stack"), zap.String("stage", string(report.State)))
			report.Fail(fmt.Errorf("panic in %s: %v", report.State, p))
		}
	}()

	page, ok := r.fetch(ctx, target, report, logger)
	if !ok {
		return
	}
	candidates, ok := r.extract(ctx, target, page, report, logger)
	if !ok {
		return
	}
	res, known, ok := r.dedup(ctx, candidates, report)
	if !ok {
		return
	}
	created, ok := r.persist(ctx, target, res, known, report)
	if !ok {
		return
	}
	r.notify(ctx, created, report, logger)
}

func (r *Runner) enter(ctx context.Context, report *pipeline.RunReport, state pipeline.RunState) bool {
	if err := ctx.Err(); err != nil {
		report.Fail(fmt.Errorf("run canceled before %s: %w", state, err))
		return false
	}
	if err := report.Enter(state); err != nil {
		report.Fail(err)
		return false
	}
	return true
}

func (r *Runner) fetch(
	ctx context.Context,
	target pipeline.Target,
	report *pipeline.RunReport,
	logger *zap.Logger,
) (pipeline.RawPage, bool) {
	if !r.enter(ctx, report, pipeline.StateFetching) {
		return pipeline.RawPage{}, false
	}
	start := time.Now()
	page, err := r.fetcher.Fetch(ctx, target)
	metrics.ObserveStage(string(pipeline.StateFetching), time.Since(start))
	if err != nil {
		logger.Warn("fetch failed", zap.Error(err))
		report.Fail(err)
		return pipeline.RawPage{}, false
	}
	report.Fetched = 1

	if r.archiver != nil {
		if uri, err := r.archiver.Archive(ctx, page); err != nil {
			report.AddWarning(err.Error())
		} else {
			logger.Debug("page archived", zap.String("uri", uri))
		}
	}
	return page, true
}

func (r *Runner) extract(
	ctx context.Context,
	target pipeline.Target,
	page pipeline.RawPage,
	report *pipeline.RunReport,
	logger *zap.Logger,
) ([]pipeline.CandidateRecord, bool) {
	if !r.enter(ctx, report, pipeline.StateExtracting) {
		return nil, false
	}
	rule, ok := r.rules[target.Rule]
	if !ok {
		report.Fail(fmt.Errorf("%w %q", ErrUnknownRule, target.Rule))
		return nil, false
	}
	start := time.Now()
	var out []pipeline.CandidateRecord
	for rec, err := range r.extractor.Extract(page, rule) {
		if err != nil {
			var warn *pipeline.ExtractWarning
			if errors.As(err, &warn) {
				warn.TargetID = target.ID
				report.Failed++
			}
			report.AddWarning(err.Error())
			continue
		}
		out = append(out, rec)
	}
	metrics.ObserveStage(string(pipeline.StateExtracting), time.Since(start))
	report.Extracted = len(out)
	if len(out) == 0 {
		report.AddWarning("page yielded no records")
		logger.Warn("page yielded no records", zap.Int("bytes", page.Size()))
	}
	return out, true
}

func (r *Runner) dedup(
	ctx context.Context,
	candidates []pipeline.CandidateRecord,
	report *pipeline.RunReport,
) (fingerprint.Result, []pipeline.Fingerprint, bool) {
	if !r.enter(ctx, report, pipeline.StateDeduplicating) {
		return fingerprint.Result{}, nil, false
	}
	start := time.Now()
	all := fingerprint.Attach(candidates)
	known, err := r.store.Known(ctx, fingerprint.Unique(all))
	if err != nil {
		report.Fail(fmt.Errorf("load known fingerprints: %w", err))
		return fingerprint.Result{}, nil, false
	}
	res := fingerprint.Partition(all, known)
	report.Duplicate = res.Duplicates()
	metrics.ObserveStage(string(pipeline.StateDeduplicating), time.Since(start))
	return res, res.Known, true
}

// persist writes the fresh records and bumps last_seen on the known ones. It
// returns only the records this run inserted.
func (r *Runner) persist(
	ctx context.Context,
	target pipeline.Target,
	res fingerprint.Result,
	known []pipeline.Fingerprint,
	report *pipeline.RunReport,
) ([]pipeline.StoredRecord, bool) {
	if !r.enter(ctx, report, pipeline.StatePersisting) {
		return nil, false
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.persistTimeout)
	defer cancel()
	start := time.Now()
	defer func() { metrics.ObserveStage(string(pipeline.StatePersisting), time.Since(start)) }()

	seenAt := r.clock.Now()
	if len(known) > 0 {
		if err := r.store.Touch(pctx, known, seenAt); err != nil {
			report.Fail(fmt.Errorf("touch known records: %w", err))
			return nil, false
		}
	}
	if len(res.Fresh) == 0 {
		metrics.ObserveRecords(target.ID, "duplicate", report.Duplicate)
		return nil, true
	}

	stored, err := r.store.UpsertBatch(pctx, res.Fresh, seenAt)
	switch {
	case errors.Is(err, pipeline.ErrConstraintViolation):
		// The batch rolled back, so none of it was stored and none of it is a
		// duplicate. Nothing is marked seen and the next run offers it again.
		report.AddWarning(err.Error())
		report.AddWarning(fmt.Sprintf("%d new records rolled back after a constraint violation, retrying next run", len(res.Fresh)))
		r.logger.Warn("batch rolled back", zap.String("target_id", target.ID), zap.Int("records", len(res.Fresh)), zap.Error(err))
		metrics.ObserveRecords(target.ID, "duplicate", report.Duplicate)
		return nil, true
	case err != nil:
		report.Fail(err)
		return nil, false
	}

	created := make([]pipeline.StoredRecord, 0, len(stored))
	for _, rec := range stored {
		if rec.Created {
			created = append(created, rec)
		}
	}
	// Records inserted by someone else after the snapshot are duplicates too.
	report.Duplicate += len(stored) - len(created)
	report.New = len(created)
	metrics.ObserveRecords(target.ID, "new", report.New)
	metrics.ObserveRecords(target.ID, "duplicate", report.Duplicate)
	return created, true
}

func (r *Runner) notify(
	ctx context.Context,
	created []pipeline.StoredRecord,
	report *pipeline.RunReport,
	logger *zap.Logger,
) {
	if len(created) == 0 || r.notifier == nil {
		return
	}
	if err := report.Enter(pipeline.StateNotifying); err != nil {
		report.Fail(err)
		return
	}
	nctx, cancel := context.WithTimeout(ctx, r.notifyTimeout)
	defer cancel()
	start := time.Now()
	res, err := r.notifier.Notify(nctx, *report, created)
	metrics.ObserveStage(string(pipeline.StateNotifying), time.Since(start))
	if err != nil {
		logger.Warn("notification failed", zap.Error(err))
		report.NotifyError = err.Error()
		return
	}
	report.Notified = res.Sent
}
