// Package engine implements the Reconciliation Engine (C7): periodic tick,
// change detection, bounded-concurrency fan-out of per-application syncs,
// and per-cycle aggregation.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hedgehog/gitops-sync/internal/config"
	"github.com/hedgehog/gitops-sync/internal/errs"
	"github.com/hedgehog/gitops-sync/internal/gitrepo"
	"github.com/hedgehog/gitops-sync/internal/report"
	"github.com/hedgehog/gitops-sync/internal/telemetry"
)

// Syncer drives one application's release. Implemented by *release.Driver;
// an interface here so tests can fake it without a real cluster.
type Syncer interface {
	Sync(ctx context.Context, app config.Application) *report.SyncResult
}

// Publisher receives sealed results and summaries as the cycle progresses,
// so the status surface (§12) can stream them to subscribers without the
// engine importing anything about HTTP or websockets.
type Publisher interface {
	PublishResult(cycleID string, r *report.SyncResult)
	PublishSummary(cycleID string, c *report.CycleSummary)
}

type noopPublisher struct{}

func (noopPublisher) PublishResult(string, *report.SyncResult)   {}
func (noopPublisher) PublishSummary(string, *report.CycleSummary) {}

// Engine is the sole driver of parallelism in the service. Cycles are
// strictly serialized; per-application tasks within one cycle run
// concurrently, bounded by the configured concurrency.
type Engine struct {
	cfg       *config.Config
	workspace *gitrepo.Workspace
	syncer    Syncer
	log       report.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	publisher Publisher

	state State

	summaryMu   sync.Mutex
	lastSummary *report.CycleSummary

	inFlight atomic.Int32
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithPublisher registers a Publisher for live cycle/result events.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// New returns an Engine. cfg, workspace, syncer, log, metrics, and tracer
// must all be non-nil.
func New(cfg *config.Config, workspace *gitrepo.Workspace, syncer Syncer, log report.Logger, metrics *telemetry.Metrics, tracer *telemetry.Tracer, opts ...Option) *Engine {
	e := &Engine{cfg: cfg, workspace: workspace, syncer: syncer, log: log, metrics: metrics, tracer: tracer, publisher: noopPublisher{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// LastSummary is read by the status surface; it is nil until the first
// cycle seals.
func (e *Engine) LastSummary() *report.CycleSummary {
	e.summaryMu.Lock()
	defer e.summaryMu.Unlock()
	return e.lastSummary
}

// InFlight returns the number of per-application sync tasks currently
// running. Read by C9 when the shutdown signal arrives, to report how many
// tasks were in flight at that moment.
func (e *Engine) InFlight() int {
	return int(e.inFlight.Load())
}

// RunCycle attempts exactly one reconciliation cycle. If the engine is not
// idle, the tick is dropped with a warning and false is returned; the cycle
// counter is not advanced. Errors returned are cycle-level (refresh
// failures); per-application failures never propagate here, they live
// inside the returned *report.CycleSummary.
func (e *Engine) RunCycle(ctx context.Context) (*report.CycleSummary, bool, error) {
	if !e.state.tryEnter() {
		e.log.Warn("cycle dropped: previous cycle still in progress")
		return nil, false, nil
	}
	defer e.state.release()

	cycleID := uuid.NewString()
	log := withTag(e.log, cycleID)

	ctx, span := e.tracer.StartCycleSpan(ctx, cycleID)
	defer span.End()

	summary := &report.CycleSummary{Start: time.Now()}

	if err := e.workspace.Refresh(ctx); err != nil {
		log.Error("git refresh failed, cycle aborted", "error", err)
		span.RecordError(err)
		return nil, true, &errs.GitError{Op: "refresh", Cause: err}
	}
	e.state.set(phaseDetecting)

	commit, err := e.workspace.CurrentCommit(ctx)
	if err != nil {
		log.Error("failed to read HEAD, cycle aborted", "error", err)
		span.RecordError(err)
		return nil, true, &errs.GitError{Op: "current-commit", Cause: err}
	}

	if last, ok := e.state.LastAppliedCommit(); ok && last == commit {
		summary.SkippedForUnchanged = true
		summary.End = time.Now()
		log.Info("no change since last cycle, nothing to do", "commit", commit)
		e.sealSummary(cycleID, summary)
		return summary, true, nil
	}

	e.state.set(phaseScheduling)
	results := e.scheduleAll(ctx, cycleID, log)
	summary.Results = results

	e.state.set(phaseDraining)
	// Commit advance happens-after all dispatched tasks have returned,
	// and unconditionally: this trades self-healing (a later good commit
	// can still be retried) against hot-looping on a bad commit. See
	// DESIGN.md for why this was chosen over only advancing on full
	// success.
	e.state.advanceCommit(commit)

	summary.End = time.Now()
	e.sealSummary(cycleID, summary)

	ok, failed, skipped := summary.Counts()
	log.Info(report.Summary(summary), "ok", ok, "failed", failed, "skipped", skipped)
	e.metrics.ObserveCycle(summary.Duration(), ok, failed, skipped)

	return summary, true, nil
}

// scheduleAll fans out one Syncer.Sync task per application, bounded by
// e.cfg.Sync.Concurrency in-flight at once, and waits for all of them
// before returning. Any panic inside a task is recovered and turned into a
// failed SyncResult rather than allowed to terminate the cycle.
func (e *Engine) scheduleAll(ctx context.Context, cycleID string, log report.Logger) []*report.SyncResult {
	apps := e.cfg.Applications
	results := make([]*report.SyncResult, len(apps))

	gate := make(chan struct{}, e.cfg.Sync.Concurrency)
	var wg sync.WaitGroup

	for i, app := range apps {
		i, app := i, app
		wg.Add(1)
		gate <- struct{}{}
		e.inFlight.Add(1)
		go func() {
			defer wg.Done()
			defer e.inFlight.Add(-1)
			defer func() { <-gate; e.metrics.SetConcurrencyInUse(len(gate)) }()
			e.metrics.SetConcurrencyInUse(len(gate))
			results[i] = e.runOne(ctx, cycleID, app, log)
			e.publisher.PublishResult(cycleID, results[i])
		}()
	}
	wg.Wait()

	return results
}

func (e *Engine) runOne(ctx context.Context, cycleID string, app config.Application, log report.Logger) (result *report.SyncResult) {
	defer func() {
		if r := recover(); r != nil {
			result = report.NewSyncResult("unknown", app.Namespace)
			result.Success = false
			result.Error = (&errs.Internal{Cause: fmt.Errorf("panic: %v", r)}).Error()
			result.Seal()
		}
	}()

	ctx, span := e.tracer.StartAppSpan(ctx, cycleID, app.ID)
	defer span.End()

	start := time.Now()
	result = e.syncer.Sync(ctx, app)
	e.metrics.ObserveSync(app.ID, string(result.Action), result.Success, time.Since(start))

	if !result.Success {
		log.Error("application sync failed", "app", app.ID, "namespace", app.Namespace, "action", result.Action, "error", result.Error, "rolledBack", result.RolledBack)
		span.RecordError(fmt.Errorf("%s", result.Error))
	} else if result.Action != report.ActionSkip {
		log.Info("application synced", "app", app.ID, "namespace", app.Namespace, "action", result.Action)
	}

	return result
}

func (e *Engine) sealSummary(cycleID string, summary *report.CycleSummary) {
	e.summaryMu.Lock()
	e.lastSummary = summary
	e.summaryMu.Unlock()
	e.publisher.PublishSummary(cycleID, summary)
}

// withTag returns a copy of l tagged with tag when l supports it (the
// concrete *report.StdLogger), otherwise returns l unchanged — fakes used
// in tests need not implement tagging.
func withTag(l report.Logger, tag string) report.Logger {
	if sl, ok := l.(*report.StdLogger); ok {
		return sl.WithTag(tag)
	}
	return l
}
