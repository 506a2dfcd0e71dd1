// Package worker runs the dispatch loop for the research job queue: claim the
// oldest eligible job with FOR UPDATE SKIP LOCKED, send it to the research
// engine, and finalize the row as completed, requeued, or failed.
//
// The loop is woken by pg_notify (near-zero latency in the common case) and
// by a fixed-interval fallback poll (guaranteed liveness). A slower reaper
// tick reclaims jobs abandoned by a crashed claimant. Any number of Runner
// processes may share one database; correctness rests entirely on the store's
// atomic claim, never on in-process coordination.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/OMCHOKSI108/Multiagent-LangGraph-Orchestrated-LLM-Research-Automation-Platform-sub001/internal/engine"
	"github.com/OMCHOKSI108/Multiagent-LangGraph-Orchestrated-LLM-Research-Automation-Platform-sub001/internal/notify"
	"github.com/OMCHOKSI108/Multiagent-LangGraph-Orchestrated-LLM-Research-Automation-Platform-sub001/internal/store"
)

// Config holds dispatcher tuning parameters (sourced from config.Config).
type Config struct {
	PollInterval time.Duration // fallback poll cadence; default 5s
	ReapInterval time.Duration // stale sweep cadence; default 2m
	StaleTimeout time.Duration // processing age before reclaim; default 45m
	MaxRetries   int           // attempt budget per job; default 3
	// StartupAttempts bounds the engine readiness wait; default 30.
	StartupAttempts int
}

// Runner claims and dispatches research jobs until its context is cancelled.
type Runner struct {
	store  *store.Store
	engine *engine.Client
	events *notify.Publisher // nil when fan-out is disabled
	cfg    Config
	wake   chan struct{}
	log    *slog.Logger
}

// New creates a Runner. events may be nil.
func New(st *store.Store, eng *engine.Client, events *notify.Publisher, cfg Config) *Runner {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = 2 * time.Minute
	}
	if cfg.StaleTimeout == 0 {
		cfg.StaleTimeout = 45 * time.Minute
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.StartupAttempts == 0 {
		cfg.StartupAttempts = 30
	}
	return &Runner{
		store:  st,
		engine: eng,
		events: events,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		log:    slog.Default(),
	}
}

// Wake requests an immediate dispatch cycle. Coalescing: a wake while one is
// already pending is a no-op, which is safe because a cycle drains the queue.
func (r *Runner) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start blocks until ctx is cancelled. It first waits for the engine to
// become reachable (the one fatal condition — without an engine no job can
// ever complete), then runs a reclaim/exhaustion pass so crash-recovered jobs
// surface immediately, then enters the wake/poll/reap loop.
//
// On cancellation the loop stops scheduling new cycles; a cycle already
// awaiting the engine finishes and finalizes its row before Start returns.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.engine.WaitReady(ctx, r.cfg.StartupAttempts); err != nil {
		return err
	}
	r.log.Info("research engine reachable, starting dispatcher",
		"poll_interval", r.cfg.PollInterval,
		"reap_interval", r.cfg.ReapInterval,
		"stale_timeout", r.cfg.StaleTimeout,
		"max_retries", r.cfg.MaxRetries)

	r.runReap(ctx)

	go runListener(ctx, r.store.Pool(), r.Wake, r.log)

	pollTicker := time.NewTicker(r.cfg.PollInterval)
	reapTicker := time.NewTicker(r.cfg.ReapInterval)
	defer pollTicker.Stop()
	defer reapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("dispatcher stopping")
			return nil
		case <-r.wake:
			r.RunOnce(ctx)
		case <-pollTicker.C:
			r.RunOnce(ctx)
		case <-reapTicker.C:
			r.runReap(ctx)
		}
	}
}

// RunOnce runs one dispatch cycle: claim and process jobs until the queue has
// no eligible row or ctx is cancelled. Errors are logged and end the cycle;
// they never propagate — the next wake or poll tick retries naturally.
func (r *Runner) RunOnce(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := r.store.ClaimNext(ctx)
		if err != nil {
			r.log.Error("claim next job", "error", err)
			return
		}
		if job == nil {
			return // queue empty; normal case
		}
		r.dispatch(ctx, job)
	}
}

// dispatch sends one claimed job to the engine and finalizes its row.
// The engine call and the finalize run on a context detached from shutdown
// cancellation: stopping the service must never abandon a row in processing
// with nothing but the staleness timeout to recover it.
func (r *Runner) dispatch(ctx context.Context, job *store.Job) {
	callCtx := context.WithoutCancel(ctx)
	attempt := job.RetryCount + 1

	r.log.Info("dispatching job",
		"job_id", job.ID, "attempt", attempt, "max_retries", r.cfg.MaxRetries)
	r.publish(callCtx, job, store.StatusProcessing, "")

	result, err := r.engine.Research(callCtx, engine.ResearchRequest{
		Task:        job.Task,
		Depth:       job.Depth,
		PaperURL:    job.PaperURL,
		JobID:       job.ID,
		WorkspaceID: job.WorkspaceID,
	})
	if err == nil {
		if err := r.store.FinalizeSuccess(callCtx, job.ID, result); err != nil {
			r.log.Error("finalize success", "job_id", job.ID, "error", err)
			return
		}
		r.log.Info("job completed", "job_id", job.ID, "attempt", attempt)
		r.publish(callCtx, job, store.StatusCompleted, "")
		return
	}

	r.log.Warn("research call failed",
		"job_id", job.ID, "attempt", attempt, "error", err)

	switch decide(job.RetryCount, r.cfg.MaxRetries) {
	case verdictRetry:
		if err := r.store.FinalizeRetry(callCtx, job.ID, err.Error()); err != nil {
			r.log.Error("finalize retry", "job_id", job.ID, "error", err)
			return
		}
		r.log.Info("job requeued for retry", "job_id", job.ID, "retry_count", attempt)
		r.publish(callCtx, job, store.StatusQueued, err.Error())
	case verdictFail:
		reason := err.Error()
		if err := r.store.FinalizeTerminalFailure(callCtx, job.ID,
			failureResult(reason, attempt), reason); err != nil {
			r.log.Error("finalize terminal failure", "job_id", job.ID, "error", err)
			return
		}
		r.log.Error("job failed permanently",
			"job_id", job.ID, "attempts", attempt)
		r.publish(callCtx, job, store.StatusFailed, reason)
	}
}

// runReap reclaims stale processing rows and terminally fails rows whose
// retry budget is exhausted. Runs at startup and on every reap tick; also the
// only recovery path for jobs whose claimant crashed mid-flight.
func (r *Runner) runReap(ctx context.Context) {
	ids, err := r.store.ReclaimStale(ctx, r.cfg.StaleTimeout, r.cfg.MaxRetries)
	if err != nil {
		r.log.Error("reclaim stale jobs", "error", err)
	} else if len(ids) > 0 {
		r.log.Warn("reclaimed stale jobs", "job_ids", ids, "stale_timeout", r.cfg.StaleTimeout)
	}

	n, err := r.store.FailExhausted(ctx, r.cfg.MaxRetries)
	if err != nil {
		r.log.Error("fail exhausted jobs", "error", err)
	} else if n > 0 {
		r.log.Warn("failed exhausted jobs", "count", n, "max_retries", r.cfg.MaxRetries)
	}
}

// publish sends a best-effort transition event to the collaborator webhook.
func (r *Runner) publish(ctx context.Context, job *store.Job, status store.Status, errMsg string) {
	ev := notify.Event{
		JobID:      job.ID,
		Status:     string(status),
		RetryCount: job.RetryCount,
		Error:      errMsg,
		OccurredAt: time.Now().UTC(),
	}
	if status == store.StatusQueued {
		// The requeue just incremented the counter.
		ev.RetryCount = job.RetryCount + 1
	}
	if err := r.events.Publish(ctx, ev); err != nil {
		r.log.Warn("publish job event", "job_id", job.ID, "status", status, "error", err)
	}
}
