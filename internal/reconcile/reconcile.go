// Package reconcile implements the nightly full-reconciliation job
// (SPEC_FULL.md's lifecycle component O): a cron-scheduled pass, distinct
// from the continuous 300s-throttled self-heal sampling in
// internal/relation/readpath, that walks every known user and post and
// forces the rebuild protocol on each so drift between a packed-counter
// snapshot and its authoritative source never survives more than one
// night, grounded on the teacher's retention.RetentionManager scheduling
// loop (internal/retention/retention.go).
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"knowengage/internal/counter/entity"
	"knowengage/internal/counter/user"
	"knowengage/internal/logger"
	"knowengage/internal/platform/relstore"
)

// Config is the nightly job's schedule (config.ReconcileConfig, decoupled
// from the config package to keep this package import-light).
type Config struct {
	Enabled bool
	Cron    string
}

const entityType = "knowpost"

// Job is the reconciliation job.
type Job struct {
	cfg      Config
	rel      relstore.Store
	users    *user.Service
	entities *entity.Service

	mu      sync.Mutex
	running bool
}

// New constructs a Job.
func New(cfg Config, rel relstore.Store, users *user.Service, entities *entity.Service) *Job {
	return &Job{cfg: cfg, rel: rel, users: users, entities: entities}
}

// Run blocks, waking up at every cron tick to run one reconciliation
// pass, until ctx is canceled. It is meant to be started as one of
// internal/app's panic-recovery-wrapped background workers.
func (j *Job) Run(ctx context.Context) error {
	if !j.cfg.Enabled {
		logger.Info("reconcile: disabled")
		return nil
	}
	logger.Info("reconcile: scheduled", "cron", j.cfg.Cron)
	for {
		next, err := gronx.NextTickAfter(j.cfg.Cron, time.Now(), false)
		if err != nil {
			logger.Error("reconcile: invalid cron expression", "cron", j.cfg.Cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-time.After(wait):
			j.runOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunNow triggers one pass immediately, skipping it if one is already in
// flight. It exists for the admin surface's manual-trigger endpoint.
func (j *Job) RunNow(ctx context.Context) {
	j.runOnce(ctx)
}

func (j *Job) runOnce(ctx context.Context) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		logger.Warn("reconcile: skipping tick, previous run still in flight")
		return
	}
	j.running = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	start := time.Now()
	logger.Info("reconcile: run started")

	userIDs, err := j.rel.AllUserIDs(ctx)
	if err != nil {
		logger.Error("reconcile: list users failed", "error", err)
	}
	var userFailures int
	for _, id := range userIDs {
		if ctx.Err() != nil {
			logger.Warn("reconcile: aborted mid-run", "error", ctx.Err())
			return
		}
		if _, err := j.users.RebuildAllCounters(ctx, id); err != nil {
			userFailures++
			logger.Warn("reconcile: rebuild user counters failed", "userId", id, "error", err)
		}
	}

	postIDs, err := j.rel.AllPostIDs(ctx)
	if err != nil {
		logger.Error("reconcile: list posts failed", "error", err)
	}
	var postFailures int
	for _, id := range postIDs {
		if ctx.Err() != nil {
			logger.Warn("reconcile: aborted mid-run", "error", ctx.Err())
			return
		}
		if err := j.entities.Reconcile(ctx, entityType, id); err != nil {
			postFailures++
			logger.Warn("reconcile: rebuild entity counters failed", "postId", id, "error", err)
		}
	}

	logger.Info("reconcile: run complete",
		"users", len(userIDs), "userFailures", userFailures,
		"posts", len(postIDs), "postFailures", postFailures,
		"elapsed", time.Since(start))
}
