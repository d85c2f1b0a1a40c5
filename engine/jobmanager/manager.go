// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package jobmanager

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/log"
	"github.com/wedpr-lab/ppc-scheduler/engine/model"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/asyncexec"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/clock"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/ctxmu"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/notifier"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/orm"
	"github.com/wedpr-lab/ppc-scheduler/engine/scheduler"
	"github.com/wedpr-lab/ppc-scheduler/engine/worker/engines"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"github.com/wedpr-lab/ppc-scheduler/pkg/logutil"
	"github.com/wedpr-lab/ppc-scheduler/pkg/retry"
	"go.uber.org/zap"
)

const (
	defaultCheckInterval     = 10 * time.Second
	defaultEvictGracePeriod  = time.Hour
	defaultUploadTimeout     = 5 * time.Minute
	defaultStoreRetryDelayMs = 200
	defaultStoreMaxTries     = 3
)

// Config configures the job manager.
type Config struct {
	// WorkspaceRoot holds the workspace directory of every job.
	WorkspaceRoot string
	// StorageBasePath prefixes the remote artifacts of every job.
	StorageBasePath string
	// JobTimeout kills jobs running longer. Zero disables the timeout.
	JobTimeout time.Duration
	// CheckInterval is the period of the timeout and eviction loop.
	CheckInterval time.Duration
	// EvictAfter drops finished jobs from memory, together with their
	// cancel events. It defaults to JobTimeout plus one hour.
	EvictAfter time.Duration
	// StoreMaxTries bounds the attempts of one store operation.
	StoreMaxTries int
}

func (c *Config) adjust() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	if c.EvictAfter <= 0 {
		c.EvictAfter = c.JobTimeout + defaultEvictGracePeriod
	}
	if c.StoreMaxTries <= 0 {
		c.StoreMaxTries = defaultStoreMaxTries
	}
}

// JobStatusChange is broadcast when a job starts and when it finishes.
type JobStatusChange struct {
	JobID  string
	Status model.JobStatus
	// Err is the cause of a failed job.
	Err  error
	Time time.Time
}

type jobEntry struct {
	jobCtx    *model.JobContext
	startTime time.Time
	endTime   time.Time
	status    model.JobStatus
	err       error
}

// Manager owns the jobs of this scheduler. It runs each job in the thread
// executor and keeps the cancel events of the jobs.
type Manager struct {
	cfg       Config
	store     orm.WorkerClient
	sched     *scheduler.Scheduler
	threads   *asyncexec.ThreadExecutor
	events    *asyncexec.EventManager
	artifacts engines.ArtifactUploader
	clk       clock.Clock

	jobLocks *ctxmu.KeyedMutex
	mu       sync.RWMutex
	jobs     map[string]*jobEntry

	notifier *notifier.Notifier[JobStatusChange]
}

// NewManager creates a Manager. artifacts may be nil.
func NewManager(
	cfg Config,
	store orm.WorkerClient,
	sched *scheduler.Scheduler,
	threads *asyncexec.ThreadExecutor,
	events *asyncexec.EventManager,
	artifacts engines.ArtifactUploader,
	clk clock.Clock,
) *Manager {
	cfg.adjust()
	return &Manager{
		cfg:       cfg,
		store:     store,
		sched:     sched,
		threads:   threads,
		events:    events,
		artifacts: artifacts,
		clk:       clk,
		jobLocks:  ctxmu.NewKeyed(),
		jobs:      make(map[string]*jobEntry),
		notifier:  notifier.NewNotifier[JobStatusChange](),
	}
}

// Run submits a job. It returns once the job is persisted and started, the
// job itself runs in the background. A job id whose previous run
// finished is resumed: its succeeded workers are not executed again.
func (m *Manager) Run(ctx context.Context, jobID string, req *model.JobRequest) error {
	if err := req.Validate(jobID); err != nil {
		return err
	}
	workers := req.BuildWorkers(jobID)
	jobCtx := model.NewJobContext(jobID, m.cfg.WorkspaceRoot, m.cfg.StorageBasePath, req.WorkflowViewPath, workers)
	if _, err := scheduler.Validate(jobCtx); err != nil {
		return err
	}

	if !m.jobLocks.Lock(ctx, jobID) {
		return errors.Trace(ctx.Err())
	}
	defer m.jobLocks.Unlock(jobID)
	if m.threads.Alive(jobID) {
		return errors.ErrDuplicateJob.GenWithStackByArgs(jobID)
	}

	if err := m.prepareWorkers(ctx, workers); err != nil {
		return err
	}
	jl, err := logutil.OpenJobLog(m.cfg.WorkspaceRoot, jobID)
	if err != nil {
		return errors.WrapError(errors.ErrInternal, err, "open job log of "+jobID)
	}
	lg := jl.Logger()
	lg.Info("job submitted", zap.Int("workers", len(jobCtx.Order)))

	entry := &jobEntry{jobCtx: jobCtx, startTime: m.clk.Now(), status: model.WorkerStatusRunning}
	m.mu.Lock()
	prev := m.jobs[jobID]
	m.jobs[jobID] = entry
	m.mu.Unlock()

	target := func(ctx context.Context) error {
		status, err := m.sched.Run(ctx, jobCtx, lg)
		m.mu.Lock()
		entry.status, entry.err = status, err
		m.mu.Unlock()
		return err
	}
	onFinish := func(_ string, ok bool, err error) {
		m.onJobFinished(entry, jl, ok, err)
	}
	runningJobsGauge.Inc()
	m.notifier.Notify(JobStatusChange{JobID: jobID, Status: model.WorkerStatusRunning, Time: entry.startTime})
	if err := m.threads.Execute(context.Background(), jobID, target, onFinish); err != nil {
		runningJobsGauge.Dec()
		lg.Warn("start job failed", zap.Error(err))
		_ = jl.Close()
		m.mu.Lock()
		if prev != nil {
			m.jobs[jobID] = prev
		} else {
			delete(m.jobs, jobID)
		}
		m.mu.Unlock()
		m.notifier.Notify(JobStatusChange{JobID: jobID, Status: model.WorkerStatusFailure, Err: err, Time: m.clk.Now()})
		return err
	}
	return nil
}

// prepareWorkers persists the workers of a submission. Rows of a former
// run are kept when they succeeded, other rows and both terminals are
// reset to PENDING.
func (m *Manager) prepareWorkers(ctx context.Context, workers []*model.Worker) error {
	for _, w := range workers {
		w := w
		err := m.withStoreRetry(ctx, func() error {
			inserted, err := m.store.InsertWorker(ctx, w)
			if err != nil || inserted {
				return err
			}
			current, err := m.store.GetWorker(ctx, w.JobID, w.WorkerID)
			if err != nil {
				return err
			}
			if current.Status == model.WorkerStatusPending ||
				(current.Status == model.WorkerStatusSuccess && !w.Type.IsTerminal()) {
				return nil
			}
			log.Info("reset worker of a former run",
				zap.String("job-id", w.JobID),
				zap.String("worker-id", w.WorkerID),
				zap.String("status", string(current.Status)))
			return m.store.ResetWorker(ctx, w.JobID, w.WorkerID)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) withStoreRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, fn,
		retry.WithMaxTries(int64(m.cfg.StoreMaxTries)),
		retry.WithBackoffBaseDelay(defaultStoreRetryDelayMs),
		retry.WithBackoffMaxDelay(defaultStoreRetryDelayMs*10),
		retry.WithIsRetryableErr(errors.IsRetryable),
	)
}

func (m *Manager) onJobFinished(entry *jobEntry, jl *logutil.JobLog, ok bool, err error) {
	jobCtx := entry.jobCtx
	lg := jl.Logger()
	if !ok && !errors.Is(err, errors.ErrJobFailed) && !errors.Is(err, errors.ErrJobCancelled) {
		lg.Warn("job ended with error", zap.Error(err))
	}
	if cerr := jl.Close(); cerr != nil {
		log.Warn("close job log failed", zap.String("job-id", jobCtx.JobID), zap.Error(cerr))
	}
	// upload again once the end sentinel is written
	if m.artifacts != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultUploadTimeout)
		if uerr := m.artifacts.UploadArtifacts(ctx, jobCtx); uerr != nil {
			log.Warn("upload job artifacts failed", zap.String("job-id", jobCtx.JobID), zap.Error(uerr))
		}
		cancel()
	}

	m.mu.Lock()
	entry.endTime = m.clk.Now()
	if entry.status != model.WorkerStatusSuccess {
		entry.status = model.WorkerStatusFailure
		if entry.err == nil {
			entry.err = err
		}
	}
	change := JobStatusChange{JobID: jobCtx.JobID, Status: entry.status, Err: entry.err, Time: entry.endTime}
	duration := entry.endTime.Sub(entry.startTime)
	m.mu.Unlock()

	runningJobsGauge.Dec()
	finishedJobsCounter.WithLabelValues(string(change.Status)).Inc()
	jobDurationHistogram.Observe(duration.Seconds())
	log.Info("job finished",
		zap.String("job-id", jobCtx.JobID),
		zap.String("status", string(change.Status)),
		zap.Duration("duration", duration))
	m.notifier.Notify(change)
}

// Status returns the aggregate status of a job and its elapsed time in
// milliseconds.
func (m *Manager) Status(ctx context.Context, jobID string) (model.JobStatus, int64, error) {
	m.mu.RLock()
	entry, ok := m.jobs[jobID]
	var status model.JobStatus
	var elapsed time.Duration
	if ok {
		status = entry.status
		if entry.endTime.IsZero() {
			elapsed = m.clk.Since(entry.startTime)
		} else {
			elapsed = entry.endTime.Sub(entry.startTime)
		}
	}
	m.mu.RUnlock()
	if ok && (status == model.WorkerStatusRunning || m.threads.Alive(jobID)) {
		return model.WorkerStatusRunning, elapsed.Milliseconds(), nil
	}

	var workers []*model.Worker
	err := m.withStoreRetry(ctx, func() error {
		var err error
		workers, err = m.store.QueryWorkersByJobID(ctx, jobID)
		return err
	})
	if err != nil {
		return "", 0, err
	}
	if len(workers) == 0 {
		return "", 0, errors.ErrJobNotFound.GenWithStackByArgs(jobID)
	}
	persisted, span := aggregate(jobID, workers)
	if !ok {
		elapsed = span
	}
	return persisted, elapsed.Milliseconds(), nil
}

// aggregate derives the job status from its persisted workers: the
// terminal that succeeded decides, a job none of whose workers left
// PENDING is PENDING, anything else was interrupted and is FAILURE.
func aggregate(jobID string, workers []*model.Worker) (model.JobStatus, time.Duration) {
	var first, last time.Time
	started := false
	status := model.WorkerStatusPending
	for _, w := range workers {
		if first.IsZero() || w.CreatedAt.Before(first) {
			first = w.CreatedAt
		}
		if w.UpdatedAt.After(last) {
			last = w.UpdatedAt
		}
		if w.Status != model.WorkerStatusPending {
			started = true
		}
		if w.Status != model.WorkerStatusSuccess {
			continue
		}
		switch w.WorkerID {
		case model.SuccessWorkerID(jobID):
			status = model.WorkerStatusSuccess
		case model.FailureWorkerID(jobID):
			status = model.WorkerStatusFailure
		}
	}
	if status == model.WorkerStatusPending && started {
		status = model.WorkerStatusFailure
	}
	return status, last.Sub(first)
}

// Kill cancels a running job and waits for it to finish, ON_FAILURE
// included. Killing a finished job is a no-op.
func (m *Manager) Kill(ctx context.Context, jobID string) error {
	if !m.threads.Alive(jobID) {
		// unknown jobs are reported
		_, _, err := m.Status(ctx, jobID)
		return err
	}
	log.Info("kill job", zap.String("job-id", jobID))
	killedJobsCounter.WithLabelValues("request").Inc()
	return m.threads.Kill(ctx, jobID)
}

// WatchJobs returns a receiver of the job status changes. The caller
// must close it.
func (m *Manager) WatchJobs() *notifier.Receiver[JobStatusChange] {
	return m.notifier.NewReceiver()
}

// RunBackground kills the jobs that exceed the job timeout and evicts the
// finished jobs, until ctx is done.
func (m *Manager) RunBackground(ctx context.Context) error {
	ticker := m.clk.Ticker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-ticker.C:
			m.checkJobs()
		}
	}
}

func (m *Manager) checkJobs() {
	now := m.clk.Now()
	var timeouts []string
	m.mu.Lock()
	for jobID, entry := range m.jobs {
		if entry.endTime.IsZero() {
			if m.cfg.JobTimeout > 0 && now.Sub(entry.startTime) > m.cfg.JobTimeout {
				timeouts = append(timeouts, jobID)
			}
			continue
		}
		if now.Sub(entry.endTime) > m.cfg.EvictAfter {
			delete(m.jobs, jobID)
			if !m.threads.Alive(jobID) {
				m.events.RemoveEvent(jobID)
			}
			log.Info("evict finished job", zap.String("job-id", jobID))
		}
	}
	m.mu.Unlock()

	for _, jobID := range timeouts {
		log.Warn("job timeout, kill it",
			zap.String("job-id", jobID), zap.Duration("timeout", m.cfg.JobTimeout))
		killedJobsCounter.WithLabelValues("timeout").Inc()
		// the job observes the event on its own, no need to wait
		if err := m.events.SetEvent(jobID); err != nil {
			log.Warn("kill timeout job failed", zap.String("job-id", jobID), zap.Error(err))
		}
	}
}

// Close kills every running job and stops the notifications.
func (m *Manager) Close() {
	m.threads.Close()
	m.notifier.Close()
}
