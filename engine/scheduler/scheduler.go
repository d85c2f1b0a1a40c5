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

package scheduler

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/wedpr-lab/ppc-scheduler/engine/model"
	"github.com/wedpr-lab/ppc-scheduler/engine/worker"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"github.com/wedpr-lab/ppc-scheduler/pkg/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const fallbackPoolSize = 4

// DefaultPoolSize is the number of logical CPUs.
func DefaultPoolSize() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return fallbackPoolSize
	}
	return n
}

// Scheduler drives the workers of a job along its DAG.
type Scheduler struct {
	rt       *worker.Runtime
	poolSize int
}

// New creates a Scheduler running at most poolSize workers of a job at
// the same time. A non positive poolSize means DefaultPoolSize.
func New(rt *worker.Runtime, poolSize int) *Scheduler {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize()
	}
	return &Scheduler{rt: rt, poolSize: poolSize}
}

type result struct {
	id      string
	outputs []string
	err     error
}

// Run executes the job and returns its final status. Cancelling ctx
// cancels the job: no further worker is started, running workers observe
// the cancellation, and ON_FAILURE runs.
//
// The returned error is nil only for a successful job.
func (s *Scheduler) Run(ctx context.Context, jobCtx *model.JobContext, lg *zap.Logger) (model.JobStatus, error) {
	if lg == nil {
		lg = logutil.NewLogger4Job(jobCtx.JobID)
	}
	g, err := newGraph(jobCtx)
	if err != nil {
		return model.WorkerStatusFailure, err
	}
	if _, err := Validate(jobCtx); err != nil {
		return model.WorkerStatusFailure, err
	}

	startTime := time.Now()
	statuses, cause := s.runWorkers(ctx, jobCtx, g, lg)
	if cause == nil && len(statuses) < len(jobCtx.Order) {
		cause = errors.ErrJobCancelled.GenWithStackByArgs(jobCtx.JobID)
	}
	if err := writeWorkflowView(jobCtx, statuses); err != nil {
		lg.Warn("write workflow view failed", zap.Error(err))
	}

	// terminals run to completion whatever happened to the job
	termCtx := context.WithoutCancel(ctx)
	if cause == nil {
		_, err := worker.New(s.rt, jobCtx, jobCtx.Workers[model.SuccessWorkerID(jobCtx.JobID)], lg).Run(termCtx, nil)
		if err == nil {
			lg.Info("job succeeded", zap.Duration("duration", time.Since(startTime)))
			return model.WorkerStatusSuccess, nil
		}
		lg.Warn("success terminal failed, run failure terminal", zap.Error(err))
		cause = err
	}

	lg.Warn("job failed", zap.Duration("duration", time.Since(startTime)), zap.Error(cause))
	_, err = worker.New(s.rt, jobCtx, jobCtx.Workers[model.FailureWorkerID(jobCtx.JobID)], lg).Run(termCtx, nil)
	if err == nil || !errors.Is(err, errors.ErrJobFailed) {
		lg.Warn("failure terminal went wrong", zap.Error(err))
	}
	return model.WorkerStatusFailure, cause
}

// runWorkers dispatches the ready workers until the graph is exhausted or
// a worker fails. It returns the status of every worker that ran and the
// first failure.
func (s *Scheduler) runWorkers(
	ctx context.Context, jobCtx *model.JobContext, g *graph, lg *zap.Logger,
) (map[string]model.WorkerStatus, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// at most poolSize workers in flight, dispatch never blocks
	var eg errgroup.Group
	results := make(chan result, len(jobCtx.Order))
	outputs := make(map[string][]string, len(jobCtx.Order))
	statuses := make(map[string]model.WorkerStatus, len(jobCtx.Order))

	ready := g.roots()
	inflight := 0
	var cause error
	for {
		for cause == nil && ctx.Err() == nil && inflight < s.poolSize && !ready.Empty() {
			id := ready.PopFront().(string)
			meta := jobCtx.Workers[id]
			upstreamOutputs := make(map[string][]string, len(meta.Upstreams))
			for _, up := range meta.Upstreams {
				upstreamOutputs[up] = outputs[up]
			}
			w := worker.New(s.rt, jobCtx, meta, lg)
			inflight++
			eg.Go(func() error {
				out, err := w.Run(ctx, upstreamOutputs)
				results <- result{id: w.ID(), outputs: out, err: err}
				return nil
			})
		}
		if inflight == 0 {
			break
		}

		r := <-results
		inflight--
		if r.err != nil {
			statuses[r.id] = model.WorkerStatusFailure
			if cause == nil {
				cause = r.err
				// drain: running workers observe the cancellation
				cancel()
				lg.Warn("worker failed, cancel the job", zap.String("worker-id", r.id), zap.Error(r.err))
			}
			continue
		}
		statuses[r.id] = model.WorkerStatusSuccess
		outputs[r.id] = r.outputs
		for _, d := range g.complete(r.id) {
			ready.PushBack(d)
		}
	}
	_ = eg.Wait()
	return statuses, cause
}
