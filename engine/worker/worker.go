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

package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/wedpr-lab/ppc-scheduler/engine/model"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/nodepool"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/orm"
	"github.com/wedpr-lab/ppc-scheduler/engine/worker/engines"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"github.com/wedpr-lab/ppc-scheduler/pkg/logutil"
	"github.com/wedpr-lab/ppc-scheduler/pkg/retry"
	"go.uber.org/zap"
)

const (
	defaultStoreMaxTries        = 3
	defaultStoreRetryDelayInMs  = 200
	defaultStoreRetryMaxDelayMs = 2000
)

// Runtime holds what every worker of every job shares.
type Runtime struct {
	Store   orm.WorkerClient
	Pool    *nodepool.Manager
	Engines *engines.Deps
	// StoreMaxTries bounds the attempts of one store write.
	StoreMaxTries int
}

// Worker runs one step of a job.
type Worker struct {
	rt     *Runtime
	jobCtx *model.JobContext
	meta   *model.Worker
	lg     *zap.Logger
}

// New creates the Worker of meta.
func New(rt *Runtime, jobCtx *model.JobContext, meta *model.Worker, lg *zap.Logger) *Worker {
	if lg == nil {
		lg = logutil.NewLogger4Job(jobCtx.JobID)
	}
	return &Worker{
		rt:     rt,
		jobCtx: jobCtx,
		meta:   meta,
		lg:     logutil.WithWorker(lg, meta.WorkerID).With(zap.String("worker-type", string(meta.Type))),
	}
}

// ID returns the worker id.
func (w *Worker) ID() string {
	return w.meta.WorkerID
}

// Run executes the worker and returns its outputs. upstreamOutputs maps
// every upstream worker id to its outputs.
//
// The terminal status is persisted before Run returns. A worker that
// already succeeded in a former run of the job is not executed again,
// its persisted outputs are returned.
func (w *Worker) Run(ctx context.Context, upstreamOutputs map[string][]string) ([]string, error) {
	jobID, workerID := w.jobCtx.JobID, w.meta.WorkerID
	// store writes outlive the job cancellation
	storeCtx := context.WithoutCancel(ctx)

	current, err := w.load(storeCtx)
	if err != nil {
		return nil, err
	}
	if current.Status == model.WorkerStatusSuccess {
		w.lg.Info("worker already succeeded, reuse its outputs", zap.Strings("outputs", current.Outputs))
		return current.Outputs, nil
	}

	if err := w.persist(storeCtx, func(ctx context.Context) error {
		return w.rt.Store.UpdateWorker(ctx, jobID, workerID, model.WorkerStatusRunning, nil)
	}); err != nil {
		w.lg.Warn("persist running status failed", zap.Error(err))
		return nil, err
	}
	w.lg.Info("worker begins to run")

	// cancelled before running, skip the engine
	if ctx.Err() != nil {
		return nil, w.fail(storeCtx, errors.ErrJobCancelled.GenWithStackByArgs(jobID))
	}

	inputs, err := w.materializeInputs(upstreamOutputs)
	if err != nil {
		return nil, w.fail(storeCtx, err)
	}

	startTime := time.Now()
	outputs, err := w.runEngine(ctx, inputs)
	status := model.WorkerStatusSuccess
	if err != nil {
		status = model.WorkerStatusFailure
	}
	workerDurationHistogram.WithLabelValues(string(w.meta.Type), string(status)).
		Observe(time.Since(startTime).Seconds())

	switch {
	case err == nil:
	case w.meta.Type == model.WorkerTypeOnFailure && errors.Is(err, errors.ErrJobFailed):
		// the cleanup itself went well, the job failure is only surfaced
		if perr := w.succeed(storeCtx, []string{}); perr != nil {
			return nil, perr
		}
		return nil, err
	default:
		if ctx.Err() != nil && !errors.Is(err, errors.ErrJobCancelled) {
			err = errors.WrapError(errors.ErrJobCancelled, err, jobID)
		}
		return nil, w.fail(storeCtx, err)
	}

	if outputs == nil {
		outputs = []string{}
	}
	if err := w.succeed(storeCtx, outputs); err != nil {
		return nil, err
	}
	w.lg.Info("worker succeeded",
		zap.Strings("outputs", outputs), zap.Duration("duration", time.Since(startTime)))
	return outputs, nil
}

func (w *Worker) load(ctx context.Context) (*model.Worker, error) {
	var current *model.Worker
	err := w.persist(ctx, func(ctx context.Context) error {
		var err error
		current, err = w.rt.Store.GetWorker(ctx, w.jobCtx.JobID, w.meta.WorkerID)
		return err
	})
	return current, err
}

// materializeInputs picks the upstream outputs named by the inputs
// statement, in statement order.
func (w *Worker) materializeInputs(upstreamOutputs map[string][]string) ([]string, error) {
	if w.meta.Type.IsTerminal() {
		return []string{}, nil
	}
	inputs := make([]string, 0, len(w.meta.InputsStatement))
	for _, in := range w.meta.InputsStatement {
		outputs, ok := upstreamOutputs[in.Upstream]
		if !ok {
			return nil, errors.ErrParameterCheck.GenWithStackByArgs(
				fmt.Sprintf("outputs of upstream %s of worker %s not found", in.Upstream, w.meta.WorkerID))
		}
		if in.OutputIndex < 0 || in.OutputIndex >= len(outputs) {
			return nil, errors.ErrParameterCheck.GenWithStackByArgs(
				fmt.Sprintf("output index %d of upstream %s out of range [0, %d)",
					in.OutputIndex, in.Upstream, len(outputs)))
		}
		inputs = append(inputs, outputs[in.OutputIndex])
	}
	return inputs, nil
}

// runEngine runs the engine under the retry policy of the worker, with a
// computing node leased for the whole run when the type needs one.
func (w *Worker) runEngine(ctx context.Context, inputs []string) ([]string, error) {
	var outputs []string
	run := func(lease *nodepool.Lease) error {
		engine, err := engines.New(w.rt.Engines, engines.Params{
			JobCtx: w.jobCtx,
			Worker: w.meta,
			Lease:  lease,
			Logger: w.lg,
		})
		if err != nil {
			return err
		}
		return retry.Do(ctx, func() error {
			workerAttemptCounter.WithLabelValues(string(w.meta.Type)).Inc()
			w.lg.Info(logutil.WorkerStartLine(w.meta.WorkerID))
			var err error
			outputs, err = engine.Run(ctx, inputs)
			w.lg.Info(logutil.WorkerEndLine(w.meta.WorkerID), zap.Error(err))
			return err
		},
			retry.WithMaxTries(int64(w.meta.Retries)+1),
			retry.WithFixedDelay(w.meta.RetryDelay),
			retry.WithIsRetryableErr(func(err error) bool {
				return ctx.Err() == nil && !errors.Is(err, errors.ErrJobCancelled) &&
					!errors.Is(err, errors.ErrJobFailed) && !errors.Is(err, errors.ErrParameterCheck)
			}),
			retry.WithOnRetry(func(attempt int, err error) {
				w.lg.Warn("worker attempt failed, retry later",
					zap.Int("attempt", attempt), zap.Int("retries", w.meta.Retries), zap.Error(err))
			}),
		)
	}

	kind, leased := nodepool.KindForWorkerType(w.meta.Type)
	if !leased {
		return outputs, run(nil)
	}
	err := w.rt.Pool.WithLease(ctx, kind, run)
	return outputs, err
}

func (w *Worker) succeed(ctx context.Context, outputs []string) error {
	err := w.persist(ctx, func(ctx context.Context) error {
		return w.rt.Store.UpdateWorker(ctx, w.jobCtx.JobID, w.meta.WorkerID, model.WorkerStatusSuccess, outputs)
	})
	if err != nil {
		w.lg.Warn("persist success status failed", zap.Error(err))
		return w.fail(ctx, err)
	}
	return nil
}

// fail records cause as the failure of the worker and returns it.
func (w *Worker) fail(ctx context.Context, cause error) error {
	code, kind := errors.ToErrorCode(cause)
	w.lg.Warn("worker failed", zap.Int("error-code", code), zap.String("kind", kind), zap.Error(cause))
	err := w.persist(ctx, func(ctx context.Context) error {
		return w.rt.Store.FailWorker(ctx, w.jobCtx.JobID, w.meta.WorkerID, code, cause.Error())
	})
	if err != nil {
		w.lg.Error("persist failure status failed", zap.Error(err))
	}
	return cause
}

func (w *Worker) persist(ctx context.Context, fn func(ctx context.Context) error) error {
	maxTries := w.rt.StoreMaxTries
	if maxTries <= 0 {
		maxTries = defaultStoreMaxTries
	}
	return retry.Do(ctx, func() error {
		return fn(ctx)
	},
		retry.WithMaxTries(int64(maxTries)),
		retry.WithBackoffBaseDelay(defaultStoreRetryDelayInMs),
		retry.WithBackoffMaxDelay(defaultStoreRetryMaxDelayMs),
		retry.WithIsRetryableErr(errors.IsRetryable),
	)
}
