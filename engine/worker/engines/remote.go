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

package engines

import (
	"context"
	"time"

	"github.com/wedpr-lab/ppc-scheduler/engine/client"
	"github.com/wedpr-lab/ppc-scheduler/engine/model"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"go.uber.org/zap"
)

const killTimeout = 10 * time.Second

type psiEngine struct {
	cli   client.PSIClient
	token string
	p     Params
}

func newPSIEngine(deps *Deps, p Params) (Engine, error) {
	token := deps.Config.RPCToken
	if token == "" {
		token = p.Lease.Token
	}
	return &psiEngine{cli: deps.Clients.PSI(p.endpoint()), token: token, p: p}, nil
}

func (e *psiEngine) Run(ctx context.Context, inputs []string) ([]string, error) {
	jobInfo, err := decodeObject(e.p.Worker.Args)
	if err != nil {
		return nil, err
	}
	if _, ok := jobInfo["taskID"]; !ok {
		jobInfo["taskID"] = e.p.JobCtx.JobID
	}
	startTime := time.Now()
	result, err := e.cli.Run(ctx, jobInfo, e.token)
	if err != nil {
		return nil, err
	}
	e.p.Logger.Info("psi task finished",
		zap.String("status", result.Status), zap.Duration("duration", time.Since(startTime)))
	return []string{e.p.JobCtx.PSIResultIndexPath()}, nil
}

type mpcEngine struct {
	cli client.MPCClient
	p   Params
}

func newMPCEngine(deps *Deps, p Params) (Engine, error) {
	return &mpcEngine{cli: deps.Clients.MPC(p.endpoint()), p: p}, nil
}

func (e *mpcEngine) Run(ctx context.Context, inputs []string) ([]string, error) {
	jobInfo, err := decodeObject(e.p.Worker.Args)
	if err != nil {
		return nil, err
	}
	jobID := e.p.JobCtx.JobID
	if _, ok := jobInfo["jobId"]; !ok {
		jobInfo["jobId"] = jobID
	}
	if _, ok := jobInfo["outputFileName"]; !ok {
		jobInfo["outputFileName"] = model.MPCOutputFile
	}

	_, err = e.cli.Run(ctx, jobInfo)
	// synchronous call, cancellation is only observed on return
	if ctx.Err() != nil {
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
		e.cli.Kill(killCtx, jobID)
		cancel()
		return nil, errors.Trace(ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	return []string{e.p.JobCtx.MPCOutputPath()}, nil
}

// modelTask names the remote task of a model worker type.
type modelTask struct {
	suffix   string
	taskType string
}

var modelTasks = map[model.WorkerType]modelTask{
	model.WorkerTypePreprocessing:      {suffix: "_d", taskType: "PREPROCESSING"},
	model.WorkerTypeFeatureEngineering: {suffix: "_f", taskType: "FEATURE_ENGINEERING"},
	model.WorkerTypeTraining:           {suffix: "_t", taskType: "XGB_TRAINING"},
	model.WorkerTypePrediction:         {suffix: "_p", taskType: "XGB_PREDICTING"},
}

type modelEngine struct {
	cli  client.ModelClient
	task modelTask
	p    Params
}

func newModelEngine(deps *Deps, p Params) (Engine, error) {
	task, ok := modelTasks[p.Worker.Type]
	if !ok {
		return nil, errors.ErrUnsupportedWorkerType.GenWithStackByArgs(string(p.Worker.Type))
	}
	return &modelEngine{cli: deps.Clients.Model(p.endpoint()), task: task, p: p}, nil
}

func (e *modelEngine) Run(ctx context.Context, inputs []string) ([]string, error) {
	params, err := decodeObject(e.p.Worker.Args)
	if err != nil {
		return nil, err
	}
	jobID := e.p.JobCtx.JobID
	taskID := jobID + e.task.suffix
	params["job_id"] = jobID
	params["task_id"] = taskID
	params["task_type"] = e.task.taskType
	if len(inputs) > 0 {
		params["inputs"] = inputs
	}

	_, runErr := e.cli.Run(ctx, params)
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killTimeout)
	defer cancel()
	if ctx.Err() != nil {
		if err := e.cli.Kill(bgCtx, taskID); err != nil {
			e.p.Logger.Warn("kill model task failed", zap.String("task-id", taskID), zap.Error(err))
		}
		return nil, errors.Trace(ctx.Err())
	}

	// the remote log is part of the job log, fetch it whatever the outcome
	if remoteLog, err := e.cli.GetRemoteLog(bgCtx, taskID); err != nil {
		e.p.Logger.Warn("fetch model task log failed", zap.String("task-id", taskID), zap.Error(err))
	} else if remoteLog != "" {
		e.p.Logger.Info("model task log", zap.String("task-id", taskID), zap.String("log", remoteLog))
	}
	if runErr != nil {
		return nil, runErr
	}
	return []string{}, nil
}
