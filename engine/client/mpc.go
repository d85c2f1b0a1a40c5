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

package client

import (
	"context"

	"go.uber.org/zap"
)

// JSON-RPC methods of a MPC node.
const (
	MethodRunMpcTask  = "runMpcTask"
	MethodKillMpcTask = "killMpcTask"
)

// MPCClient delegates a MPC job to a MPC node.
type MPCClient interface {
	// Run blocks until the node finished the job.
	Run(ctx context.Context, jobInfo map[string]interface{}) (*TaskResult, error)
	// Kill asks the node to stop the job. Failures are only logged.
	Kill(ctx context.Context, jobID string)
}

type mpcClient struct {
	rpcCaller
}

func (c *mpcClient) Run(ctx context.Context, jobInfo map[string]interface{}) (*TaskResult, error) {
	result, err := c.call(ctx, c.run, "", MethodRunMpcTask, jobInfo)
	if err != nil {
		return nil, err
	}
	c.lg.Info("mpc task finished", zap.Any("job-id", jobInfo["jobId"]), zap.String("status", result.Status))
	return result, nil
}

func (c *mpcClient) Kill(ctx context.Context, jobID string) {
	if _, err := c.call(ctx, c.ping, "", MethodKillMpcTask, map[string]interface{}{"jobId": jobID}); err != nil {
		c.lg.Warn("kill mpc task failed, ignore it", zap.String("job-id", jobID), zap.Error(err))
		return
	}
	c.lg.Info("mpc task killed", zap.String("job-id", jobID))
}
