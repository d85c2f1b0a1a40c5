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
	"strings"
	"time"

	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/clock"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"go.uber.org/zap"
)

// JSON-RPC methods of a PSI node.
const (
	MethodAsyncRunTask  = "asyncRunTask"
	MethodGetTaskStatus = "getTaskStatus"
)

// PSIClient runs a task on a PSI node and waits for its completion.
type PSIClient interface {
	// Run submits jobInfo and polls the task until it completes or fails.
	// jobInfo must carry the task id under "taskID". A done ctx is
	// observed between two polls.
	Run(ctx context.Context, jobInfo map[string]interface{}, token string) (*TaskResult, error)
}

type psiClient struct {
	rpcCaller
	clk      clock.Clock
	interval time.Duration
}

func (c *psiClient) Run(ctx context.Context, jobInfo map[string]interface{}, token string) (*TaskResult, error) {
	taskID, _ := jobInfo["taskID"].(string)
	if taskID == "" {
		return nil, errors.ErrParameterCheck.GenWithStackByArgs("psi job info without taskID")
	}
	lg := c.lg.With(zap.String("task-id", taskID))

	startTime := c.clk.Now()
	if _, err := c.call(ctx, c.ping, token, MethodAsyncRunTask, jobInfo); err != nil {
		return nil, err
	}
	lg.Info("psi task submitted")

	for polls := 1; ; polls++ {
		result, err := c.call(ctx, c.ping, token, MethodGetTaskStatus, map[string]interface{}{"taskID": taskID})
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(result.Status, TaskStatusCompleted) {
			lg.Info("psi task completed",
				zap.Int("polls", polls), zap.Duration("duration", c.clk.Since(startTime)))
			return result, nil
		}
		lg.Debug("psi task still running", zap.String("status", result.Status), zap.Int("polls", polls))
		if err := clock.Sleep(ctx, c.clk, c.interval); err != nil {
			lg.Warn("psi task polling interrupted", zap.Error(err))
			return nil, errors.Trace(err)
		}
	}
}
