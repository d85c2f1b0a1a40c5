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
	"encoding/json"

	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"go.uber.org/zap"
)

// JSON-RPC methods of a model node.
const (
	MethodRunModelTask  = "runModelTask"
	MethodKillModelTask = "killModelTask"
	MethodGetModelLog   = "getModelTaskLog"
)

// ModelClient runs model tasks. The node executes a task inline, so Run
// returns when the task is over.
type ModelClient interface {
	Run(ctx context.Context, args map[string]interface{}) (*TaskResult, error)
	Kill(ctx context.Context, taskID string) error
	// GetRemoteLog fetches the log the node recorded for a task.
	GetRemoteLog(ctx context.Context, taskID string) (string, error)
}

type modelClient struct {
	rpcCaller
}

func (c *modelClient) Run(ctx context.Context, args map[string]interface{}) (*TaskResult, error) {
	taskID, _ := args["task_id"].(string)
	c.lg.Info("model task begins", zap.String("task-id", taskID), zap.Any("task-type", args["task_type"]))
	result, err := c.call(ctx, c.run, "", MethodRunModelTask, args)
	if err != nil {
		return nil, err
	}
	c.lg.Info("model task finished", zap.String("task-id", taskID))
	return result, nil
}

func (c *modelClient) Kill(ctx context.Context, taskID string) error {
	if _, err := c.call(ctx, c.ping, "", MethodKillModelTask, map[string]interface{}{"task_id": taskID}); err != nil {
		return err
	}
	c.lg.Info("model task killed", zap.String("task-id", taskID))
	return nil
}

func (c *modelClient) GetRemoteLog(ctx context.Context, taskID string) (string, error) {
	result, err := c.call(ctx, c.ping, "", MethodGetModelLog, map[string]interface{}{"task_id": taskID})
	if err != nil {
		return "", err
	}
	if len(result.Data) == 0 {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(result.Data, &text); err == nil {
		return text, nil
	}
	var wrapped struct {
		Log string `json:"log"`
	}
	if err := json.Unmarshal(result.Data, &wrapped); err != nil {
		return "", errors.WrapError(errors.ErrRemoteTaskFailed, err, "malformed model log of task "+taskID)
	}
	return wrapped.Log, nil
}
