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

package mock

import (
	"context"
	"sync"

	"github.com/wedpr-lab/ppc-scheduler/engine/client"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
)

// Call records one call received by a mock client.
type Call struct {
	Kind     string
	Method   string
	Endpoint client.Endpoint
	Token    string
	TaskID   string
	Params   map[string]interface{}
}

// Factory is an in-memory client.Factory. The Run hooks default to an
// immediate success.
type Factory struct {
	// PSIRun is called for every PSI run.
	PSIRun func(ctx context.Context, jobInfo map[string]interface{}) error
	// MPCRun is called for every MPC run.
	MPCRun func(ctx context.Context, jobInfo map[string]interface{}) error
	// ModelRun is called for every model run.
	ModelRun func(ctx context.Context, params map[string]interface{}) error
	// RemoteLog is returned by GetRemoteLog.
	RemoteLog string

	mu    sync.Mutex
	calls []Call
}

// BlockUntilCancelled is a run hook that returns the error of ctx once it
// is done, like a remote task that never completes.
func BlockUntilCancelled(ctx context.Context, _ map[string]interface{}) error {
	<-ctx.Done()
	return errors.Trace(ctx.Err())
}

func (f *Factory) record(c Call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

// Calls returns the calls received so far.
func (f *Factory) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Methods returns the method names of the calls received so far.
func (f *Factory) Methods() []string {
	calls := f.Calls()
	ret := make([]string, 0, len(calls))
	for _, c := range calls {
		ret = append(ret, c.Kind+"."+c.Method)
	}
	return ret
}

func copyParams(params map[string]interface{}) map[string]interface{} {
	ret := make(map[string]interface{}, len(params))
	for k, v := range params {
		ret[k] = v
	}
	return ret
}

func completed() *client.TaskResult {
	return &client.TaskResult{Status: client.TaskStatusCompleted, Message: "success"}
}

// PSI implements client.Factory.PSI
func (f *Factory) PSI(endpoint client.Endpoint) client.PSIClient {
	return &psiClient{f: f, endpoint: endpoint}
}

// MPC implements client.Factory.MPC
func (f *Factory) MPC(endpoint client.Endpoint) client.MPCClient {
	return &mpcClient{f: f, endpoint: endpoint}
}

// Model implements client.Factory.Model
func (f *Factory) Model(endpoint client.Endpoint) client.ModelClient {
	return &modelClient{f: f, endpoint: endpoint}
}

type psiClient struct {
	f        *Factory
	endpoint client.Endpoint
}

func (c *psiClient) Run(
	ctx context.Context, jobInfo map[string]interface{}, token string,
) (*client.TaskResult, error) {
	c.f.record(Call{Kind: "PSI", Method: "Run", Endpoint: c.endpoint, Token: token, Params: copyParams(jobInfo)})
	if c.f.PSIRun != nil {
		if err := c.f.PSIRun(ctx, jobInfo); err != nil {
			return nil, err
		}
	}
	return completed(), nil
}

type mpcClient struct {
	f        *Factory
	endpoint client.Endpoint
}

func (c *mpcClient) Run(ctx context.Context, jobInfo map[string]interface{}) (*client.TaskResult, error) {
	c.f.record(Call{Kind: "MPC", Method: "Run", Endpoint: c.endpoint, Params: copyParams(jobInfo)})
	if c.f.MPCRun != nil {
		if err := c.f.MPCRun(ctx, jobInfo); err != nil {
			return nil, err
		}
	}
	return completed(), nil
}

func (c *mpcClient) Kill(_ context.Context, jobID string) {
	c.f.record(Call{Kind: "MPC", Method: "Kill", Endpoint: c.endpoint, TaskID: jobID})
}

type modelClient struct {
	f        *Factory
	endpoint client.Endpoint
}

func (c *modelClient) Run(ctx context.Context, params map[string]interface{}) (*client.TaskResult, error) {
	c.f.record(Call{Kind: "MODEL", Method: "Run", Endpoint: c.endpoint, Params: copyParams(params)})
	if c.f.ModelRun != nil {
		if err := c.f.ModelRun(ctx, params); err != nil {
			return nil, err
		}
	}
	return completed(), nil
}

func (c *modelClient) Kill(_ context.Context, taskID string) error {
	c.f.record(Call{Kind: "MODEL", Method: "Kill", Endpoint: c.endpoint, TaskID: taskID})
	return nil
}

func (c *modelClient) GetRemoteLog(_ context.Context, taskID string) (string, error) {
	c.f.record(Call{Kind: "MODEL", Method: "GetRemoteLog", Endpoint: c.endpoint, TaskID: taskID})
	return c.f.RemoteLog, nil
}
