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
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/clock"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"github.com/wedpr-lab/ppc-scheduler/pkg/httputil"
	"go.uber.org/zap"
)

const jsonRPCVersion = "2.0"

// Task status reported by the computing nodes.
const (
	TaskStatusCompleted = "COMPLETED"
	TaskStatusFailed    = "FAILED"
	TaskStatusRunning   = "RUNNING"
)

const (
	defaultPollingInterval = 5 * time.Second
	defaultPingTimeout     = 6 * time.Second
)

// Config configures the computing node clients.
type Config struct {
	// PollingInterval is the pause between two PSI status polls.
	PollingInterval time.Duration
	// MaxRetries is the number of attempts of one HTTP call.
	MaxRetries int
	// RetryDelay is the pause between two attempts.
	RetryDelay time.Duration
	// PingTimeout bounds short calls: submissions, status polls, kills
	// and log fetches. Run bodies are never bounded.
	PingTimeout time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		PollingInterval: defaultPollingInterval,
		MaxRetries:      httputil.DefaultMaxRetries,
		RetryDelay:      httputil.DefaultRetryDelay,
		PingTimeout:     defaultPingTimeout,
	}
}

// Request is a JSON-RPC 2.0 request sent to a computing node.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Token   string      `json:"token"`
	ID      string      `json:"id"`
	Params  interface{} `json:"params"`
}

// TaskResult is the result member of a computing node response.
type TaskResult struct {
	Code    int             `json:"code"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response is a JSON-RPC 2.0 response of a computing node.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Result  *TaskResult `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Endpoint addresses one computing node.
type Endpoint struct {
	URL   string
	Token string
}

// rpcCaller sends JSON-RPC calls to one endpoint.
type rpcCaller struct {
	endpoint Endpoint
	// ping bounds each attempt with the ping timeout, run does not.
	ping *httputil.Client
	run  *httputil.Client
	lg   *zap.Logger
}

func (c *rpcCaller) call(
	ctx context.Context, cli *httputil.Client, token, method string, params interface{},
) (*TaskResult, error) {
	if token == "" {
		token = c.endpoint.Token
	}
	req := &Request{
		JSONRPC: jsonRPCVersion,
		Method:  method,
		Token:   token,
		ID:      uuid.NewString(),
		Params:  params,
	}
	headers := http.Header{}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}

	var resp Response
	if err := cli.DoJSON(ctx, c.endpoint.URL, http.MethodPost, headers, req, &resp); err != nil {
		c.lg.Warn("computing node call failed",
			zap.String("method", method), zap.String("request-id", req.ID), zap.Error(err))
		return nil, err
	}
	if err := checkResponse(&resp); err != nil {
		c.lg.Warn("computing node reports failure",
			zap.String("method", method), zap.String("request-id", req.ID), zap.Error(err))
		return nil, err
	}
	return resp.Result, nil
}

// checkResponse requires a zero code and a status other than FAILED.
func checkResponse(resp *Response) error {
	if resp.Error != nil {
		return errors.ErrRemoteTaskFailed.GenWithStackByArgs(
			fmt.Sprintf("[%d] %s", resp.Error.Code, resp.Error.Message))
	}
	if resp.Result == nil {
		return errors.ErrRemoteTaskFailed.GenWithStackByArgs("response without result")
	}
	if resp.Result.Code != 0 || strings.EqualFold(resp.Result.Status, TaskStatusFailed) {
		return errors.ErrRemoteTaskFailed.GenWithStackByArgs(
			fmt.Sprintf("[%d] %s", resp.Result.Code, resp.Result.Message))
	}
	return nil
}

// Factory creates the clients of leased computing nodes.
type Factory interface {
	PSI(endpoint Endpoint) PSIClient
	MPC(endpoint Endpoint) MPCClient
	Model(endpoint Endpoint) ModelClient
}

// RPCFactory is the JSON-RPC Factory. The HTTP clients are shared by
// every endpoint.
type RPCFactory struct {
	cfg  Config
	clk  clock.Clock
	ping *httputil.Client
	run  *httputil.Client
	lg   *zap.Logger
}

// NewFactory creates a RPCFactory.
func NewFactory(cfg Config, clk clock.Clock, lg *zap.Logger) *RPCFactory {
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = defaultPollingInterval
	}
	return &RPCFactory{
		cfg: cfg,
		clk: clk,
		ping: httputil.NewClient(httputil.Config{
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
			Timeout:    cfg.PingTimeout,
		}),
		run: httputil.NewClient(httputil.Config{
			MaxRetries: cfg.MaxRetries,
			RetryDelay: cfg.RetryDelay,
		}),
		lg: lg,
	}
}

func (f *RPCFactory) caller(kind string, endpoint Endpoint) rpcCaller {
	return rpcCaller{
		endpoint: endpoint,
		ping:     f.ping,
		run:      f.run,
		lg:       f.lg.With(zap.String("node-kind", kind), zap.String("url", endpoint.URL)),
	}
}

// PSI implements Factory.PSI
func (f *RPCFactory) PSI(endpoint Endpoint) PSIClient {
	return &psiClient{rpcCaller: f.caller("PSI", endpoint), clk: f.clk, interval: f.cfg.PollingInterval}
}

// MPC implements Factory.MPC
func (f *RPCFactory) MPC(endpoint Endpoint) MPCClient {
	return &mpcClient{rpcCaller: f.caller("MPC", endpoint)}
}

// Model implements Factory.Model
func (f *RPCFactory) Model(endpoint Endpoint) ModelClient {
	return &modelClient{rpcCaller: f.caller("MODEL", endpoint)}
}
