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

package httputil

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pingcap/log"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultMaxRetries is the number of attempts of one call.
	DefaultMaxRetries = 5
	// DefaultRetryDelay is the pause between two attempts.
	DefaultRetryDelay = 5 * time.Second
)

// Config configures a Client.
type Config struct {
	// MaxRetries is the total number of attempts, at least 1.
	MaxRetries int
	RetryDelay time.Duration
	// Timeout bounds a single attempt. Zero means no timeout.
	Timeout time.Duration
}

// Client wraps a retrying HTTP client. Transport failures, per-attempt
// timeouts and 5xx answers are retried with a fixed delay.
type Client struct {
	cli *retryablehttp.Client
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}

	cli := retryablehttp.NewClient()
	cli.HTTPClient = &http.Client{
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
		Timeout:   cfg.Timeout,
	}
	cli.RetryMax = cfg.MaxRetries - 1
	cli.RetryWaitMin = cfg.RetryDelay
	cli.RetryWaitMax = cfg.RetryDelay
	cli.Backoff = func(min, _ time.Duration, _ int, _ *http.Response) time.Duration {
		return min
	}
	cli.CheckRetry = checkRetry
	cli.ErrorHandler = retryablehttp.PassthroughErrorHandler
	cli.Logger = &leveledLogger{lg: log.L().With(zap.String("component", "httputil"))}
	return &Client{cli: cli}
}

// HTTPClient returns the underlying http.Client, used by tests to
// install mock transports.
func (c *Client) HTTPClient() *http.Client {
	return c.cli.HTTPClient
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return resp.StatusCode >= http.StatusInternalServerError, nil
}

// DoRequest sends a request and returns the content of a 2xx response.
// Any other outcome fails with ErrRemoteTransport.
func (c *Client) DoRequest(
	ctx context.Context, url, method string, headers http.Header, body []byte,
) ([]byte, error) {
	var raw interface{}
	if body != nil {
		raw = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, raw)
	if err != nil {
		return nil, errors.WrapError(errors.ErrRemoteTransport, err, url)
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.cli.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.Trace(ctx.Err())
		}
		return nil, errors.WrapError(errors.ErrRemoteTransport, err, url)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.WrapError(errors.ErrRemoteTransport, err, url)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, errors.WrapError(errors.ErrRemoteTransport,
			errors.Errorf("[%d] %s", resp.StatusCode, content), url)
	}
	return content, nil
}

// DoJSON marshals in as the request body, when not nil, and decodes the
// response into out, when not nil.
func (c *Client) DoJSON(
	ctx context.Context, url, method string, headers http.Header, in, out interface{},
) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return errors.Trace(err)
		}
	}
	if headers == nil {
		headers = http.Header{}
	}
	headers.Set("Content-Type", "application/json")

	content, err := c.DoRequest(ctx, url, method, headers, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(content, out); err != nil {
		return errors.WrapError(errors.ErrRemoteTaskFailed, err, "malformed response from "+url)
	}
	return nil
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	lg *zap.Logger
}

func fields(keysAndValues []interface{}) []zap.Field {
	ret := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		ret = append(ret, zap.Any(key, keysAndValues[i+1]))
	}
	return ret
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.lg.Error(msg, fields(keysAndValues)...)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.lg.Info(msg, fields(keysAndValues)...)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.lg.Debug(msg, fields(keysAndValues)...)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.lg.Warn(msg, fields(keysAndValues)...)
}
