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
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"github.com/wedpr-lab/ppc-scheduler/pkg/httputil"
	"go.uber.org/zap"
)

// apiCall is the first argument of an API worker.
type apiCall struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
	// ResponseField is a dotted path into the JSON response. The whole
	// response is the output when empty.
	ResponseField string `json:"response_field"`
}

type apiEngine struct {
	cli  *httputil.Client
	call apiCall
	p    Params
}

func newAPIEngine(deps *Deps, p Params) (Engine, error) {
	var call apiCall
	if err := p.Worker.Args.Decode(0, &call); err != nil {
		return nil, err
	}
	if call.URL == "" {
		return nil, errors.ErrParameterCheck.GenWithStackByArgs(
			"api worker " + p.Worker.WorkerID + " has no url")
	}
	if call.Method == "" {
		call.Method = http.MethodGet
		if len(call.Body) > 0 {
			call.Method = http.MethodPost
		}
	}
	call.Method = strings.ToUpper(call.Method)
	return &apiEngine{cli: deps.HTTP, call: call, p: p}, nil
}

// Run sends the call. Inputs are added to an object body under "inputs".
func (e *apiEngine) Run(ctx context.Context, inputs []string) ([]string, error) {
	body, err := e.body(inputs)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	for k, v := range e.call.Headers {
		headers.Set(k, v)
	}
	if body != nil && headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", "application/json")
	}

	content, err := e.cli.DoRequest(ctx, e.call.URL, e.call.Method, headers, body)
	if err != nil {
		return nil, err
	}
	e.p.Logger.Info("api call finished",
		zap.String("method", e.call.Method), zap.String("url", e.call.URL), zap.Int("size", len(content)))

	if e.call.ResponseField == "" {
		return []string{string(content)}, nil
	}
	var doc interface{}
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, errors.WrapError(errors.ErrRemoteTaskFailed, err, "malformed response from "+e.call.URL)
	}
	value, err := extractField(doc, e.call.ResponseField)
	if err != nil {
		return nil, err
	}
	return []string{value}, nil
}

func (e *apiEngine) body(inputs []string) ([]byte, error) {
	if len(e.call.Body) == 0 {
		return nil, nil
	}
	if len(inputs) == 0 {
		return e.call.Body, nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(e.call.Body, &obj); err != nil || obj == nil {
		// not an object, sent as is
		return e.call.Body, nil
	}
	if _, ok := obj["inputs"]; !ok {
		obj["inputs"] = inputs
	}
	body, err := json.Marshal(obj)
	return body, errors.Trace(err)
}

// extractField walks a dotted path. Array elements are addressed by
// index. A string value is returned unquoted, anything else as JSON.
func extractField(doc interface{}, path string) (string, error) {
	cur := doc
	for _, key := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[key]
			if !ok {
				return "", errors.ErrRemoteTaskFailed.GenWithStackByArgs("response field " + path + " not found")
			}
			cur = v
		case []interface{}:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return "", errors.ErrRemoteTaskFailed.GenWithStackByArgs("response field " + path + " not found")
			}
			cur = node[i]
		default:
			return "", errors.ErrRemoteTaskFailed.GenWithStackByArgs("response field " + path + " not found")
		}
	}
	if s, ok := cur.(string); ok {
		return s, nil
	}
	raw, err := json.Marshal(cur)
	return string(raw), errors.Trace(err)
}
