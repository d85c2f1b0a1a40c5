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

package servermaster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/wedpr-lab/ppc-scheduler/engine/model"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeJobManager struct {
	mu       sync.Mutex
	requests map[string]*model.JobRequest
	killed   []string
	panicOn  string
}

func newFakeJobManager() *fakeJobManager {
	return &fakeJobManager{requests: map[string]*model.JobRequest{}}
}

func (m *fakeJobManager) Run(_ context.Context, jobID string, req *model.JobRequest) error {
	if jobID == m.panicOn {
		panic("boom")
	}
	if err := req.Validate(jobID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[jobID]; ok {
		return errors.ErrDuplicateJob.GenWithStackByArgs(jobID)
	}
	m.requests[jobID] = req
	return nil
}

func (m *fakeJobManager) Status(_ context.Context, jobID string) (model.JobStatus, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[jobID]; !ok {
		return "", 0, errors.ErrJobNotFound.GenWithStackByArgs(jobID)
	}
	return model.WorkerStatusRunning, 1500, nil
}

func (m *fakeJobManager) Kill(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[jobID]; !ok {
		return errors.ErrJobNotFound.GenWithStackByArgs(jobID)
	}
	m.killed = append(m.killed, jobID)
	return nil
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) (int, *Response, map[string]interface{}) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	return w.Code, &resp, raw
}

func errorCode(err error) float64 {
	code, _ := errors.ToErrorCode(err)
	return float64(code)
}

func TestJobAPI(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobManager()
	router := newRouter(NewOpenAPI(jobs), prometheus.NewRegistry())
	body := `{"workers": [
		{"worker_id": "A", "type": "T_PSI", "args": [{"dataset": "d1"}], "upstreams": []},
		{"worker_id": "B", "type": "T_SHELL", "args": ["echo $1"], "upstreams": ["A"],
		 "inputs_statement": [{"upstream": "A", "output_index": 0}], "retries": 2, "retry_delay_s": 1}
	]}`

	status, resp, raw := doRequest(t, router, http.MethodPost, "/scheduler/job/j1", body)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 0, resp.ErrorCode)
	require.Equal(t, "success", resp.Message)
	require.Contains(t, raw, "errorCode")
	require.Len(t, jobs.requests["j1"].Workers, 2)
	require.Equal(t, 2, jobs.requests["j1"].Workers[1].Retries)
	require.Equal(t, []model.InputStatement{{Upstream: "A", OutputIndex: 0}},
		jobs.requests["j1"].Workers[1].InputsStatement)

	// duplicated submission
	_, _, raw = doRequest(t, router, http.MethodPost, "/scheduler/job/j1", body)
	require.Equal(t, errorCode(errors.ErrDuplicateJob), raw["errorCode"])
	require.Contains(t, raw["message"], "j1")

	_, _, raw = doRequest(t, router, http.MethodGet, "/scheduler/job/j1", "")
	require.Equal(t, float64(0), raw["errorCode"])
	require.Equal(t, map[string]interface{}{"status": "RUNNING", "time_costs": float64(1500)}, raw["data"])

	_, _, raw = doRequest(t, router, http.MethodDelete, "/scheduler/job/j1", "")
	require.Equal(t, float64(0), raw["errorCode"])
	require.Equal(t, []string{"j1"}, jobs.killed)
}

func TestJobAPIErrors(t *testing.T) {
	t.Parallel()

	router := newRouter(NewOpenAPI(newFakeJobManager()), prometheus.NewRegistry())
	cases := []struct {
		name   string
		method string
		path   string
		body   string
		err    error
	}{
		{"malformed body", http.MethodPost, "/scheduler/job/j1", `{"workers": [`, errors.ErrParameterCheck},
		{"unsupported type", http.MethodPost, "/scheduler/job/j1",
			`{"workers": [{"worker_id": "A", "type": "T_SQL"}]}`, errors.ErrUnsupportedWorkerType},
		{"unknown upstream", http.MethodPost, "/scheduler/job/j1",
			`{"workers": [{"worker_id": "A", "type": "T_SHELL", "upstreams": ["X"]}]}`, errors.ErrParameterCheck},
		{"query unknown job", http.MethodGet, "/scheduler/job/j2", "", errors.ErrJobNotFound},
		{"kill unknown job", http.MethodDelete, "/scheduler/job/j2", "", errors.ErrJobNotFound},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			status, resp, raw := doRequest(t, router, c.method, c.path, c.body)
			require.Equal(t, http.StatusOK, status)
			require.Equal(t, errorCode(c.err), raw["errorCode"])
			require.NotEqual(t, "success", resp.Message)
			require.NotContains(t, raw, "data")
		})
	}
}

func TestJobAPIRecovery(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobManager()
	jobs.panicOn = "boom"
	router := newRouter(NewOpenAPI(jobs), prometheus.NewRegistry())

	status, _, raw := doRequest(t, router, http.MethodPost, "/scheduler/job/boom", `{"workers": []}`)
	require.Equal(t, http.StatusInternalServerError, status)
	require.Equal(t, errorCode(errors.ErrInternal), raw["errorCode"])
	require.NotEmpty(t, raw["message"])
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	router := newRouter(NewOpenAPI(newFakeJobManager()), registry)
	_, _, _ = doRequest(t, router, http.MethodGet, "/scheduler/job/j1", "")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "ppc_scheduler_server_api_requests_total")
}
