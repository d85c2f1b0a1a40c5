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

package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
)

// WorkerType is the closed set of worker kinds.
type WorkerType string

// All worker types.
const (
	WorkerTypeAPI                WorkerType = "API"
	WorkerTypePython             WorkerType = "PYTHON"
	WorkerTypeShell              WorkerType = "SHELL"
	WorkerTypePSI                WorkerType = "PSI"
	WorkerTypeMLPSI              WorkerType = "ML_PSI"
	WorkerTypeMPC                WorkerType = "MPC"
	WorkerTypePreprocessing      WorkerType = "PREPROCESSING"
	WorkerTypeFeatureEngineering WorkerType = "FEATURE_ENGINEERING"
	WorkerTypeTraining           WorkerType = "TRAINING"
	WorkerTypePrediction         WorkerType = "PREDICTION"
	WorkerTypeOnSuccess          WorkerType = "ON_SUCCESS"
	WorkerTypeOnFailure          WorkerType = "ON_FAILURE"
)

// wireTypePrefix prefixes worker types in submissions, e.g. T_PSI.
const wireTypePrefix = "T_"

var knownWorkerTypes = map[WorkerType]struct{}{
	WorkerTypeAPI:                {},
	WorkerTypePython:             {},
	WorkerTypeShell:              {},
	WorkerTypePSI:                {},
	WorkerTypeMLPSI:              {},
	WorkerTypeMPC:                {},
	WorkerTypePreprocessing:      {},
	WorkerTypeFeatureEngineering: {},
	WorkerTypeTraining:           {},
	WorkerTypePrediction:         {},
	WorkerTypeOnSuccess:          {},
	WorkerTypeOnFailure:          {},
}

// ParseWorkerType accepts both the prefixed wire name and the bare name.
func ParseWorkerType(s string) (WorkerType, error) {
	t := WorkerType(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), wireTypePrefix))
	if _, ok := knownWorkerTypes[t]; !ok {
		return "", errors.ErrUnsupportedWorkerType.GenWithStackByArgs(s)
	}
	return t, nil
}

// WireName returns the prefixed name used in submissions.
func (t WorkerType) WireName() string {
	return wireTypePrefix + string(t)
}

// IsTerminal returns true for ON_SUCCESS and ON_FAILURE.
func (t WorkerType) IsTerminal() bool {
	return t == WorkerTypeOnSuccess || t == WorkerTypeOnFailure
}

// IsModel returns true for the worker types served by model nodes.
func (t WorkerType) IsModel() bool {
	switch t {
	case WorkerTypePreprocessing, WorkerTypeFeatureEngineering,
		WorkerTypeTraining, WorkerTypePrediction:
		return true
	}
	return false
}

// WorkerStatus is the persisted status of a worker.
type WorkerStatus string

// All worker status.
const (
	WorkerStatusPending WorkerStatus = "PENDING"
	WorkerStatusRunning WorkerStatus = "RUNNING"
	WorkerStatusSuccess WorkerStatus = "SUCCESS"
	WorkerStatusFailure WorkerStatus = "FAILURE"
)

// IsTerminal returns true for SUCCESS and FAILURE.
func (s WorkerStatus) IsTerminal() bool {
	return s == WorkerStatusSuccess || s == WorkerStatusFailure
}

// Predecessor returns the only status a worker may move to s from.
// PENDING has no predecessor.
func (s WorkerStatus) Predecessor() (WorkerStatus, bool) {
	switch s {
	case WorkerStatusRunning:
		return WorkerStatusPending, true
	case WorkerStatusSuccess, WorkerStatusFailure:
		return WorkerStatusRunning, true
	}
	return "", false
}

// InputStatement declares which positional output of which upstream feeds
// a worker.
type InputStatement struct {
	Upstream    string `json:"upstream"`
	OutputIndex int    `json:"output_index"`
}

// Args is the opaque parameter bag of a worker. Elements are kept as raw
// JSON and interpreted by the engine.
type Args []json.RawMessage

// String returns the i-th argument. JSON strings are unquoted, any other
// value is returned as its JSON text.
func (a Args) String(i int) (string, bool) {
	if i < 0 || i >= len(a) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(a[i], &s); err == nil {
		return s, true
	}
	return string(a[i]), true
}

// Strings returns every argument through String.
func (a Args) Strings() []string {
	ret := make([]string, 0, len(a))
	for i := range a {
		s, _ := a.String(i)
		ret = append(ret, s)
	}
	return ret
}

// Decode unmarshals the i-th argument into v. A JSON string holding a
// JSON document is decoded as that document.
func (a Args) Decode(i int, v interface{}) error {
	if i < 0 || i >= len(a) {
		return errors.ErrParameterCheck.GenWithStackByArgs("missing argument")
	}
	raw := a[i]
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = json.RawMessage(s)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.WrapError(errors.ErrParameterCheck, err, "malformed argument")
	}
	return nil
}

// Worker is one step of a DAG job.
type Worker struct {
	JobID           string
	WorkerID        string
	Type            WorkerType
	Status          WorkerStatus
	Args            Args
	Upstreams       []string
	InputsStatement []InputStatement
	Outputs         []string

	// per-worker retry policy around the engine call
	Retries    int
	RetryDelay time.Duration

	// recorded failure kind, zero on success
	ErrorCode    int
	ErrorMessage string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy of w.
func (w *Worker) Clone() *Worker {
	c := *w
	c.Args = append(Args(nil), w.Args...)
	c.Upstreams = append([]string(nil), w.Upstreams...)
	c.InputsStatement = append([]InputStatement(nil), w.InputsStatement...)
	c.Outputs = append([]string(nil), w.Outputs...)
	return &c
}

// SuccessWorkerID returns the id of the ON_SUCCESS terminal of a job.
func SuccessWorkerID(jobID string) string {
	return jobID + "_" + string(WorkerTypeOnSuccess)
}

// FailureWorkerID returns the id of the ON_FAILURE terminal of a job.
func FailureWorkerID(jobID string) string {
	return jobID + "_" + string(WorkerTypeOnFailure)
}
