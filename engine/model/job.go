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
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
)

// JobStatus is the aggregate status of a job. It shares the worker
// status lexicon.
type JobStatus = WorkerStatus

// Well known artifact names.
const (
	PSIResultIndexFile      = "psi_result_index.csv"
	MPCOutputFile           = "mpc_output.csv"
	DefaultWorkflowViewPath = "workflow_view.dot"
)

// WorkerSpec is one worker of a submission.
type WorkerSpec struct {
	WorkerID        string           `json:"worker_id"`
	Type            string           `json:"type"`
	Args            Args             `json:"args"`
	Upstreams       []string         `json:"upstreams"`
	InputsStatement []InputStatement `json:"inputs_statement"`
	Retries         int              `json:"retries,omitempty"`
	RetryDelayS     int              `json:"retry_delay_s,omitempty"`
}

// JobRequest is the body of a job submission.
type JobRequest struct {
	Workers []WorkerSpec `json:"workers"`
	// WorkflowViewPath overrides the name of the rendered DAG artifact.
	WorkflowViewPath string `json:"workflow_view_path,omitempty"`
}

// Validate checks the submission of jobID. Graph acyclicity is checked by
// the scheduler.
func (r *JobRequest) Validate(jobID string) error {
	if strings.TrimSpace(jobID) == "" {
		return errors.ErrParameterCheck.GenWithStackByArgs("empty job id")
	}
	if strings.ContainsAny(jobID, `/\`) || jobID == "." || jobID == ".." {
		return errors.ErrParameterCheck.GenWithStackByArgs("illegal job id " + jobID)
	}
	if strings.ContainsAny(r.WorkflowViewPath, `/\`) {
		return errors.ErrParameterCheck.GenWithStackByArgs("workflow view path must be a file name")
	}

	ids := make(map[string]struct{}, len(r.Workers))
	for _, w := range r.Workers {
		if w.WorkerID == "" {
			return errors.ErrParameterCheck.GenWithStackByArgs("empty worker id")
		}
		if w.WorkerID == SuccessWorkerID(jobID) || w.WorkerID == FailureWorkerID(jobID) {
			return errors.ErrParameterCheck.GenWithStackByArgs("reserved worker id " + w.WorkerID)
		}
		if _, ok := ids[w.WorkerID]; ok {
			return errors.ErrParameterCheck.GenWithStackByArgs("duplicated worker id " + w.WorkerID)
		}
		ids[w.WorkerID] = struct{}{}

		t, err := ParseWorkerType(w.Type)
		if err != nil {
			return err
		}
		if t.IsTerminal() {
			return errors.ErrUnsupportedWorkerType.GenWithStackByArgs(w.Type)
		}
		if w.Retries < 0 || w.RetryDelayS < 0 {
			return errors.ErrParameterCheck.GenWithStackByArgs("negative retry policy of worker " + w.WorkerID)
		}
	}

	for _, w := range r.Workers {
		upstreams := make(map[string]struct{}, len(w.Upstreams))
		for _, up := range w.Upstreams {
			if _, ok := ids[up]; !ok {
				return errors.ErrParameterCheck.GenWithStackByArgs(
					fmt.Sprintf("upstream %s of worker %s not found", up, w.WorkerID))
			}
			if _, ok := upstreams[up]; ok {
				return errors.ErrParameterCheck.GenWithStackByArgs(
					fmt.Sprintf("duplicated upstream %s of worker %s", up, w.WorkerID))
			}
			upstreams[up] = struct{}{}
		}
		for _, in := range w.InputsStatement {
			if _, ok := upstreams[in.Upstream]; !ok {
				return errors.ErrParameterCheck.GenWithStackByArgs(
					fmt.Sprintf("input %s of worker %s is not an upstream", in.Upstream, w.WorkerID))
			}
			if in.OutputIndex < 0 {
				return errors.ErrParameterCheck.GenWithStackByArgs(
					fmt.Sprintf("negative output index of worker %s", w.WorkerID))
			}
		}
	}
	return nil
}

// BuildWorkers returns the PENDING workers of the submission, followed
// by the two terminal workers. Validate must have passed.
func (r *JobRequest) BuildWorkers(jobID string) []*Worker {
	workers := make([]*Worker, 0, len(r.Workers)+2)
	for _, ws := range r.Workers {
		t, _ := ParseWorkerType(ws.Type)
		workers = append(workers, &Worker{
			JobID:           jobID,
			WorkerID:        ws.WorkerID,
			Type:            t,
			Status:          WorkerStatusPending,
			Args:            ws.Args,
			Upstreams:       append([]string{}, ws.Upstreams...),
			InputsStatement: append([]InputStatement{}, ws.InputsStatement...),
			Outputs:         []string{},
			Retries:         ws.Retries,
			RetryDelay:      time.Duration(ws.RetryDelayS) * time.Second,
		})
	}
	for _, t := range []WorkerType{WorkerTypeOnSuccess, WorkerTypeOnFailure} {
		id := SuccessWorkerID(jobID)
		if t == WorkerTypeOnFailure {
			id = FailureWorkerID(jobID)
		}
		workers = append(workers, &Worker{
			JobID:           jobID,
			WorkerID:        id,
			Type:            t,
			Status:          WorkerStatusPending,
			Upstreams:       []string{},
			InputsStatement: []InputStatement{},
			Outputs:         []string{},
		})
	}
	return workers
}

// JobContext carries everything the workers of one job share.
type JobContext struct {
	JobID string
	// Workspace is the local directory of the job.
	Workspace string
	// StorageBasePath prefixes the remote artifacts of every job.
	StorageBasePath string
	// WorkflowViewPath is the file name of the rendered DAG, both in the
	// workspace and under {job_id}/ in remote storage.
	WorkflowViewPath string
	// Workers indexes every worker of the job, terminals included.
	Workers map[string]*Worker
	// Order is the submission order of the non-terminal workers.
	Order []string
}

// NewJobContext builds the context of jobID from its workers.
func NewJobContext(jobID, workspaceRoot, storageBase, viewPath string, workers []*Worker) *JobContext {
	if viewPath == "" {
		viewPath = DefaultWorkflowViewPath
	}
	ctx := &JobContext{
		JobID:            jobID,
		Workspace:        filepath.Join(workspaceRoot, jobID),
		StorageBasePath:  storageBase,
		WorkflowViewPath: viewPath,
		Workers:          make(map[string]*Worker, len(workers)),
	}
	for _, w := range workers {
		ctx.Workers[w.WorkerID] = w
		if !w.Type.IsTerminal() {
			ctx.Order = append(ctx.Order, w.WorkerID)
		}
	}
	return ctx
}

// StoragePath returns the remote location of a job artifact.
func (c *JobContext) StoragePath(name string) string {
	base := strings.TrimSuffix(c.StorageBasePath, "/")
	if base == "" {
		return c.JobID + "/" + name
	}
	return base + "/" + c.JobID + "/" + name
}

// PSIResultIndexPath is the output of a PSI worker.
func (c *JobContext) PSIResultIndexPath() string {
	return c.StoragePath(PSIResultIndexFile)
}

// MPCOutputPath is the output of an MPC worker.
func (c *JobContext) MPCOutputPath() string {
	return c.StoragePath(MPCOutputFile)
}

// WorkflowViewLocalPath is where the rendered DAG is written locally.
func (c *JobContext) WorkflowViewLocalPath() string {
	return filepath.Join(c.Workspace, c.WorkflowViewPath)
}
