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
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/pingcap/log"
	"github.com/wedpr-lab/ppc-scheduler/engine/model"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/storage"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"github.com/wedpr-lab/ppc-scheduler/pkg/logutil"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Artifacts uploads the job log and the workflow view of a job to the
// remote storage.
type Artifacts struct {
	Storage storage.Storage
	// SharedLogFile is the process log, scanned for the job when the job
	// log file is missing.
	SharedLogFile string
}

// UploadArtifacts implements ArtifactUploader.
func (a *Artifacts) UploadArtifacts(ctx context.Context, jobCtx *model.JobContext) error {
	return multierr.Append(a.uploadJobLog(ctx, jobCtx), a.uploadWorkflowView(ctx, jobCtx))
}

func (a *Artifacts) uploadJobLog(ctx context.Context, jobCtx *model.JobContext) error {
	key := jobCtx.StoragePath(logutil.JobLogFileName)
	local := filepath.Join(jobCtx.Workspace, logutil.JobLogFileName)
	if _, err := os.Stat(local); err == nil {
		return a.Storage.Upload(ctx, local, key)
	}

	if a.SharedLogFile == "" {
		log.Warn("job log not found", zap.String("job-id", jobCtx.JobID))
		return nil
	}
	src, err := os.Open(a.SharedLogFile)
	if err != nil {
		return errors.WrapError(errors.ErrStorageOpFail, err, a.SharedLogFile)
	}
	defer src.Close()
	var buf bytes.Buffer
	found, err := logutil.FilterJobLog(src, jobCtx.JobID, &buf)
	if err != nil {
		return errors.WrapError(errors.ErrStorageOpFail, err, a.SharedLogFile)
	}
	if !found {
		log.Warn("job log not found in shared log",
			zap.String("job-id", jobCtx.JobID), zap.String("file", a.SharedLogFile))
		return nil
	}
	return a.Storage.UploadReader(ctx, &buf, key)
}

func (a *Artifacts) uploadWorkflowView(ctx context.Context, jobCtx *model.JobContext) error {
	local := jobCtx.WorkflowViewLocalPath()
	if _, err := os.Stat(local); err != nil {
		log.Warn("workflow view not found", zap.String("job-id", jobCtx.JobID), zap.String("path", local))
		return nil
	}
	return a.Storage.Upload(ctx, local, jobCtx.StoragePath(jobCtx.WorkflowViewPath))
}

type successEngine struct {
	artifacts ArtifactUploader
	p         Params
}

func newSuccessEngine(deps *Deps, p Params) (Engine, error) {
	return &successEngine{artifacts: deps.Artifacts, p: p}, nil
}

func (e *successEngine) Run(ctx context.Context, _ []string) ([]string, error) {
	if e.artifacts != nil {
		if err := e.artifacts.UploadArtifacts(ctx, e.p.JobCtx); err != nil {
			return nil, err
		}
	}
	e.p.Logger.Info("job succeeded")
	return []string{}, nil
}

type failureEngine struct {
	artifacts ArtifactUploader
	p         Params
}

func newFailureEngine(deps *Deps, p Params) (Engine, error) {
	return &failureEngine{artifacts: deps.Artifacts, p: p}, nil
}

// Run does the cleanup and always fails with ErrJobFailed. An upload
// error is logged, the job fails either way.
func (e *failureEngine) Run(ctx context.Context, _ []string) ([]string, error) {
	if e.artifacts != nil {
		if err := e.artifacts.UploadArtifacts(ctx, e.p.JobCtx); err != nil {
			e.p.Logger.Warn("upload job artifacts failed", zap.Error(err))
		}
	}
	return nil, errors.ErrJobFailed.GenWithStackByArgs(e.p.JobCtx.JobID)
}
