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

package logutil

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	constFieldComponentKey = "component"
	// constFieldJobKey is used to recognize log entries of the same job
	constFieldJobKey = "job_id"
	// constFieldWorkerKey is used to recognize workers of the same job
	constFieldWorkerKey = "worker_id"
)

// NewLogger4Component returns a new logger for a named scheduler component.
func NewLogger4Component(component string) *zap.Logger {
	return log.L().With(zap.String(constFieldComponentKey, component))
}

// NewLogger4Job returns a new logger for a job.
func NewLogger4Job(jobID string) *zap.Logger {
	return log.L().With(zap.String(constFieldJobKey, jobID))
}

// WithWorker derives a worker logger from a job logger.
func WithWorker(lg *zap.Logger, workerID string) *zap.Logger {
	return lg.With(zap.String(constFieldWorkerKey, workerID))
}
