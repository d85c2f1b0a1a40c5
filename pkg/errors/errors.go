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

package errors

import (
	"github.com/pingcap/errors"
)

// Error kinds surfaced by the scheduler. The RFC code text carries the kind
// name so that it is always part of the rendered message.
var (
	ErrParameterCheck = errors.Normalize(
		"parameter check failed: %s",
		errors.RFCCodeText("SCHED:PARAMETER_CHECK_ERROR"),
	)
	ErrDuplicateJob = errors.Normalize(
		"job %s is already running",
		errors.RFCCodeText("SCHED:DUPLICATE_JOB"),
	)
	ErrCycleDetected = errors.Normalize(
		"cycle detected in job %s, unresolved workers: %v",
		errors.RFCCodeText("SCHED:CYCLE_DETECTED"),
	)
	ErrUnsupportedWorkerType = errors.Normalize(
		"unsupported worker type: %s",
		errors.RFCCodeText("SCHED:UNSUPPORTED_WORKER_TYPE"),
	)
	ErrNoNodeAvailable = errors.Normalize(
		"no computing node available, kind: %s",
		errors.RFCCodeText("SCHED:NO_NODE_AVAILABLE"),
	)
	ErrStoreUnavailable = errors.Normalize(
		"persistence store unavailable",
		errors.RFCCodeText("SCHED:STORE_UNAVAILABLE"),
	)
	ErrRemoteTransport = errors.Normalize(
		"remote node transport error, url: %s",
		errors.RFCCodeText("SCHED:REMOTE_TRANSPORT_ERROR"),
	)
	ErrRemoteTaskFailed = errors.Normalize(
		"remote task failed: %s",
		errors.RFCCodeText("SCHED:REMOTE_TASK_FAILED"),
	)
	ErrJobCancelled = errors.Normalize(
		"job %s is cancelled",
		errors.RFCCodeText("SCHED:JOB_CANCELLED"),
	)
	ErrJobFailed = errors.Normalize(
		"job %s failed",
		errors.RFCCodeText("SCHED:JOB_FAILED"),
	)
	ErrInternal = errors.Normalize(
		"internal error: %s",
		errors.RFCCodeText("SCHED:INTERNAL_ERROR"),
	)

	// supporting errors, reported with their own codes
	ErrJobNotFound = errors.Normalize(
		"job %s not found",
		errors.RFCCodeText("SCHED:JOB_NOT_FOUND"),
	)
	ErrUnknownTask = errors.Normalize(
		"unknown task %s",
		errors.RFCCodeText("SCHED:UNKNOWN_TASK"),
	)
	ErrWorkerNotFound = errors.Normalize(
		"worker not found, job: %s, worker: %s",
		errors.RFCCodeText("SCHED:WORKER_NOT_FOUND"),
	)
	ErrIllegalStatusTransition = errors.Normalize(
		"illegal worker status transition, job: %s, worker: %s, from: %s, to: %s",
		errors.RFCCodeText("SCHED:ILLEGAL_STATUS_TRANSITION"),
	)
	ErrCodecFail = errors.Normalize(
		"decode persisted value failed: %s",
		errors.RFCCodeText("SCHED:CODEC_ERROR"),
	)
	ErrStorageOpFail = errors.Normalize(
		"remote storage operation failed, key: %s",
		errors.RFCCodeText("SCHED:STORAGE_ERROR"),
	)
	ErrInvalidConfig = errors.Normalize(
		"invalid config: %s",
		errors.RFCCodeText("SCHED:CONFIG_ERROR"),
	)
)

// errorCodes maps every kind to the numeric code returned in response
// envelopes. 0 is reserved for success.
var errorCodes = map[errors.RFCErrorCode]int{
	ErrParameterCheck.RFCCode():          10001,
	ErrDuplicateJob.RFCCode():            10002,
	ErrCycleDetected.RFCCode():           10003,
	ErrUnsupportedWorkerType.RFCCode():   10004,
	ErrNoNodeAvailable.RFCCode():         10005,
	ErrStoreUnavailable.RFCCode():        10006,
	ErrRemoteTransport.RFCCode():         10007,
	ErrRemoteTaskFailed.RFCCode():        10008,
	ErrJobCancelled.RFCCode():            10009,
	ErrJobFailed.RFCCode():               10010,
	ErrJobNotFound.RFCCode():             10011,
	ErrUnknownTask.RFCCode():             10012,
	ErrWorkerNotFound.RFCCode():          10013,
	ErrIllegalStatusTransition.RFCCode(): 10014,
	ErrCodecFail.RFCCode():               10015,
	ErrStorageOpFail.RFCCode():           10016,
	ErrInvalidConfig.RFCCode():           10017,
	ErrInternal.RFCCode():                10099,
}

// CodeInternal is returned for errors that carry no known code.
const CodeInternal = 10099
