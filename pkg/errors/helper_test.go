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
	"context"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func TestIs(t *testing.T) {
	t.Parallel()

	err := ErrDuplicateJob.GenWithStackByArgs("j1")
	require.True(t, Is(err, ErrDuplicateJob))
	require.False(t, Is(err, ErrJobFailed))
	require.Contains(t, err.Error(), "DUPLICATE_JOB")

	wrapped := errors.Annotate(err, "submit job")
	require.True(t, Is(wrapped, ErrDuplicateJob))

	cause := WrapError(ErrStoreUnavailable, context.Canceled)
	require.True(t, Is(cause, ErrStoreUnavailable))
	require.True(t, Is(errors.Trace(context.DeadlineExceeded), context.DeadlineExceeded))

	require.False(t, Is(nil, ErrJobFailed))
	require.Nil(t, WrapError(ErrStoreUnavailable, nil))
}

func TestToErrorCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		code int
		kind string
	}{
		{nil, 0, ""},
		{ErrParameterCheck.GenWithStackByArgs("empty workers"), 10001, "SCHED:PARAMETER_CHECK_ERROR"},
		{ErrDuplicateJob.GenWithStackByArgs("j1"), 10002, "SCHED:DUPLICATE_JOB"},
		{ErrCycleDetected.GenWithStackByArgs("j1", []string{"a"}), 10003, "SCHED:CYCLE_DETECTED"},
		{errors.Trace(ErrJobCancelled.GenWithStackByArgs("j1")), 10009, "SCHED:JOB_CANCELLED"},
		{errors.New("boom"), CodeInternal, "SCHED:INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		code, kind := ToErrorCode(tc.err)
		require.Equal(t, tc.code, code)
		require.Equal(t, tc.kind, kind)
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, IsRetryable(ErrStoreUnavailable.GenWithStackByArgs()))
	require.True(t, IsRetryable(ErrRemoteTransport.GenWithStackByArgs("http://n1")))
	require.False(t, IsRetryable(ErrRemoteTaskFailed.GenWithStackByArgs("bad")))
	require.False(t, IsRetryable(ErrJobCancelled.GenWithStackByArgs("j1")))
	require.False(t, IsRetryable(nil))
}
