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

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
)

func TestDoSuccessAfterRetries(t *testing.T) {
	t.Parallel()

	var calls int
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithMaxTries(5), WithBackoffBaseDelay(1), WithBackoffMaxDelay(2))
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoExhausted(t *testing.T) {
	t.Parallel()

	var (
		calls   int
		retried []int
	)
	err := Do(context.Background(), func() error {
		calls++
		return errors.ErrRemoteTransport.GenWithStackByArgs("http://127.0.0.1")
	}, WithMaxTries(3), WithFixedDelay(time.Millisecond), WithOnRetry(func(attempt int, _ error) {
		retried = append(retried, attempt)
	}))
	require.True(t, errors.Is(err, errors.ErrRemoteTransport))
	require.Equal(t, 3, calls)
	require.Equal(t, []int{1, 2}, retried)
}

func TestDoNotRetryable(t *testing.T) {
	t.Parallel()

	var calls int
	err := Do(context.Background(), func() error {
		calls++
		return errors.ErrJobCancelled.GenWithStackByArgs("j1")
	}, WithMaxTries(10), WithIsRetryableErr(errors.IsRetryable))
	require.True(t, errors.Is(err, errors.ErrJobCancelled))
	require.Equal(t, 1, calls)
}

func TestDoContextCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Do(ctx, func() error {
		calls++
		cancel()
		return errors.New("transient")
	}, WithInfiniteTries(), WithFixedDelay(time.Hour))
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, 1, calls)

	err = Do(ctx, func() error { return nil })
	require.True(t, errors.Is(err, context.Canceled))
}
