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

package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSleepWithMock(t *testing.T) {
	t.Parallel()

	clk := NewMock()
	done := make(chan error, 1)
	go func() {
		done <- Sleep(context.Background(), clk, 5*time.Second)
	}()

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		select {
		case err := <-done:
			require.NoError(t, err)
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.GreaterOrEqual(t, clk.Mono().Sub(ToMono(time.Unix(0, 0))), 5*time.Second)
}

func TestSleepCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, New(), time.Hour), context.Canceled)
	require.ErrorIs(t, Sleep(ctx, New(), 0), context.Canceled)
	require.NoError(t, Sleep(context.Background(), New(), 0))
}
