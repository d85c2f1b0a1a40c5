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

package util

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

func TestSignalCancelsContext(t *testing.T) {
	var exitCode atomic.Int32
	exitCode.Store(-1)
	exitFunc = func(code int) { exitCode.Store(int32(code)) }
	defer func() { exitFunc = os.Exit }()

	ctx, cancel := withSignals(context.Background(), unix.SIGUSR1)
	defer cancel()

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR1))
	select {
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		require.FailNow(t, "context is not cancelled by signal")
	}
	require.Equal(t, int32(-1), exitCode.Load())

	require.NoError(t, unix.Kill(os.Getpid(), unix.SIGUSR1))
	require.Eventually(t, func() bool {
		return exitCode.Load() == 1
	}, 10*time.Second, 10*time.Millisecond)
}

func TestCancelStopsWatching(t *testing.T) {
	ctx, cancel := withSignals(context.Background(), unix.SIGUSR2)
	cancel()
	<-ctx.Done()
	// idempotent
	cancel()
}
