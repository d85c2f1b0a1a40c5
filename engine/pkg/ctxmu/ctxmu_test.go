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

package ctxmu

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCtxMutexCanceled(t *testing.T) {
	t.Parallel()

	mu := New()
	require.True(t, mu.Lock(context.Background()))
	require.True(t, mu.Locked())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.False(t, mu.Lock(ctx))

	mu.Unlock()
	require.False(t, mu.Locked())
}

func TestKeyedMutex(t *testing.T) {
	t.Parallel()

	k := NewKeyed()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		counter = map[string]int{}
	)
	for i := 0; i < 50; i++ {
		key := "a"
		if i%2 == 0 {
			key = "b"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.True(t, k.Lock(ctx, key))
			defer k.Unlock(key)
			mu.Lock()
			counter[key]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 25, counter["a"])
	require.Equal(t, 25, counter["b"])
	require.Equal(t, 0, k.Len())

	require.True(t, k.Lock(ctx, "a"))
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	require.False(t, k.Lock(timeoutCtx, "a"))
	require.Equal(t, 1, k.Len())
	k.Unlock("a")
	require.Equal(t, 0, k.Len())
}
