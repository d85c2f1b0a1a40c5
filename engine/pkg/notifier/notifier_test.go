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

package notifier

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNotifierOrdering(t *testing.T) {
	n := NewNotifier[int]()
	defer n.Close()

	const (
		numReceivers = 8
		numEvents    = 5000
		finEv        = math.MaxInt
	)
	var (
		wg    sync.WaitGroup
		ready sync.WaitGroup
	)
	ready.Add(numReceivers)
	for i := 0; i < numReceivers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			r := n.NewReceiver()
			defer r.Close()
			ready.Done()

			lastEv := 0
			for ev := range r.C {
				if ev == finEv {
					return
				}
				require.Equal(t, lastEv+1, ev)
				lastEv = ev
			}
		}()
	}
	ready.Wait()

	for i := 1; i <= numEvents; i++ {
		n.Notify(i)
	}
	n.Notify(finEv)
	require.NoError(t, n.Flush(context.Background()))

	wg.Wait()
}

func TestNotifierClose(t *testing.T) {
	n := NewNotifier[string]()

	const numReceivers = 100
	var wg sync.WaitGroup
	for i := 0; i < numReceivers; i++ {
		r := n.NewReceiver()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := <-r.C
			require.False(t, ok)
		}()
	}

	time.Sleep(100 * time.Millisecond)
	n.Close()
	n.Close()
	wg.Wait()
}

func TestFlushCanceled(t *testing.T) {
	n := NewNotifier[int]()
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// no receiver, the queue drains immediately or ctx is observed
	err := n.Flush(ctx)
	if err != nil {
		require.True(t, errors.Is(err, context.Canceled))
	}
}
