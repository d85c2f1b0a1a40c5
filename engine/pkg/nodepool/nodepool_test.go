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

package nodepool

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wedpr-lab/ppc-scheduler/engine/model"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/orm"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
)

func newTestStore(t *testing.T, nodes ...*model.ComputingNode) orm.Client {
	cli, err := orm.NewMockClient()
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })
	for _, n := range nodes {
		require.NoError(t, cli.UpsertNode(context.Background(), n))
	}
	return cli
}

// flakyNodeClient fails the first failures acquisitions with a transport
// error and counts every acquisition in calls.
type flakyNodeClient struct {
	orm.NodeClient
	failures int
	calls    int
}

func (c *flakyNodeClient) AcquireLeastLoadedNode(
	ctx context.Context, kind model.NodeKind,
) (*model.ComputingNode, error) {
	c.calls++
	if c.calls <= c.failures {
		return nil, errors.WrapError(errors.ErrStoreUnavailable, errors.New("connection refused"))
	}
	return c.NodeClient.AcquireLeastLoadedNode(ctx, kind)
}

func loadings(t *testing.T, cli orm.Client, kind model.NodeKind) map[string]int {
	nodes, err := cli.QueryNodes(context.Background(), kind)
	require.NoError(t, err)
	ret := make(map[string]int, len(nodes))
	for _, n := range nodes {
		ret[n.ID] = n.Loading
	}
	return ret
}

func TestKindForWorkerType(t *testing.T) {
	t.Parallel()

	cases := []struct {
		tp    model.WorkerType
		kind  model.NodeKind
		lease bool
	}{
		{model.WorkerTypePSI, model.NodeKindPSI, true},
		{model.WorkerTypeMLPSI, model.NodeKindPSI, true},
		{model.WorkerTypeMPC, model.NodeKindMPC, true},
		{model.WorkerTypePreprocessing, model.NodeKindModel, true},
		{model.WorkerTypeFeatureEngineering, model.NodeKindModel, true},
		{model.WorkerTypeTraining, model.NodeKindModel, true},
		{model.WorkerTypePrediction, model.NodeKindModel, true},
		{model.WorkerTypeShell, "", false},
		{model.WorkerTypePython, "", false},
		{model.WorkerTypeAPI, "", false},
		{model.WorkerTypeOnSuccess, "", false},
		{model.WorkerTypeOnFailure, "", false},
	}
	for _, c := range cases {
		kind, ok := KindForWorkerType(c.tp)
		require.Equal(t, c.lease, ok, c.tp)
		if ok {
			require.Equal(t, c.kind, kind, c.tp)
		}
	}
}

func TestLeastLoadedLeases(t *testing.T) {
	t.Parallel()

	store := newTestStore(t,
		&model.ComputingNode{ID: "model-a", URL: "http://a", Kind: model.NodeKindModel, Loading: 2},
		&model.ComputingNode{ID: "model-c", URL: "http://c", Kind: model.NodeKindModel, Loading: 0, Token: "tc"},
		&model.ComputingNode{ID: "model-b", URL: "http://b", Kind: model.NodeKindModel, Loading: 1},
	)
	mgr := NewManager(store, 3)
	ctx := context.Background()

	first, err := mgr.Acquire(ctx, model.NodeKindModel)
	require.NoError(t, err)
	require.Equal(t, "model-c", first.ID)
	require.Equal(t, "http://c", first.URL)
	require.Equal(t, "tc", first.Token)

	second, err := mgr.Acquire(ctx, model.NodeKindModel)
	require.NoError(t, err)
	require.Equal(t, "model-b", second.ID)

	require.NoError(t, first.Release(ctx))
	// released once only
	require.NoError(t, first.Release(ctx))
	require.NoError(t, second.Release(ctx))
	require.Equal(t, map[string]int{"model-a": 2, "model-b": 1, "model-c": 0}, loadings(t, store, model.NodeKindModel))

	_, err = mgr.Acquire(ctx, model.NodeKindMPC)
	require.True(t, errors.Is(err, errors.ErrNoNodeAvailable))
}

func TestWithLeaseReleasesOnEveryPath(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, &model.ComputingNode{ID: "psi-1", URL: "http://psi", Kind: model.NodeKindPSI})
	mgr := NewManager(store, 3)
	ctx := context.Background()

	err := mgr.WithLease(ctx, model.NodeKindPSI, func(l *Lease) error {
		require.Equal(t, 1, loadings(t, store, model.NodeKindPSI)["psi-1"])
		return errors.ErrRemoteTaskFailed.GenWithStackByArgs("boom")
	})
	require.True(t, errors.Is(err, errors.ErrRemoteTaskFailed))
	require.Equal(t, 0, loadings(t, store, model.NodeKindPSI)["psi-1"])

	err = mgr.WithLease(ctx, model.NodeKindPSI, func(l *Lease) error {
		// an early release inside fn must not be repeated
		return l.Release(ctx)
	})
	require.NoError(t, err)
	require.Equal(t, 0, loadings(t, store, model.NodeKindPSI)["psi-1"])

	cctx, cancel := context.WithCancel(ctx)
	err = mgr.WithLease(cctx, model.NodeKindPSI, func(l *Lease) error {
		cancel()
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, loadings(t, store, model.NodeKindPSI)["psi-1"])
}

func TestConcurrentLeasesNeverExceedOutstanding(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, &model.ComputingNode{ID: "mpc-1", URL: "http://mpc", Kind: model.NodeKindMPC})
	mgr := NewManager(store, 3)
	ctx := context.Background()

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen []int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := mgr.WithLease(ctx, model.NodeKindMPC, func(l *Lease) error {
				node, err := store.GetNode(ctx, "mpc-1")
				if err != nil {
					return err
				}
				mu.Lock()
				seen = append(seen, node.Loading)
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Errorf("with lease: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, workers)
	for _, loading := range seen {
		require.GreaterOrEqual(t, loading, 1)
		require.LessOrEqual(t, loading, workers)
	}
	require.Equal(t, 0, loadings(t, store, model.NodeKindMPC)["mpc-1"])
}

func TestAcquireRetriesStoreUnavailable(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, &model.ComputingNode{ID: "psi-1", URL: "http://psi", Kind: model.NodeKindPSI})
	ctx := context.Background()

	flaky := &flakyNodeClient{NodeClient: store, failures: 2}
	mgr := NewManager(flaky, 3)
	mgr.retryBase = 1
	lease, err := mgr.Acquire(ctx, model.NodeKindPSI)
	require.NoError(t, err)
	require.Equal(t, 3, flaky.calls)
	require.NoError(t, lease.Release(ctx))

	flaky = &flakyNodeClient{NodeClient: store, failures: 5}
	mgr = NewManager(flaky, 3)
	mgr.retryBase = 1
	_, err = mgr.Acquire(ctx, model.NodeKindPSI)
	require.True(t, errors.Is(err, errors.ErrStoreUnavailable))
	require.Equal(t, 3, flaky.calls)

	// not retryable
	flaky = &flakyNodeClient{NodeClient: store}
	mgr = NewManager(flaky, 3)
	_, err = mgr.Acquire(ctx, model.NodeKindMPC)
	require.True(t, errors.Is(err, errors.ErrNoNodeAvailable))
	require.Equal(t, 1, flaky.calls)
}
