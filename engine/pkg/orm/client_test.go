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

package orm

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	dmysql "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wedpr-lab/ppc-scheduler/engine/model"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
)

func newTestClient(t *testing.T) Client {
	cli, err := NewMockClient()
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func newTestWorker(jobID, workerID string) *model.Worker {
	return &model.Worker{
		JobID:     jobID,
		WorkerID:  workerID,
		Type:      model.WorkerTypeShell,
		Status:    model.WorkerStatusPending,
		Args:      model.Args{json.RawMessage(`"echo ok"`)},
		Upstreams: []string{"up:1", ""},
		InputsStatement: []model.InputStatement{
			{Upstream: "up:1", OutputIndex: 2},
		},
		Outputs:    []string{},
		Retries:    2,
		RetryDelay: 3 * time.Second,
	}
}

func TestWorkerLifecycle(t *testing.T) {
	t.Parallel()

	cli := newTestClient(t)
	ctx := context.Background()

	w := newTestWorker("j1", "w1")
	inserted, err := cli.InsertWorker(ctx, w)
	require.NoError(t, err)
	require.True(t, inserted)

	// idempotent on (job_id, worker_id)
	dup := newTestWorker("j1", "w1")
	dup.Args = model.Args{json.RawMessage(`"echo changed"`)}
	inserted, err = cli.InsertWorker(ctx, dup)
	require.NoError(t, err)
	require.False(t, inserted)

	// same worker id in another job is another row
	inserted, err = cli.InsertWorker(ctx, newTestWorker("j2", "w1"))
	require.NoError(t, err)
	require.True(t, inserted)

	got, err := cli.GetWorker(ctx, "j1", "w1")
	require.NoError(t, err)
	require.Equal(t, model.WorkerStatusPending, got.Status)
	require.Equal(t, w.Upstreams, got.Upstreams)
	require.Equal(t, w.InputsStatement, got.InputsStatement)
	require.Equal(t, []string{}, got.Outputs)
	require.Equal(t, 2, got.Retries)
	require.Equal(t, 3*time.Second, got.RetryDelay)
	s, _ := got.Args.String(0)
	require.Equal(t, "echo ok", s)

	// PENDING -> SUCCESS is illegal
	err = cli.UpdateWorker(ctx, "j1", "w1", model.WorkerStatusSuccess, []string{"0"})
	require.True(t, errors.Is(err, errors.ErrIllegalStatusTransition))

	require.NoError(t, cli.UpdateWorker(ctx, "j1", "w1", model.WorkerStatusRunning, nil))
	err = cli.UpdateWorker(ctx, "j1", "w1", model.WorkerStatusRunning, nil)
	require.True(t, errors.Is(err, errors.ErrIllegalStatusTransition))

	outputs := []string{"0", "", "a:b"}
	require.NoError(t, cli.UpdateWorker(ctx, "j1", "w1", model.WorkerStatusSuccess, outputs))
	got, err = cli.GetWorker(ctx, "j1", "w1")
	require.NoError(t, err)
	require.Equal(t, model.WorkerStatusSuccess, got.Status)
	require.Equal(t, outputs, got.Outputs)

	// terminal is final
	err = cli.FailWorker(ctx, "j1", "w1", 10008, "boom")
	require.True(t, errors.Is(err, errors.ErrIllegalStatusTransition))

	err = cli.UpdateWorker(ctx, "j1", "missing", model.WorkerStatusRunning, nil)
	require.True(t, errors.Is(err, errors.ErrWorkerNotFound))
	_, err = cli.GetWorker(ctx, "j1", "missing")
	require.True(t, errors.Is(err, errors.ErrWorkerNotFound))

	workers, err := cli.QueryWorkersByJobID(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, workers, 1)
}

func TestFailAndResetWorker(t *testing.T) {
	t.Parallel()

	cli := newTestClient(t)
	ctx := context.Background()

	_, err := cli.InsertWorker(ctx, newTestWorker("j1", "w1"))
	require.NoError(t, err)
	require.NoError(t, cli.UpdateWorker(ctx, "j1", "w1", model.WorkerStatusRunning, nil))
	require.NoError(t, cli.FailWorker(ctx, "j1", "w1", 10009, "job j1 is cancelled"))

	got, err := cli.GetWorker(ctx, "j1", "w1")
	require.NoError(t, err)
	require.Equal(t, model.WorkerStatusFailure, got.Status)
	require.Equal(t, 10009, got.ErrorCode)
	require.Equal(t, "job j1 is cancelled", got.ErrorMessage)
	require.Empty(t, got.Outputs)

	require.NoError(t, cli.ResetWorker(ctx, "j1", "w1"))
	got, err = cli.GetWorker(ctx, "j1", "w1")
	require.NoError(t, err)
	require.Equal(t, model.WorkerStatusPending, got.Status)
	require.Zero(t, got.ErrorCode)

	err = cli.ResetWorker(ctx, "j1", "missing")
	require.True(t, errors.Is(err, errors.ErrWorkerNotFound))
}

func TestAcquireLeastLoadedNode(t *testing.T) {
	t.Parallel()

	cli := newTestClient(t)
	ctx := context.Background()

	for _, n := range []*model.ComputingNode{
		{ID: "m1", URL: "http://m1", Kind: model.NodeKindModel, Loading: 2},
		{ID: "m2", URL: "http://m2", Kind: model.NodeKindModel, Loading: 0},
		{ID: "m3", URL: "http://m3", Kind: model.NodeKindModel, Loading: 1},
		{ID: "p1", URL: "http://p1", Kind: model.NodeKindPSI},
	} {
		require.NoError(t, cli.UpsertNode(ctx, n))
	}

	node, err := cli.AcquireLeastLoadedNode(ctx, model.NodeKindModel)
	require.NoError(t, err)
	require.Equal(t, "m2", node.ID)
	require.Equal(t, 1, node.Loading)

	// m2 and m3 both have loading 1 now, smallest id wins
	node, err = cli.AcquireLeastLoadedNode(ctx, model.NodeKindModel)
	require.NoError(t, err)
	require.Equal(t, "m2", node.ID)

	node, err = cli.AcquireLeastLoadedNode(ctx, model.NodeKindModel)
	require.NoError(t, err)
	require.Equal(t, "m3", node.ID)

	_, err = cli.AcquireLeastLoadedNode(ctx, model.NodeKindMPC)
	require.True(t, errors.Is(err, errors.ErrNoNodeAvailable))

	require.NoError(t, cli.ReleaseNode(ctx, "m2"))
	require.NoError(t, cli.ReleaseNode(ctx, "m2"))
	require.NoError(t, cli.ReleaseNode(ctx, "m3"))
	// clamp at zero
	require.NoError(t, cli.ReleaseNode(ctx, "m2"))

	nodes, err := cli.QueryNodes(ctx, model.NodeKindModel)
	require.NoError(t, err)
	loading := map[string]int{}
	for _, n := range nodes {
		loading[n.ID] = n.Loading
	}
	require.Equal(t, map[string]int{"m1": 2, "m2": 0, "m3": 1}, loading)

	// upsert keeps the loading of an existing node
	_, err = cli.AcquireLeastLoadedNode(ctx, model.NodeKindPSI)
	require.NoError(t, err)
	require.NoError(t, cli.UpsertNode(ctx, &model.ComputingNode{ID: "p1", URL: "http://p1:8080", Kind: model.NodeKindPSI}))
	node, err = cli.GetNode(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, node.Loading)
	require.Equal(t, "http://p1:8080", node.URL)
}

func TestConcurrentAcquire(t *testing.T) {
	t.Parallel()

	cli := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, cli.UpsertNode(ctx, &model.ComputingNode{ID: "p1", URL: "http://p1", Kind: model.NodeKindPSI}))

	const leases = 20
	var wg sync.WaitGroup
	for i := 0; i < leases; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cli.AcquireLeastLoadedNode(ctx, model.NodeKindPSI)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	node, err := cli.GetNode(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, leases, node.Loading)

	for i := 0; i < leases; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, cli.ReleaseNode(ctx, "p1"))
		}()
	}
	wg.Wait()
	node, err = cli.GetNode(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 0, node.Loading)
}

func mockGetDBConn(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.Nil(t, err)
	// common execution for orm
	mock.ExpectQuery("SELECT VERSION()").
		WillReturnRows(sqlmock.NewRows([]string{"VERSION()"}).AddRow("5.7.35-log"))
	return db, mock
}

func TestStoreErrorClassification(t *testing.T) {
	t.Parallel()

	sqlDB, mock := mockGetDBConn(t)
	defer sqlDB.Close()
	gormDB, err := newGormDBFromConn(sqlDB)
	require.NoError(t, err)
	cli, err := NewClient(gormDB)
	require.NoError(t, err)
	ctx := context.Background()

	mock.ExpectQuery("SELECT \\* FROM `job_worker` WHERE job_id = \\?").
		WithArgs("j1").
		WillReturnError(errors.New("dial tcp 127.0.0.1:3306: connection refused"))
	_, err = cli.QueryWorkersByJobID(ctx, "j1")
	require.True(t, errors.Is(err, errors.ErrStoreUnavailable))
	require.True(t, errors.IsRetryable(err))

	mock.ExpectQuery("SELECT \\* FROM `job_worker` WHERE job_id = \\?").
		WithArgs("j1").
		WillReturnError(&dmysql.MySQLError{Number: 1146, Message: "Table 'job_worker' doesn't exist"})
	_, err = cli.QueryWorkersByJobID(ctx, "j1")
	require.True(t, errors.Is(err, errors.ErrInternal))
	require.False(t, errors.IsRetryable(err))

	mock.ExpectQuery("SELECT \\* FROM `job_worker` WHERE job_id = \\?").
		WithArgs("j1").
		WillReturnError(&dmysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"})
	_, err = cli.QueryWorkersByJobID(ctx, "j1")
	require.True(t, errors.Is(err, errors.ErrStoreUnavailable))
	require.True(t, errors.IsRetryable(err))

	mock.ExpectBegin().WillReturnError(errors.New("invalid connection"))
	err = cli.ReleaseNode(ctx, "p1")
	require.True(t, errors.Is(err, errors.ErrStoreUnavailable))

	require.NoError(t, mock.ExpectationsWereMet())

	_, err = NewClient(nil)
	require.True(t, errors.Is(err, errors.ErrInvalidConfig))
}
