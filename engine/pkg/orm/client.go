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
	"encoding/json"
	"time"

	"github.com/VividCortex/mysqlerr"
	dmysql "github.com/go-sql-driver/mysql"
	"github.com/pingcap/log"
	"github.com/wedpr-lab/ppc-scheduler/engine/model"
	ormModel "github.com/wedpr-lab/ppc-scheduler/engine/pkg/orm/model"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var globalModels = []interface{}{
	&ormModel.JobWorker{},
	&ormModel.ComputingNode{},
}

// maxAcquireConflicts bounds the optimistic retries of one acquire.
const maxAcquireConflicts = 16

var errLoadingConflict = errors.New("computing node loading changed concurrently")

// Client defines the interface of the scheduler metastore.
type Client interface {
	WorkerClient
	NodeClient

	// Initialize creates the tables if they do not exist.
	Initialize(ctx context.Context) error
	Close() error
}

// WorkerClient defines interface that manages worker rows.
type WorkerClient interface {
	// InsertWorker inserts a PENDING worker. It is idempotent on
	// (job_id, worker_id) and reports whether a row was created.
	InsertWorker(ctx context.Context, worker *model.Worker) (bool, error)
	GetWorker(ctx context.Context, jobID, workerID string) (*model.Worker, error)
	QueryWorkersByJobID(ctx context.Context, jobID string) ([]*model.Worker, error)
	// UpdateWorker moves a worker to status and stores its outputs. Only
	// PENDING->RUNNING and RUNNING->SUCCESS|FAILURE commit.
	UpdateWorker(ctx context.Context, jobID, workerID string, status model.WorkerStatus, outputs []string) error
	// FailWorker moves a RUNNING worker to FAILURE and records the error.
	FailWorker(ctx context.Context, jobID, workerID string, errCode int, errMsg string) error
	// ResetWorker moves a worker back to PENDING and clears its outputs,
	// used when a terminated job is submitted again.
	ResetWorker(ctx context.Context, jobID, workerID string) error
}

// NodeClient defines interface that manages computing node rows.
type NodeClient interface {
	// UpsertNode provisions a node. The loading of an existing row is kept.
	UpsertNode(ctx context.Context, node *model.ComputingNode) error
	GetNode(ctx context.Context, id string) (*model.ComputingNode, error)
	QueryNodes(ctx context.Context, kind model.NodeKind) ([]*model.ComputingNode, error)
	// AcquireLeastLoadedNode atomically picks the node of kind with the
	// smallest loading, smallest id first, and increments its loading.
	AcquireLeastLoadedNode(ctx context.Context, kind model.NodeKind) (*model.ComputingNode, error)
	// ReleaseNode atomically decrements the loading, never below zero.
	ReleaseNode(ctx context.Context, id string) error
}

// NewClient returns a Client over an opened gorm DB.
func NewClient(db *gorm.DB) (Client, error) {
	if db == nil {
		return nil, errors.ErrInvalidConfig.GenWithStackByArgs("input db is nil")
	}
	return &metaOpsClient{db: db}, nil
}

// metaOpsClient is the meta operations client over gorm.
type metaOpsClient struct {
	db *gorm.DB
}

// Initialize implements Client.Initialize
func (c *metaOpsClient) Initialize(ctx context.Context) error {
	if err := c.db.WithContext(ctx).AutoMigrate(globalModels...); err != nil {
		return wrapStoreErr(err)
	}
	return nil
}

// Close implements Client.Close
func (c *metaOpsClient) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sqlDB.Close())
}

// wrapStoreErr classifies a gorm error. Errors reported by the mysql server
// are not retried, except lock conflicts and connection exhaustion.
func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	var myErr *dmysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlerr.ER_LOCK_DEADLOCK, mysqlerr.ER_LOCK_WAIT_TIMEOUT, mysqlerr.ER_CON_COUNT_ERROR:
			return errors.WrapError(errors.ErrStoreUnavailable, err)
		}
		return errors.WrapError(errors.ErrInternal, err, "metastore")
	}
	return errors.WrapError(errors.ErrStoreUnavailable, err)
}

////////////////////////////////// Worker Operation

func toWorkerRow(w *model.Worker) (*ormModel.JobWorker, error) {
	args := []byte("[]")
	if len(w.Args) > 0 {
		var err error
		if args, err = json.Marshal(w.Args); err != nil {
			return nil, errors.WrapError(errors.ErrParameterCheck, err, "worker args")
		}
	}
	return &ormModel.JobWorker{
		JobID:           w.JobID,
		WorkerID:        w.WorkerID,
		Type:            string(w.Type),
		Status:          string(w.Status),
		Args:            string(args),
		Upstreams:       EncodeStrings(w.Upstreams),
		InputsStatement: EncodeInputsStatement(w.InputsStatement),
		Outputs:         EncodeStrings(w.Outputs),
		Retries:         w.Retries,
		RetryDelayS:     int(w.RetryDelay / time.Second),
		ErrorCode:       w.ErrorCode,
		ErrorMessage:    w.ErrorMessage,
	}, nil
}

func fromWorkerRow(row *ormModel.JobWorker) (*model.Worker, error) {
	upstreams, err := DecodeStrings(row.Upstreams)
	if err != nil {
		return nil, err
	}
	inputs, err := DecodeInputsStatement(row.InputsStatement)
	if err != nil {
		return nil, err
	}
	outputs, err := DecodeStrings(row.Outputs)
	if err != nil {
		return nil, err
	}
	var args model.Args
	if row.Args != "" {
		if err := json.Unmarshal([]byte(row.Args), &args); err != nil {
			return nil, errors.WrapError(errors.ErrCodecFail, err, "worker args")
		}
	}
	return &model.Worker{
		JobID:           row.JobID,
		WorkerID:        row.WorkerID,
		Type:            model.WorkerType(row.Type),
		Status:          model.WorkerStatus(row.Status),
		Args:            args,
		Upstreams:       upstreams,
		InputsStatement: inputs,
		Outputs:         outputs,
		Retries:         row.Retries,
		RetryDelay:      time.Duration(row.RetryDelayS) * time.Second,
		ErrorCode:       row.ErrorCode,
		ErrorMessage:    row.ErrorMessage,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}, nil
}

// InsertWorker implements WorkerClient.InsertWorker
func (c *metaOpsClient) InsertWorker(ctx context.Context, worker *model.Worker) (bool, error) {
	if worker == nil {
		return false, errors.ErrParameterCheck.GenWithStackByArgs("input worker is nil")
	}
	row, err := toWorkerRow(worker)
	if err != nil {
		return false, err
	}

	var inserted bool
	err = c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "worker_id"}},
			DoNothing: true,
		}).Create(row)
		if result.Error != nil {
			return result.Error
		}
		inserted = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, wrapStoreErr(err)
	}
	return inserted, nil
}

// GetWorker implements WorkerClient.GetWorker
func (c *metaOpsClient) GetWorker(ctx context.Context, jobID, workerID string) (*model.Worker, error) {
	var row ormModel.JobWorker
	if err := c.db.WithContext(ctx).
		Where("job_id = ? AND worker_id = ?", jobID, workerID).
		First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.ErrWorkerNotFound.GenWithStackByArgs(jobID, workerID)
		}
		return nil, wrapStoreErr(err)
	}
	return fromWorkerRow(&row)
}

// QueryWorkersByJobID implements WorkerClient.QueryWorkersByJobID
func (c *metaOpsClient) QueryWorkersByJobID(ctx context.Context, jobID string) ([]*model.Worker, error) {
	var rows []*ormModel.JobWorker
	if err := c.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("seq_id").
		Find(&rows).Error; err != nil {
		return nil, wrapStoreErr(err)
	}

	workers := make([]*model.Worker, 0, len(rows))
	for _, row := range rows {
		w, err := fromWorkerRow(row)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// UpdateWorker implements WorkerClient.UpdateWorker
func (c *metaOpsClient) UpdateWorker(
	ctx context.Context, jobID, workerID string, status model.WorkerStatus, outputs []string,
) error {
	values := map[string]interface{}{
		"status":  string(status),
		"outputs": EncodeStrings(outputs),
	}
	return c.transit(ctx, jobID, workerID, status, values)
}

// FailWorker implements WorkerClient.FailWorker
func (c *metaOpsClient) FailWorker(ctx context.Context, jobID, workerID string, errCode int, errMsg string) error {
	values := map[string]interface{}{
		"status":        string(model.WorkerStatusFailure),
		"outputs":       EncodeStrings(nil),
		"error_code":    errCode,
		"error_message": errMsg,
	}
	return c.transit(ctx, jobID, workerID, model.WorkerStatusFailure, values)
}

// transit commits a guarded status transition. The conditional update is
// the only write, so a transition either fully commits or not at all.
func (c *metaOpsClient) transit(
	ctx context.Context, jobID, workerID string, to model.WorkerStatus, values map[string]interface{},
) error {
	from, ok := to.Predecessor()
	if !ok {
		return errors.ErrIllegalStatusTransition.GenWithStackByArgs(jobID, workerID, "-", to)
	}
	values["updated_at"] = time.Now()

	var current string
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&ormModel.JobWorker{}).
			Where("job_id = ? AND worker_id = ? AND status = ?", jobID, workerID, string(from)).
			Updates(values)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return nil
		}
		var row ormModel.JobWorker
		if err := tx.Select("status").
			Where("job_id = ? AND worker_id = ?", jobID, workerID).
			First(&row).Error; err != nil {
			return err
		}
		current = row.Status
		return nil
	})
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return errors.ErrWorkerNotFound.GenWithStackByArgs(jobID, workerID)
		}
		return wrapStoreErr(err)
	}
	if current != "" {
		return errors.ErrIllegalStatusTransition.GenWithStackByArgs(jobID, workerID, current, to)
	}
	return nil
}

// ResetWorker implements WorkerClient.ResetWorker
func (c *metaOpsClient) ResetWorker(ctx context.Context, jobID, workerID string) error {
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&ormModel.JobWorker{}).
			Where("job_id = ? AND worker_id = ?", jobID, workerID).
			Updates(map[string]interface{}{
				"status":        string(model.WorkerStatusPending),
				"outputs":       EncodeStrings(nil),
				"error_code":    0,
				"error_message": "",
				"updated_at":    time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return errors.ErrWorkerNotFound.GenWithStackByArgs(jobID, workerID)
		}
		return wrapStoreErr(err)
	}
	return nil
}

////////////////////////////////// Computing Node Operation

func fromNodeRow(row *ormModel.ComputingNode) *model.ComputingNode {
	return &model.ComputingNode{
		ID:      row.ID,
		URL:     row.URL,
		Kind:    model.NodeKind(row.Type),
		Token:   row.Token,
		Loading: row.Loading,
	}
}

// UpsertNode implements NodeClient.UpsertNode
func (c *metaOpsClient) UpsertNode(ctx context.Context, node *model.ComputingNode) error {
	if node == nil {
		return errors.ErrParameterCheck.GenWithStackByArgs("input node is nil")
	}
	if node.Loading < 0 {
		return errors.ErrParameterCheck.GenWithStackByArgs("negative loading of node " + node.ID)
	}
	row := &ormModel.ComputingNode{
		ID:      node.ID,
		URL:     node.URL,
		Type:    string(node.Kind),
		Token:   node.Token,
		Loading: node.Loading,
	}
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"url", "type", "token", "updated_at"}),
		}).Create(row).Error
	})
	return wrapStoreErr(err)
}

// GetNode implements NodeClient.GetNode
func (c *metaOpsClient) GetNode(ctx context.Context, id string) (*model.ComputingNode, error) {
	var row ormModel.ComputingNode
	if err := c.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, errors.ErrParameterCheck.GenWithStackByArgs("computing node " + id + " not found")
		}
		return nil, wrapStoreErr(err)
	}
	return fromNodeRow(&row), nil
}

// QueryNodes implements NodeClient.QueryNodes
func (c *metaOpsClient) QueryNodes(ctx context.Context, kind model.NodeKind) ([]*model.ComputingNode, error) {
	var rows []*ormModel.ComputingNode
	if err := c.db.WithContext(ctx).
		Where("type = ?", string(kind)).
		Order("id").
		Find(&rows).Error; err != nil {
		return nil, wrapStoreErr(err)
	}
	nodes := make([]*model.ComputingNode, 0, len(rows))
	for _, row := range rows {
		nodes = append(nodes, fromNodeRow(row))
	}
	return nodes, nil
}

// AcquireLeastLoadedNode implements NodeClient.AcquireLeastLoadedNode
func (c *metaOpsClient) AcquireLeastLoadedNode(ctx context.Context, kind model.NodeKind) (*model.ComputingNode, error) {
	for i := 0; i < maxAcquireConflicts; i++ {
		var picked ormModel.ComputingNode
		err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("type = ?", string(kind)).
				Order("loading ASC").Order("id ASC").
				First(&picked).Error; err != nil {
				return err
			}
			// compare-and-swap on loading, another acquirer may have won
			result := tx.Model(&ormModel.ComputingNode{}).
				Where("id = ? AND loading = ?", picked.ID, picked.Loading).
				Updates(map[string]interface{}{
					"loading":    gorm.Expr("loading + ?", 1),
					"updated_at": time.Now(),
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return errLoadingConflict
			}
			picked.Loading++
			return nil
		})
		switch {
		case err == nil:
			return fromNodeRow(&picked), nil
		case err == gorm.ErrRecordNotFound:
			return nil, errors.ErrNoNodeAvailable.GenWithStackByArgs(kind)
		case err == errLoadingConflict:
			log.Debug("acquire computing node conflicted, retry",
				zap.String("kind", string(kind)), zap.String("node-id", picked.ID))
			continue
		default:
			return nil, wrapStoreErr(err)
		}
	}
	return nil, errors.WrapError(errors.ErrStoreUnavailable, errLoadingConflict)
}

// ReleaseNode implements NodeClient.ReleaseNode
func (c *metaOpsClient) ReleaseNode(ctx context.Context, id string) error {
	var affected int64
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&ormModel.ComputingNode{}).
			Where("id = ? AND loading > 0", id).
			Updates(map[string]interface{}{
				"loading":    gorm.Expr("loading - ?", 1),
				"updated_at": time.Now(),
			})
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return wrapStoreErr(err)
	}
	if affected == 0 {
		log.Warn("release computing node without outstanding lease", zap.String("node-id", id))
	}
	return nil
}
