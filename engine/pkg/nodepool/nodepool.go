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

	"github.com/pingcap/log"
	"github.com/wedpr-lab/ppc-scheduler/engine/model"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/orm"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"github.com/wedpr-lab/ppc-scheduler/pkg/retry"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const defaultStoreRetryDelayInMs = 200

// Manager leases computing nodes out of the metastore, least loaded first.
type Manager struct {
	cli       orm.NodeClient
	maxTries  int64
	retryBase int64
}

// NewManager creates a Manager. Store transport errors are retried up to
// maxTries times in total.
func NewManager(cli orm.NodeClient, maxTries int) *Manager {
	if maxTries <= 0 {
		maxTries = 1
	}
	return &Manager{
		cli:       cli,
		maxTries:  int64(maxTries),
		retryBase: defaultStoreRetryDelayInMs,
	}
}

// Lease is a counted reservation of one computing node.
type Lease struct {
	ID    string
	URL   string
	Token string
	Kind  model.NodeKind

	mgr      *Manager
	released atomic.Bool
}

// KindForWorkerType returns the node kind a worker type leases. The
// second value is false for worker types that run locally.
func KindForWorkerType(t model.WorkerType) (model.NodeKind, bool) {
	return model.NodeKindForWorkerType(t)
}

func (m *Manager) retryOpts() []retry.Option {
	return []retry.Option{
		retry.WithMaxTries(m.maxTries),
		retry.WithBackoffBaseDelay(m.retryBase),
		retry.WithBackoffMaxDelay(m.retryBase * 10),
		retry.WithIsRetryableErr(errors.IsRetryable),
	}
}

// Acquire leases the least loaded node of kind.
func (m *Manager) Acquire(ctx context.Context, kind model.NodeKind) (*Lease, error) {
	var node *model.ComputingNode
	err := retry.Do(ctx, func() error {
		var err error
		node, err = m.cli.AcquireLeastLoadedNode(ctx, kind)
		return err
	}, m.retryOpts()...)
	if err != nil {
		return nil, err
	}

	nodeLeaseGauge.WithLabelValues(string(kind), node.ID).Inc()
	log.Info("computing node leased",
		zap.String("kind", string(kind)),
		zap.String("node-id", node.ID),
		zap.Int("loading", node.Loading))
	return &Lease{
		ID:    node.ID,
		URL:   node.URL,
		Token: node.Token,
		Kind:  kind,
		mgr:   m,
	}, nil
}

// Release gives the lease back. Only the first call decrements the node
// loading, later calls are no-ops.
func (l *Lease) Release(ctx context.Context) error {
	if !l.released.CompareAndSwap(false, true) {
		return nil
	}
	// the lease is returned even when the caller is cancelled
	ctx = context.WithoutCancel(ctx)
	err := retry.Do(ctx, func() error {
		return l.mgr.cli.ReleaseNode(ctx, l.ID)
	}, l.mgr.retryOpts()...)
	if err != nil {
		log.Warn("release computing node failed",
			zap.String("node-id", l.ID), zap.Error(err))
		return err
	}
	nodeLeaseGauge.WithLabelValues(string(l.Kind), l.ID).Dec()
	log.Info("computing node released",
		zap.String("kind", string(l.Kind)), zap.String("node-id", l.ID))
	return nil
}

// WithLease runs fn with a lease of kind and releases it on every path.
// A release error is combined with the error of fn.
func (m *Manager) WithLease(ctx context.Context, kind model.NodeKind, fn func(*Lease) error) (err error) {
	lease, err := m.Acquire(ctx, kind)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, lease.Release(ctx))
	}()
	return fn(lease)
}
