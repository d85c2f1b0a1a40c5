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

package servermaster

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pingcap/log"
	"github.com/wedpr-lab/ppc-scheduler/engine/client"
	"github.com/wedpr-lab/ppc-scheduler/engine/jobmanager"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/asyncexec"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/clock"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/nodepool"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/orm"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/storage"
	"github.com/wedpr-lab/ppc-scheduler/engine/scheduler"
	"github.com/wedpr-lab/ppc-scheduler/engine/worker"
	"github.com/wedpr-lab/ppc-scheduler/engine/worker/engines"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"github.com/wedpr-lab/ppc-scheduler/pkg/httputil"
	"github.com/wedpr-lab/ppc-scheduler/pkg/logutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	httpConnectionTimeout = 10 * time.Second
	shutdownTimeout       = 30 * time.Second
	reapInterval          = 5 * time.Second
	storeInitTimeout      = 30 * time.Second
)

// Server serves the job API of the scheduler and owns every component
// behind it.
type Server struct {
	cfg *Config

	store      orm.Client
	processes  *asyncexec.ProcessExecutor
	threads    *asyncexec.ThreadExecutor
	jobManager *jobmanager.Manager
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer opens the metastore and the artifact storage described by
// cfg, seeds the computing nodes and builds the server.
func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	db, err := orm.NewGormDB(cfg.MetaStore)
	if err != nil {
		return nil, err
	}
	store, err := orm.NewClient(db)
	if err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, storeInitTimeout)
	defer cancel()
	if err := store.Initialize(initCtx); err != nil {
		_ = store.Close()
		return nil, err
	}
	for _, node := range cfg.ComputingNodes {
		if err := store.UpsertNode(initCtx, node); err != nil {
			_ = store.Close()
			return nil, err
		}
		log.Info("computing node registered",
			zap.String("node-id", node.ID),
			zap.String("kind", string(node.Kind)),
			zap.String("url", node.URL))
	}

	st, err := storage.New(initCtx, cfg.Storage)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	clk := clock.New()
	clients := client.NewFactory(cfg.Clients.ClientConfig(), clk, logutil.NewLogger4Component("client"))
	return newServer(cfg, store, st, clients, clk), nil
}

// newServer wires the components of the scheduler around opened
// resources.
func newServer(
	cfg *Config, store orm.Client, st storage.Storage, clients client.Factory, clk clock.Clock,
) *Server {
	processes := asyncexec.NewProcessExecutor(clk, reapInterval)
	artifacts := &engines.Artifacts{Storage: st, SharedLogFile: cfg.LogConf.File}
	rt := &worker.Runtime{
		Store: store,
		Pool:  nodepool.NewManager(store, cfg.MetaStore.MaxRetries),
		Engines: &engines.Deps{
			Clients:   clients,
			Processes: processes,
			HTTP: httputil.NewClient(httputil.Config{
				MaxRetries: cfg.Clients.MaxRetries,
				RetryDelay: cfg.Clients.RetryDelay,
			}),
			Artifacts: artifacts,
			Config:    cfg.Scheduler.Config,
		},
		StoreMaxTries: cfg.MetaStore.MaxRetries,
	}

	events := asyncexec.NewEventManager()
	threads := asyncexec.NewThreadExecutor(events, clk, reapInterval)
	jobManager := jobmanager.NewManager(jobmanager.Config{
		WorkspaceRoot:   cfg.Workspace,
		StorageBasePath: cfg.StorageBasePath,
		JobTimeout:      cfg.JobTimeout,
		CheckInterval:   cfg.CheckInterval,
		StoreMaxTries:   cfg.MetaStore.MaxRetries,
	}, store, scheduler.New(rt, cfg.Scheduler.PoolSize), threads, events, artifacts, clk)

	// discard gin log output
	gin.DefaultWriter = io.Discard
	return &Server{
		cfg:        cfg,
		store:      store,
		processes:  processes,
		threads:    threads,
		jobManager: jobManager,
		router:     newRouter(NewOpenAPI(jobManager), registry),
	}
}

// Run serves the job API until ctx is done, then stops accepting
// requests, kills the running jobs and closes the metastore.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.close()
		return errors.WrapError(errors.ErrInternal, err, "listen on "+s.cfg.Addr)
	}
	return s.serve(ctx, lis)
}

func (s *Server) serve(ctx context.Context, lis net.Listener) error {
	defer s.close()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: httpConnectionTimeout,
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return s.threads.Run(ctx)
	})
	wg.Go(func() error {
		return s.processes.Run(ctx)
	})
	wg.Go(func() error {
		return s.jobManager.RunBackground(ctx)
	})
	wg.Go(func() error {
		return s.watchJobs(ctx)
	})
	wg.Go(func() error {
		log.Info("scheduler http server is running", zap.String("addr", lis.Addr().String()))
		err := s.httpServer.Serve(lis)
		if err != nil && err != http.ErrServerClosed {
			return errors.WrapError(errors.ErrInternal, err, "serve http")
		}
		return nil
	})
	wg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown http server failed", zap.Error(err))
		}
		return errors.Trace(ctx.Err())
	})
	return wg.Wait()
}

// watchJobs logs every job status change.
func (s *Server) watchJobs(ctx context.Context) error {
	receiver := s.jobManager.WatchJobs()
	defer receiver.Close()
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case change, ok := <-receiver.C:
			if !ok {
				return nil
			}
			log.Info("job status changed",
				zap.String("job-id", change.JobID),
				zap.String("status", string(change.Status)),
				zap.Error(change.Err))
		}
	}
}

func (s *Server) close() {
	s.jobManager.Close()
	s.processes.Close()
	if err := s.store.Close(); err != nil {
		log.Warn("close metastore failed", zap.Error(err))
	}
	log.Info("scheduler server closed")
}
