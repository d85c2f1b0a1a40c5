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

package asyncexec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pingcap/log"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/clock"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DefaultReapInterval is how often finished task handles are dropped.
const DefaultReapInterval = 3 * time.Second

// Target is the body of a task. ctx is cancelled when the task event is
// raised.
type Target func(ctx context.Context) error

// OnFinish is called once when a target returns.
type OnFinish func(taskID string, ok bool, err error)

type taskHandle struct {
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

func (h *taskHandle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ThreadExecutor runs each task in its own goroutine. A task is cancelled
// by raising its event in the shared EventManager.
type ThreadExecutor struct {
	events       *EventManager
	clk          clock.Clock
	reapInterval time.Duration

	mu    sync.Mutex
	tasks map[string]*taskHandle

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewThreadExecutor creates a ThreadExecutor.
func NewThreadExecutor(events *EventManager, clk clock.Clock, reapInterval time.Duration) *ThreadExecutor {
	if reapInterval <= 0 {
		reapInterval = DefaultReapInterval
	}
	return &ThreadExecutor{
		events:       events,
		clk:          clk,
		reapInterval: reapInterval,
		tasks:        make(map[string]*taskHandle),
	}
}

// Execute starts target under taskID. A task id can be reused once its
// previous run finished.
func (e *ThreadExecutor) Execute(ctx context.Context, taskID string, target Target, onFinish OnFinish) error {
	if e.closed.Load() {
		return errors.ErrInternal.GenWithStackByArgs("executor is closed")
	}

	e.mu.Lock()
	if h, ok := e.tasks[taskID]; ok && !h.finished() {
		e.mu.Unlock()
		return errors.ErrDuplicateJob.GenWithStackByArgs(taskID)
	}
	ev := e.events.AddEvent(taskID)
	taskCtx, cancel := context.WithCancel(ctx)
	h := &taskHandle{done: make(chan struct{}), cancel: cancel}
	e.tasks[taskID] = h
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer close(h.done)
		defer cancel()

		go func() {
			select {
			case <-ev.Done():
				cancel()
			case <-h.done:
			}
		}()

		h.err = runTarget(taskCtx, target)
		if onFinish != nil {
			onFinish(taskID, h.err == nil, h.err)
		}
	}()
	log.Debug("task launched", zap.String("task-id", taskID))
	return nil
}

func runTarget(ctx context.Context, target Target) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = errors.ErrInternal.GenWithStackByArgs(fmt.Sprintf("task panicked: %v", r))
		}
	}()
	return target(ctx)
}

// Kill raises the event of taskID and waits for the task to return.
func (e *ThreadExecutor) Kill(ctx context.Context, taskID string) error {
	if err := e.events.SetEvent(taskID); err != nil {
		return err
	}
	e.mu.Lock()
	h, ok := e.tasks[taskID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// Alive reports whether the task is still running.
func (e *ThreadExecutor) Alive(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.tasks[taskID]
	return ok && !h.finished()
}

// Done returns a channel closed when the task returns. The second value
// is false if the task is unknown or already reaped.
func (e *ThreadExecutor) Done(taskID string) (<-chan struct{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.tasks[taskID]
	if !ok {
		return nil, false
	}
	return h.done, true
}

// reap drops the handles of finished tasks and returns how many are left.
func (e *ThreadExecutor) reap() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, h := range e.tasks {
		if h.finished() {
			delete(e.tasks, id)
		}
	}
	return len(e.tasks)
}

// Run reaps finished handles until ctx is done.
func (e *ThreadExecutor) Run(ctx context.Context) error {
	ticker := e.clk.Ticker(e.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-ticker.C:
			if left := e.reap(); left > 0 {
				log.Debug("thread executor reaped", zap.Int("running", left))
			}
		}
	}
}

// Close cancels every running task and waits for them.
func (e *ThreadExecutor) Close() {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}
	e.mu.Lock()
	for _, h := range e.tasks {
		h.cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}
