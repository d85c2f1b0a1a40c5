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
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/pingcap/log"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/clock"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Process is a subprocess started by a ProcessExecutor.
type Process struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
	err      error
	killed   atomic.Bool
}

// Done is closed once the process exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the exit code, -1 if the process was terminated by a
// signal. Valid after Done is closed.
func (p *Process) ExitCode() int {
	return p.exitCode
}

// Err returns the error of a process that could not be waited for, nil
// for any process that exited, whatever its code.
func (p *Process) Err() error {
	return p.err
}

// Killed reports whether the process was terminated through Kill.
func (p *Process) Killed() bool {
	return p.killed.Load()
}

// ProcessExecutor runs tasks as subprocesses. The subprocess is opaque:
// there is no completion callback, callers watch Done and ExitCode.
type ProcessExecutor struct {
	clk          clock.Clock
	reapInterval time.Duration

	mu    sync.Mutex
	procs map[string]*Process
}

// NewProcessExecutor creates a ProcessExecutor.
func NewProcessExecutor(clk clock.Clock, reapInterval time.Duration) *ProcessExecutor {
	if reapInterval <= 0 {
		reapInterval = DefaultReapInterval
	}
	return &ProcessExecutor{
		clk:          clk,
		reapInterval: reapInterval,
		procs:        make(map[string]*Process),
	}
}

// Execute starts cmd under taskID. The command runs in its own process
// group so that Kill reaches its children too.
func (e *ProcessExecutor) Execute(taskID string, cmd *exec.Cmd) (*Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.procs[taskID]; ok {
		select {
		case <-p.done:
		default:
			return nil, errors.ErrDuplicateJob.GenWithStackByArgs(taskID)
		}
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	if err := cmd.Start(); err != nil {
		return nil, errors.WrapError(errors.ErrInternal, err, "start process of task "+taskID)
	}

	p := &Process{cmd: cmd, done: make(chan struct{})}
	e.procs[taskID] = p
	go func() {
		defer close(p.done)
		err := cmd.Wait()
		p.exitCode = cmd.ProcessState.ExitCode()
		if err != nil {
			if _, ok := err.(*exec.ExitError); !ok {
				p.err = errors.Trace(err)
			}
		}
		log.Debug("process exited",
			zap.String("task-id", taskID), zap.Int("pid", cmd.Process.Pid), zap.Int("exit-code", p.exitCode))
	}()
	log.Debug("process started", zap.String("task-id", taskID), zap.Int("pid", cmd.Process.Pid))
	return p, nil
}

// Kill sends SIGTERM to the process group of taskID.
func (e *ProcessExecutor) Kill(taskID string) error {
	e.mu.Lock()
	p, ok := e.procs[taskID]
	e.mu.Unlock()
	if !ok {
		return errors.ErrUnknownTask.GenWithStackByArgs(taskID)
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	p.killed.Store(true)
	if err := unix.Kill(-p.cmd.Process.Pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return errors.WrapError(errors.ErrInternal, err, "kill process of task "+taskID)
	}
	log.Info("process terminated", zap.String("task-id", taskID), zap.Int("pid", p.cmd.Process.Pid))
	return nil
}

// Alive reports whether the process of taskID is running.
func (e *ProcessExecutor) Alive(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.procs[taskID]
	if !ok {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (e *ProcessExecutor) reap() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, p := range e.procs {
		select {
		case <-p.done:
			delete(e.procs, id)
		default:
		}
	}
	return len(e.procs)
}

// Run reaps exited processes until ctx is done.
func (e *ProcessExecutor) Run(ctx context.Context) error {
	ticker := e.clk.Ticker(e.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errors.Trace(ctx.Err())
		case <-ticker.C:
			e.reap()
		}
	}
}

// Close terminates every running process.
func (e *ProcessExecutor) Close() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.procs))
	for id := range e.procs {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		_ = e.Kill(id)
	}
}
