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

package engines

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/mattn/go-shellwords"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/asyncexec"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"go.uber.org/zap"
)

type cappedBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); room < len(p) {
		b.truncated = true
		if room > 0 {
			b.Buffer.Write(p[:room])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p)
}

// runProcess runs cmd through the process executor and waits for it. A
// done ctx terminates the process group.
func runProcess(
	ctx context.Context, procs *asyncexec.ProcessExecutor, outputLimit int64, p Params, cmd *exec.Cmd,
) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.Trace(err)
	}
	out := cappedBuffer{limit: int(outputLimit)}
	cmd.Stdout = &out
	cmd.Stderr = &out
	if cmd.Dir == "" {
		if err := os.MkdirAll(p.JobCtx.Workspace, 0o755); err != nil {
			return 0, errors.WrapError(errors.ErrInternal, err, "create workspace")
		}
		cmd.Dir = p.JobCtx.Workspace
	}

	taskID := p.JobCtx.JobID + "/" + p.Worker.WorkerID
	proc, err := procs.Execute(taskID, cmd)
	if err != nil {
		return 0, err
	}
	select {
	case <-proc.Done():
	case <-ctx.Done():
		if err := procs.Kill(taskID); err != nil {
			p.Logger.Warn("terminate process failed", zap.String("task-id", taskID), zap.Error(err))
		}
		<-proc.Done()
		return 0, errors.Trace(ctx.Err())
	}

	p.Logger.Info("process exited",
		zap.Strings("command", cmd.Args),
		zap.Int("exit-code", proc.ExitCode()),
		zap.Bool("truncated", out.truncated),
		zap.String("output", out.String()))
	if proc.Err() != nil {
		return 0, errors.WrapError(errors.ErrInternal, proc.Err(), taskID)
	}
	return proc.ExitCode(), nil
}

type shellEngine struct {
	procs       *asyncexec.ProcessExecutor
	outputLimit int64
	strict      bool
	p           Params
}

func newShellEngine(deps *Deps, p Params) (Engine, error) {
	if _, ok := p.Worker.Args.String(0); !ok {
		return nil, errors.ErrParameterCheck.GenWithStackByArgs(
			"shell worker " + p.Worker.WorkerID + " has no command")
	}
	limit, err := deps.Config.OutputLimit()
	if err != nil {
		return nil, err
	}
	return &shellEngine{procs: deps.Processes, outputLimit: limit, strict: deps.Config.StrictShell, p: p}, nil
}

// Run executes args[0] with sh -c, the inputs are the positional
// parameters of the command.
func (e *shellEngine) Run(ctx context.Context, inputs []string) ([]string, error) {
	command, _ := e.p.Worker.Args.String(0)
	argv := append([]string{"-c", command, "sh"}, inputs...)
	code, err := runProcess(ctx, e.procs, e.outputLimit, e.p, exec.Command("sh", argv...))
	if err != nil {
		return nil, err
	}
	if e.strict && code != 0 {
		return nil, errors.ErrInternal.GenWithStackByArgs(
			fmt.Sprintf("command of worker %s exits with %d", e.p.Worker.WorkerID, code))
	}
	return []string{strconv.Itoa(code)}, nil
}

type pythonEngine struct {
	procs       *asyncexec.ProcessExecutor
	outputLimit int64
	interpreter string
	argv        []string
	p           Params
}

func newPythonEngine(deps *Deps, p Params) (Engine, error) {
	args := p.Worker.Args.Strings()
	if len(args) == 0 || args[0] == "" {
		return nil, errors.ErrParameterCheck.GenWithStackByArgs(
			"python worker " + p.Worker.WorkerID + " has no script")
	}
	// args[0] may carry options after the script name
	head, err := shellwords.Parse(args[0])
	if err != nil {
		return nil, errors.WrapError(errors.ErrParameterCheck, err, "script of worker "+p.Worker.WorkerID)
	}
	if len(head) == 0 {
		return nil, errors.ErrParameterCheck.GenWithStackByArgs(
			"python worker " + p.Worker.WorkerID + " has no script")
	}
	script := head[0]
	if !filepath.IsAbs(script) && deps.Config.ScriptDir != "" {
		script = filepath.Join(deps.Config.ScriptDir, script)
	}
	argv := append([]string{script}, head[1:]...)
	argv = append(argv, args[1:]...)

	interpreter := deps.Config.PythonInterpreter
	if interpreter == "" {
		interpreter = DefaultConfig().PythonInterpreter
	}
	limit, err := deps.Config.OutputLimit()
	if err != nil {
		return nil, err
	}
	return &pythonEngine{procs: deps.Processes, outputLimit: limit, interpreter: interpreter, argv: argv, p: p}, nil
}

func (e *pythonEngine) Run(ctx context.Context, inputs []string) ([]string, error) {
	argv := append(append([]string{}, e.argv...), inputs...)
	code, err := runProcess(ctx, e.procs, e.outputLimit, e.p, exec.Command(e.interpreter, argv...))
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, errors.ErrInternal.GenWithStackByArgs(
			fmt.Sprintf("script of worker %s exits with %d", e.p.Worker.WorkerID, code))
	}
	return []string{}, nil
}
