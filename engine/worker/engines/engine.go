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
	"context"

	"github.com/docker/go-units"
	"github.com/wedpr-lab/ppc-scheduler/engine/client"
	"github.com/wedpr-lab/ppc-scheduler/engine/model"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/asyncexec"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/nodepool"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"github.com/wedpr-lab/ppc-scheduler/pkg/httputil"
	"go.uber.org/zap"
)

// Engine performs the work of one worker.
type Engine interface {
	// Run consumes the materialized inputs of the worker and returns its
	// outputs.
	Run(ctx context.Context, inputs []string) ([]string, error)
}

// Config tunes the local engines.
type Config struct {
	// StrictShell fails a SHELL worker whose command exits non zero.
	StrictShell bool `toml:"strict-shell" json:"strict-shell"`
	// PythonInterpreter runs PYTHON workers.
	PythonInterpreter string `toml:"python-interpreter" json:"python-interpreter"`
	// ScriptDir resolves relative PYTHON script names.
	ScriptDir string `toml:"script-dir" json:"script-dir"`
	// RPCToken authenticates PSI tasks. The token of the leased node is
	// used when empty.
	RPCToken string `toml:"rpc-token" json:"-"`
	// MaxOutputSize caps the process output copied to the job log, such
	// as "64KiB" or "1MB".
	MaxOutputSize string `toml:"max-output-size" json:"max-output-size"`
}

const defaultMaxOutputSize = "64KiB"

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{PythonInterpreter: "python3", MaxOutputSize: defaultMaxOutputSize}
}

// OutputLimit parses MaxOutputSize into bytes.
func (c Config) OutputLimit() (int64, error) {
	size := c.MaxOutputSize
	if size == "" {
		size = defaultMaxOutputSize
	}
	limit, err := units.RAMInBytes(size)
	if err != nil {
		return 0, errors.WrapError(errors.ErrInvalidConfig, err, "max-output-size")
	}
	if limit <= 0 {
		return 0, errors.ErrInvalidConfig.GenWithStackByArgs("max-output-size must be positive")
	}
	return limit, nil
}

// ArtifactUploader saves the job log and the workflow view of a job.
type ArtifactUploader interface {
	UploadArtifacts(ctx context.Context, jobCtx *model.JobContext) error
}

// Deps are the collaborators shared by every engine.
type Deps struct {
	Clients   client.Factory
	Processes *asyncexec.ProcessExecutor
	HTTP      *httputil.Client
	Artifacts ArtifactUploader
	Config    Config
}

// Params identify the worker an engine is built for.
type Params struct {
	JobCtx *model.JobContext
	Worker *model.Worker
	// Lease is the computing node of PSI, MPC and model workers.
	Lease  *nodepool.Lease
	Logger *zap.Logger
}

type constructor func(deps *Deps, p Params) (Engine, error)

var constructors = map[model.WorkerType]constructor{
	model.WorkerTypePSI:                newPSIEngine,
	model.WorkerTypeMLPSI:              newPSIEngine,
	model.WorkerTypeMPC:                newMPCEngine,
	model.WorkerTypePreprocessing:      newModelEngine,
	model.WorkerTypeFeatureEngineering: newModelEngine,
	model.WorkerTypeTraining:           newModelEngine,
	model.WorkerTypePrediction:         newModelEngine,
	model.WorkerTypeShell:              newShellEngine,
	model.WorkerTypePython:             newPythonEngine,
	model.WorkerTypeAPI:                newAPIEngine,
	model.WorkerTypeOnSuccess:          newSuccessEngine,
	model.WorkerTypeOnFailure:          newFailureEngine,
}

// New builds the engine of p.Worker.
func New(deps *Deps, p Params) (Engine, error) {
	ctor, ok := constructors[p.Worker.Type]
	if !ok {
		return nil, errors.ErrUnsupportedWorkerType.GenWithStackByArgs(string(p.Worker.Type))
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	if _, leased := nodepool.KindForWorkerType(p.Worker.Type); leased && p.Lease == nil {
		return nil, errors.ErrParameterCheck.GenWithStackByArgs(
			"worker " + p.Worker.WorkerID + " runs without a computing node")
	}
	return ctor(deps, p)
}

func (p Params) endpoint() client.Endpoint {
	return client.Endpoint{URL: p.Lease.URL, Token: p.Lease.Token}
}

// decodeObject decodes args[0] as a JSON object. Missing args give an
// empty object.
func decodeObject(args model.Args) (map[string]interface{}, error) {
	obj := map[string]interface{}{}
	if len(args) == 0 {
		return obj, nil
	}
	if err := args.Decode(0, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = map[string]interface{}{}
	}
	return obj, nil
}
