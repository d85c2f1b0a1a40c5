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

package server

import (
	"context"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	cmdutil "github.com/wedpr-lab/ppc-scheduler/engine/pkg/cmd/util"
	"github.com/wedpr-lab/ppc-scheduler/engine/servermaster"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"github.com/wedpr-lab/ppc-scheduler/pkg/logutil"
	"github.com/wedpr-lab/ppc-scheduler/pkg/util"
	"github.com/wedpr-lab/ppc-scheduler/pkg/version"
	"go.uber.org/zap"
)

// options defines flags for the `server` command.
type options struct {
	serverConfig         *servermaster.Config
	serverConfigFilePath string
}

// newOptions creates new options for the `server` command.
func newOptions() *options {
	return &options{
		serverConfig: servermaster.GetDefaultConfig(),
	}
}

// addFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.serverConfig.Addr, "addr", o.serverConfig.Addr, "Set the listening address of the job API")
	cmd.Flags().StringVar(&o.serverConfig.Workspace, "workspace", o.serverConfig.Workspace, "Directory holding the workspace of every job")
	cmd.Flags().IntVar(&o.serverConfig.Scheduler.PoolSize, "pool-size", o.serverConfig.Scheduler.PoolSize, "Max workers running at once in one job, 0 means the number of CPUs")
	cmd.Flags().StringVar(&o.serverConfig.JobTimeoutStr, "job-timeout", o.serverConfig.JobTimeoutStr, "Kill jobs running longer than this duration")

	cmd.Flags().StringVar(&o.serverConfigFilePath, "config", "", "Path of the configuration file")
	cmd.Flags().StringVar(&o.serverConfig.LogConf.File, "log-file", o.serverConfig.LogConf.File, "log file path")
	cmd.Flags().StringVar(&o.serverConfig.LogConf.Level, "log-level", o.serverConfig.LogConf.Level, "log level (etc: debug|info|warn|error)")
}

// run runs the server cmd.
func (o *options) run(cmd *cobra.Command) error {
	err := logutil.InitLogger(&o.serverConfig.LogConf)
	if err != nil {
		return errors.Trace(err)
	}

	version.LogVersionInfo()
	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	log.Info("scheduler config", zap.Stringer("config", o.serverConfig))
	if _, err := util.SetGoMemoryLimit(o.serverConfig.MemoryLimitRatio); err != nil {
		log.Warn("set go memory limit failed", zap.Error(err))
	}

	ctx, cancel := cmdutil.InitCmd()
	defer cancel()

	server, err := servermaster.NewServer(ctx, o.serverConfig)
	if err != nil {
		log.Error("create scheduler server failed", zap.Error(err))
		return errors.Trace(err)
	}
	err = server.Run(ctx)
	if err != nil && errors.Cause(err) != context.Canceled {
		log.Error("run scheduler server with error", zap.Error(err))
		return errors.Trace(err)
	}
	log.Info("scheduler server exits successfully")

	return nil
}

// complete adapts from the command line args and config file to the data required.
func (o *options) complete(cmd *cobra.Command) error {
	cfg := servermaster.GetDefaultConfig()

	if len(o.serverConfigFilePath) > 0 {
		if err := cfg.ConfigFromFile(o.serverConfigFilePath); err != nil {
			return err
		}
	}

	cmd.Flags().Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "addr":
			cfg.Addr = o.serverConfig.Addr
		case "workspace":
			cfg.Workspace = o.serverConfig.Workspace
		case "pool-size":
			cfg.Scheduler.PoolSize = o.serverConfig.Scheduler.PoolSize
		case "job-timeout":
			cfg.JobTimeoutStr = o.serverConfig.JobTimeoutStr
		case "config":
			// do nothing
		case "log-file":
			cfg.LogConf.File = o.serverConfig.LogConf.File
		case "log-level":
			cfg.LogConf.Level = o.serverConfig.LogConf.Level
		default:
			log.Panic("unknown flag, please report a bug", zap.String("flagName", flag.Name))
		}
	})

	if err := cfg.Adjust(); err != nil {
		return errors.Trace(err)
	}

	o.serverConfig = cfg

	return nil
}

// NewCmdServer creates the `server` command.
func NewCmdServer() *cobra.Command {
	o := newOptions()

	command := &cobra.Command{
		Use:   "server",
		Short: "Start a ppc scheduler server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := o.complete(cmd)
			if err != nil {
				return err
			}
			err = o.run(cmd)
			cobra.CheckErr(err)
			return nil
		},
	}

	o.addFlags(command)

	return command
}
