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
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/log"
	"github.com/wedpr-lab/ppc-scheduler/engine/client"
	"github.com/wedpr-lab/ppc-scheduler/engine/model"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/orm"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/storage"
	"github.com/wedpr-lab/ppc-scheduler/engine/worker/engines"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"github.com/wedpr-lab/ppc-scheduler/pkg/logutil"
	"go.uber.org/zap"
)

const (
	defaultAddr            = "0.0.0.0:8010"
	defaultWorkspace       = "workspace"
	defaultJobTimeout      = "24h"
	defaultCheckInterval   = "10s"
	defaultPollingInterval = "5s"
	defaultRetryDelay      = "1s"
	defaultPingTimeout     = "6s"

	defaultMemoryLimitRatio = 0.8
)

// ClientsConfig configures the clients of the computing nodes.
type ClientsConfig struct {
	PollingIntervalStr string `toml:"polling-interval" json:"polling-interval"`
	MaxRetries         int    `toml:"max-retries" json:"max-retries"`
	RetryDelayStr      string `toml:"retry-delay" json:"retry-delay"`
	PingTimeoutStr     string `toml:"ping-timeout" json:"ping-timeout"`

	PollingInterval time.Duration `toml:"-" json:"-"`
	RetryDelay      time.Duration `toml:"-" json:"-"`
	PingTimeout     time.Duration `toml:"-" json:"-"`
}

// ClientConfig returns the config of the JSON-RPC client factory.
func (c *ClientsConfig) ClientConfig() client.Config {
	return client.Config{
		PollingInterval: c.PollingInterval,
		MaxRetries:      c.MaxRetries,
		RetryDelay:      c.RetryDelay,
		PingTimeout:     c.PingTimeout,
	}
}

// SchedulerConfig configures the dispatch of workers and the local engines.
type SchedulerConfig struct {
	// PoolSize bounds the workers running at once in one job, zero means
	// the number of logical CPUs.
	PoolSize int `toml:"pool-size" json:"pool-size"`
	engines.Config
}

// Config is the configuration of the scheduler server.
type Config struct {
	LogConf logutil.Config `toml:"log" json:"log"`

	Addr string `toml:"addr" json:"addr"`
	// Workspace holds one directory per job.
	Workspace string `toml:"workspace" json:"workspace"`
	// StorageBasePath prefixes the remote keys of the job artifacts.
	StorageBasePath string `toml:"storage-base-path" json:"storage-base-path"`

	Storage   *storage.Config  `toml:"storage" json:"storage"`
	MetaStore *orm.StoreConfig `toml:"metastore" json:"metastore"`
	Clients   ClientsConfig    `toml:"clients" json:"clients"`
	Scheduler SchedulerConfig  `toml:"scheduler" json:"scheduler"`

	JobTimeoutStr    string `toml:"job-timeout" json:"job-timeout"`
	CheckIntervalStr string `toml:"check-interval" json:"check-interval"`

	JobTimeout    time.Duration `toml:"-" json:"-"`
	CheckInterval time.Duration `toml:"-" json:"-"`

	// MemoryLimitRatio is the share of the cgroup or host memory given to
	// the go runtime as its soft limit.
	MemoryLimitRatio float64 `toml:"memory-limit-ratio" json:"memory-limit-ratio"`

	// ComputingNodes are upserted into the metastore at startup.
	ComputingNodes []*model.ComputingNode `toml:"computing-nodes" json:"computing-nodes"`
}

func (c *Config) String() string {
	cfg, err := json.Marshal(c)
	if err != nil {
		log.L().Error("marshal to json", zap.Reflect("scheduler config", c), zap.Error(err))
	}
	return string(cfg)
}

// Toml returns TOML format representation of config.
func (c *Config) Toml() (string, error) {
	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		log.L().Error("fail to marshal config to toml", zap.Error(err))
		return "", errors.Trace(err)
	}
	return b.String(), nil
}

// Adjust parses the duration items and validates the configuration.
func (c *Config) Adjust() (err error) {
	c.LogConf.Adjust()
	if c.Addr == "" {
		return errors.ErrInvalidConfig.GenWithStackByArgs("empty addr")
	}
	if c.Workspace == "" {
		return errors.ErrInvalidConfig.GenWithStackByArgs("empty workspace")
	}
	if c.Storage == nil {
		c.Storage = storage.DefaultConfig()
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if c.MetaStore == nil {
		c.MetaStore = orm.DefaultStoreConfig()
	}
	if c.MetaStore.StoreType != orm.StoreTypeSQLite && c.MetaStore.StoreType != orm.StoreTypeMySQL {
		return errors.ErrInvalidConfig.GenWithStackByArgs("unknown store type " + c.MetaStore.StoreType)
	}
	if c.MemoryLimitRatio <= 0 || c.MemoryLimitRatio > 1 {
		return errors.ErrInvalidConfig.GenWithStackByArgs("memory-limit-ratio out of (0, 1]")
	}
	if c.Scheduler.PoolSize < 0 {
		return errors.ErrInvalidConfig.GenWithStackByArgs("negative pool size")
	}
	if c.Scheduler.PythonInterpreter == "" {
		c.Scheduler.PythonInterpreter = engines.DefaultConfig().PythonInterpreter
	}
	if _, err := c.Scheduler.OutputLimit(); err != nil {
		return err
	}

	for _, item := range []struct {
		name   string
		value  string
		target *time.Duration
	}{
		{"job-timeout", c.JobTimeoutStr, &c.JobTimeout},
		{"check-interval", c.CheckIntervalStr, &c.CheckInterval},
		{"clients.polling-interval", c.Clients.PollingIntervalStr, &c.Clients.PollingInterval},
		{"clients.retry-delay", c.Clients.RetryDelayStr, &c.Clients.RetryDelay},
		{"clients.ping-timeout", c.Clients.PingTimeoutStr, &c.Clients.PingTimeout},
	} {
		d, err := time.ParseDuration(item.value)
		if err != nil {
			return errors.WrapError(errors.ErrInvalidConfig, err, item.name)
		}
		if d < 0 {
			return errors.ErrInvalidConfig.GenWithStackByArgs("negative " + item.name)
		}
		*item.target = d
	}

	ids := make(map[string]struct{}, len(c.ComputingNodes))
	for _, node := range c.ComputingNodes {
		if node.ID == "" || node.URL == "" {
			return errors.ErrInvalidConfig.GenWithStackByArgs("computing node without id or url")
		}
		if _, ok := ids[node.ID]; ok {
			return errors.ErrInvalidConfig.GenWithStackByArgs("duplicated computing node " + node.ID)
		}
		ids[node.ID] = struct{}{}
		kind, err := model.ParseNodeKind(string(node.Kind))
		if err != nil {
			return errors.WrapError(errors.ErrInvalidConfig, err, "computing node "+node.ID)
		}
		node.Kind = kind
	}
	return nil
}

// ConfigFromFile loads config from file and merges items into Config.
func (c *Config) ConfigFromFile(path string) error {
	metaData, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.WrapError(errors.ErrInvalidConfig, err, path)
	}
	return checkUndecodedItems(metaData)
}

func (c *Config) configFromString(data string) error {
	metaData, err := toml.Decode(data, c)
	if err != nil {
		return errors.WrapError(errors.ErrInvalidConfig, err, "decode config")
	}
	return checkUndecodedItems(metaData)
}

// GetDefaultConfig returns a default scheduler config
func GetDefaultConfig() *Config {
	return &Config{
		LogConf:         *logutil.DefaultConfig(),
		Addr:            defaultAddr,
		Workspace:       defaultWorkspace,
		StorageBasePath: "",
		Storage:         storage.DefaultConfig(),
		MetaStore:       orm.DefaultStoreConfig(),
		Clients: ClientsConfig{
			PollingIntervalStr: defaultPollingInterval,
			MaxRetries:         client.DefaultConfig().MaxRetries,
			RetryDelayStr:      defaultRetryDelay,
			PingTimeoutStr:     defaultPingTimeout,
		},
		Scheduler: SchedulerConfig{
			Config: engines.DefaultConfig(),
		},
		JobTimeoutStr:    defaultJobTimeout,
		CheckIntervalStr: defaultCheckInterval,
		MemoryLimitRatio: defaultMemoryLimitRatio,
	}
}

func checkUndecodedItems(metaData toml.MetaData) error {
	undecoded := metaData.Undecoded()
	if len(undecoded) > 0 {
		var undecodedItems []string
		for _, item := range undecoded {
			undecodedItems = append(undecodedItems, item.String())
		}
		return errors.ErrInvalidConfig.GenWithStackByArgs(
			"unknown items " + strings.Join(undecodedItems, ","))
	}
	return nil
}
