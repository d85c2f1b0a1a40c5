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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/wedpr-lab/ppc-scheduler/engine/model"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/orm"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/storage"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultConfig()
	require.NoError(t, cfg.Adjust())
	require.Equal(t, 24*time.Hour, cfg.JobTimeout)
	require.Equal(t, 10*time.Second, cfg.CheckInterval)
	require.Equal(t, 5*time.Second, cfg.Clients.PollingInterval)
	require.Equal(t, 6*time.Second, cfg.Clients.PingTimeout)
	require.Equal(t, orm.StoreTypeSQLite, cfg.MetaStore.StoreType)
	require.Equal(t, storage.TypeLocal, cfg.Storage.Type)
	require.Equal(t, "python3", cfg.Scheduler.PythonInterpreter)
	require.False(t, cfg.Scheduler.StrictShell)

	data, err := cfg.Toml()
	require.NoError(t, err)
	require.Contains(t, data, "job-timeout")
}

func TestConfigFromFile(t *testing.T) {
	t.Parallel()

	content := `
addr = "127.0.0.1:9010"
workspace = "/data/ppc/workspace"
storage-base-path = "ppc"
job-timeout = "2h"

[log]
level = "debug"

[storage]
type = "s3"
bucket = "ppc-artifacts"
endpoint = "http://minio:9000"
use-path-style = true

[metastore]
store-type = "mysql"
endpoint = "127.0.0.1:3306"
user = "root"
schema = "ppc"

[clients]
polling-interval = "1s"
max-retries = 4
retry-delay = "500ms"
ping-timeout = "3s"

[scheduler]
pool-size = 8
strict-shell = true
python-interpreter = "/usr/bin/python3.10"
max-output-size = "1MiB"

[[computing-nodes]]
id = "psi-1"
url = "http://psi-1:8080/api/rpc"
type = "psi"
token = "secret"

[[computing-nodes]]
id = "model-1"
url = "http://model-1:8080/api/rpc"
type = "MODEL"
`
	path := filepath.Join(t.TempDir(), "scheduler.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg := GetDefaultConfig()
	require.NoError(t, cfg.ConfigFromFile(path))
	require.NoError(t, cfg.Adjust())

	require.Equal(t, "127.0.0.1:9010", cfg.Addr)
	require.Equal(t, "debug", cfg.LogConf.Level)
	require.Equal(t, 2*time.Hour, cfg.JobTimeout)
	require.Equal(t, "ppc-artifacts", cfg.Storage.Bucket)
	require.True(t, cfg.Storage.UsePathStyle)
	require.Equal(t, orm.StoreTypeMySQL, cfg.MetaStore.StoreType)
	// items absent from the file keep their defaults
	require.Equal(t, 3, cfg.MetaStore.MaxRetries)
	require.Equal(t, 4, cfg.Clients.MaxRetries)
	require.Equal(t, 500*time.Millisecond, cfg.Clients.RetryDelay)
	require.Equal(t, 8, cfg.Scheduler.PoolSize)
	require.True(t, cfg.Scheduler.StrictShell)
	require.Equal(t, "/usr/bin/python3.10", cfg.Scheduler.PythonInterpreter)
	limit, err := cfg.Scheduler.OutputLimit()
	require.NoError(t, err)
	require.Equal(t, int64(1<<20), limit)

	expected := []*model.ComputingNode{
		{ID: "psi-1", URL: "http://psi-1:8080/api/rpc", Kind: model.NodeKindPSI, Token: "secret"},
		{ID: "model-1", URL: "http://model-1:8080/api/rpc", Kind: model.NodeKindModel},
	}
	if diff := cmp.Diff(expected, cfg.ComputingNodes); diff != "" {
		t.Fatalf("unexpected computing nodes (-want +got):\n%s", diff)
	}
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		data string
	}{
		{"unknown item", `unknown-item = 1`},
		{"unknown nested item", "[scheduler]\nworkers = 3"},
		{"bad duration", `job-timeout = "one day"`},
		{"negative duration", `job-timeout = "-1s"`},
		{"unknown storage", "[storage]\ntype = \"hdfs\""},
		{"unknown store", "[metastore]\nstore-type = \"pg\""},
		{"empty workspace", `workspace = ""`},
		{"bad memory ratio", `memory-limit-ratio = 1.5`},
		{"bad output size", "[scheduler]\nmax-output-size = \"lots\""},
		{"bad node kind", "[[computing-nodes]]\nid = \"n1\"\nurl = \"http://n1\"\ntype = \"GPU\""},
		{"node without url", "[[computing-nodes]]\nid = \"n1\"\ntype = \"PSI\""},
		{"duplicated node", "[[computing-nodes]]\nid = \"n1\"\nurl = \"http://n1\"\ntype = \"PSI\"\n" +
			"[[computing-nodes]]\nid = \"n1\"\nurl = \"http://n2\"\ntype = \"MPC\""},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			cfg := GetDefaultConfig()
			err := cfg.configFromString(c.data)
			if err == nil {
				err = cfg.Adjust()
			}
			require.True(t, errors.Is(err, errors.ErrInvalidConfig), err)
		})
	}
}
