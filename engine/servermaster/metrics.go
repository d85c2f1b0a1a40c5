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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/wedpr-lab/ppc-scheduler/engine/jobmanager"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/nodepool"
	"github.com/wedpr-lab/ppc-scheduler/engine/worker"
)

var registry = prometheus.NewRegistry()

var apiRequestCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ppc_scheduler",
		Subsystem: "server",
		Name:      "api_requests_total",
		Help:      "number of job API requests by method and error code",
	}, []string{"method", "code"})

func init() {
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector(
		collectors.WithGoCollections(collectors.GoRuntimeMemStatsCollection | collectors.GoRuntimeMetricsCollection)))

	registry.MustRegister(apiRequestCounter)
	nodepool.InitMetrics(registry)
	worker.InitMetrics(registry)
	jobmanager.InitMetrics(registry)
}
