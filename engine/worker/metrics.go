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

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	workerDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ppc_scheduler",
			Subsystem: "worker",
			Name:      "run_duration_seconds",
			Help:      "Bucketed histogram of the engine run time of a worker.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 20), // 10ms~2.9h
		}, []string{"type", "status"})

	workerAttemptCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ppc_scheduler",
			Subsystem: "worker",
			Name:      "engine_attempts_total",
			Help:      "Total number of engine attempts, retries included.",
		}, []string{"type"})
)

// InitMetrics registers all metrics used in worker
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(workerDurationHistogram)
	registry.MustRegister(workerAttemptCounter)
}
