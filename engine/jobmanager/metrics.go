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

package jobmanager

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	runningJobsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ppc_scheduler",
			Subsystem: "job_manager",
			Name:      "running_jobs",
			Help:      "number of jobs running in this scheduler",
		})

	finishedJobsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ppc_scheduler",
			Subsystem: "job_manager",
			Name:      "finished_jobs_total",
			Help:      "Total number of finished jobs by status.",
		}, []string{"status"})

	jobDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ppc_scheduler",
			Subsystem: "job_manager",
			Name:      "job_duration_seconds",
			Help:      "Bucketed histogram of the run time of a job.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 18), // 100ms~3.6h
		})

	killedJobsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ppc_scheduler",
			Subsystem: "job_manager",
			Name:      "killed_jobs_total",
			Help:      "Total number of killed jobs by reason.",
		}, []string{"reason"})
)

// InitMetrics registers all metrics used in job manager
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(runningJobsGauge)
	registry.MustRegister(finishedJobsCounter)
	registry.MustRegister(jobDurationHistogram)
	registry.MustRegister(killedJobsCounter)
}
