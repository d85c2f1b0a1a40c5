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

package nodepool

import (
	"github.com/prometheus/client_golang/prometheus"
)

var nodeLeaseGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "ppc_scheduler",
		Subsystem: "nodepool",
		Name:      "outstanding_leases",
		Help:      "number of outstanding leases held by this scheduler per computing node",
	}, []string{"kind", "node"})

// InitMetrics registers all metrics used in nodepool
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(nodeLeaseGauge)
}
