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

package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wedpr-lab/ppc-scheduler/engine/model"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
)

var statusColors = map[model.WorkerStatus]string{
	model.WorkerStatusPending: "lightgrey",
	model.WorkerStatusRunning: "lightblue",
	model.WorkerStatusSuccess: "palegreen",
	model.WorkerStatusFailure: "salmon",
}

// RenderWorkflowView renders the workflow of jobCtx as a Graphviz DOT
// document. Every non-terminal worker is wired to both terminals.
func RenderWorkflowView(jobCtx *model.JobContext, statuses map[string]model.WorkerStatus) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %s {\n", quote(jobCtx.JobID))
	b.WriteString("  rankdir=LR;\n  node [shape=box, style=filled];\n")

	node := func(id string, wt model.WorkerType) {
		status, ok := statuses[id]
		if !ok {
			status = model.WorkerStatusPending
		}
		// \n is the DOT line break inside a label
		fmt.Fprintf(&b, "  %s [label=\"%s\\n%s\\n%s\", fillcolor=%s];\n",
			quote(id), escape(id), wt, status, statusColors[status])
	}
	successID, failureID := model.SuccessWorkerID(jobCtx.JobID), model.FailureWorkerID(jobCtx.JobID)
	for _, id := range jobCtx.Order {
		node(id, jobCtx.Workers[id].Type)
	}
	node(successID, model.WorkerTypeOnSuccess)
	node(failureID, model.WorkerTypeOnFailure)

	for _, id := range jobCtx.Order {
		for _, up := range jobCtx.Workers[id].Upstreams {
			fmt.Fprintf(&b, "  %s -> %s;\n", quote(up), quote(id))
		}
	}
	for _, id := range jobCtx.Order {
		fmt.Fprintf(&b, "  %s -> %s [color=green];\n", quote(id), quote(successID))
		fmt.Fprintf(&b, "  %s -> %s [color=red, style=dashed];\n", quote(id), quote(failureID))
	}
	b.WriteString("}\n")
	return []byte(b.String())
}

func escape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", " ").Replace(s)
}

func quote(s string) string {
	return `"` + escape(s) + `"`
}

// writeWorkflowView writes the view to the workspace of the job.
func writeWorkflowView(jobCtx *model.JobContext, statuses map[string]model.WorkerStatus) error {
	path := jobCtx.WorkflowViewLocalPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(os.WriteFile(path, RenderWorkflowView(jobCtx, statuses), 0o644))
}
