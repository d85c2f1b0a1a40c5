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
	"sort"

	"github.com/edwingeng/deque"
	"github.com/wedpr-lab/ppc-scheduler/engine/model"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
)

// graph is the dependency graph of the non-terminal workers of a job.
type graph struct {
	// order is the submission order, ties in the ready set follow it
	order      []string
	indegree   map[string]int
	downstream map[string][]string
}

func newGraph(jobCtx *model.JobContext) (*graph, error) {
	g := &graph{
		order:      jobCtx.Order,
		indegree:   make(map[string]int, len(jobCtx.Order)),
		downstream: make(map[string][]string, len(jobCtx.Order)),
	}
	for _, id := range jobCtx.Order {
		g.indegree[id] = 0
	}
	for _, id := range jobCtx.Order {
		for _, up := range jobCtx.Workers[id].Upstreams {
			if _, ok := g.indegree[up]; !ok {
				return nil, errors.ErrParameterCheck.GenWithStackByArgs(
					fmt.Sprintf("upstream %s of worker %s not found", up, id))
			}
			g.indegree[id]++
			g.downstream[up] = append(g.downstream[up], id)
		}
	}
	return g, nil
}

// roots returns the ready queue seeded with the workers without upstream.
func (g *graph) roots() deque.Deque {
	ready := deque.NewDeque()
	for _, id := range g.order {
		if g.indegree[id] == 0 {
			ready.PushBack(id)
		}
	}
	return ready
}

// complete marks id done and returns the downstream workers it unblocks.
func (g *graph) complete(id string) []string {
	var unblocked []string
	for _, d := range g.downstream[id] {
		g.indegree[d]--
		if g.indegree[d] == 0 {
			unblocked = append(unblocked, d)
		}
	}
	return unblocked
}

// Validate checks the graph of jobCtx is acyclic with Kahn's algorithm
// and returns a topological order of the non-terminal workers.
func Validate(jobCtx *model.JobContext) ([]string, error) {
	g, err := newGraph(jobCtx)
	if err != nil {
		return nil, err
	}
	ready := g.roots()
	sorted := make([]string, 0, len(g.order))
	for !ready.Empty() {
		id := ready.PopFront().(string)
		sorted = append(sorted, id)
		for _, d := range g.complete(id) {
			ready.PushBack(d)
		}
	}
	if len(sorted) == len(g.order) {
		return sorted, nil
	}

	var unresolved []string
	for id, n := range g.indegree {
		if n > 0 {
			unresolved = append(unresolved, id)
		}
	}
	sort.Strings(unresolved)
	return nil, errors.ErrCycleDetected.GenWithStackByArgs(jobCtx.JobID, unresolved)
}
