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

package model

import (
	"strings"

	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
)

// NodeKind is the kind of a computing node.
type NodeKind string

// All node kinds.
const (
	NodeKindPSI   NodeKind = "PSI"
	NodeKindMPC   NodeKind = "MPC"
	NodeKindModel NodeKind = "MODEL"
)

// ParseNodeKind parses a node kind, case insensitive.
func ParseNodeKind(s string) (NodeKind, error) {
	switch k := NodeKind(strings.ToUpper(strings.TrimSpace(s))); k {
	case NodeKindPSI, NodeKindMPC, NodeKindModel:
		return k, nil
	}
	return "", errors.ErrParameterCheck.GenWithStackByArgs("unknown computing node kind " + s)
}

// NodeKindForWorkerType maps a worker type to the node kind it leases.
// The second return value is false for worker types that do not lease.
func NodeKindForWorkerType(t WorkerType) (NodeKind, bool) {
	switch {
	case t == WorkerTypePSI || t == WorkerTypeMLPSI:
		return NodeKindPSI, true
	case t == WorkerTypeMPC:
		return NodeKindMPC, true
	case t.IsModel():
		return NodeKindModel, true
	}
	return "", false
}

// ComputingNode is a pre-provisioned remote node with its load counter.
type ComputingNode struct {
	ID      string   `toml:"id" json:"id"`
	URL     string   `toml:"url" json:"url"`
	Kind    NodeKind `toml:"type" json:"type"`
	Token   string   `toml:"token" json:"token"`
	Loading int      `toml:"loading" json:"loading"`
}
