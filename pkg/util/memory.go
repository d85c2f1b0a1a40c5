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

package util

import (
	"math"
	"os"
	"runtime/debug"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/pingcap/log"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"go.uber.org/zap"
)

const memoryMax uint64 = math.MaxUint64

// GetMemoryLimit gets the memory limit of current process based on cgroup.
// If the cgroup is not set or memory.max is set to max, returns the total
// memory of host.
func GetMemoryLimit() (uint64, error) {
	totalMemory, err := memlimit.FromCgroup()
	if err != nil || totalMemory == memoryMax {
		log.Info("no cgroup memory limit", zap.Error(err))
		stat, err := mem.VirtualMemory()
		if err != nil {
			return 0, errors.Trace(err)
		}
		totalMemory = stat.Total
	}
	return totalMemory, nil
}

// SetGoMemoryLimit sets the soft memory limit of the go runtime to ratio of
// the memory limit. A GOMEMLIMIT set in the environment wins.
func SetGoMemoryLimit(ratio float64) (int64, error) {
	if ratio <= 0 || ratio > 1 {
		return 0, errors.ErrInvalidConfig.GenWithStackByArgs("memory limit ratio out of (0, 1]")
	}
	if os.Getenv("GOMEMLIMIT") != "" {
		return debug.SetMemoryLimit(-1), nil
	}
	total, err := GetMemoryLimit()
	if err != nil {
		return 0, err
	}
	limit := int64(float64(total) * ratio)
	if limit <= 0 {
		return 0, errors.ErrInternal.GenWithStackByArgs("memory limit is zero")
	}
	debug.SetMemoryLimit(limit)
	log.Info("go memory limit set",
		zap.Uint64("total-memory", total), zap.Int64("memory-limit", limit))
	return limit, nil
}
