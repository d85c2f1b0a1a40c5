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

package clock

import (
	"context"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/gavv/monotime"
)

type (
	// Timer is a mockable timer.
	Timer = bclock.Timer
	// Ticker is a mockable ticker.
	Ticker = bclock.Ticker
	// MonotonicTime is the elapsed time since an arbitrary fixed point.
	MonotonicTime time.Duration
)

var unixEpoch = time.Unix(0, 0)

// Clock is the time source of the scheduler. Polling loops, the reaper and
// the job timeout loop read time and sleep only through a Clock, so tests
// can drive them with a Mock.
type Clock interface {
	bclock.Clock
	Mono() MonotonicTime
}

type withRealMono struct {
	bclock.Clock
}

func (r withRealMono) Mono() MonotonicTime {
	return MonotonicTime(monotime.Now())
}

// Mock is a Clock whose time only moves when told to.
type Mock struct {
	*bclock.Mock
}

// Mono implements Clock.
func (r Mock) Mono() MonotonicTime {
	return MonotonicTime(r.Now().Sub(unixEpoch))
}

// New returns the wall clock.
func New() Clock {
	return withRealMono{bclock.New()}
}

// NewMock returns a mock clock set to the unix epoch.
func NewMock() *Mock {
	return &Mock{bclock.NewMock()}
}

// Sub returns m - other.
func (m MonotonicTime) Sub(other MonotonicTime) time.Duration {
	return time.Duration(m - other)
}

// MonoNow returns the current monotonic time.
func MonoNow() MonotonicTime {
	return MonotonicTime(monotime.Now())
}

// ToMono converts a wall time to the monotonic scale used by Mock.
func ToMono(t time.Time) MonotonicTime {
	return MonotonicTime(t.Sub(unixEpoch))
}

// Sleep blocks for d on clk. It returns ctx.Err() if ctx is done first.
func Sleep(ctx context.Context, clk Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clk.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
