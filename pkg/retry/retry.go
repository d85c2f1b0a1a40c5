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

package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
)

// Do executes the operation until it succeeds, returns a non-retryable
// error, exhausts the configured tries or ctx is done.
// The last error of the operation is returned on exhaustion.
func Do(ctx context.Context, operation func() error, opts ...Option) error {
	return run(ctx, operation, setOptions(opts...))
}

func newBackOff(o *retryOptions) backoff.BackOff {
	if o.fixedDelay > 0 {
		return backoff.NewConstantBackOff(o.fixedDelay)
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = time.Duration(o.backoffBase) * time.Millisecond
	exp.MaxInterval = time.Duration(o.backoffCap) * time.Millisecond
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.1
	// the number of tries is the only bound
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

func run(ctx context.Context, operation func() error, o *retryOptions) error {
	select {
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	default:
	}

	b := newBackOff(o)
	for tries := 1; ; tries++ {
		err := operation()
		if err == nil {
			return nil
		}
		if !o.isRetryable(err) || float64(tries) >= o.maxTries {
			return err
		}
		o.onRetry(tries, err)

		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Trace(ctx.Err())
		case <-timer.C:
		}
	}
}
