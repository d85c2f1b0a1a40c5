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
	"context"
	"os"
	"os/signal"
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var exitSignals = []os.Signal{unix.SIGHUP, unix.SIGINT, unix.SIGTERM, unix.SIGQUIT}

// exitFunc is replaced in tests.
var exitFunc = os.Exit

// InitCmd returns a context cancelled on the first exit signal. Killing
// the running jobs may take a while, so a second signal exits at once.
// The returned cancel func stops watching signals.
func InitCmd() (context.Context, context.CancelFunc) {
	return withSignals(context.Background(), exitSignals...)
}

func withSignals(parent context.Context, sigs ...os.Signal) (context.Context, context.CancelFunc) {
	sc := make(chan os.Signal, 2)
	signal.Notify(sc, sigs...)

	ctx, cancelCtx := context.WithCancel(parent)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancelCtx()
			close(done)
		})
	}

	go func() {
		defer signal.Stop(sc)
		select {
		case sig := <-sc:
			log.Info("got signal to exit", zap.Stringer("signal", sig))
			cancelCtx()
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-sc:
			log.Warn("got signal again, exit immediately", zap.Stringer("signal", sig))
			exitFunc(1)
		case <-done:
		}
	}()
	return ctx, stop
}
