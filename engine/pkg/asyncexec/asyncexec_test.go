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

package asyncexec

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wedpr-lab/ppc-scheduler/engine/pkg/clock"
	"github.com/wedpr-lab/ppc-scheduler/pkg/errors"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEventManager(t *testing.T) {
	t.Parallel()

	m := NewEventManager()
	require.False(t, m.EventStatus("unknown"))
	err := m.SetEvent("unknown")
	require.True(t, errors.Is(err, errors.ErrUnknownTask))

	ev := m.AddEvent("j1")
	require.False(t, m.EventStatus("j1"))
	require.NoError(t, m.SetEvent("j1"))
	require.NoError(t, m.SetEvent("j1"))
	require.True(t, m.EventStatus("j1"))
	require.True(t, ev.IsSet())
	<-ev.Done()

	// a new run gets a fresh event
	m.AddEvent("j1")
	require.False(t, m.EventStatus("j1"))
	require.Equal(t, 1, m.Len())
	m.RemoveEvent("j1")
	require.False(t, m.EventStatus("j1"))
	require.Equal(t, 0, m.Len())
}

func TestEventManagerConcurrentReaders(t *testing.T) {
	t.Parallel()

	m := NewEventManager()
	m.AddEvent("j1")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.EventStatus("j1")
			}
		}()
	}
	require.NoError(t, m.SetEvent("j1"))
	wg.Wait()
	require.True(t, m.EventStatus("j1"))
}

type finishRecord struct {
	taskID string
	ok     bool
	err    error
}

func TestThreadExecutor(t *testing.T) {
	t.Parallel()

	events := NewEventManager()
	e := NewThreadExecutor(events, clock.New(), time.Second)
	defer e.Close()

	finished := make(chan finishRecord, 4)
	onFinish := func(taskID string, ok bool, err error) {
		finished <- finishRecord{taskID, ok, err}
	}

	require.NoError(t, e.Execute(context.Background(), "ok", func(ctx context.Context) error {
		return nil
	}, onFinish))
	rec := <-finished
	require.Equal(t, finishRecord{"ok", true, nil}, rec)

	require.NoError(t, e.Execute(context.Background(), "fail", func(ctx context.Context) error {
		return errors.ErrJobFailed.GenWithStackByArgs("fail")
	}, onFinish))
	rec = <-finished
	require.False(t, rec.ok)
	require.True(t, errors.Is(rec.err, errors.ErrJobFailed))

	require.NoError(t, e.Execute(context.Background(), "panic", func(ctx context.Context) error {
		panic("boom")
	}, onFinish))
	rec = <-finished
	require.False(t, rec.ok)
	require.True(t, errors.Is(rec.err, errors.ErrInternal))
}

func TestThreadExecutorKill(t *testing.T) {
	t.Parallel()

	events := NewEventManager()
	e := NewThreadExecutor(events, clock.New(), time.Second)
	defer e.Close()

	started := make(chan struct{})
	var gotErr error
	require.NoError(t, e.Execute(context.Background(), "j1", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		gotErr = ctx.Err()
		return ctx.Err()
	}, nil))
	<-started
	require.True(t, e.Alive("j1"))

	err := e.Execute(context.Background(), "j1", func(ctx context.Context) error { return nil }, nil)
	require.True(t, errors.Is(err, errors.ErrDuplicateJob))

	require.NoError(t, e.Kill(context.Background(), "j1"))
	require.False(t, e.Alive("j1"))
	require.Equal(t, context.Canceled, gotErr)
	require.True(t, events.EventStatus("j1"))

	// killing a finished task is fine, unknown ones are not
	require.NoError(t, e.Kill(context.Background(), "j1"))
	require.True(t, errors.Is(e.Kill(context.Background(), "j2"), errors.ErrUnknownTask))

	// the id can be reused once finished
	done := make(chan struct{})
	require.NoError(t, e.Execute(context.Background(), "j1", func(ctx context.Context) error {
		close(done)
		return nil
	}, nil))
	<-done
	require.False(t, events.EventStatus("j1"))
}

func TestThreadExecutorReaper(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	e := NewThreadExecutor(NewEventManager(), clk, time.Second)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	release := make(chan struct{})
	require.NoError(t, e.Execute(context.Background(), "short", func(ctx context.Context) error { return nil }, nil))
	require.NoError(t, e.Execute(context.Background(), "long", func(ctx context.Context) error {
		<-release
		return nil
	}, nil))
	ch, ok := e.Done("short")
	require.True(t, ok)
	<-ch

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		_, ok := e.Done("short")
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	_, ok = e.Done("long")
	require.True(t, ok)

	close(release)
	cancel()
	require.True(t, errors.Is(<-runDone, context.Canceled))
}

func TestThreadExecutorClose(t *testing.T) {
	t.Parallel()

	e := NewThreadExecutor(NewEventManager(), clock.New(), time.Second)
	started := make(chan struct{})
	require.NoError(t, e.Execute(context.Background(), "j1", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, nil))
	<-started
	e.Close()
	require.False(t, e.Alive("j1"))
	err := e.Execute(context.Background(), "j2", func(ctx context.Context) error { return nil }, nil)
	require.True(t, errors.Is(err, errors.ErrInternal))
}

func TestProcessExecutor(t *testing.T) {
	t.Parallel()

	e := NewProcessExecutor(clock.New(), time.Second)
	defer e.Close()

	p, err := e.Execute("exit", exec.Command("sh", "-c", "exit 3"))
	require.NoError(t, err)
	<-p.Done()
	require.Equal(t, 3, p.ExitCode())
	require.NoError(t, p.Err())
	require.False(t, p.Killed())
	require.False(t, e.Alive("exit"))

	p, err = e.Execute("sleep", exec.Command("sh", "-c", "sleep 30"))
	require.NoError(t, err)
	require.True(t, e.Alive("sleep"))
	_, err = e.Execute("sleep", exec.Command("true"))
	require.True(t, errors.Is(err, errors.ErrDuplicateJob))

	require.NoError(t, e.Kill("sleep"))
	select {
	case <-p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process not terminated")
	}
	require.True(t, p.Killed())
	require.Equal(t, -1, p.ExitCode())

	require.True(t, errors.Is(e.Kill("unknown"), errors.ErrUnknownTask))
	require.Equal(t, 0, e.reap())

	_, err = e.Execute("missing", exec.Command("/nonexistent/binary"))
	require.True(t, errors.Is(err, errors.ErrInternal))
}
