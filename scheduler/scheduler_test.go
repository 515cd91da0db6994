// File: scheduler/scheduler_test.go
// Author: momentics <momentics@gmail.com>
//
// Scheduler contract: callable and fiber tasks, per-enqueuer FIFO
// admission, worker affinity, use-caller drain, graceful stop.

package scheduler_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/scheduler"
)

func TestScheduleCallable(t *testing.T) {
	s := scheduler.New(2, false, "callable")
	s.Start()

	var wg sync.WaitGroup
	wg.Add(1)
	s.Schedule(func() { wg.Done() }, scheduler.AnyWorker)
	wg.Wait()
	s.Stop()
}

func TestPerEnqueuerFIFO(t *testing.T) {
	s := scheduler.New(1, false, "fifo")
	s.Start()

	const n = 200
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	for i := 0; i < n; i++ {
		i := i
		s.Schedule(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == n-1 {
				close(done)
			}
		}, scheduler.AnyWorker)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not drain")
	}
	s.Stop()

	require.Len(t, got, n)
	for i := 0; i < n; i++ {
		require.Equal(t, i, got[i])
	}
}

func TestAffinityPinsTasks(t *testing.T) {
	s := scheduler.New(4, false, "affinity")
	s.Start()

	const n = 20
	var wg sync.WaitGroup
	var wrong atomic.Int64
	wg.Add(n)
	for i := 0; i < n; i++ {
		s.Schedule(func() {
			if fiber.Current().Worker() != 3 {
				wrong.Add(1)
			}
			wg.Done()
		}, 3)
	}
	wg.Wait()
	s.Stop()
	require.Zero(t, wrong.Load())
}

func TestFiberTaskResumedToCompletion(t *testing.T) {
	s := scheduler.New(2, false, "fibertask")
	s.Start()

	done := make(chan struct{})
	f := fiber.New(func() {
		fiber.YieldReady()
		fiber.YieldReady()
		close(done)
	})
	s.ScheduleFiber(f, scheduler.AnyWorker)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fiber did not complete")
	}
	s.Stop()
	require.Equal(t, fiber.Term, f.State())
}

func TestScheduleBatch(t *testing.T) {
	s := scheduler.New(2, false, "batch")
	s.Start()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	tasks := make([]scheduler.Task, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, scheduler.Task{CB: func() { wg.Done() }, Affinity: scheduler.AnyWorker})
	}
	s.ScheduleBatch(tasks)
	wg.Wait()
	s.Stop()
}

func TestUseCallerDrainsOnStop(t *testing.T) {
	s := scheduler.New(1, true, "usecaller")
	s.Start()

	var ran atomic.Int64
	for i := 0; i < 5; i++ {
		s.Schedule(func() { ran.Add(1) }, scheduler.AnyWorker)
	}

	// no spawned worker exists; tasks wait for the caller drain
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, ran.Load())

	s.Stop()
	require.Equal(t, int64(5), ran.Load())
}

func TestGracefulStopRunsQueuedWork(t *testing.T) {
	s := scheduler.New(2, false, "graceful")
	s.Start()

	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		s.Schedule(func() {
			fiber.YieldReady()
			ran.Add(1)
		}, scheduler.AnyWorker)
	}
	s.Stop()
	require.Equal(t, int64(10), ran.Load())
}

func TestStopIdempotent(t *testing.T) {
	s := scheduler.New(1, false, "idem")
	s.Start()
	s.Stop()
	s.Stop()
}

func TestHookFlagEnabledForTasks(t *testing.T) {
	s := scheduler.New(1, false, "hookflag")
	s.Start()

	res := make(chan bool, 1)
	s.Schedule(func() { res <- fiber.HookEnabled() }, scheduler.AnyWorker)
	require.True(t, <-res)
	s.Stop()
}

func TestSchedulerReferenceVisible(t *testing.T) {
	s := scheduler.New(1, false, "ref")
	s.Start()

	res := make(chan any, 1)
	s.Schedule(func() { res <- fiber.CurrentScheduler() }, scheduler.AnyWorker)
	require.Same(t, s, <-res)
	s.Stop()
}

func TestDump(t *testing.T) {
	s := scheduler.New(2, false, "dumpster")
	var sb syncBuffer
	s.Dump(&sb)
	require.Contains(t, sb.String(), "dumpster")
	require.Contains(t, sb.String(), "workers=2")
}

type syncBuffer struct {
	mu sync.Mutex
	b  []byte
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.b = append(s.b, p...)
	return len(p), nil
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.b)
}
