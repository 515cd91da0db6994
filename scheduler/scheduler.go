// File: scheduler/scheduler.go
// Author: momentics <momentics@gmail.com>
//
// N:M fiber scheduler. A fixed pool of workers drains FIFO task queues
// of fibers and callables; each worker runs tasks one at a time and
// falls back to its idle fiber when the queues are empty. Tasks may be
// pinned to a worker; pinned entries live in that worker's own FIFO so
// admission order is preserved per enqueuer.

package scheduler

import (
	"fmt"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	queue "github.com/eapache/queue/v2"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-fiber/affinity"
	"github.com/momentics/hioload-fiber/fiber"
	"github.com/momentics/hioload-fiber/internal/fiberpool"
	"github.com/momentics/hioload-fiber/internal/logging"
)

// AnyWorker is the affinity value meaning "any worker may run this task".
const AnyWorker = -1

// Task is one scheduler queue entry: a fiber or a callable, plus an
// optional worker affinity.
type Task struct {
	Fiber    *fiber.Fiber
	CB       func()
	Affinity int
}

func (t Task) valid() bool { return t.Fiber != nil || t.CB != nil }

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPinWorkers locks each worker goroutine to an OS thread and pins
// that thread to a CPU.
func WithPinWorkers() Option {
	return func(s *Scheduler) { s.pinWorkers = true }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler owns the worker pool and the task FIFOs.
type Scheduler struct {
	name        string
	workerCount int
	useCaller   bool
	pinWorkers  bool

	mu     sync.Mutex
	shared *queue.Queue[Task]
	pinned []*queue.Queue[Task]

	notify chan struct{}

	// overridable behavior, installed by embedders (reactor) before Start
	tickleFn   func()
	idleFn     func()
	stoppingFn func() bool
	owner      any

	started       atomic.Bool
	stopRequested atomic.Bool
	active        atomic.Int64
	idleWorkers   atomic.Int64
	wg            sync.WaitGroup
	stopOnce      sync.Once

	cbPool *fiberpool.Pool[*fiber.Fiber]
	log    zerolog.Logger
}

// New constructs a scheduler with the given worker count. With
// useCaller the constructing goroutine is co-opted as worker 0: Start
// spawns one fewer goroutine and Stop drains worker 0's queue on the
// caller before returning.
func New(workers int, useCaller bool, name string, opts ...Option) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	if name == "" {
		name = "sched"
	}
	s := &Scheduler{
		name:        name,
		workerCount: workers,
		useCaller:   useCaller,
		shared:      queue.New[Task](),
		pinned:      make([]*queue.Queue[Task], workers),
		notify:      make(chan struct{}, workers),
		log:         logging.Component("sched").With().Str("name", name).Logger(),
	}
	for i := range s.pinned {
		s.pinned[i] = queue.New[Task]()
	}
	s.cbPool = fiberpool.New(func() *fiber.Fiber { return fiber.New(nil) })
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetOwner records the embedding driver handed to fibers as their
// scheduler reference (the reactor registers itself here).
func (s *Scheduler) SetOwner(owner any) { s.owner = owner }

// SetHooks overrides the tickle, idle-fiber body and stop-condition
// behaviors. Must be called before Start.
func (s *Scheduler) SetHooks(tickle func(), idle func(), stopping func() bool) {
	s.tickleFn = tickle
	s.idleFn = idle
	s.stoppingFn = stopping
}

// Name returns the scheduler name.
func (s *Scheduler) Name() string { return s.name }

// Workers returns the configured worker count.
func (s *Scheduler) Workers() int { return s.workerCount }

// IdleWorkers returns the number of workers currently parked in their
// idle fiber.
func (s *Scheduler) IdleWorkers() int { return int(s.idleWorkers.Load()) }

// Schedule enqueues a callable. Never blocks the caller.
func (s *Scheduler) Schedule(cb func(), affinity int) {
	s.ScheduleTask(Task{CB: cb, Affinity: affinity})
}

// ScheduleFiber enqueues a fiber for resumption.
func (s *Scheduler) ScheduleFiber(f *fiber.Fiber, affinity int) {
	s.ScheduleTask(Task{Fiber: f, Affinity: affinity})
}

// ScheduleTask enqueues one task, waking an idle worker on the
// empty-to-non-empty transition or when the task is pinned.
func (s *Scheduler) ScheduleTask(t Task) {
	if !t.valid() {
		return
	}
	s.mu.Lock()
	wasEmpty := s.queuedLocked() == 0
	s.enqueueLocked(t)
	s.mu.Unlock()
	if wasEmpty || t.Affinity != AnyWorker {
		s.tickle()
	}
}

// ScheduleBatch enqueues several tasks under one lock acquisition with
// a single wakeup.
func (s *Scheduler) ScheduleBatch(tasks []Task) {
	if len(tasks) == 0 {
		return
	}
	s.mu.Lock()
	wasEmpty := s.queuedLocked() == 0
	added := false
	for _, t := range tasks {
		if t.valid() {
			s.enqueueLocked(t)
			added = true
		}
	}
	s.mu.Unlock()
	if wasEmpty && added {
		s.tickle()
	}
}

func (s *Scheduler) enqueueLocked(t Task) {
	if t.Affinity >= 0 && t.Affinity < s.workerCount {
		s.pinned[t.Affinity].Add(t)
		return
	}
	t.Affinity = AnyWorker
	s.shared.Add(t)
}

func (s *Scheduler) queuedLocked() int {
	n := s.shared.Length()
	for _, q := range s.pinned {
		n += q.Length()
	}
	return n
}

// Queued returns the number of tasks waiting in the FIFOs.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedLocked()
}

// Start spawns the worker goroutines. Idempotent.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	first := 0
	if s.useCaller {
		first = 1
	}
	for i := first; i < s.workerCount; i++ {
		s.wg.Add(1)
		go func(id int) {
			defer s.wg.Done()
			s.runWorker(id)
		}(i)
	}
	s.log.Debug().Int("workers", s.workerCount).Bool("use_caller", s.useCaller).Msg("scheduler started")
}

// Stop requests shutdown, wakes every worker, drains on the caller when
// use-caller is set, and blocks until all workers have exited.
// Idempotent; concurrent callers all block until shutdown completes.
func (s *Scheduler) Stop() {
	s.stopRequested.Store(true)
	s.stopOnce.Do(func() {
		for i := 0; i < s.workerCount; i++ {
			s.tickle()
		}
		if s.useCaller {
			s.tickle()
			s.callerRun()
		}
	})
	s.wg.Wait()
	s.log.Debug().Msg("scheduler stopped")
}

// callerRun builds the caller's scheduling fiber and runs worker 0's
// loop inside it, returning control to the caller's main fiber once the
// scheduler drains.
func (s *Scheduler) callerRun() {
	root := fiber.New(func() { s.runWorker(0) })
	if err := root.Resume(); err != nil {
		s.log.Error().Err(err).Msg("caller scheduling fiber failed to start")
	}
}

// Stopping reports whether the scheduler has fully drained. The base
// condition requires a stop request, empty FIFOs and no task mid-run;
// embedders extend it via SetHooks.
func (s *Scheduler) Stopping() bool {
	if s.stoppingFn != nil {
		return s.stoppingFn()
	}
	return s.Drained()
}

// Drained is the base stop condition, exposed for embedders to compose.
func (s *Scheduler) Drained() bool {
	if !s.stopRequested.Load() {
		return false
	}
	return s.Queued() == 0 && s.active.Load() == 0
}

// StopRequested reports whether Stop has been called.
func (s *Scheduler) StopRequested() bool { return s.stopRequested.Load() }

// tickle wakes an idle worker. The base implementation pokes the notify
// channel; reactors override it with a self-pipe write.
func (s *Scheduler) tickle() {
	if s.tickleFn != nil {
		s.tickleFn()
		return
	}
	s.log.Trace().Msg("tickle")
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Dump writes a one-line state summary, for diagnostics.
func (s *Scheduler) Dump(w io.Writer) {
	fmt.Fprintf(w, "Scheduler{name=%s workers=%d use_caller=%v queued=%d active=%d idle=%d stopping=%v}\n",
		s.name, s.workerCount, s.useCaller, s.Queued(), s.active.Load(), s.idleWorkers.Load(), s.stopRequested.Load())
}

// take removes the next runnable task for worker id: its pinned FIFO
// first, then the shared FIFO.
func (s *Scheduler) take(id int) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinned[id].Length() > 0 {
		return s.pinned[id].Remove(), true
	}
	if s.shared.Length() > 0 {
		return s.shared.Remove(), true
	}
	return Task{}, false
}

// runWorker is the per-worker scheduling loop. It executes on the
// worker's scheduling fiber: either a spawned goroutine's main fiber or
// the caller's root fiber during Stop.
func (s *Scheduler) runWorker(id int) {
	defer fiber.ReleaseThread()
	if s.pinWorkers {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := affinity.SetAffinity(id % runtime.NumCPU()); err != nil {
			s.log.Warn().Err(err).Int("worker", id).Msg("worker pinning unavailable")
		}
	}
	self := fiber.Current()
	self.SetHookEnabled(false)
	s.log.Debug().Int("worker", id).Msg("worker loop entered")

	idleBody := s.idleFn
	if idleBody == nil {
		idleBody = s.baseIdle
	}
	idle := fiber.New(idleBody)

	for {
		t, ok := s.take(id)
		if !ok {
			s.idleWorkers.Add(1)
			err := idle.Resume()
			s.idleWorkers.Add(-1)
			if err != nil {
				s.log.Error().Err(err).Int("worker", id).Msg("idle fiber resume failed")
				return
			}
			if st := idle.State(); st == fiber.Term || st == fiber.Except {
				s.log.Debug().Int("worker", id).Msg("worker loop exiting")
				return
			}
			continue
		}
		s.runTask(id, t)
	}
}

// runTask resumes one task entry and applies the post-resume rules:
// Ready fibers are rescheduled, terminal callable wrappers return to
// the pool, Hold fibers are left to their arranged wakeup.
func (s *Scheduler) runTask(id int, t Task) {
	s.active.Add(1)
	defer s.active.Add(-1)

	f := t.Fiber
	pooled := false
	if f == nil {
		f = s.cbPool.Get()
		if err := f.Reset(t.CB); err != nil {
			s.log.Error().Err(err).Msg("pooled fiber reset failed")
			return
		}
		pooled = true
	}

	if st := f.State(); st == fiber.Term || st == fiber.Except {
		if pooled {
			s.cbPool.Put(f)
		}
		return
	}

	f.SetHookEnabled(true)
	if s.owner != nil {
		f.SetScheduler(s.owner)
	} else {
		f.SetScheduler(s)
	}
	f.SetWorker(id)

	if err := f.Resume(); err != nil {
		// A wakeup registered by the fiber fired before it finished
		// yielding; hand the entry back to the queue and let the next
		// pass retry.
		st := f.State()
		if t.Fiber != nil && st != fiber.Term && st != fiber.Except {
			s.ScheduleTask(t)
			return
		}
		s.log.Error().Err(err).Uint64("fiber", f.ID()).Msg("resume failed")
		return
	}

	switch f.State() {
	case fiber.Ready:
		s.ScheduleTask(Task{Fiber: f, Affinity: t.Affinity})
	case fiber.Term, fiber.Except:
		if pooled {
			s.cbPool.Put(f)
		}
	default:
		// Hold: the fiber arranged its own wakeup.
	}
}

// baseIdle is the idle-fiber body of the plain scheduler: back off with
// an adaptive sleep, yield back to the worker loop so it can rescan the
// queues, and terminate once the scheduler drains.
func (s *Scheduler) baseIdle() {
	backoff := time.Microsecond
	for !s.Stopping() {
		select {
		case <-s.notify:
			backoff = time.Microsecond
		default:
			time.Sleep(backoff)
			if backoff < time.Millisecond {
				backoff *= 2
			}
		}
		fiber.YieldHold()
	}
}
