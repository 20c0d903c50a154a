package conveyor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for SemaphorePool.
const (
	SemaphorePoolTasksTotal     = metricz.Key("semaphorepool.tasks.total")
	SemaphorePoolSuccessesTotal = metricz.Key("semaphorepool.successes.total")
	SemaphorePoolWorkersMax     = metricz.Key("semaphorepool.workers.max")
	SemaphorePoolWorkersActive  = metricz.Key("semaphorepool.workers.active")
	SemaphorePoolQueueWaitMs    = metricz.Key("semaphorepool.queue.wait.ms")

	SemaphorePoolTaskSpan = tracez.Key("semaphorepool.task")

	SemaphorePoolTagWorkerCount = tracez.Tag("semaphorepool.worker_count")
	SemaphorePoolTagSuccess     = tracez.Tag("semaphorepool.success")
	SemaphorePoolTagError       = tracez.Tag("semaphorepool.error")

	SemaphorePoolEventTaskQueued   = hookz.Key("semaphorepool.task_queued")
	SemaphorePoolEventTaskStarted  = hookz.Key("semaphorepool.task_started")
	SemaphorePoolEventTaskComplete = hookz.Key("semaphorepool.task_complete")
	SemaphorePoolEventAllComplete  = hookz.Key("semaphorepool.all_complete")
)

// PoolEvent is emitted via hookz at each stage of a SemaphorePool task's
// lifecycle.
type PoolEvent struct {
	WorkerCount   int
	ActiveWorkers int
	QueueWaitTime time.Duration
	Success       bool
	Error         error
	Duration      time.Duration
	TotalTasks    int
	SuccessTasks  int
	FailedTasks   int
	Timestamp     time.Time
}

// SemaphorePool is a Pool bounded to a fixed number of concurrently
// running Tasks, using a buffered channel as the semaphore. Unlike GoPool
// and ErrGroupPool, it reports queue wait time and worker occupancy
// through metrics, spans, and hooks.
type SemaphorePool struct {
	sem chan struct{}

	wg      sync.WaitGroup
	errOnce sync.Once
	errMu   sync.Mutex
	err     error

	statsMu   sync.Mutex
	total     int
	succeeded int
	failed    int

	clock   clockz.Clock
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[PoolEvent]
}

// NewSemaphorePool returns a SemaphorePool that runs at most workers Tasks
// concurrently. workers below 1 is treated as 1.
func NewSemaphorePool(workers int) *SemaphorePool {
	if workers < 1 {
		workers = 1
	}

	metrics := metricz.New()
	metrics.Counter(SemaphorePoolTasksTotal)
	metrics.Counter(SemaphorePoolSuccessesTotal)
	metrics.Gauge(SemaphorePoolWorkersMax)
	metrics.Gauge(SemaphorePoolWorkersActive)
	metrics.Gauge(SemaphorePoolQueueWaitMs)
	metrics.Gauge(SemaphorePoolWorkersMax).Set(float64(workers))

	return &SemaphorePool{
		sem:     make(chan struct{}, workers),
		clock:   clockz.RealClock,
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[PoolEvent](),
	}
}

// Submit implements Pool. It returns immediately; the task itself runs on
// its own goroutine once a semaphore slot is free.
func (s *SemaphorePool) Submit(ctx context.Context, fn Task) error {
	s.statsMu.Lock()
	s.total++
	s.statsMu.Unlock()

	s.metrics.Counter(SemaphorePoolTasksTotal).Inc()
	_ = s.hooks.Emit(ctx, SemaphorePoolEventTaskQueued, PoolEvent{ //nolint:errcheck
		WorkerCount: cap(s.sem),
		Timestamp:   s.clock.Now(),
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		taskCtx, span := s.tracer.StartSpan(ctx, SemaphorePoolTaskSpan)
		span.SetTag(SemaphorePoolTagWorkerCount, strconv.Itoa(cap(s.sem)))
		defer span.Finish()

		queueStart := s.clock.Now()
		select {
		case s.sem <- struct{}{}:
			queueWait := s.clock.Now().Sub(queueStart)
			s.metrics.Gauge(SemaphorePoolQueueWaitMs).Set(float64(queueWait.Milliseconds()))
			s.metrics.Gauge(SemaphorePoolWorkersActive).Set(float64(len(s.sem)))
			_ = s.hooks.Emit(taskCtx, SemaphorePoolEventTaskStarted, PoolEvent{ //nolint:errcheck
				WorkerCount:   cap(s.sem),
				ActiveWorkers: len(s.sem),
				QueueWaitTime: queueWait,
				Timestamp:     s.clock.Now(),
			})
			defer func() {
				<-s.sem
				s.metrics.Gauge(SemaphorePoolWorkersActive).Set(float64(len(s.sem)))
			}()
		case <-taskCtx.Done():
			s.recordOutcome(taskCtx, span, taskCtx.Err(), 0)
			return
		}

		start := s.clock.Now()
		err := fn(taskCtx)
		s.recordOutcome(taskCtx, span, err, s.clock.Now().Sub(start))
	}()

	return nil
}

func (s *SemaphorePool) recordOutcome(ctx context.Context, span *tracez.ActiveSpan, err error, duration time.Duration) {
	s.statsMu.Lock()
	if err == nil {
		s.succeeded++
	} else {
		s.failed++
	}
	s.statsMu.Unlock()

	if err == nil {
		span.SetTag(SemaphorePoolTagSuccess, "true")
		s.metrics.Counter(SemaphorePoolSuccessesTotal).Inc()
	} else {
		span.SetTag(SemaphorePoolTagSuccess, "false")
		span.SetTag(SemaphorePoolTagError, err.Error())
		s.errOnce.Do(func() {
			s.errMu.Lock()
			s.err = err
			s.errMu.Unlock()
		})
	}

	_ = s.hooks.Emit(ctx, SemaphorePoolEventTaskComplete, PoolEvent{ //nolint:errcheck
		WorkerCount: cap(s.sem),
		Success:     err == nil,
		Error:       err,
		Duration:    duration,
		Timestamp:   s.clock.Now(),
	})
}

// Wait implements Pool. It blocks until every submitted Task has
// returned, emits an all_complete event with aggregate stats, and
// returns the first error encountered, if any.
func (s *SemaphorePool) Wait() error {
	s.wg.Wait()

	s.statsMu.Lock()
	total, succeeded, failed := s.total, s.succeeded, s.failed
	s.statsMu.Unlock()

	_ = s.hooks.Emit(context.Background(), SemaphorePoolEventAllComplete, PoolEvent{ //nolint:errcheck
		WorkerCount:  cap(s.sem),
		TotalTasks:   total,
		SuccessTasks: succeeded,
		FailedTasks:  failed,
		Timestamp:    s.clock.Now(),
	})

	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Metrics returns the metrics registry backing this pool's counters and
// gauges.
func (s *SemaphorePool) Metrics() *metricz.Registry {
	return s.metrics
}

// Tracer returns the tracer used for this pool's task spans.
func (s *SemaphorePool) Tracer() *tracez.Tracer {
	return s.tracer
}

// Close releases the tracer and hooks held by this pool.
func (s *SemaphorePool) Close() error {
	s.tracer.Close()
	s.hooks.Close()
	return nil
}

// OnTaskQueued registers a handler invoked when a task is submitted,
// before it waits for a worker slot.
func (s *SemaphorePool) OnTaskQueued(handler func(context.Context, PoolEvent) error) error {
	_, err := s.hooks.Hook(SemaphorePoolEventTaskQueued, handler)
	return err
}

// OnTaskStarted registers a handler invoked once a task acquires a
// worker slot and begins running.
func (s *SemaphorePool) OnTaskStarted(handler func(context.Context, PoolEvent) error) error {
	_, err := s.hooks.Hook(SemaphorePoolEventTaskStarted, handler)
	return err
}

// OnTaskComplete registers a handler invoked when a task finishes,
// whether it succeeded or failed.
func (s *SemaphorePool) OnTaskComplete(handler func(context.Context, PoolEvent) error) error {
	_, err := s.hooks.Hook(SemaphorePoolEventTaskComplete, handler)
	return err
}

// OnAllComplete registers a handler invoked once Wait has observed every
// submitted task finish.
func (s *SemaphorePool) OnAllComplete(handler func(context.Context, PoolEvent) error) error {
	_, err := s.hooks.Hook(SemaphorePoolEventAllComplete, handler)
	return err
}
