// Package queue implements the Task Queue + Executor (C5): a stable
// priority queue, bounded-concurrency worker pool gated by a token
// bucket, and the ResearchTask state machine with progress publication.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/fortitude/internal/fortitudeerrors"
	"github.com/sawpanic/fortitude/internal/metrics"
	"github.com/sawpanic/fortitude/internal/ratelimit"
	"github.com/sawpanic/fortitude/internal/research"
)

// Config controls the executor's concurrency and resource envelope.
type Config struct {
	MaxConcurrentTasks     int
	APICallsPerMinute      float64
	MaxCPUPercent          float64
	MaxMemoryPercent       float64
	ResourceCheckInterval  time.Duration
	TaskTimeout            time.Duration
	MaxRetries             int
	InitialDelay           time.Duration
	MaxDelay               time.Duration
	Multiplier             float64
	ProgressReportInterval time.Duration
	ShutdownGrace          time.Duration
}

// Progress is a per-task observable snapshot.
type Progress struct {
	TaskID              string
	Stage               string
	Percent             int
	StartedAt           time.Time
	UpdatedAt           time.Time
	EstimatedCompletion time.Time
}

// ResourceProbe reports current CPU/memory utilization; the executor
// requeues work when the envelope is exceeded instead of blocking.
type ResourceProbe func() (cpuPercent, memPercent float64)

// HandlerResult is a task handler's successful outcome: the raw answer and
// the provider that produced it.
type HandlerResult struct {
	Answer   string
	Provider string
}

// Handler executes one task's research request. Implemented by the
// orchestrator, which delegates to the fallback engine.
type Handler func(ctx context.Context, task *research.ResearchTask) (HandlerResult, error)

// item is a heap element: (priority desc, created_at asc) ordering with
// strict FIFO among equal priorities.
type item struct {
	task  *research.ResearchTask
	index int
}

type priorityHeap []*item

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].task.CreatedAt.Before(h[j].task.CreatedAt)
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *priorityHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue is the bounded-concurrency executor: a priority queue, a worker
// pool gated by a concurrency semaphore and a token bucket, and a
// progress/notification surface.
type Queue struct {
	cfg      Config
	registry *metrics.Registry
	bucket   *ratelimit.Bucket
	probe    ResourceProbe

	handlerMu sync.RWMutex
	handler   Handler

	mu       sync.Mutex
	heap     priorityHeap
	notEmpty chan struct{}

	sem chan struct{}

	progressMu sync.RWMutex
	progress   map[string]Progress

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	subsMu sync.Mutex
	subs   []chan Event

	wg       sync.WaitGroup
	stopCh   chan struct{}
	draining bool

	resultSinkMu sync.RWMutex
	resultSink   ResultSink
}

// Event is published on every task lifecycle transition, backing the
// "subscribe-multi channel" notification surface.
type Event struct {
	TaskID string
	State  research.TaskState
	Reason string
	At     time.Time
}

// New constructs a Queue. handler executes a task's request; probe reports
// current resource utilization (a nil probe is treated as always within
// envelope, useful for tests).
func New(cfg Config, registry *metrics.Registry, handler Handler, probe ResourceProbe) *Queue {
	if probe == nil {
		probe = func() (float64, float64) { return 0, 0 }
	}
	q := &Queue{
		cfg:      cfg,
		registry: registry,
		bucket:   ratelimit.New(int(cfg.APICallsPerMinute), cfg.APICallsPerMinute/60.0),
		handler:  handler,
		probe:    probe,
		notEmpty: make(chan struct{}, 1),
		sem:      make(chan struct{}, cfg.MaxConcurrentTasks),
		progress: make(map[string]Progress),
		cancels:  make(map[string]context.CancelFunc),
		stopCh:   make(chan struct{}),
	}
	return q
}

// Subscribe registers a channel that receives every lifecycle Event.
// Callers must drain it; Queue never blocks waiting on a slow subscriber
// for more than one buffered event.
func (q *Queue) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	q.subsMu.Lock()
	q.subs = append(q.subs, ch)
	q.subsMu.Unlock()
	return ch
}

func (q *Queue) publish(ev Event) {
	q.subsMu.Lock()
	defer q.subsMu.Unlock()
	for _, ch := range q.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Enqueue constructs a ResearchTask from req and pushes it onto the
// priority queue in state Pending→Queued.
func (q *Queue) Enqueue(req research.ClassifiedRequest, priority int) *research.ResearchTask {
	now := time.Now()
	task := &research.ResearchTask{
		ID:         uuid.NewString(),
		Request:    req,
		Priority:   priority,
		State:      research.TaskQueued,
		MaxRetries: q.cfg.MaxRetries,
		Timeout:    q.cfg.TaskTimeout,
		CreatedAt:  now,
	}
	q.push(task)
	q.publish(Event{TaskID: task.ID, State: research.TaskQueued, At: now})
	return task
}

func (q *Queue) push(task *research.ResearchTask) {
	q.mu.Lock()
	heap.Push(&q.heap, &item{task: task})
	q.mu.Unlock()
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() *research.ResearchTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil
	}
	it := heap.Pop(&q.heap).(*item)
	return it.task
}

// Run starts numWorkers worker goroutines and blocks until ctx is
// cancelled or Shutdown is called, then drains in-flight work up to
// ShutdownGrace before returning.
func (q *Queue) Run(ctx context.Context, numWorkers int) {
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for i := 0; i < numWorkers; i++ {
		q.wg.Add(1)
		go q.workerLoop(workerCtx)
	}

	select {
	case <-ctx.Done():
	case <-q.stopCh:
	}

	cancel()
	done := make(chan struct{})
	go func() { q.wg.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(q.cfg.ShutdownGrace):
		q.cancelRemaining()
		<-done
	}
}

// Shutdown requests a graceful stop.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()
	close(q.stopCh)
}

func (q *Queue) cancelRemaining() {
	q.cancelMu.Lock()
	defer q.cancelMu.Unlock()
	for id, cancel := range q.cancels {
		cancel()
		q.publish(Event{TaskID: id, State: research.TaskCancelled, Reason: "shutdown grace exceeded", At: time.Now()})
	}
}

func (q *Queue) workerLoop(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task := q.pop()
		if task == nil {
			select {
			case <-q.notEmpty:
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		q.runTask(ctx, task)
	}
}

func (q *Queue) runTask(ctx context.Context, task *research.ResearchTask) {
	cpu, mem := q.probe()
	if cpu > q.cfg.MaxCPUPercent || mem > q.cfg.MaxMemoryPercent {
		q.registry.RecordThrottleEvent()
		time.AfterFunc(200*time.Millisecond, func() { q.push(task) })
		q.publish(Event{TaskID: task.ID, State: task.State, Reason: "throttled: resource envelope exceeded", At: time.Now()})
		return
	}

	select {
	case q.sem <- struct{}{}:
		defer func() { <-q.sem }()
	case <-ctx.Done():
		return
	}
	q.registry.SetConcurrency(int64(len(q.sem)))

	if !q.bucket.TryAcquire(1) {
		q.registry.RecordRateLimitHit()
		time.AfterFunc(250*time.Millisecond, func() { q.push(task) })
		q.publish(Event{TaskID: task.ID, State: task.State, Reason: "rate limited", At: time.Now()})
		return
	}

	task.State = research.TaskExecuting
	now := time.Now()
	task.StartedAt = &now
	q.setProgress(task.ID, Progress{TaskID: task.ID, Stage: "executing", Percent: 10, StartedAt: now, UpdatedAt: now})
	q.publish(Event{TaskID: task.ID, State: research.TaskExecuting, At: now})

	taskCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	q.cancelMu.Lock()
	q.cancels[task.ID] = cancel
	q.cancelMu.Unlock()
	defer func() {
		cancel()
		q.cancelMu.Lock()
		delete(q.cancels, task.ID)
		q.cancelMu.Unlock()
	}()

	q.handlerMu.RLock()
	handler := q.handler
	q.handlerMu.RUnlock()
	result, err := handler(taskCtx, task)

	if err == nil {
		completedAt := time.Now()
		task.State = research.TaskCompleted
		task.CompletedAt = &completedAt
		q.setProgress(task.ID, Progress{TaskID: task.ID, Stage: "completed", Percent: 100, StartedAt: now, UpdatedAt: completedAt})
		q.registry.RecordTaskOutcome(true, task.RetryCount > 0)
		q.publish(Event{TaskID: task.ID, State: research.TaskCompleted, At: completedAt})
		q.results(task, result)
		return
	}

	if taskCtx.Err() == context.DeadlineExceeded {
		task.State = research.TaskFailed
		task.FailReason = "timeout"
		q.registry.RecordTaskOutcome(false, false)
		q.publish(Event{TaskID: task.ID, State: research.TaskFailed, Reason: "timeout", At: time.Now()})
		return
	}

	if taskCtx.Err() == context.Canceled {
		task.State = research.TaskCancelled
		q.registry.RecordTaskOutcome(false, false)
		q.publish(Event{TaskID: task.ID, State: research.TaskCancelled, Reason: "cancelled", At: time.Now()})
		return
	}

	if task.RetryCount < task.MaxRetries {
		task.RetryCount++
		task.State = research.TaskQueued
		log.Info().Str("task_id", task.ID).Int("retry", task.RetryCount).Err(err).Msg("requeueing after transient failure")
		q.push(task)
		q.publish(Event{TaskID: task.ID, State: research.TaskQueued, Reason: "retrying: " + err.Error(), At: time.Now()})
		return
	}

	task.State = research.TaskFailed
	task.FailReason = err.Error()
	taskErr := &fortitudeerrors.TaskError{Kind: fortitudeerrors.TaskFailed, TaskID: task.ID, Reason: err.Error(), Cause: err}
	q.registry.RecordTaskOutcome(false, true)
	q.publish(Event{TaskID: task.ID, State: research.TaskFailed, Reason: err.Error(), At: time.Now()})
	log.Error().Err(taskErr).Str("task_id", task.ID).Msg("task failed after exhausting retries")
}

// results is a seam for the orchestrator to observe a completed task's
// answer without the queue depending on the cache or quality packages
// directly; the default implementation is a no-op, replaced via
// SetResultSink.
func (q *Queue) results(task *research.ResearchTask, result HandlerResult) {
	q.resultSinkMu.RLock()
	sink := q.resultSink
	q.resultSinkMu.RUnlock()
	if sink != nil {
		sink(task, result)
	}
}

// ResultSink receives a task's result once the handler succeeds.
type ResultSink func(task *research.ResearchTask, result HandlerResult)

// SetResultSink installs the callback invoked when a task completes
// successfully. The orchestrator uses this to score and cache the answer
// without the queue importing the cache or quality packages.
func (q *Queue) SetResultSink(sink ResultSink) {
	q.resultSinkMu.Lock()
	q.resultSink = sink
	q.resultSinkMu.Unlock()
}

// SetHandler installs the task handler. Callers typically construct the
// Queue, build an orchestrator around it, then install the orchestrator's
// Handle method here before calling Run, breaking the construction-order
// cycle between the queue and its orchestrator.
func (q *Queue) SetHandler(handler Handler) {
	q.handlerMu.Lock()
	q.handler = handler
	q.handlerMu.Unlock()
}

func (q *Queue) setProgress(taskID string, p Progress) {
	q.progressMu.Lock()
	q.progress[taskID] = p
	q.progressMu.Unlock()
}

// Progress returns the most recently published progress for a task.
func (q *Queue) Progress(taskID string) (Progress, bool) {
	q.progressMu.RLock()
	defer q.progressMu.RUnlock()
	p, ok := q.progress[taskID]
	return p, ok
}

// Cancel cooperatively cancels an executing task: the in-flight handler
// call is aborted via its context and the task ends in state Cancelled
// without a retry. A task that is still queued is not affected and runs
// when it is dequeued.
func (q *Queue) Cancel(taskID string) {
	q.cancelMu.Lock()
	cancel, ok := q.cancels[taskID]
	q.cancelMu.Unlock()
	if ok {
		cancel()
	}
}

// ActiveWorkers returns the number of permits currently in use.
func (q *Queue) ActiveWorkers() int { return len(q.sem) }
