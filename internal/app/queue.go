package app

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// lifecycleQueue serializes start/stop/renegotiate tasks for one session
// key. One task runs at a time; the next starts only after the previous
// completed, success or failure. A failing task never poisons the queue.
type lifecycleQueue struct {
	key   string
	mu    sync.Mutex
	tasks []func()
	busy  bool

	// onDrained is invoked with the queue lock released once the queue is
	// empty and idle, so the owner can retire it.
	onDrained func(key string)
}

func newLifecycleQueue(key string, onDrained func(string)) *lifecycleQueue {
	return &lifecycleQueue{key: key, onDrained: onDrained}
}

// enqueue appends a task and starts the worker if idle.
func (q *lifecycleQueue) enqueue(task func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	if q.busy {
		q.mu.Unlock()
		return
	}
	q.busy = true
	q.mu.Unlock()

	go q.drain()
}

func (q *lifecycleQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.busy = false
			q.mu.Unlock()
			if q.onDrained != nil {
				q.onDrained(q.key)
			}
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.run(task)
	}
}

// idle reports whether the queue has fully drained and can be retired.
func (q *lifecycleQueue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) == 0 && !q.busy
}

func (q *lifecycleQueue) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "app.queue").Str("sessionId", q.key).
				Interface("panic", r).Msg("lifecycle task panicked")
		}
	}()
	task()
}

// candidateQueue buffers client ICE candidates that arrive before the
// endpoint knows its media id. FIFO; Drain atomically empties it.
type candidateQueue struct {
	mu    sync.Mutex
	items []string
}

func newCandidateQueue() *candidateQueue {
	return &candidateQueue{}
}

func (q *candidateQueue) Push(candidate string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, candidate)
}

func (q *candidateQueue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *candidateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
