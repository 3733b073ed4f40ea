// Package task owns the scheduled one-shot commands delivered to kiosk
// clients. The queue lives purely in memory; tasks do not survive a
// process restart.
package task

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names the command a task delivers to the kiosk client.
type Kind string

const (
	KindRefresh    Kind = "refresh"
	KindFullscreen Kind = "fullscreen"
	KindScreenshot Kind = "screenshot"
)

// Valid reports whether k is a recognized task kind.
func (k Kind) Valid() bool {
	switch k {
	case KindRefresh, KindFullscreen, KindScreenshot:
		return true
	}
	return false
}

// TargetAll fans one task copy out to every session id currently present
// in the queue. It is a creation-time target only and never stored.
const TargetAll = "all"

// Task is one scheduled command. It is due when ScheduledAt has passed
// and it is not completed. Timestamps are unix milliseconds.
type Task struct {
	ID          string `json:"id"`
	SessionID   string `json:"session_id"`
	ScheduledAt int64  `json:"scheduled_at"`
	Completed   bool   `json:"completed"`
	Task        Kind   `json:"task"`
}

type subscriber struct {
	sessionID string
	fn        func([]Task)
}

// Queue holds the ordered task list. All methods are safe for
// concurrent use.
type Queue struct {
	mu    sync.Mutex
	tasks []Task
	subs  map[int]subscriber
	next  int
	now   func() time.Time

	// dispatchMu serializes subscriber callbacks in mutation order.
	dispatchMu sync.Mutex
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{
		subs: make(map[int]subscriber),
		now:  time.Now,
	}
}

// Create appends one task per resolved target with fresh ids, returning
// the created records. A sessionID of TargetAll expands to the distinct
// session ids already present in the queue; a session that never had a
// task receives no broadcast copy. scheduledAt zero means now.
func (q *Queue) Create(sessionID string, kind Kind, scheduledAt int64) []Task {
	if scheduledAt == 0 {
		scheduledAt = q.now().UnixMilli()
	}

	q.mu.Lock()
	var targets []string
	if sessionID == TargetAll {
		seen := make(map[string]bool)
		for _, t := range q.tasks {
			if !seen[t.SessionID] {
				seen[t.SessionID] = true
				targets = append(targets, t.SessionID)
			}
		}
	} else {
		targets = []string{sessionID}
	}

	created := make([]Task, 0, len(targets))
	for _, target := range targets {
		created = append(created, Task{
			ID:          uuid.New().String(),
			SessionID:   target,
			ScheduledAt: scheduledAt,
			Task:        kind,
		})
	}
	q.tasks = append(q.tasks, created...)
	q.notifyLocked(created)

	for _, t := range created {
		fmt.Printf("[tasks] new task %s (%s) for session %s\n", t.ID, t.Task, t.SessionID)
	}
	return created
}

// Add appends an already-built task. Used by callers that need to
// preset fields Create does not expose.
func (q *Queue) Add(t Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.notifyLocked([]Task{t})
}

// Get returns the task with the given id.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// All returns a copy of the full queue.
func (q *Queue) All() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.tasks))
	copy(out, q.tasks)
	return out
}

// SessionTasks returns the tasks for a session sorted by schedule time,
// by default restricted to due, incomplete ones. Repeated calls return
// the same due set until MarkCompleted removes entries from it.
func (q *Queue) SessionTasks(sessionID string, includeFuture, includeCompleted bool) []Task {
	now := q.now().UnixMilli()
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sessionTasksLocked(sessionID, includeFuture, includeCompleted, now)
}

func (q *Queue) sessionTasksLocked(sessionID string, includeFuture, includeCompleted bool, now int64) []Task {
	out := make([]Task, 0)
	for _, t := range q.tasks {
		if t.SessionID != sessionID {
			continue
		}
		if !includeFuture && t.ScheduledAt > now {
			continue
		}
		if !includeCompleted && t.Completed {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ScheduledAt < out[j].ScheduledAt
	})
	return out
}

// MarkCompleted flags the task done. Returns false for unknown ids.
func (q *Queue) MarkCompleted(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.tasks {
		if q.tasks[i].ID == id {
			q.tasks[i].Completed = true
			fmt.Printf("[tasks] task %s completed\n", id)
			return true
		}
	}
	return false
}

// CleanupCompleted drops every completed task, returning how many were
// removed.
func (q *Queue) CleanupCompleted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.tasks[:0]
	removed := 0
	for _, t := range q.tasks {
		if t.Completed {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	q.tasks = kept
	return removed
}

// Subscribe invokes cb when a task id not previously present for
// sessionID enters the queue. The callback receives the full current
// due, incomplete set for the session, not a delta. The returned
// function unsubscribes and is safe to call more than once.
func (q *Queue) Subscribe(sessionID string, cb func([]Task)) func() {
	q.mu.Lock()
	id := q.next
	q.next++
	q.subs[id] = subscriber{sessionID: sessionID, fn: cb}
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.subs, id)
			q.mu.Unlock()
		})
	}
}

// SubscriberCount returns the number of registered subscribers.
func (q *Queue) SubscriberCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

// notifyLocked is called with q.mu held after appending created tasks.
// It snapshots the payload per interested subscriber, takes the dispatch
// lock before releasing q.mu to keep callbacks in mutation order, then
// runs them without holding q.mu.
func (q *Queue) notifyLocked(created []Task) {
	now := q.now().UnixMilli()
	type delivery struct {
		fn    func([]Task)
		tasks []Task
	}
	var deliveries []delivery
	for _, sub := range q.subs {
		matched := false
		for _, t := range created {
			if t.SessionID == sub.sessionID {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		deliveries = append(deliveries, delivery{
			fn:    sub.fn,
			tasks: q.sessionTasksLocked(sub.sessionID, false, false, now),
		})
	}
	q.dispatchMu.Lock()
	q.mu.Unlock()
	defer q.dispatchMu.Unlock()

	for _, d := range deliveries {
		d.fn(d.tasks)
	}
}

// StartSweeper drops completed tasks on the given interval. Returns a
// stop function.
func (q *Queue) StartSweeper(interval time.Duration) func() {
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				q.CleanupCompleted()
			case <-stopCh:
				return
			}
		}
	}()
	return func() { close(stopCh) }
}
