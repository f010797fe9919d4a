/*
Copyright 2017 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sessionpool

import "container/list"

// acquireResult is what a waiter's slot carries: either a delivered
// session, or an error (used at shutdown, where every pending acquirer is
// failed with Canceled rather than handed a session).
type acquireResult struct {
	session *PooledSession
	err     error
}

// waiter is a one-shot delivery slot for a pending acquirer (spec section
// 9: "represent pending_acquirers as a queue of one-shot delivery slots").
// All fields except ch are only ever touched while holding the owning
// pool's mutex, so enqueue and wake can be made the same atomic step
// (spec section 9: "prefer direct handoff via a per-waiter slot so enqueue
// and wake are the same atomic step").
type waiter struct {
	kind Kind
	// ch is buffered size 1: deliver()/fail() send at most once between them.
	ch chan acquireResult
	// elem is this waiter's node in the pool's pending list, or nil once
	// the waiter has been dequeued (delivered or canceled).
	elem *list.Element
}

func newWaiter(kind Kind) *waiter {
	return &waiter{kind: kind, ch: make(chan acquireResult, 1)}
}

// deliver hands s directly to the waiter, skipping the idle queue
// entirely, per spec section 4.1's creation-worker and Release delivery
// rules. Caller must have already removed the waiter from the pending list
// while holding the pool mutex; the send itself may happen after the mutex
// is released, since ch is buffered.
func (w *waiter) deliver(s *PooledSession) {
	w.ch <- acquireResult{session: s}
}

// fail wakes the waiter with an error instead of a session, used when
// shutdown cancels every pending acquirer (spec section 4.1:
// "ShutdownPoolAsync ... pending acquirers are failed with Canceled").
func (w *waiter) fail(err error) {
	w.ch <- acquireResult{err: err}
}

// pendingQueue is the strict FIFO queue of compatible waiters (spec
// section 5: "pending_acquirers is strict FIFO").
type pendingQueue struct {
	l list.List
}

// push enqueues w at the back of the queue.
func (q *pendingQueue) push(w *waiter) {
	w.elem = q.l.PushBack(w)
}

// remove removes w from the queue if it is still present. Safe to call
// more than once.
func (q *pendingQueue) remove(w *waiter) {
	if w.elem == nil {
		return
	}
	q.l.Remove(w.elem)
	w.elem = nil
}

// popCompatible removes and returns the oldest waiter whose kind is
// satisfied by a session of kind have, or nil if none is waiting.
func (q *pendingQueue) popCompatible(have Kind) *waiter {
	for e := q.l.Front(); e != nil; e = e.Next() {
		w := e.Value.(*waiter)
		if have.satisfies(w.kind) {
			q.l.Remove(e)
			w.elem = nil
			return w
		}
	}
	return nil
}

// popAny removes and returns the oldest waiter regardless of kind, used
// when failing every pending acquirer at shutdown.
func (q *pendingQueue) popAny() *waiter {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	q.l.Remove(e)
	w := e.Value.(*waiter)
	w.elem = nil
	return w
}

func (q *pendingQueue) len() int { return q.l.Len() }
