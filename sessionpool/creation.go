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

import (
	"context"
	"time"

	gax "github.com/googleapis/gax-go/v2"
)

// maxCreateAttempts bounds the creation worker's retry window (spec
// section 4.1: "retries with backoff within a bounded window"). The
// teacher's own runRetryableNoWrap (retry.go) retries indefinitely while
// ctx is alive; this core bounds attempts explicitly instead, since an
// unhealthy backend must flip healthy=false promptly rather than retry
// forever inside one worker.
const maxCreateAttempts = 3

// requestCreate launches one creation attempt for a session of the given
// kind, bounded by the MaximumConcurrentSessionCreates semaphore. Callers
// must have already incremented p.inFlight and p.wg.Add(1) under p.mu
// before calling this (see fill / Acquire's create-on-demand path).
// forWaiter marks a creation launched on behalf of a specific pending
// Acquire call (as opposed to fill's proactive idle-floor replenishment):
// only then does a failure get delivered to a pending waiter instead of
// just flipping the pool unhealthy.
func (p *TargetedSessionPool) requestCreate(kind Kind, forWaiter bool) {
	go func() {
		defer p.wg.Done()
		ctx := context.Background()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.finishCreateFailed(kind, forWaiter, err)
			return
		}
		defer p.sem.Release(1)
		p.createWithRetry(kind, forWaiter)
	}()
}

func (p *TargetedSessionPool) createWithRetry(kind Kind, forWaiter bool) {
	bo := gax.Backoff{Initial: 10 * time.Millisecond, Max: 2 * time.Second, Multiplier: 2}
	ctx := context.Background()

	var lastErr error
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		name, err := p.client.CreateSession(p.outgoingContext(ctx), p.db)
		if err == nil {
			s, ferr := p.finalizeSession(ctx, name, kind)
			if s != nil {
				p.finishCreateSucceeded(s)
			} else {
				// BeginTransaction failed for a ReadWrite target; the
				// session itself exists server-side but we give up on it
				// for this request and count the attempt as failed.
				p.finishCreateFailed(kind, forWaiter, ferr)
			}
			return
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
		delay := bo.Pause()
		if suggested, ok := extractRetryDelay(err); ok {
			// A server-suggested retry delay takes priority over the
			// worker's own backoff schedule, per retry.go:151-159.
			delay = suggested
		}
		if serr := sleep(ctx, p.clock, delay); serr != nil {
			lastErr = serr
			break
		}
	}
	p.finishCreateFailed(kind, forWaiter, lastErr)
}

// finalizeSession turns a freshly created server-side session name into a
// PooledSession, optionally beginning a transaction for a ReadWrite
// target. Returns nil if BeginTransaction fails.
func (p *TargetedSessionPool) finalizeSession(ctx context.Context, name string, kind Kind) (*PooledSession, error) {
	now := p.clock.Now()
	s := &PooledSession{
		name:         name,
		kind:         kind,
		state:        stateCreating,
		createdAt:    now,
		refreshTime:  now.Add(p.opts.SessionRefreshJitter(p.opts.IdleSessionRefreshDelay)),
		evictionTime: now.Add(p.opts.SessionEvictionJitter(p.opts.PoolEvictionDelay)),
	}
	if kind == ReadWrite {
		tx, err := p.client.BeginTransaction(p.outgoingContext(ctx), name)
		if err != nil {
			p.logger.Warnf("BeginTransaction failed for session %s, deleting: %v", name, err)
			p.deleteSession(context.Background(), &PooledSession{name: name, kind: kind, state: stateCreating})
			return nil, err
		}
		s.tx = tx
	}
	return s, nil
}

// finishCreateSucceeded records a newly created session, delivering it
// directly to the oldest compatible pending acquirer if one exists
// (spec section 4.1: "Delivery rule"), otherwise enqueuing it idle.
func (p *TargetedSessionPool) finishCreateSucceeded(s *PooledSession) {
	p.mu.Lock()
	p.inFlight--
	p.healthy = true
	p.lastErr = nil

	if p.shutdown {
		p.mu.Unlock()
		p.deleteSession(context.Background(), s)
		p.broadcastChanged()
		return
	}

	if w := p.pending.popCompatible(s.kind); w != nil {
		p.active++
		s.transition(stateInUse)
		p.mu.Unlock()
		w.deliver(s)
		p.broadcastChanged()
		return
	}
	s.transition(stateIdle)
	p.enqueueIdleLocked(s)
	p.mu.Unlock()
	p.broadcastChanged()
}

// finishCreateFailed records a failed creation attempt, marking the pool
// unhealthy so WaitForPoolAsync callers observe the failure (spec
// section 7). When forWaiter is set, the oldest pending acquirer
// compatible with kind is also failed with err directly (spec section
// 4.1: "Pending acquirers observing healthy = false after creation
// failure receive the error"), mirroring finishCreateSucceeded's delivery
// to the oldest compatible waiter on the success path.
func (p *TargetedSessionPool) finishCreateFailed(kind Kind, forWaiter bool, err error) {
	p.mu.Lock()
	p.inFlight--
	p.healthy = false
	p.lastErr = err
	var w *waiter
	if forWaiter {
		w = p.pending.popCompatible(kind)
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Errorf("session creation failed, marking pool unhealthy: %v", err)
	}
	if w != nil {
		w.fail(err)
	}
	p.broadcastChanged()
}

// enqueueIdleLocked places s into the appropriate idle queue. Caller must
// hold p.mu.
func (p *TargetedSessionPool) enqueueIdleLocked(s *PooledSession) {
	if s.kind == ReadWrite {
		p.rwQ.pushBack(s)
	} else {
		p.readQ.pushBack(s)
	}
}
