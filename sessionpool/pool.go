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

// Package sessionpool implements a session pool for a remote transactional
// database service: it amortizes session creation cost, caps concurrent
// session usage per database, maintains a warm idle reserve split between
// read-only and read/write sessions, refreshes sessions before server-side
// eviction, locally evicts aged sessions, and supports graceful shutdown.
//
// The concurrency engine (TargetedSessionPool) is grounded on
// cloud.google.com/go/spanner's sessionPool (session.go/retry.go),
// generalized from a single hardcoded Cloud Spanner RPC surface to the
// abstract ServiceClient/Clock/Logger collaborators named in spec.md.
package sessionpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opencensus.io/trace"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
)

// shutdownPollInterval bounds the polling cadence ShutdownPoolAsync uses
// to notice checked-out sessions being released after shutdown has been
// requested (spec section 4.1: "Polls at a bounded cadence (≥1/sec)").
const shutdownPollInterval = 200 * time.Millisecond

// TargetedSessionPool is one pool instance per (service, database) (spec
// section 2/4.1). It owns all session bookkeeping and concurrency
// primitives.
type TargetedSessionPool struct {
	db     string
	client ServiceClient
	opts   Options
	clock  Clock
	logger Logger
	sem    *semaphore.Weighted

	// md is attached to every outgoing RPC context the pool issues,
	// mirroring the teacher's p.md/contextWithOutgoingMetadata (session.go:
	// "ctx = contextWithOutgoingMetadata(ctx, p.md)", used at every call
	// site that reaches sc.CreateSession/DeleteSession/etc.).
	md metadata.MD

	mu       sync.Mutex
	readQ    idleQueue
	rwQ      idleQueue
	pending  pendingQueue
	active   int
	inFlight int
	healthy  bool
	lastErr  error
	shutdown bool

	// changed is closed and replaced whenever bookkeeping relevant to
	// WaitForPoolAsync's predicate changes, in the teacher's
	// close-and-replace broadcast idiom (session.go's mayGetSession).
	changed chan struct{}

	// wg tracks every background goroutine the pool has launched
	// (creation, refresh probes, deletions) so ShutdownPoolAsync and
	// MaintainPool (a "synchronous tick") can wait for a batch to settle.
	wg sync.WaitGroup
}

// NewTargetedSessionPool constructs a pool for db. client and opts.Clock
// (if set) are the only required collaborators; everything else in opts
// defaults the way the teacher's newSessionPool fills in SessionPoolConfig.
func NewTargetedSessionPool(db string, client ServiceClient, opts Options) (*TargetedSessionPool, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	md := opts.OutgoingMetadata
	if md == nil {
		md = metadata.Pairs("session-pool-database", db)
	} else {
		md = metadata.Join(md, metadata.Pairs("session-pool-database", db))
	}

	p := &TargetedSessionPool{
		db:      db,
		client:  client,
		opts:    opts,
		clock:   opts.Clock,
		logger:  opts.Logger,
		sem:     semaphore.NewWeighted(int64(opts.MaximumConcurrentSessionCreates)),
		md:      md,
		healthy: true,
		changed: make(chan struct{}),
	}
	return p, nil
}

// outgoingContext attaches the pool's outgoing metadata to ctx before an
// RPC, the way the teacher's contextWithOutgoingMetadata does for every
// call the session pool makes.
func (p *TargetedSessionPool) outgoingContext(ctx context.Context) context.Context {
	return metadata.NewOutgoingContext(ctx, p.md)
}

func (p *TargetedSessionPool) broadcastChanged() {
	p.mu.Lock()
	close(p.changed)
	p.changed = make(chan struct{})
	p.mu.Unlock()
}

// idleTotalLocked returns the combined idle session count. Caller must
// hold p.mu.
func (p *TargetedSessionPool) idleTotalLocked() int {
	return p.readQ.len() + p.rwQ.len()
}

// takeIdleLocked removes and returns an idle session compatible with
// want, preferring an exact-kind match (spec section 4.1: "A plain read
// acquisition will accept a ReadWrite session ... a ReadWrite acquisition
// requires a ReadWrite session"). Caller must hold p.mu.
func (p *TargetedSessionPool) takeIdleLocked(want Kind) *PooledSession {
	if want == ReadWrite {
		return p.rwQ.popFront()
	}
	// ReadOnly acquisition: prefer a plain read-only session so that
	// ReadWrite sessions stay available for write-seeking callers; fall
	// back to a ReadWrite session per the accept-without-downgrade rule.
	if s := p.readQ.popFront(); s != nil {
		return s
	}
	return p.rwQ.popFront()
}

// Acquire returns a pooled session for the given kind hint, creating one
// on demand if necessary (spec section 4.1).
func (p *TargetedSessionPool) Acquire(ctx context.Context, kind Kind) (*PooledSession, error) {
	ctx, span := trace.StartSpan(ctx, "sessionpool.Acquire")
	defer span.End()

	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil, errInvalidState()
	}
	if s := p.takeIdleLocked(kind); s != nil {
		p.active++
		p.mu.Unlock()
		s.transition(stateInUse)
		return s, nil
	}

	// Fast path empty. Can we launch a new creation without violating the
	// capacity invariant (active + in_flight + idle <= MaximumActiveSessions)?
	max := p.opts.MaximumActiveSessions
	if max <= 0 || p.active+p.inFlight+p.idleTotalLocked() < max {
		p.inFlight++
		w := newWaiter(kind)
		p.pending.push(w)
		p.wg.Add(1)
		p.mu.Unlock()
		p.requestCreate(kind, true)
		return p.awaitWaiter(ctx, w)
	}

	// No capacity for a new creation: apply WaitOnResourcesExhausted.
	if p.opts.WaitOnResourcesExhausted == Fail {
		p.mu.Unlock()
		return nil, errResourceExhausted("MaximumActiveSessions reached")
	}
	w := newWaiter(kind)
	p.pending.push(w)
	p.mu.Unlock()
	return p.awaitWaiter(ctx, w)
}

// awaitWaiter suspends until w is delivered, ctx is canceled, or the pool
// shuts down, honoring the race-safe cancellation protocol of spec
// section 9.
func (p *TargetedSessionPool) awaitWaiter(ctx context.Context, w *waiter) (*PooledSession, error) {
	select {
	case r := <-w.ch:
		return r.session, r.err
	case <-ctx.Done():
		return p.resolveCanceledWaiter(w, ctxDoneError(ctx))
	}
}

// ctxDoneError maps a done context to the caller-visible error spec
// section 6 distinguishes: a deadline (Options.Timeout, or a caller's own
// context deadline) is ResourceExhausted, since the caller waited for
// capacity and none arrived in time; any other cancellation is Canceled.
func ctxDoneError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errResourceExhausted("acquire timed out waiting for a session")
	}
	return errCanceled(ctx.Err())
}

func (p *TargetedSessionPool) resolveCanceledWaiter(w *waiter, cancelErr error) (*PooledSession, error) {
	p.mu.Lock()
	select {
	case r := <-w.ch:
		// Delivery (or shutdown failure) raced with cancellation and won.
		p.mu.Unlock()
		return r.session, r.err
	default:
	}
	if w.elem != nil {
		p.pending.remove(w)
		p.mu.Unlock()
		return nil, cancelErr
	}
	p.mu.Unlock()
	// w was already dequeued for delivery, but the deliverer sends after
	// releasing p.mu and hasn't sent yet; the send is imminent, so wait
	// for it.
	r := <-w.ch
	return r.session, r.err
}

// ReleaseOptions customizes Release's behavior.
type ReleaseOptions struct {
	// ForceDelete schedules unconditional deletion instead of re-pooling.
	ForceDelete bool
	// ExecutedAt, if non-nil, is the timestamp at which the caller itself
	// already exercised the session with an RPC before releasing it. This
	// is the "piggyback refresh" fast path (spec section 4.1): it takes
	// priority over an otherwise-due refresh probe, since the caller's own
	// RPC already served the keepalive purpose.
	ExecutedAt *time.Time
}

// Release returns session s to the pool, or schedules a refresh, or
// schedules deletion, depending on state (spec section 4.1).
func (p *TargetedSessionPool) Release(ctx context.Context, s *PooledSession, opts ReleaseOptions) {
	now := p.clock.Now()

	p.mu.Lock()
	p.active--
	isShutdown := p.shutdown
	p.mu.Unlock()

	evicted := !now.Before(s.getEvictionTime())

	switch {
	case isShutdown || opts.ForceDelete || evicted:
		s.transition(stateEvicting)
		p.scheduleDelete(s)
		return
	case opts.ExecutedAt != nil:
		newRefresh := p.opts.SessionRefreshJitter(p.opts.IdleSessionRefreshDelay)
		s.setRefreshTime(opts.ExecutedAt.Add(newRefresh))
		s.transition(stateIdle)
		p.enqueueAndWake(s)
		return
	case !now.Before(s.getRefreshTime()):
		s.transition(stateRefreshing)
		p.refreshOne(s)
		return
	default:
		s.transition(stateIdle)
		p.enqueueAndWake(s)
		return
	}
}

// enqueueAndWake enqueues s idle, waking one matching pending acquirer if
// any (spec section 4.1: "After enqueue, wake one matching pending
// acquirer if any; otherwise the session waits."). If a waiter exists it
// is delivered s directly instead of s ever touching the idle queue, so
// that "no session is simultaneously in an idle queue and held by a
// caller" (spec section 5 ordering guarantee (b)) holds trivially.
func (p *TargetedSessionPool) enqueueAndWake(s *PooledSession) {
	p.mu.Lock()
	if w := p.pending.popCompatible(s.kind); w != nil {
		p.active++
		p.mu.Unlock()
		s.transition(stateInUse)
		w.deliver(s)
		p.broadcastChanged()
		return
	}
	p.enqueueIdleLocked(s)
	p.mu.Unlock()
	p.broadcastChanged()
}

// refreshOne issues the SELECT-1 probe for s in the background; success
// resets refresh_time and re-enqueues, failure deletes the session (spec
// section 4.1/7: "A refresh failure deletes that session only").
func (p *TargetedSessionPool) refreshOne(s *PooledSession) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := p.client.ExecuteSql(p.outgoingContext(rctx), s.Name(), refreshProbe)
		if err != nil {
			p.logger.Warnf("refresh probe failed for session %s, deleting: %v", s.Name(), err)
			s.transition(stateEvicting)
			p.deleteSession(context.Background(), s)
			return
		}
		now := p.clock.Now()
		s.setRefreshTime(now.Add(p.opts.SessionRefreshJitter(p.opts.IdleSessionRefreshDelay)))
		s.transition(stateIdle)
		p.enqueueAndWake(s)
	}()
}

// scheduleDelete runs the best-effort delete RPC in the background and
// tracks it in p.wg.
func (p *TargetedSessionPool) scheduleDelete(s *PooledSession) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.deleteSession(context.Background(), s)
	}()
}

// deleteSession performs the delete RPC synchronously and transitions s
// to Deleted. Safe to call from within a goroutine already tracked by
// p.wg (creation worker's own failure path) or via scheduleDelete.
func (p *TargetedSessionPool) deleteSession(ctx context.Context, s *PooledSession) {
	if s.currentState() != stateDeleted {
		switch s.currentState() {
		case stateCreating:
			s.transition(stateDeleted)
		case stateEvicting:
			s.transition(stateDeleted)
		default:
			s.transition(stateEvicting)
			s.transition(stateDeleted)
		}
	}
	if name := s.Name(); name != "" {
		dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		if err := p.client.DeleteSession(p.outgoingContext(dctx), name); err != nil {
			p.logger.Errorf("failed to delete session %s: %v", name, err)
		}
	}
	p.broadcastChanged()
}

// WaitForPoolAsync returns once the pool has reached its configured idle
// floor, fails if the pool is or becomes unhealthy, and honors
// cancellation (spec section 4.1).
func (p *TargetedSessionPool) WaitForPoolAsync(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.readyLocked() {
			p.mu.Unlock()
			return nil
		}
		if !p.healthy {
			err := p.lastErr
			p.mu.Unlock()
			if err == nil {
				err = poolErrorf(codes.Unknown, "pool is unhealthy")
			}
			return err
		}
		if p.shutdown {
			p.mu.Unlock()
			return errInvalidState()
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
			continue
		case <-ctx.Done():
			return errCanceled(ctx.Err())
		}
	}
}

// readyLocked implements WaitForPoolAsync's predicate. Caller must hold p.mu.
func (p *TargetedSessionPool) readyLocked() bool {
	total := p.idleTotalLocked()
	if total < p.opts.MinimumPooledSessions {
		return false
	}
	return p.rwQ.len() >= p.opts.targetReadWrite()
}

// ShutdownPoolAsync marks the pool shut down, deletes all idle sessions,
// fails every pending acquirer, and waits for outstanding work to drain
// (spec section 4.1).
func (p *TargetedSessionPool) ShutdownPoolAsync(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true

	var toDelete []*PooledSession
	for {
		s := p.readQ.popFront()
		if s == nil {
			break
		}
		toDelete = append(toDelete, s)
	}
	for {
		s := p.rwQ.popFront()
		if s == nil {
			break
		}
		toDelete = append(toDelete, s)
	}
	for {
		w := p.pending.popAny()
		if w == nil {
			break
		}
		w.fail(errCanceled(nil))
	}
	p.mu.Unlock()

	for _, s := range toDelete {
		s.transition(stateEvicting)
		p.scheduleDelete(s)
	}
	p.broadcastChanged()

	for {
		p.mu.Lock()
		done := p.active == 0 && p.inFlight == 0
		p.mu.Unlock()
		if done {
			// Let the delete RPCs scheduled above (and by releases after
			// shutdown) finish before reporting completion.
			p.wg.Wait()
			return nil
		}
		if err := sleep(ctx, p.clock, shutdownPollInterval); err != nil {
			return errCanceled(err)
		}
	}
}

// Stats is the read-only statistics snapshot of spec section 6.
type Stats struct {
	ActiveSessionCount   int
	InFlightCreationCount int
	ReadPoolCount        int
	ReadWritePoolCount   int
	Shutdown             bool
}

// Stats returns a lock-free copy of the pool's current bookkeeping.
func (p *TargetedSessionPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		ActiveSessionCount:    p.active,
		InFlightCreationCount: p.inFlight,
		ReadPoolCount:         p.readQ.len(),
		ReadWritePoolCount:    p.rwQ.len(),
		Shutdown:              p.shutdown,
	}
}

// MaintainPool runs one synchronous Fill/Refresh/Evict tick (spec section
// 4.1). It is safe to call directly from tests: it blocks until every RPC
// the tick issues has completed.
func (p *TargetedSessionPool) MaintainPool(ctx context.Context) {
	ctx, span := trace.StartSpan(ctx, "sessionpool.MaintainPool")
	defer span.End()
	p.fill(ctx)
	p.refresh(ctx)
	p.evict(ctx)
	p.wg.Wait()
}

// fill brings idle+in-flight up to MinimumPooledSessions, biased toward
// the configured ReadWrite target, never exceeding
// MaximumConcurrentSessionCreates concurrent creation RPCs nor the
// MaximumActiveSessions aggregate cap (spec section 4.1, step 1).
func (p *TargetedSessionPool) fill(ctx context.Context) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	currentRW := p.rwQ.len()
	targetRW := p.opts.targetReadWrite()
	needRW := targetRW - currentRW
	if needRW < 0 {
		needRW = 0
	}

	currentTotal := p.idleTotalLocked() + p.inFlight
	needTotal := p.opts.MinimumPooledSessions - currentTotal
	if needTotal < 0 {
		needTotal = 0
	}
	if needRW > needTotal {
		needRW = needTotal
	}
	needRO := needTotal - needRW

	max := p.opts.MaximumActiveSessions
	var launched int
	launch := func(kind Kind) bool {
		if max > 0 && p.active+p.inFlight+p.idleTotalLocked() >= max {
			return false
		}
		p.inFlight++
		p.wg.Add(1)
		launched++
		p.requestCreate(kind, false)
		return true
	}
	for i := 0; i < needRW; i++ {
		if !launch(ReadWrite) {
			break
		}
	}
	for i := 0; i < needRO; i++ {
		if !launch(ReadOnly) {
			break
		}
	}
	p.mu.Unlock()
	if launched > 0 {
		p.logger.Debugf("fill: launched %d creation(s) for %s", launched, p.db)
	}
}

// refresh probes every idle session whose refresh_time has elapsed (spec
// section 4.1, step 2).
func (p *TargetedSessionPool) refresh(ctx context.Context) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	now := p.clock.Now()
	due := func(s *PooledSession) bool { return !now.Before(s.getRefreshTime()) }
	sessions := append(p.readQ.dueForRefresh(due), p.rwQ.dueForRefresh(due)...)
	for _, s := range sessions {
		s.transition(stateRefreshing)
	}
	p.mu.Unlock()

	for _, s := range sessions {
		p.refreshOne(s)
	}
}

// evict removes every idle session past its eviction_time and schedules
// deletion; the next Fill tick replaces it (spec section 4.1, step 3, and
// section 9's open question: this implementation does not synchronously
// schedule a replacement, matching the original's documented behavior).
func (p *TargetedSessionPool) evict(ctx context.Context) {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	now := p.clock.Now()
	expired := func(s *PooledSession) bool { return !now.Before(s.getEvictionTime()) }
	sessions := append(p.readQ.popExpired(expired), p.rwQ.popExpired(expired)...)
	p.mu.Unlock()

	for _, s := range sessions {
		s.transition(stateEvicting)
		p.scheduleDelete(s)
	}
}
