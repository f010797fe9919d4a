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
	"sync"
	"time"
)

// Registry is the process-wide map from database identity to its
// TargetedSessionPool (spec section 4.2: "SessionPool keyed by database").
// A single Registry typically backs one process's worth of traffic to many
// databases behind the same ServiceClient factory; callers that only ever
// talk to one database can skip Registry and use NewTargetedSessionPool
// directly.
type Registry struct {
	newClient func(db string) (ServiceClient, error)
	opts      Options

	mu     sync.Mutex
	pools  map[string]*TargetedSessionPool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRegistry constructs a Registry. newClient lazily builds the
// ServiceClient for a database the first time that database is requested
// (spec section 4.2); the client and pool are built outside the lock, and
// the map insert under it keeps the first pool if two callers race. If opts.MaintenanceLoopDelay
// is positive, a single background goroutine fans MaintainPool out across
// every registered pool at that cadence; zero disables the loop entirely,
// leaving callers to drive MaintainPool themselves (e.g. from their own cron).
func NewRegistry(newClient func(db string) (ServiceClient, error), opts Options) *Registry {
	r := &Registry{
		newClient: newClient,
		opts:      opts.withDefaults(),
		pools:     make(map[string]*TargetedSessionPool),
		stopCh:    make(chan struct{}),
	}
	if r.opts.MaintenanceLoopDelay > 0 {
		r.wg.Add(1)
		go r.maintenanceLoop()
	}
	return r
}

// Pool returns the TargetedSessionPool for db, creating it on first use.
func (r *Registry) Pool(db string) (*TargetedSessionPool, error) {
	r.mu.Lock()
	if p, ok := r.pools[db]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	client, err := r.newClient(db)
	if err != nil {
		return nil, err
	}
	p, err := NewTargetedSessionPool(db, client, r.opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.pools[db]; ok {
		// Another goroutine raced us and won; discard our pool rather than
		// leak two live pools for the same database.
		return existing, nil
	}
	r.pools[db] = p
	return p, nil
}

// Acquire is a convenience that looks up (or creates) db's pool and
// acquires a session from it in one call.
func (r *Registry) Acquire(ctx context.Context, db string, kind Kind) (*PooledSession, error) {
	p, err := r.Pool(db)
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx, kind)
}

// maintenanceLoop fans MaintainPool out across every currently registered
// pool once per MaintenanceLoopDelay tick, the way the teacher's own
// sessionPool.maintainer background goroutine drives a single pool's
// housekeeping (session.go's healthcheck/maintainer), generalized here to
// many pools sharing one ticker instead of one per pool.
func (r *Registry) maintenanceLoop() {
	defer r.wg.Done()
	clock := r.opts.Clock
	if clock == nil {
		clock = NewRealClock()
	}
	ticker := clock.NewTicker(r.opts.MaintenanceLoopDelay)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.Chan():
			r.tickAll()
		}
	}
}

func (r *Registry) tickAll() {
	r.mu.Lock()
	pools := make([]*TargetedSessionPool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range pools {
		wg.Add(1)
		go func(p *TargetedSessionPool) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout+30*time.Second)
			defer cancel()
			p.MaintainPool(ctx)
		}(p)
	}
	wg.Wait()
}

// RegistryStats aggregates Stats() across every registered pool, keyed by
// database.
type RegistryStats map[string]Stats

// Stats returns a snapshot of every registered pool's statistics.
func (r *Registry) Stats() RegistryStats {
	r.mu.Lock()
	pools := make(map[string]*TargetedSessionPool, len(r.pools))
	for db, p := range r.pools {
		pools[db] = p
	}
	r.mu.Unlock()

	out := make(RegistryStats, len(pools))
	for db, p := range pools {
		out[db] = p.Stats()
	}
	return out
}

// Close stops the maintenance loop and shuts down every registered pool
// (spec section 4.2's supplemented "Close(ctx)" convenience). It returns
// the first shutdown error encountered, if any, after attempting every pool.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.opts.MaintenanceLoopDelay > 0 {
		select {
		case <-r.stopCh:
		default:
			close(r.stopCh)
		}
	}
	pools := make([]*TargetedSessionPool, 0, len(r.pools))
	for _, p := range r.pools {
		pools = append(pools, p)
	}
	r.mu.Unlock()
	r.wg.Wait()

	var firstErr error
	for _, p := range pools {
		if err := p.ShutdownPoolAsync(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
