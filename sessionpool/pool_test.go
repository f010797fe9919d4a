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

package sessionpool_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	sessionpool "github.com/smyte/sessionpool/sessionpool"
	"github.com/smyte/sessionpool/sessionpool/fakeclient"
)

func testOptions(clock clockwork.Clock) sessionpool.Options {
	return sessionpool.Options{
		MaximumConcurrentSessionCreates: 4,
		IdleSessionRefreshDelay:         time.Hour,
		PoolEvictionDelay:               10 * time.Hour,
		SessionRefreshJitter:            sessionpool.NoJitter,
		SessionEvictionJitter:           sessionpool.NoJitter,
		Clock:                           clock,
	}
}

// scenario 1: acquire, caller executes its own RPC, releases with
// ExecutedAt set - no pool-issued refresh probe, session goes straight
// back to idle.
func TestAcquireReleasePiggybackNoRefresh(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := fakeclient.New()
	pool, err := sessionpool.NewTargetedSessionPool("db1", client, testOptions(clock))
	require.NoError(t, err)

	ctx := context.Background()
	s, err := pool.Acquire(ctx, sessionpool.ReadOnly)
	require.NoError(t, err)
	require.NotNil(t, s)

	var executeCalls int32
	client.SetFailExecute(func(name string) error {
		atomic.AddInt32(&executeCalls, 1)
		return nil
	})

	executedAt := clock.Now()
	pool.Release(ctx, s, sessionpool.ReleaseOptions{ExecutedAt: &executedAt})

	assert.Equal(t, int32(0), atomic.LoadInt32(&executeCalls), "no pool-issued refresh probe expected")
	assert.Equal(t, 1, client.LiveSessionCount())
	stats := pool.Stats()
	assert.Equal(t, 1, stats.ReadPoolCount)
	assert.Equal(t, 0, stats.ActiveSessionCount)
}

// scenario 2: release after the idle refresh deadline has passed, and the
// caller did not piggyback its own RPC, triggers a refresh probe.
func TestReleaseAfterIdleTriggersRefresh(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := fakeclient.New()
	pool, err := sessionpool.NewTargetedSessionPool("db1", client, testOptions(clock))
	require.NoError(t, err)

	ctx := context.Background()
	s, err := pool.Acquire(ctx, sessionpool.ReadOnly)
	require.NoError(t, err)

	var executeCalls int32
	client.SetFailExecute(func(name string) error {
		atomic.AddInt32(&executeCalls, 1)
		return nil
	})

	clock.Advance(2 * time.Hour)
	pool.Release(ctx, s, sessionpool.ReleaseOptions{})

	// MaintainPool shares the pool's internal WaitGroup with the refresh
	// goroutine Release just launched, so this tick's wg.Wait() also drains
	// that refresh before returning.
	pool.MaintainPool(ctx)

	assert.Equal(t, int32(1), atomic.LoadInt32(&executeCalls))
	assert.Equal(t, 1, client.LiveSessionCount())
	assert.Equal(t, 1, pool.Stats().ReadPoolCount)
}

// scenario 3: release after the eviction deadline has passed deletes the
// session instead of re-pooling it, regardless of refresh state.
func TestReleaseAfterEvictionDeletesSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := fakeclient.New()
	pool, err := sessionpool.NewTargetedSessionPool("db1", client, testOptions(clock))
	require.NoError(t, err)

	ctx := context.Background()
	s, err := pool.Acquire(ctx, sessionpool.ReadOnly)
	require.NoError(t, err)
	name := s.Name()

	clock.Advance(11 * time.Hour)
	pool.Release(ctx, s, sessionpool.ReleaseOptions{})
	pool.MaintainPool(ctx)

	assert.Equal(t, 0, client.LiveSessionCount())
	assert.Contains(t, client.DeletedSessions(), name)
	assert.Equal(t, 0, pool.Stats().ReadPoolCount)
}

// scenario 4: with WaitOnResourcesExhausted=Fail, a caller arriving once
// MaximumActiveSessions has been reached gets ResourceExhausted instead of
// blocking.
func TestAcquireFailsWhenExhaustedAndPolicyIsFail(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := fakeclient.New()
	opts := testOptions(clock)
	opts.MaximumActiveSessions = 1
	opts.WaitOnResourcesExhausted = sessionpool.Fail
	pool, err := sessionpool.NewTargetedSessionPool("db1", client, opts)
	require.NoError(t, err)

	ctx := context.Background()
	s, err := pool.Acquire(ctx, sessionpool.ReadOnly)
	require.NoError(t, err)
	require.NotNil(t, s)

	_, err = pool.Acquire(ctx, sessionpool.ReadOnly)
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, sessionpool.ErrCode(err))
}

// scenario 5: with WaitOnResourcesExhausted=Block, a canceled waiter gets
// Canceled while a second, uncanceled waiter behind it still receives the
// session once it's released.
func TestAcquireBlocksAndDeliversToSurvivingWaiter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := fakeclient.New()
	opts := testOptions(clock)
	opts.MaximumActiveSessions = 1
	opts.WaitOnResourcesExhausted = sessionpool.Block
	pool, err := sessionpool.NewTargetedSessionPool("db1", client, opts)
	require.NoError(t, err)

	ctx := context.Background()
	s1, err := pool.Acquire(ctx, sessionpool.ReadOnly)
	require.NoError(t, err)

	type result struct {
		s   *sessionpool.PooledSession
		err error
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	firstDone := make(chan result, 1)
	go func() {
		s, err := pool.Acquire(cancelCtx, sessionpool.ReadOnly)
		firstDone <- result{s, err}
	}()
	// Give the first Acquire time to enqueue as a pending waiter before the
	// second one joins behind it, so queue order is deterministic.
	time.Sleep(20 * time.Millisecond)

	secondDone := make(chan result, 1)
	go func() {
		s, err := pool.Acquire(context.Background(), sessionpool.ReadOnly)
		secondDone <- result{s, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	r1 := <-firstDone
	assert.Nil(t, r1.s)
	require.Error(t, r1.err)
	assert.Equal(t, codes.Canceled, sessionpool.ErrCode(r1.err))

	executedAt := clock.Now()
	pool.Release(context.Background(), s1, sessionpool.ReleaseOptions{ExecutedAt: &executedAt})

	r2 := <-secondDone
	require.NoError(t, r2.err)
	require.NotNil(t, r2.s)
}

// scenario 6: once every creation attempt fails with a non-retryable error,
// the pool reports itself unhealthy and WaitForPoolAsync surfaces that
// failure instead of blocking indefinitely.
func TestWaitForPoolAsyncSurfacesUnhealthy(t *testing.T) {
	// Real clock here: a non-retryable failure short-circuits
	// createWithRetry's backoff loop entirely, so there is nothing for a
	// fake clock to advance.
	client := fakeclient.New()
	opts := testOptions(sessionpool.NewRealClock())
	opts.MinimumPooledSessions = 3
	opts.MaximumConcurrentSessionCreates = 1
	client.SetFailCreate(func(attempt int) error {
		return status.Error(codes.PermissionDenied, "backend rejected session creation")
	})
	pool, err := sessionpool.NewTargetedSessionPool("db1", client, opts)
	require.NoError(t, err)

	ctx := context.Background()
	pool.MaintainPool(ctx)

	err = pool.WaitForPoolAsync(ctx)
	require.Error(t, err)
	assert.Equal(t, codes.PermissionDenied, sessionpool.ErrCode(err))
}

// scenario 7 + 8: shutdown drains a checked-out session once it's
// released, and a subsequent Acquire against the shut-down pool fails with
// InvalidState.
func TestShutdownDrainsCheckedOutSessionThenRejectsAcquire(t *testing.T) {
	client := fakeclient.New()
	opts := testOptions(sessionpool.NewRealClock())
	pool, err := sessionpool.NewTargetedSessionPool("db1", client, opts)
	require.NoError(t, err)

	ctx := context.Background()
	s, err := pool.Acquire(ctx, sessionpool.ReadOnly)
	require.NoError(t, err)

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- pool.ShutdownPoolAsync(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	pool.Release(ctx, s, sessionpool.ReleaseOptions{})

	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("ShutdownPoolAsync did not return after the checked-out session was released")
	}

	_, err = pool.Acquire(ctx, sessionpool.ReadOnly)
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, sessionpool.ErrCode(err))
	assert.Equal(t, 0, client.LiveSessionCount())
}
