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
	"math"
	"math/rand"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
)

// WaitPolicy controls Acquire's behavior once MaximumActiveSessions is
// reached (spec section 4.1/6).
type WaitPolicy int

const (
	// Block enqueues the caller in pending_acquirers until a session frees
	// up, cancel fires, or the pool shuts down.
	Block WaitPolicy = iota
	// Fail returns ResourceExhausted immediately.
	Fail
)

// JitterFunc perturbs a base duration. Tests use NoJitter to make the exact
// refresh_time/eviction_time values in spec section 8's scenarios
// reproducible; production can inject randomized jitter to avoid
// thundering-herd refresh/eviction across many sessions.
type JitterFunc func(base time.Duration) time.Duration

// NoJitter returns base unchanged.
func NoJitter(base time.Duration) time.Duration { return base }

// UniformJitter returns a JitterFunc that perturbs base by up to ±frac,
// using rnd as the randomness source (spec section 9: "implementations
// should accept an injected randomness source").
func UniformJitter(frac float64, rnd *rand.Rand) JitterFunc {
	return func(base time.Duration) time.Duration {
		if base <= 0 || frac <= 0 {
			return base
		}
		delta := (rnd.Float64()*2 - 1) * frac
		return time.Duration(float64(base) * (1 + delta))
	}
}

// Options is the read-only configuration snapshot named in spec section 6.
// Fields are immutable after TargetedSessionPool construction, except
// where individual fields are explicitly called out as runtime-mutable
// (kept as ordinary fields, not behind accessors, so tests can poke them
// directly the way the teacher's SessionPoolConfig fields are poked).
type Options struct {
	MinimumPooledSessions            int
	MaximumActiveSessions            int
	MaximumConcurrentSessionCreates  int
	WriteSessionsFraction            float64
	IdleSessionRefreshDelay          time.Duration
	PoolEvictionDelay                time.Duration
	SessionRefreshJitter             JitterFunc
	SessionEvictionJitter            JitterFunc
	MaintenanceLoopDelay             time.Duration
	Timeout                          time.Duration
	WaitOnResourcesExhausted         WaitPolicy
	Logger                           Logger
	Clock                            Clock

	// OutgoingMetadata, if set, is merged into the metadata attached to
	// every RPC context the pool issues, the way the teacher's
	// newSessionPool accepts an md metadata.MD collaborator from its
	// caller (session.go:428) rather than building one unconditionally.
	OutgoingMetadata metadata.MD
}

// defaults mirrors the teacher's newSessionPool default-filling (session.go
// lines 439-453): zero-value fields are given production-sane defaults
// rather than rejected outright.
func (o Options) withDefaults() Options {
	if o.MaximumConcurrentSessionCreates <= 0 {
		o.MaximumConcurrentSessionCreates = 10
	}
	if o.IdleSessionRefreshDelay <= 0 {
		o.IdleSessionRefreshDelay = 15 * time.Minute
	}
	if o.PoolEvictionDelay <= 0 {
		o.PoolEvictionDelay = 100 * time.Minute
	}
	if o.SessionRefreshJitter == nil {
		o.SessionRefreshJitter = NoJitter
	}
	if o.SessionEvictionJitter == nil {
		o.SessionEvictionJitter = NoJitter
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = noopLogger{}
	}
	if o.Clock == nil {
		o.Clock = NewRealClock()
	}
	return o
}

func (o Options) validate() error {
	if o.MaximumActiveSessions > 0 && o.MinimumPooledSessions > o.MaximumActiveSessions {
		return poolErrorf(codes.InvalidArgument,
			"MinimumPooledSessions (%d) exceeds MaximumActiveSessions (%d)",
			o.MinimumPooledSessions, o.MaximumActiveSessions)
	}
	if o.WriteSessionsFraction < 0 || o.WriteSessionsFraction > 1 {
		return poolErrorf(codes.InvalidArgument,
			"WriteSessionsFraction must be within [0,1], got %v", o.WriteSessionsFraction)
	}
	return nil
}

// targetReadWrite returns the floor-configured target count of idle
// ReadWrite sessions, per spec section 4.1 Fill: "target for ReadWrite is
// ceil(Minimum × WriteSessionsFraction)".
func (o Options) targetReadWrite() int {
	return int(math.Ceil(float64(o.MinimumPooledSessions) * o.WriteSessionsFraction))
}
