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
	"fmt"
	"sync"
	"time"
)

// sessionState enumerates the per-session state machine of spec section
// 4.1 ("State machine per session"). It exists purely so that illegal
// transitions can be asserted against in one place, the way the teacher
// keeps session validity (session.valid) as the single source of truth
// for session.go's various destroy/recycle call sites.
type sessionState int

const (
	stateCreating sessionState = iota
	stateIdle
	stateInUse
	stateRefreshing
	stateEvicting
	stateDeleted
)

func (s sessionState) String() string {
	switch s {
	case stateCreating:
		return "Creating"
	case stateIdle:
		return "Idle"
	case stateInUse:
		return "InUse"
	case stateRefreshing:
		return "Refreshing"
	case stateEvicting:
		return "Evicting"
	case stateDeleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// legalTransitions encodes exactly the edges spec section 4.1 names.
var legalTransitions = map[sessionState]map[sessionState]bool{
	stateCreating:   {stateIdle: true, stateInUse: true, stateDeleted: true}, // Delivered == handed out as InUse directly, or Failed == never materializes
	stateIdle:       {stateInUse: true, stateRefreshing: true, stateEvicting: true},
	stateRefreshing: {stateIdle: true, stateEvicting: true},
	stateInUse:      {stateIdle: true, stateRefreshing: true, stateEvicting: true},
	stateEvicting:   {stateDeleted: true},
	stateDeleted:    {},
}

// PooledSession is a handle to one server-side session (spec section 3).
// The pool owns every PooledSession; a session never reaches back into the
// pool by pointer (spec section 9: "replace [cyclic references] with
// one-way ownership") — Release/refresh/delete are pool methods that take
// a *PooledSession, not methods the session calls on itself.
type PooledSession struct {
	mu sync.Mutex

	name string
	kind Kind
	tx   TransactionID

	state sessionState

	refreshTime  time.Time
	evictionTime time.Time

	createdAt time.Time
}

// Name returns the opaque server-side session identifier.
func (s *PooledSession) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Kind returns whether this is a ReadOnly or ReadWrite session.
func (s *PooledSession) Kind() Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kind
}

// TransactionID returns the pre-begun transaction id, or nil for a
// ReadOnly session.
func (s *PooledSession) TransactionID() TransactionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tx
}

func (s *PooledSession) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("<name=%s kind=%s state=%s refresh=%s evict=%s>",
		s.name, s.kind, s.state, s.refreshTime, s.evictionTime)
}

// transition asserts and performs a legal state change. Panics on an
// illegal transition: spec section 4.1 requires implementations to
// "assert this", and an illegal transition here means a pool invariant
// has already been violated elsewhere.
func (s *PooledSession) transition(to sessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionLocked(to)
}

func (s *PooledSession) transitionLocked(to sessionState) {
	if !legalTransitions[s.state][to] {
		panic(fmt.Sprintf("sessionpool: illegal session state transition %s -> %s for %s", s.state, to, s.name))
	}
	s.state = to
}

func (s *PooledSession) currentState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *PooledSession) setRefreshTime(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTime = t
}

func (s *PooledSession) getRefreshTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshTime
}

func (s *PooledSession) getEvictionTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictionTime
}

func (s *PooledSession) setTransactionID(tx TransactionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tx = tx
}
