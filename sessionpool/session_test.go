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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStateString(t *testing.T) {
	cases := map[sessionState]string{
		stateCreating:   "Creating",
		stateIdle:       "Idle",
		stateInUse:      "InUse",
		stateRefreshing: "Refreshing",
		stateEvicting:   "Evicting",
		stateDeleted:    "Deleted",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestTransitionLegalPath(t *testing.T) {
	s := &PooledSession{name: "sess-1", state: stateCreating}
	require.NotPanics(t, func() { s.transition(stateIdle) })
	require.NotPanics(t, func() { s.transition(stateInUse) })
	require.NotPanics(t, func() { s.transition(stateRefreshing) })
	require.NotPanics(t, func() { s.transition(stateIdle) })
	require.NotPanics(t, func() { s.transition(stateEvicting) })
	require.NotPanics(t, func() { s.transition(stateDeleted) })
	assert.Equal(t, stateDeleted, s.currentState())
}

func TestTransitionIllegalPanics(t *testing.T) {
	s := &PooledSession{name: "sess-1", state: stateDeleted}
	assert.Panics(t, func() { s.transition(stateIdle) })
}

func TestTransitionFromInUseCannotGoDirectlyToCreating(t *testing.T) {
	s := &PooledSession{name: "sess-1", state: stateInUse}
	assert.Panics(t, func() { s.transition(stateCreating) })
}

func TestKindSatisfies(t *testing.T) {
	assert.True(t, ReadOnly.satisfies(ReadOnly))
	assert.True(t, ReadWrite.satisfies(ReadOnly))
	assert.False(t, ReadOnly.satisfies(ReadWrite))
	assert.True(t, ReadWrite.satisfies(ReadWrite))
}

func TestSessionRefreshAndEvictionTimeAccessors(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &PooledSession{name: "sess-1", state: stateIdle, refreshTime: now, evictionTime: now.Add(time.Hour)}
	assert.Equal(t, now, s.getRefreshTime())
	assert.Equal(t, now.Add(time.Hour), s.getEvictionTime())
	s.setRefreshTime(now.Add(2 * time.Hour))
	assert.Equal(t, now.Add(2*time.Hour), s.getRefreshTime())
}
