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

// idleQueue is an ordered FIFO of idle sessions, grounded on the teacher's
// idleList/idleWriteList (session.go:405-409): "oldest-first reuse so
// refresh_time ordering approximates creation order" (spec section 3).
type idleQueue struct {
	l list.List
}

func (q *idleQueue) pushBack(s *PooledSession) { q.l.PushBack(s) }

func (q *idleQueue) popFront() *PooledSession {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	q.l.Remove(e)
	return e.Value.(*PooledSession)
}

// popExpired removes and returns every session whose eviction_time has
// passed as of now, for the Evict step of MaintainPool.
func (q *idleQueue) popExpired(now func(*PooledSession) bool) []*PooledSession {
	var out []*PooledSession
	var next *list.Element
	for e := q.l.Front(); e != nil; e = next {
		next = e.Next()
		s := e.Value.(*PooledSession)
		if now(s) {
			q.l.Remove(e)
			out = append(out, s)
		}
	}
	return out
}

// dueForRefresh removes and returns every still-idle session whose
// refresh_time has passed as of now (the Refresh step reinserts each one
// after a successful probe).
func (q *idleQueue) dueForRefresh(due func(*PooledSession) bool) []*PooledSession {
	var out []*PooledSession
	var next *list.Element
	for e := q.l.Front(); e != nil; e = next {
		next = e.Next()
		s := e.Value.(*PooledSession)
		if due(s) {
			q.l.Remove(e)
			out = append(out, s)
		}
	}
	return out
}

func (q *idleQueue) len() int { return q.l.Len() }
