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

	"github.com/jonboulle/clockwork"
)

// Clock is the virtual time source the pool reads through instead of the
// wall clock, so that refresh/eviction/backoff timing can be driven
// deterministically from tests. It is satisfied by clockwork.Clock; the
// pool never imports "time".Now directly.
type Clock = clockwork.Clock

// NewRealClock returns the production Clock backed by the OS wall clock.
func NewRealClock() Clock {
	return clockwork.NewRealClock()
}

// sleep blocks for d or until ctx is done, whichever comes first. It is the
// cancellable Delay(duration) primitive named in the Clock collaborator
// contract (spec section 1).
func sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}
