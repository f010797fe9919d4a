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

import "context"

// Kind distinguishes a plain read-only session from one pre-attached to a
// read/write transaction.
type Kind int

const (
	// ReadOnly sessions carry no transaction.
	ReadOnly Kind = iota
	// ReadWrite sessions carry a pre-begun, unused transaction id.
	ReadWrite
)

func (k Kind) String() string {
	if k == ReadWrite {
		return "read-write"
	}
	return "read-only"
}

// satisfies reports whether a session of kind k can satisfy an acquisition
// request for kind want, per spec section 4.1: a plain read request accepts
// a ReadWrite session (the transaction simply goes unused); a ReadWrite
// request requires a ReadWrite session and will not downgrade a ReadOnly one.
func (k Kind) satisfies(want Kind) bool {
	if want == ReadOnly {
		return true
	}
	return k == ReadWrite
}

// TransactionID is the opaque transaction identifier returned by
// BeginTransaction for a ReadWrite session.
type TransactionID []byte

// ServiceClient is the external RPC collaborator the pool drives. All
// methods are cancellable via ctx. Implementations classify errors as
// retryable or fatal (see isRetryable); the fake in sessionpool/fakeclient
// and any production gRPC-backed client must agree on that classification.
type ServiceClient interface {
	// CreateSession creates a new server-side session bound to db.
	CreateSession(ctx context.Context, db string) (name string, err error)
	// DeleteSession deletes a session by name. Best-effort: callers log
	// failures and otherwise ignore them (spec section 7).
	DeleteSession(ctx context.Context, name string) error
	// ExecuteSql runs sql against the named session. Used both for caller
	// work and for the pool's own "SELECT 1" refresh probe.
	ExecuteSql(ctx context.Context, name string, sql string) error
	// BeginTransaction begins a read/write transaction on the named session
	// and returns its id.
	BeginTransaction(ctx context.Context, name string) (TransactionID, error)
}

// refreshProbe is the SQL text the pool uses to validate and refresh an
// idle session's server-side keepalive timer (spec section 4.1, Release).
const refreshProbe = "SELECT 1"
