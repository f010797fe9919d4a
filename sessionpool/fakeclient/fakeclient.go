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

// Package fakeclient provides an in-memory sessionpool.ServiceClient for
// tests, grounded on the teacher's own request-recording fakes
// (e.g. bigtable/bttest's in-process emulator and pubsub/pstest's fake
// server): an implementation real enough to drive state transitions, with
// knobs to inject failures for the unhealthy/retry scenarios.
package fakeclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/smyte/sessionpool/sessionpool"
)

// Client is an in-memory sessionpool.ServiceClient. The zero value is not
// usable; construct with New.
type Client struct {
	mu sync.Mutex

	sessions map[string]bool // name -> exists
	deleted  []string

	// failCreate, failBegin, failExecute and failDelete, if non-nil, are
	// consulted on every matching call; a non-nil return fails that call
	// instead of performing it. This is the injection point the spec's
	// "unhealthy" and retry scenarios (section 8) drive.
	failCreate  func(attempt int) error
	failBegin   func() error
	failExecute func(name string) error
	failDelete  func(name string) error

	createAttempts int
}

// New returns a Client with no injected failures.
func New() *Client {
	return &Client{sessions: make(map[string]bool)}
}

// SetFailCreate installs a hook consulted on every CreateSession call; fn
// receives the 1-based attempt count across the Client's lifetime.
func (c *Client) SetFailCreate(fn func(attempt int) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCreate = fn
}

// SetFailBegin installs a hook consulted on every BeginTransaction call.
func (c *Client) SetFailBegin(fn func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failBegin = fn
}

// SetFailExecute installs a hook consulted on every ExecuteSql call.
func (c *Client) SetFailExecute(fn func(name string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failExecute = fn
}

// SetFailDelete installs a hook consulted on every DeleteSession call.
func (c *Client) SetFailDelete(fn func(name string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failDelete = fn
}

// AlwaysUnavailable is a convenience failure hook: every call fails with
// codes.Unavailable, simulating a backend that has gone entirely dark
// (spec section 8's WaitForPoolAsync-observes-unhealthy scenario).
func AlwaysUnavailable() error {
	return status.Error(codes.Unavailable, "fakeclient: backend unavailable")
}

// CreateSession implements sessionpool.ServiceClient.
func (c *Client) CreateSession(ctx context.Context, db string) (string, error) {
	c.mu.Lock()
	c.createAttempts++
	attempt := c.createAttempts
	hook := c.failCreate
	c.mu.Unlock()

	if hook != nil {
		if err := hook(attempt); err != nil {
			return "", err
		}
	}

	name := fmt.Sprintf("%s/sessions/%s", db, uuid.NewString())
	c.mu.Lock()
	c.sessions[name] = true
	c.mu.Unlock()
	return name, nil
}

// DeleteSession implements sessionpool.ServiceClient.
func (c *Client) DeleteSession(ctx context.Context, name string) error {
	c.mu.Lock()
	hook := c.failDelete
	c.mu.Unlock()

	if hook != nil {
		if err := hook(name); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sessions[name] {
		return status.Errorf(codes.NotFound, "fakeclient: session %s not found", name)
	}
	delete(c.sessions, name)
	c.deleted = append(c.deleted, name)
	return nil
}

// ExecuteSql implements sessionpool.ServiceClient.
func (c *Client) ExecuteSql(ctx context.Context, name string, sql string) error {
	c.mu.Lock()
	hook := c.failExecute
	exists := c.sessions[name]
	c.mu.Unlock()

	if !exists {
		return status.Errorf(codes.NotFound, "fakeclient: session %s not found", name)
	}
	if hook != nil {
		if err := hook(name); err != nil {
			return err
		}
	}
	return nil
}

// BeginTransaction implements sessionpool.ServiceClient.
func (c *Client) BeginTransaction(ctx context.Context, name string) (sessionpool.TransactionID, error) {
	c.mu.Lock()
	hook := c.failBegin
	exists := c.sessions[name]
	c.mu.Unlock()

	if !exists {
		return nil, status.Errorf(codes.NotFound, "fakeclient: session %s not found", name)
	}
	if hook != nil {
		if err := hook(); err != nil {
			return nil, err
		}
	}
	return sessionpool.TransactionID("txn/" + uuid.NewString()), nil
}

// LiveSessionCount returns the number of sessions the fake believes are
// still live server-side (created, not yet deleted).
func (c *Client) LiveSessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// DeletedSessions returns the names of every session DeleteSession has
// successfully removed, in deletion order.
func (c *Client) DeletedSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.deleted))
	copy(out, c.deleted)
	return out
}
