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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sessionpool "github.com/smyte/sessionpool/sessionpool"
	"github.com/smyte/sessionpool/sessionpool/fakeclient"
)

func TestRegistryLazilyCreatesOnePoolPerDatabase(t *testing.T) {
	var created []string
	newClient := func(db string) (sessionpool.ServiceClient, error) {
		created = append(created, db)
		return fakeclient.New(), nil
	}

	reg := sessionpool.NewRegistry(newClient, sessionpool.Options{
		Clock:                 sessionpool.NewRealClock(),
		SessionRefreshJitter:  sessionpool.NoJitter,
		SessionEvictionJitter: sessionpool.NoJitter,
	})

	p1, err := reg.Pool("db1")
	require.NoError(t, err)
	p2, err := reg.Pool("db1")
	require.NoError(t, err)
	assert.Same(t, p1, p2, "second lookup of the same database must return the same pool")

	_, err = reg.Pool("db2")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"db1", "db2"}, created)

	require.NoError(t, reg.Close(context.Background()))
}

func TestRegistryStatsAggregatesAcrossDatabases(t *testing.T) {
	clients := map[string]*fakeclient.Client{
		"db1": fakeclient.New(),
		"db2": fakeclient.New(),
	}
	reg := sessionpool.NewRegistry(func(db string) (sessionpool.ServiceClient, error) {
		return clients[db], nil
	}, sessionpool.Options{
		Clock:                 sessionpool.NewRealClock(),
		SessionRefreshJitter:  sessionpool.NoJitter,
		SessionEvictionJitter: sessionpool.NoJitter,
	})

	ctx := context.Background()
	s1, err := reg.Acquire(ctx, "db1", sessionpool.ReadOnly)
	require.NoError(t, err)
	s2, err := reg.Acquire(ctx, "db2", sessionpool.ReadOnly)
	require.NoError(t, err)

	stats := reg.Stats()
	require.Contains(t, stats, "db1")
	require.Contains(t, stats, "db2")
	assert.Equal(t, 1, stats["db1"].ActiveSessionCount)
	assert.Equal(t, 1, stats["db2"].ActiveSessionCount)

	executedAt := time.Now()
	p1, err := reg.Pool("db1")
	require.NoError(t, err)
	p1.Release(ctx, s1, sessionpool.ReleaseOptions{ExecutedAt: &executedAt})
	p2, err := reg.Pool("db2")
	require.NoError(t, err)
	p2.Release(ctx, s2, sessionpool.ReleaseOptions{ExecutedAt: &executedAt})

	require.NoError(t, reg.Close(ctx))
}
