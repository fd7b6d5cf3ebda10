/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package rediscache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tejzpr/agent-softphone/calling"
)

func newTestCache(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := New(&Config{Addr: mr.Addr(), Prefix: "softphone:history:agent-7", TTL: ttl})
	t.Cleanup(func() { _ = cache.Close() })
	return cache, mr
}

func samplePage(cursor string) calling.HistoryPage {
	return calling.HistoryPage{
		Records: []calling.CallHistoryRecord{
			{ID: "h-1", Direction: calling.CallDirectionOutbound, From: "agent-7", To: "+15551234567", Disposition: "answered", DurationSeconds: 42},
		},
		Cursor:     cursor,
		NextCursor: "https://gateway.example.com/calls/history?cursor=2",
		FetchedAt:  time.Date(2026, 4, 2, 14, 0, 0, 0, time.UTC),
	}
}

func TestSetAndGet(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, time.Minute)
	require.NoError(t, cache.Ping(ctx))

	_, ok, err := cache.Get(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "", samplePage("")))
	assert.True(t, mr.Exists("softphone:history:agent-7:page:first"))

	page, ok, err := cache.Get(ctx, "")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "h-1", page.Records[0].ID)
	assert.Equal(t, 42, page.Records[0].DurationSeconds)
	assert.Equal(t, samplePage("").NextCursor, page.NextCursor)
	assert.True(t, page.FetchedAt.Equal(samplePage("").FetchedAt))
}

func TestPagesExpire(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, time.Minute)
	require.NoError(t, cache.Set(ctx, "c2", samplePage("c2")))

	mr.FastForward(2 * time.Minute)
	_, ok, err := cache.Get(ctx, "c2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, 0)

	for i := 0; i < 250; i++ {
		require.NoError(t, cache.Set(ctx, fmt.Sprintf("c%d", i), samplePage("")))
	}
	require.NoError(t, mr.Set("softphone:history:agent-9:page:first", "{}"))
	require.NoError(t, mr.Set("unrelated", "keep"))

	require.NoError(t, cache.Invalidate(ctx))

	_, ok, err := cache.Get(ctx, "c7")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, mr.Exists("softphone:history:agent-9:page:first"), "other agents keep their pages")
	assert.True(t, mr.Exists("unrelated"))
}

func TestCorruptPage(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, 0)
	require.NoError(t, mr.Set("softphone:history:agent-7:page:first", "not json"))

	_, ok, err := cache.Get(ctx, "")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestUnavailableRedis(t *testing.T) {
	ctx := context.Background()
	cache, mr := newTestCache(t, 0)
	mr.Close()

	_, _, err := cache.Get(ctx, "")
	assert.Error(t, err)
	assert.Error(t, cache.Set(ctx, "", samplePage("")))
	assert.Error(t, cache.Invalidate(ctx))
}

func TestDefaultPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewWithClient(client, &Config{})
	t.Cleanup(func() { _ = cache.Close() })

	require.NoError(t, cache.Set(context.Background(), "", samplePage("")))
	assert.True(t, mr.Exists("softphone:history:page:first"))
}
