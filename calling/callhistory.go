/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/tejzpr/agent-softphone/phonesdk"
)

// HistoryCache stores fetched history pages. Cursor "" is the first page.
type HistoryCache interface {
	Get(ctx context.Context, cursor string) (HistoryPage, bool, error)
	Set(ctx context.Context, cursor string, page HistoryPage) error
	Invalidate(ctx context.Context) error
}

// MemoryHistoryCache is an in-process HistoryCache
type MemoryHistoryCache struct {
	mu    sync.RWMutex
	pages map[string]HistoryPage
}

// NewMemoryHistoryCache creates an empty in-process cache
func NewMemoryHistoryCache() *MemoryHistoryCache {
	return &MemoryHistoryCache{pages: make(map[string]HistoryPage)}
}

// Get returns the cached page for cursor
func (m *MemoryHistoryCache) Get(_ context.Context, cursor string) (HistoryPage, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pages[cursor]
	return p, ok, nil
}

// Set stores page under cursor
func (m *MemoryHistoryCache) Set(_ context.Context, cursor string, page HistoryPage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[cursor] = page
	return nil
}

// Invalidate drops every cached page
func (m *MemoryHistoryCache) Invalidate(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = make(map[string]HistoryPage)
	return nil
}

// CallHistoryStore fetches and caches the agent's call history and refreshes
// it whenever a call ends.
type CallHistoryStore struct {
	mu sync.Mutex

	core    *phonesdk.Client
	config  *Config
	logger  phonesdk.Logger
	metrics *Metrics
	cache   HistoryCache
	report  func(error)

	first   HistoryPage
	lastErr error
	loading int

	ctx           context.Context
	cancel        context.CancelFunc
	refreshCancel context.CancelFunc
	wg            sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error

	listeners listeners[HistorySnapshot]
}

func newCallHistoryStore(core *phonesdk.Client, config *Config, metrics *Metrics, cache HistoryCache, report func(error)) *CallHistoryStore {
	if cache == nil {
		cache = NewMemoryHistoryCache()
	}
	s := &CallHistoryStore{
		core:    core,
		config:  config,
		logger:  core.GetLogger(),
		metrics: metrics,
		cache:   cache,
		report:  report,
		sleep:   sleepContext,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// OnChange registers an observer for history snapshots. It fires when a
// fetch starts, completes or fails.
func (s *CallHistoryStore) OnChange(fn func(HistorySnapshot)) func() {
	return s.listeners.add(fn)
}

// Snapshot returns the first page of history with the loading flag
func (s *CallHistoryStore) Snapshot() HistorySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *CallHistoryStore) snapshotLocked() HistorySnapshot {
	records := make([]CallHistoryRecord, len(s.first.Records))
	copy(records, s.first.Records)
	return HistorySnapshot{
		Records:    records,
		NextCursor: s.first.NextCursor,
		Loading:    s.loading > 0,
		Err:        s.lastErr,
	}
}

// Cached returns the cached page for cursor without touching the network
func (s *CallHistoryStore) Cached(ctx context.Context, cursor string) (HistoryPage, bool) {
	page, ok, err := s.cache.Get(ctx, cursor)
	if err != nil {
		s.logger.Printf("Error reading history cache: %v", err)
		return HistoryPage{}, false
	}
	return page, ok
}

// FetchPage fetches one page of history. Cursor "" is the first page; other
// cursors are the NextCursor of an earlier page. Transient failures are
// retried HistoryRetries times with HistoryRetryDelay between attempts
// before HistoryFetchFailed is returned. On failure the cached copy of the
// page, if any, is returned alongside the error.
func (s *CallHistoryStore) FetchPage(ctx context.Context, cursor string) (HistoryPage, error) {
	s.setLoading(+1, nil, nil)

	var (
		page HistoryPage
		err  error
	)
	for attempt := 0; attempt <= s.config.HistoryRetries; attempt++ {
		if attempt > 0 {
			if serr := s.sleep(ctx, s.config.HistoryRetryDelay); serr != nil {
				err = serr
				break
			}
		}
		page, err = s.fetchOnce(ctx, cursor)
		if err == nil || !phonesdk.IsTransient(err) {
			break
		}
		s.logger.Printf("History fetch attempt %d failed: %v", attempt+1, err)
	}

	if err != nil {
		if ctx.Err() != nil {
			s.setLoading(-1, nil, nil)
			return HistoryPage{}, ctx.Err()
		}
		e := newError(KindHistoryFetchFailed, "", err)
		s.metrics.historyFailed()
		s.setLoading(-1, nil, e)
		s.report(e)
		cached, _ := s.Cached(ctx, cursor)
		return cached, e
	}

	// a fresh first page invalidates the cursors of older pages
	if cursor == "" {
		if cerr := s.cache.Invalidate(ctx); cerr != nil {
			s.logger.Printf("Error invalidating history cache: %v", cerr)
		}
	}
	if cerr := s.cache.Set(ctx, cursor, page); cerr != nil {
		s.logger.Printf("Error writing history cache: %v", cerr)
	}
	if cursor == "" {
		s.setLoading(-1, &page, nil)
	} else {
		s.setLoading(-1, nil, nil)
	}
	return page, nil
}

func (s *CallHistoryStore) fetchOnce(ctx context.Context, cursor string) (HistoryPage, error) {
	var (
		resp *http.Response
		err  error
	)
	if cursor == "" {
		params := url.Values{}
		if s.config.HistoryPageSize > 0 {
			params.Set("limit", strconv.Itoa(s.config.HistoryPageSize))
		}
		resp, err = s.core.RequestWithContext(ctx, http.MethodGet, s.config.HistoryPath, params, nil)
	} else {
		resp, err = s.core.RequestURLWithContext(ctx, http.MethodGet, cursor, nil)
	}
	if err != nil {
		return HistoryPage{}, err
	}

	p, err := phonesdk.NewPage(resp)
	if err != nil {
		return HistoryPage{}, err
	}

	records := make([]CallHistoryRecord, 0, len(p.Items))
	for _, raw := range p.Items {
		var rec CallHistoryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return HistoryPage{}, fmt.Errorf("decoding history record: %w", err)
		}
		records = append(records, rec)
	}

	return HistoryPage{
		Records:    records,
		Cursor:     cursor,
		NextCursor: p.NextPage,
		FetchedAt:  time.Now(),
	}, nil
}

func (s *CallHistoryStore) setLoading(delta int, first *HistoryPage, err error) {
	s.mu.Lock()
	s.loading += delta
	if first != nil {
		s.first = *first
		s.lastErr = nil
	}
	if err != nil {
		s.lastErr = err
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.listeners.notify(snap)
}

// Refresh re-fetches the first page in the background. A newer refresh
// cancels one still in flight.
func (s *CallHistoryStore) Refresh() {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if s.refreshCancel != nil {
		s.refreshCancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.refreshCancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer cancel()
		if _, err := s.FetchPage(ctx, ""); err != nil && ctx.Err() == nil {
			s.logger.Printf("History refresh failed: %v", err)
		}
	}()
}

// Close cancels outstanding refreshes and waits for them to finish
func (s *CallHistoryStore) Close() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
}
