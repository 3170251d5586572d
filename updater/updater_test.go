/*
Copyright 2022

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
package updater

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/penny-vault/import-twbroker/broker"
	"github.com/penny-vault/import-twbroker/eod"
	"github.com/penny-vault/import-twbroker/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 9, 30, 15, 0, 0, 0, time.UTC)

func bars(id string, n int) []eod.DailyRecord {
	start := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	out := make([]eod.DailyRecord, n)
	for i := range out {
		px := 100 + float64(i)
		out[i] = eod.DailyRecord{
			SecurityID:    id,
			TradeDate:     start.AddDate(0, 0, i),
			Open:          px,
			High:          px + 2,
			Low:           px - 2,
			Close:         px + 1,
			Volume:        2_000_000,
			AdjustedClose: px + 1,
			Source:        "fake",
		}
	}
	return out
}

type fakeSource struct {
	mu       sync.Mutex
	records  map[string][]eod.DailyRecord
	calls    map[string]int
	inFlight int32
	maxSeen  int32
	delay    time.Duration
	started  chan string
}

func newFakeSource() *fakeSource {
	return &fakeSource{records: map[string][]eod.DailyRecord{}, calls: map[string]int{}}
}

func (f *fakeSource) FetchSecurity(_ context.Context, id string) (*broker.Result, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		m := atomic.LoadInt32(&f.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxSeen, m, n) {
			break
		}
	}
	if f.started != nil {
		f.started <- id
	}
	time.Sleep(f.delay)

	f.mu.Lock()
	f.calls[id]++
	recs, ok := f.records[id]
	f.mu.Unlock()

	if !ok {
		return nil, &broker.ExhaustedError{
			SecurityID: id,
			Attempts:   []broker.Attempt{{Endpoint: "b1", Outcome: broker.OutcomeTimeout}, {Endpoint: "b2", Outcome: broker.OutcomeInvalid}},
		}
	}
	return &broker.Result{
		SecurityID: id,
		Endpoint:   "b1",
		Records:    recs,
		Attempts:   []broker.Attempt{{Endpoint: "b1", Outcome: broker.OutcomeSuccess, RecordCount: len(recs)}},
	}, nil
}

func (f *fakeSource) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type memStore struct {
	mu        sync.Mutex
	rows      map[string]eod.DailyRecord
	last      map[string]time.Time
	batches   []int
	failAfter int
	lookupErr error
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]eod.DailyRecord{}, last: map[string]time.Time{}, failAfter: -1}
}

func (m *memStore) LastTradeDate(_ context.Context, id string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return time.Time{}, m.lookupErr
	}
	return m.last[id], nil
}

func (m *memStore) UpsertDailyRecords(_ context.Context, records []eod.DailyRecord) (store.UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAfter >= 0 && len(m.batches) >= m.failAfter {
		return store.UpsertResult{}, errors.New("disk full")
	}
	m.batches = append(m.batches, len(records))

	var res store.UpsertResult
	for _, r := range records {
		key := r.SecurityID + "/" + r.Date()
		if _, ok := m.rows[key]; ok {
			res.Updated++
		} else {
			res.Created++
		}
		m.rows[key] = r
		if r.TradeDate.After(m.last[r.SecurityID]) {
			m.last[r.SecurityID] = r.TradeDate
		}
	}
	return res, nil
}

func testConfig() Config {
	return Config{
		SmartSkip:     true,
		StalenessDays: 7,
		MaxWorkers:    2,
		BatchSize:     4,
		Now:           func() time.Time { return testNow },
	}
}

func TestUpdateSecurityPersistsInBatches(t *testing.T) {
	src := newFakeSource()
	src.records["2330"] = bars("2330", 10)
	st := newMemStore()

	res := New(src, st, testConfig()).UpdateSecurity(context.Background(), "2330")

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 10, res.RecordsProcessed)
	assert.Equal(t, 10, res.Created)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, "b1", res.Source)
	assert.Equal(t, ReasonMissing, res.Plan.Reason)
	assert.Equal(t, []int{4, 4, 2}, st.batches)
	assert.Nil(t, res.Records)
}

func TestUpdateSecuritySkipsFreshData(t *testing.T) {
	src := newFakeSource()
	st := newMemStore()
	st.last["2330"] = time.Date(2025, 9, 26, 0, 0, 0, 0, time.UTC)

	res := New(src, st, testConfig()).UpdateSecurity(context.Background(), "2330")

	assert.Equal(t, StatusSkipped, res.Status)
	assert.Equal(t, string(ReasonUpToDate), res.Reason)
	assert.Equal(t, 0, src.callCount("2330"))
}

func TestUpdateSecurityFetchesWhenSkipDisabled(t *testing.T) {
	src := newFakeSource()
	src.records["2330"] = bars("2330", 3)
	st := newMemStore()
	st.last["2330"] = time.Date(2025, 9, 30, 0, 0, 0, 0, time.UTC)

	cfg := testConfig()
	cfg.SmartSkip = false
	res := New(src, st, cfg).UpdateSecurity(context.Background(), "2330")

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, ReasonSmartSkipDisabled, res.Plan.Reason)
	assert.Equal(t, 1, src.callCount("2330"))
}

func TestUpdateSecurityLookupFailureStillFetches(t *testing.T) {
	src := newFakeSource()
	src.records["2330"] = bars("2330", 3)
	st := newMemStore()
	st.lookupErr = errors.New("connection reset")

	res := New(src, st, testConfig()).UpdateSecurity(context.Background(), "2330")

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, ReasonLookupFailed, res.Plan.Reason)
}

func TestUpdateSecurityExhausted(t *testing.T) {
	res := New(newFakeSource(), newMemStore(), testConfig()).UpdateSecurity(context.Background(), "9999")

	assert.Equal(t, StatusFailed, res.Status)
	var exhausted *broker.ExhaustedError
	require.ErrorAs(t, res.Err, &exhausted)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, broker.OutcomeTimeout, res.Attempts[0].Outcome)
	assert.Contains(t, res.Reason, "b2=invalid")
}

func TestUpdateSecurityPersistenceFailure(t *testing.T) {
	src := newFakeSource()
	src.records["2330"] = bars("2330", 10)
	st := newMemStore()
	st.failAfter = 1

	res := New(src, st, testConfig()).UpdateSecurity(context.Background(), "2330")

	assert.Equal(t, StatusFailed, res.Status)
	var perr *PersistenceError
	require.ErrorAs(t, res.Err, &perr)
	assert.Equal(t, "2330", perr.SecurityID)
	assert.Equal(t, 6, perr.Pending)
	assert.Equal(t, 4, perr.Created)
	assert.EqualError(t, errors.Unwrap(perr), "disk full")
	assert.Equal(t, 4, res.Created)
}

func TestUpdateSecurityIsIdempotent(t *testing.T) {
	src := newFakeSource()
	src.records["2330"] = bars("2330", 1)
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "daily.db"))
	require.NoError(t, err)
	defer st.Close()

	cfg := testConfig()
	cfg.SmartSkip = false
	u := New(src, st, cfg)

	first := u.UpdateSecurity(context.Background(), "2330")
	second := u.UpdateSecurity(context.Background(), "2330")
	third := u.UpdateSecurity(context.Background(), "2330")

	assert.Equal(t, [2]int{1, 0}, [2]int{first.Created, first.Updated})
	assert.Equal(t, [2]int{0, 1}, [2]int{second.Created, second.Updated})
	assert.Equal(t, [2]int{0, 1}, [2]int{third.Created, third.Updated})
}

func TestRunAggregatesReport(t *testing.T) {
	src := newFakeSource()
	src.records["2330"] = bars("2330", 5)
	src.records["2317"] = bars("2317", 3)
	st := newMemStore()
	st.last["2454"] = time.Date(2025, 9, 29, 0, 0, 0, 0, time.UTC)

	cfg := testConfig()
	cfg.KeepRecords = true
	report := New(src, st, cfg).Run(context.Background(), []string{"2330", "2317", "2454", "9999", "2330"})

	require.Len(t, report.Results, 4)
	assert.Equal(t, StatusSuccess, report.Results["2330"].Status)
	assert.Equal(t, StatusSuccess, report.Results["2317"].Status)
	assert.Equal(t, StatusSkipped, report.Results["2454"].Status)
	assert.Equal(t, StatusFailed, report.Results["9999"].Status)
	assert.Equal(t, 8, report.Created)
	assert.Equal(t, 0, report.Updated)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, src.callCount("2330"))
	assert.Len(t, report.Records(), 8)
}

func TestRunBoundsConcurrency(t *testing.T) {
	src := newFakeSource()
	src.delay = 20 * time.Millisecond
	ids := make([]string, 12)
	for i := range ids {
		ids[i] = fmt.Sprintf("%d", 1101+i)
		src.records[ids[i]] = bars(ids[i], 2)
	}

	cfg := testConfig()
	cfg.MaxWorkers = 3
	report := New(src, newMemStore(), cfg).Run(context.Background(), ids)

	assert.Equal(t, 12, report.Succeeded)
	assert.LessOrEqual(t, atomic.LoadInt32(&src.maxSeen), int32(3))
}

func TestRunStopsDispatchOnCancel(t *testing.T) {
	src := newFakeSource()
	src.delay = 50 * time.Millisecond
	src.started = make(chan string, 10)
	ids := []string{"1101", "1102", "1103", "1104", "1105"}
	for _, id := range ids {
		src.records[id] = bars(id, 2)
	}

	cfg := testConfig()
	cfg.MaxWorkers = 1
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan *Report)
	go func() { done <- New(src, newMemStore(), cfg).Run(ctx, ids) }()

	<-src.started
	cancel()
	report := <-done

	first := report.Results["1101"]
	assert.Equal(t, StatusSuccess, first.Status, "in-flight work finishes")
	assert.Equal(t, 2, first.Created)

	cancelled := 0
	for _, id := range ids[1:] {
		if r := report.Results[id]; r.Status == StatusFailed && r.Reason == ReasonCancelled {
			assert.ErrorIs(t, r.Err, context.Canceled)
			assert.Equal(t, 0, src.callCount(id))
			cancelled++
		}
	}
	assert.Equal(t, 4, cancelled)
	assert.Len(t, report.Results, 5)
}

func TestRunWithCancelledContextDispatchesNothing(t *testing.T) {
	src := newFakeSource()
	src.records["2330"] = bars("2330", 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := New(src, newMemStore(), testConfig()).Run(ctx, []string{"2330", "2317"})

	require.Len(t, report.Results, 2)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, ReasonCancelled, report.Results["2330"].Reason)
	assert.Equal(t, 0, src.callCount("2330"))
}
