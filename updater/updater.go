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
// Package updater drives incremental updates: it decides which securities
// need a fetch, runs the broker failover for them on a bounded worker pool
// and batch-persists the accepted records.
package updater

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/penny-vault/import-twbroker/broker"
	"github.com/penny-vault/import-twbroker/eod"
	"github.com/penny-vault/import-twbroker/store"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// Source fetches validated records for one security.
type Source interface {
	FetchSecurity(ctx context.Context, securityID string) (*broker.Result, error)
}

// Config holds updater settings.
type Config struct {
	SmartSkip     bool
	StalenessDays int
	MaxWorkers    int
	BatchSize     int

	// Location is the market time zone that defines "today". Default UTC.
	Location *time.Location

	// Now defaults to time.Now.
	Now func() time.Time

	ShowProgress bool

	// KeepRecords retains the persisted records on each Result, for exports.
	KeepRecords bool
}

// Status is the terminal state of one security in a run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// ReasonCancelled marks securities that were never dispatched because the
// run's context ended first.
const ReasonCancelled = "cancelled"

// Result is the outcome of one security's fetch, parse and persist cycle.
type Result struct {
	SecurityID       string            `json:"securityId"`
	Status           Status            `json:"status"`
	RecordsProcessed int               `json:"recordsProcessed"`
	Reason           string            `json:"reason,omitempty"`
	Source           string            `json:"source,omitempty"`
	Plan             FetchPlan         `json:"plan"`
	Created          int               `json:"created"`
	Updated          int               `json:"updated"`
	Attempts         []broker.Attempt  `json:"attempts,omitempty"`
	Records          []eod.DailyRecord `json:"-"`
	Err              error             `json:"-"`
}

// Report aggregates a run.
type Report struct {
	Results   map[string]Result `json:"results"`
	Created   int               `json:"created"`
	Updated   int               `json:"updated"`
	Succeeded int               `json:"succeeded"`
	Skipped   int               `json:"skipped"`
	Failed    int               `json:"failed"`
	Duration  time.Duration     `json:"duration"`
}

// Records returns the kept records of every successful security.
func (r *Report) Records() []eod.DailyRecord {
	var out []eod.DailyRecord
	for _, res := range r.Results {
		out = append(out, res.Records...)
	}
	return out
}

// PersistenceError is returned when a write fails after data was obtained.
// Pending is the number of records that were supposed to be written but
// were not; Created and Updated count the batches that did commit.
type PersistenceError struct {
	SecurityID string
	Pending    int
	Created    int
	Updated    int
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %d records not written: %v", e.SecurityID, e.Pending, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Updater runs incremental updates. It is safe for concurrent use.
type Updater struct {
	source Source
	store  store.Store
	cfg    Config
}

// New returns an Updater; zero config values take defaults.
func New(source Source, st store.Store, cfg Config) *Updater {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.StalenessDays < 0 {
		cfg.StalenessDays = 0
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Updater{source: source, store: st, cfg: cfg}
}

// Plan looks up the last stored trade date and decides whether to fetch.
// A failed lookup always fetches.
func (u *Updater) Plan(ctx context.Context, securityID string) FetchPlan {
	last, err := u.store.LastTradeDate(ctx, securityID)
	if err != nil {
		log.Warn().Err(err).Str("SecurityID", securityID).Msg("could not read last trade date")
		return FetchPlan{SecurityID: securityID, NeedsFetch: true, Reason: ReasonLookupFailed}
	}
	today := u.cfg.Now().In(u.cfg.Location)
	return Plan(securityID, last, today, PlanConfig{SmartSkip: u.cfg.SmartSkip, StalenessDays: u.cfg.StalenessDays})
}

// UpdateSecurity runs the full cycle for one security.
func (u *Updater) UpdateSecurity(ctx context.Context, securityID string) Result {
	subLog := log.With().Str("SecurityID", securityID).Logger()

	plan := u.Plan(ctx, securityID)
	res := Result{SecurityID: securityID, Plan: plan}
	if !plan.NeedsFetch {
		res.Status = StatusSkipped
		res.Reason = string(plan.Reason)
		subLog.Debug().Str("LastKnownDate", plan.LastKnownDate.Format(eod.DateLayout)).Msg("data up to date; skipping")
		return res
	}

	fetched, err := u.source.FetchSecurity(ctx, securityID)
	if err != nil {
		var exhausted *broker.ExhaustedError
		if errors.As(err, &exhausted) {
			res.Attempts = exhausted.Attempts
		}
		res.Status = StatusFailed
		res.Reason = err.Error()
		res.Err = err
		subLog.Error().Err(err).Msg("could not obtain daily bars")
		return res
	}

	res.Source = fetched.Endpoint
	res.Attempts = fetched.Attempts

	written, err := u.persist(ctx, securityID, fetched.Records)
	res.Created = written.Created
	res.Updated = written.Updated
	if err != nil {
		res.Status = StatusFailed
		res.Reason = err.Error()
		res.Err = err
		subLog.Error().Err(err).Msg("could not persist daily bars")
		return res
	}

	res.Status = StatusSuccess
	res.RecordsProcessed = len(fetched.Records)
	if u.cfg.KeepRecords {
		res.Records = fetched.Records
	}
	subLog.Info().Str("Source", res.Source).Int("Created", res.Created).Int("Updated", res.Updated).Msg("security updated")
	return res
}

// persist upserts records in batches of BatchSize.
func (u *Updater) persist(ctx context.Context, securityID string, records []eod.DailyRecord) (store.UpsertResult, error) {
	var total store.UpsertResult
	for start := 0; start < len(records); start += u.cfg.BatchSize {
		end := min(start+u.cfg.BatchSize, len(records))
		written, err := u.store.UpsertDailyRecords(ctx, records[start:end])
		if err != nil {
			return total, &PersistenceError{
				SecurityID: securityID,
				Pending:    len(records) - start,
				Created:    total.Created,
				Updated:    total.Updated,
				Err:        err,
			}
		}
		total.Add(written)
	}
	return total, nil
}

// Run updates every security in ids on a pool of MaxWorkers goroutines.
// Duplicate ids are processed once. When ctx ends no new securities are
// dispatched; in-flight securities run to completion and the rest are
// reported as failed with ReasonCancelled.
func (u *Updater) Run(ctx context.Context, ids []string) *Report {
	start := time.Now()
	ids = dedupe(ids)
	results := make([]Result, len(ids))
	dispatched := make([]bool, len(ids))

	var bar *progressbar.ProgressBar
	if u.cfg.ShowProgress {
		bar = progressbar.Default(int64(len(ids)))
	} else {
		bar = progressbar.DefaultSilent(int64(len(ids)))
	}

	work := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(u.cfg.MaxWorkers)

	for i, id := range ids {
		if ctx.Err() != nil {
			break
		}
		// Go blocks until a worker is free; a security whose turn comes
		// after ctx ended is left undispatched.
		i, id := i, id
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			dispatched[i] = true
			results[i] = u.UpdateSecurity(work, id)
			bar.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	report := &Report{Results: make(map[string]Result, len(ids))}
	for i, id := range ids {
		res := results[i]
		if !dispatched[i] {
			res = Result{SecurityID: id, Status: StatusFailed, Reason: ReasonCancelled, Err: ctx.Err()}
		}
		report.Results[id] = res
		report.Created += res.Created
		report.Updated += res.Updated
		switch res.Status {
		case StatusSuccess:
			report.Succeeded++
		case StatusSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
	}
	report.Duration = time.Since(start)

	log.Info().Int("Securities", len(ids)).Int("Succeeded", report.Succeeded).Int("Skipped", report.Skipped).
		Int("Failed", report.Failed).Int("Created", report.Created).Int("Updated", report.Updated).
		Dur("Duration", report.Duration).Msg("update finished")
	return report
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
