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
// Package store persists daily records keyed by (security, trade date).
package store

import (
	"context"
	"time"

	"github.com/penny-vault/import-twbroker/eod"
)

// UpsertResult counts rows inserted and rows updated by an upsert.
type UpsertResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Add accumulates o into r.
func (r *UpsertResult) Add(o UpsertResult) {
	r.Created += o.Created
	r.Updated += o.Updated
}

// Store is the persistence collaborator. Implementations must be safe for
// concurrent writers touching disjoint securities.
type Store interface {
	// LastTradeDate returns the most recent stored trade date for the
	// security, or the zero time when none is stored.
	LastTradeDate(ctx context.Context, securityID string) (time.Time, error)

	// UpsertDailyRecords inserts records that are absent for their
	// (security, trade date) and updates the rest, as one batch.
	UpsertDailyRecords(ctx context.Context, records []eod.DailyRecord) (UpsertResult, error)
}
