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
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/penny-vault/import-twbroker/eod"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ Store = (*SQLite)(nil)
var _ Store = (*Postgres)(nil)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS stock_daily_data (
	security_id    TEXT NOT NULL,
	trade_date     TEXT NOT NULL,
	open_price     REAL NOT NULL,
	high_price     REAL NOT NULL,
	low_price      REAL NOT NULL,
	close_price    REAL NOT NULL,
	volume         INTEGER NOT NULL,
	adjusted_close REAL NOT NULL,
	data_source    TEXT NOT NULL,
	data_quality   TEXT NOT NULL DEFAULT '',
	updated_at     TEXT NOT NULL,
	PRIMARY KEY (security_id, trade_date)
);`

const sqliteUpsert = `INSERT INTO stock_daily_data (
	security_id, trade_date, open_price, high_price, low_price, close_price,
	volume, adjusted_close, data_source, data_quality, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (security_id, trade_date) DO UPDATE SET
	open_price = excluded.open_price,
	high_price = excluded.high_price,
	low_price = excluded.low_price,
	close_price = excluded.close_price,
	volume = excluded.volume,
	adjusted_close = excluded.adjusted_close,
	data_source = excluded.data_source,
	data_quality = excluded.data_quality,
	updated_at = excluded.updated_at`

// SQLite stores daily records in a local SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at dbPath and ensures the schema
// exists. Writes are serialised through a single connection.
func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// LastTradeDate returns the newest stored trade date for securityID.
func (s *SQLite) LastTradeDate(ctx context.Context, securityID string) (time.Time, error) {
	var last sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MAX(trade_date) FROM stock_daily_data WHERE security_id = ?`, securityID).Scan(&last)
	if err != nil {
		return time.Time{}, err
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return time.Parse(eod.DateLayout, last.String)
}

// UpsertDailyRecords writes records in one transaction.
func (s *SQLite) UpsertDailyRecords(ctx context.Context, records []eod.DailyRecord) (UpsertResult, error) {
	var res UpsertResult
	if len(records) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := tx.PrepareContext(ctx, `SELECT COUNT(*) FROM stock_daily_data WHERE security_id = ? AND trade_date = ?`)
	if err != nil {
		return res, err
	}
	defer exists.Close()

	upsert, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return res, err
	}
	defer upsert.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, r := range records {
		var n int
		if err := exists.QueryRowContext(ctx, r.SecurityID, r.Date()).Scan(&n); err != nil {
			return UpsertResult{}, err
		}
		if _, err := upsert.ExecContext(ctx,
			r.SecurityID, r.Date(),
			r.Open, r.High, r.Low, r.Close, r.Volume,
			r.AdjustedClose, r.Source, r.QualityString(), now); err != nil {
			return UpsertResult{}, fmt.Errorf("upsert %s %s: %w", r.SecurityID, r.Date(), err)
		}
		if n == 0 {
			res.Created++
		} else {
			res.Updated++
		}
	}

	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// Records returns every stored record for securityID ordered by trade date.
func (s *SQLite) Records(ctx context.Context, securityID string) ([]eod.DailyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT trade_date, open_price, high_price, low_price, close_price,
		volume, adjusted_close, data_source FROM stock_daily_data WHERE security_id = ? ORDER BY trade_date`, securityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []eod.DailyRecord
	for rows.Next() {
		var date string
		r := eod.DailyRecord{SecurityID: securityID}
		if err := rows.Scan(&date, &r.Open, &r.High, &r.Low, &r.Close, &r.Volume, &r.AdjustedClose, &r.Source); err != nil {
			return nil, err
		}
		if r.TradeDate, err = time.Parse(eod.DateLayout, date); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
