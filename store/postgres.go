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
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/penny-vault/import-twbroker/eod"
	"github.com/rs/zerolog/log"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS stock_daily_data (
	"security_id"    TEXT NOT NULL,
	"trade_date"     DATE NOT NULL,
	"open_price"     DOUBLE PRECISION NOT NULL,
	"high_price"     DOUBLE PRECISION NOT NULL,
	"low_price"      DOUBLE PRECISION NOT NULL,
	"close_price"    DOUBLE PRECISION NOT NULL,
	"volume"         BIGINT NOT NULL,
	"adjusted_close" DOUBLE PRECISION NOT NULL,
	"data_source"    TEXT NOT NULL,
	"data_quality"   TEXT NOT NULL DEFAULT '',
	"updated_at"     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY ("security_id", "trade_date")
);`

// xmax is zero only for a freshly inserted row version, which tells the
// inserted and updated rows of an upsert apart.
const postgresUpsert = `INSERT INTO stock_daily_data (
	"security_id",
	"trade_date",
	"open_price",
	"high_price",
	"low_price",
	"close_price",
	"volume",
	"adjusted_close",
	"data_source",
	"data_quality"
) VALUES (
	$1,
	$2,
	$3,
	$4,
	$5,
	$6,
	$7,
	$8,
	$9,
	$10
) ON CONFLICT ("security_id", "trade_date")
DO UPDATE SET
	open_price = EXCLUDED.open_price,
	high_price = EXCLUDED.high_price,
	low_price = EXCLUDED.low_price,
	close_price = EXCLUDED.close_price,
	volume = EXCLUDED.volume,
	adjusted_close = EXCLUDED.adjusted_close,
	data_source = EXCLUDED.data_source,
	data_quality = EXCLUDED.data_quality,
	updated_at = now()
RETURNING (xmax = 0) AS inserted;`

// Postgres stores daily records in PostgreSQL through a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at dsn.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		log.Error().Err(err).Msg("could not connect to database")
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// Migrate creates the daily data table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, postgresSchema)
	return err
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

// LastTradeDate returns the newest stored trade date for securityID.
func (p *Postgres) LastTradeDate(ctx context.Context, securityID string) (time.Time, error) {
	var last *time.Time
	err := p.pool.QueryRow(ctx, `SELECT max(trade_date) FROM stock_daily_data WHERE security_id = $1`, securityID).Scan(&last)
	if err != nil {
		return time.Time{}, err
	}
	if last == nil {
		return time.Time{}, nil
	}
	return eod.CivilDate(*last), nil
}

// UpsertDailyRecords writes records in a single transaction using one pgx
// batch, so a call costs one round trip regardless of its size.
func (p *Postgres) UpsertDailyRecords(ctx context.Context, records []eod.DailyRecord) (UpsertResult, error) {
	var res UpsertResult
	if len(records) == 0 {
		return res, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(postgresUpsert,
			r.SecurityID, r.TradeDate,
			r.Open, r.High, r.Low, r.Close, r.Volume,
			r.AdjustedClose, r.Source, r.QualityString())
	}

	br := tx.SendBatch(ctx, batch)
	for _, r := range records {
		var inserted bool
		if err := br.QueryRow().Scan(&inserted); err != nil {
			br.Close()
			log.Error().Err(err).Str("SecurityID", r.SecurityID).Str("EventDate", r.Date()).Msg("error saving daily record to database")
			return UpsertResult{}, fmt.Errorf("upsert %s %s: %w", r.SecurityID, r.Date(), err)
		}
		if inserted {
			res.Created++
		} else {
			res.Updated++
		}
	}
	if err := br.Close(); err != nil {
		return UpsertResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}
