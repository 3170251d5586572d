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
	"github.com/penny-vault/import-twbroker/eod"
	"github.com/rs/zerolog/log"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// Eod is the parquet row layout of a daily record.
type Eod struct {
	Date          string  `json:"date" parquet:"name=date, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	SecurityID    string  `json:"securityId" parquet:"name=securityId, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Open          float64 `json:"open" parquet:"name=open, type=DOUBLE"`
	High          float64 `json:"high" parquet:"name=high, type=DOUBLE"`
	Low           float64 `json:"low" parquet:"name=low, type=DOUBLE"`
	Close         float64 `json:"close" parquet:"name=close, type=DOUBLE"`
	Volume        int64   `json:"volume" parquet:"name=volume, type=INT64, convertedtype=INT_64"`
	AdjustedClose float64 `json:"adjustedClose" parquet:"name=adjustedClose, type=DOUBLE"`
	Source        string  `json:"source" parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Quality       string  `json:"quality" parquet:"name=quality, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func toEod(r *eod.DailyRecord) *Eod {
	return &Eod{
		Date:          r.Date(),
		SecurityID:    r.SecurityID,
		Open:          r.Open,
		High:          r.High,
		Low:           r.Low,
		Close:         r.Close,
		Volume:        r.Volume,
		AdjustedClose: r.AdjustedClose,
		Source:        r.Source,
		Quality:       r.QualityString(),
	}
}

// SaveToParquet writes records to a gzip compressed parquet file at fn.
func SaveToParquet(records []eod.DailyRecord, fn string) error {
	var err error

	fh, err := local.NewLocalFileWriter(fn)
	if err != nil {
		log.Error().Err(err).Str("FileName", fn).Msg("cannot create local file")
		return err
	}
	defer fh.Close()

	pw, err := writer.NewParquetWriter(fh, new(Eod), 4)
	if err != nil {
		log.Error().Err(err).Msg("parquet write failed")
		return err
	}

	pw.RowGroupSize = 128 * 1024 * 1024 // 128M
	pw.PageSize = 8 * 1024              // 8k
	pw.CompressionType = parquet.CompressionCodec_GZIP

	for i := range records {
		r := &records[i]
		if err = pw.Write(toEod(r)); err != nil {
			log.Error().Err(err).
				Str("EventDate", r.Date()).Str("SecurityID", r.SecurityID).
				Msg("parquet write failed for record")
		}
	}

	if err = pw.WriteStop(); err != nil {
		log.Error().Err(err).Msg("parquet write failed")
		return err
	}

	log.Info().Int("NumRecords", len(records)).Str("FileName", fn).Msg("parquet write finished")
	return nil
}
