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
package broker

import (
	"fmt"
	"math"

	"github.com/penny-vault/import-twbroker/eod"
)

// ReconstructConfig controls how date and number streams are zipped back
// into records.
type ReconstructConfig struct {
	// MinStride is the minimum numbers per date. Four (OHLC) is the least
	// that can form a record.
	MinStride int `mapstructure:"min_stride"`

	// Raw volumes greater than zero and below VolumeScaleThreshold lots
	// (VolumeScaleThreshold * VolumeScaleFactor shares) are taken to be
	// reported in lots and multiplied by VolumeScaleFactor. A zero factor
	// or threshold disables the correction.
	VolumeScaleThreshold float64 `mapstructure:"volume_scale_threshold"`
	VolumeScaleFactor    float64 `mapstructure:"volume_scale_factor"`

	// SampleSize is the number of evenly spaced records spot-checked for
	// OHLC containment before the payload is trusted. More than half of the
	// sample failing means the stride does not line up with the data.
	SampleSize int `mapstructure:"sample_size"`
}

// DefaultReconstructConfig returns the settings used for the MoneyDJ feed.
func DefaultReconstructConfig() ReconstructConfig {
	return ReconstructConfig{
		MinStride:            4,
		VolumeScaleThreshold: 1000,
		VolumeScaleFactor:    1000,
		SampleSize:           10,
	}
}

// Diagnostics describes how a payload was reassembled.
type Diagnostics struct {
	Dates       int
	Numbers     int
	Unparseable int
	Stride      int
	Trailing    int
	Duplicates  int
	Scaled      int
	Sampled     int
	Misaligned  int
}

// ShouldScaleVolume reports whether a raw volume is small enough to be a
// count of lots rather than shares.
func (c ReconstructConfig) ShouldScaleVolume(raw float64) bool {
	if c.VolumeScaleFactor <= 0 || c.VolumeScaleThreshold <= 0 {
		return false
	}
	return raw > 0 && raw < c.VolumeScaleThreshold*c.VolumeScaleFactor
}

// Reconstruct turns an expanded token stream into candidate records. Dates and
// numbers are partitioned preserving order, the stride is
// floor(numbers/dates), and date i takes numbers[i*stride : (i+1)*stride] as
// open, high, low, close and (when stride > 4) volume. Numbers beyond
// dates*stride are discarded. Records are emitted in payload order; they are
// not re-sorted.
//
// The result is all or nothing: when the stride is too small or the spot
// check finds the columns misaligned, a *StructuralParseError is returned and
// no records.
func Reconstruct(securityID string, tokens []Token, cfg ReconstructConfig) ([]eod.DailyRecord, Diagnostics, error) {
	var (
		diag    Diagnostics
		dates   []Token
		numbers []float64
	)

	for _, tok := range tokens {
		switch tok.Kind {
		case KindDate:
			dates = append(dates, tok)
		case KindNumber:
			numbers = append(numbers, tok.Value)
		case KindMixedDateNumber, KindMixedNumberNumber:
			for _, part := range tok.Parts {
				if part.Kind == KindDate {
					dates = append(dates, part)
				} else {
					numbers = append(numbers, part.Value)
				}
			}
		}
	}

	diag.Dates = len(dates)
	diag.Numbers = len(numbers)

	fail := func(reason string) error {
		return &StructuralParseError{
			Stage:   StageReconstruct,
			Reason:  reason,
			Dates:   diag.Dates,
			Numbers: diag.Numbers,
		}
	}

	if len(dates) == 0 {
		return nil, diag, fail("no dates found")
	}

	minStride := cfg.MinStride
	if minStride < 4 {
		minStride = 4
	}

	diag.Stride = len(numbers) / len(dates)
	if diag.Stride < minStride {
		return nil, diag, fail(fmt.Sprintf("stride %d below minimum %d", diag.Stride, minStride))
	}
	diag.Trailing = len(numbers) - diag.Stride*len(dates)

	records := make([]eod.DailyRecord, 0, len(dates))
	seen := make(map[string]bool, len(dates))

	for i, d := range dates {
		slot := numbers[i*diag.Stride : (i+1)*diag.Stride]

		rec := eod.DailyRecord{
			SecurityID: securityID,
			TradeDate:  d.Date,
			Open:       slot[0],
			High:       slot[1],
			Low:        slot[2],
			Close:      slot[3],
		}
		rec.AdjustedClose = rec.Close

		if diag.Stride > 4 {
			raw := slot[4]
			if cfg.ShouldScaleVolume(raw) {
				raw *= cfg.VolumeScaleFactor
				rec.Quality = append(rec.Quality, eod.QualityVolumeScaled)
				diag.Scaled++
			}
			rec.Volume = int64(math.Round(raw))
		} else {
			rec.Quality = append(rec.Quality, eod.QualityVolumeMissing)
		}

		if !rec.TradeDate.IsZero() {
			key := rec.Date()
			if seen[key] {
				diag.Duplicates++
				continue
			}
			seen[key] = true
		}

		records = append(records, rec)
	}

	diag.Sampled, diag.Misaligned = spotCheck(records, cfg.SampleSize)
	if diag.Misaligned*2 > diag.Sampled {
		return nil, diag, fail(fmt.Sprintf("%d of %d sampled records violate OHLC containment", diag.Misaligned, diag.Sampled))
	}

	return records, diag, nil
}

// spotCheck tests up to n evenly spaced records for price containment and
// returns how many were sampled and how many failed.
func spotCheck(records []eod.DailyRecord, n int) (sampled, failed int) {
	if len(records) == 0 {
		return 0, 0
	}
	if n <= 0 || n > len(records) {
		n = len(records)
	}

	step := float64(len(records)) / float64(n)
	for i := 0; i < n; i++ {
		r := records[int(float64(i)*step)]
		sampled++
		if !(r.Low > 0 && r.Low <= r.Open && r.Open <= r.High && r.Low <= r.Close && r.Close <= r.High) {
			failed++
		}
	}
	return sampled, failed
}
