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
package eod

import (
	"fmt"
	"math"
	"time"
)

// RejectReason names the invariant a record violated.
type RejectReason string

const (
	ReasonMissingSecurity  RejectReason = "missing_security"
	ReasonInvalidDate      RejectReason = "invalid_date"
	ReasonFutureDate       RejectReason = "future_date"
	ReasonNonPositivePrice RejectReason = "non_positive_price"
	ReasonHighBelowLow     RejectReason = "high_below_low"
	ReasonOpenOutOfRange   RejectReason = "open_out_of_range"
	ReasonCloseOutOfRange  RejectReason = "close_out_of_range"
	ReasonNegativeVolume   RejectReason = "negative_volume"
)

// RejectError describes a single record that failed validation.
type RejectError struct {
	SecurityID string
	TradeDate  time.Time
	Reason     RejectReason
	Detail     string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s %s rejected (%s): %s", e.SecurityID, e.TradeDate.Format(DateLayout), e.Reason, e.Detail)
}

// RejectRateError is returned by ValidateBatch when too many candidates in a
// single response were rejected to trust the rest of it.
type RejectRateError struct {
	Rejected  int
	Total     int
	Threshold float64
}

func (e *RejectRateError) Error() string {
	return fmt.Sprintf("rejected %d of %d records (%.1f%%), threshold %.1f%%",
		e.Rejected, e.Total, 100*e.Rate(), 100*e.Threshold)
}

// Rate is the fraction of candidates that were rejected.
func (e *RejectRateError) Rate() float64 {
	if e.Total == 0 {
		return 0
	}
	return float64(e.Rejected) / float64(e.Total)
}

// Validate checks a candidate record against the OHLCV invariants. now is the
// fetch time; a trade date after its calendar day is rejected. Records are
// never repaired here.
func Validate(rec *DailyRecord, now time.Time) error {
	reject := func(reason RejectReason, format string, args ...any) error {
		return &RejectError{
			SecurityID: rec.SecurityID,
			TradeDate:  rec.TradeDate,
			Reason:     reason,
			Detail:     fmt.Sprintf(format, args...),
		}
	}

	if rec.SecurityID == "" {
		return reject(ReasonMissingSecurity, "security id is required")
	}

	if rec.TradeDate.IsZero() {
		return reject(ReasonInvalidDate, "trade date is not a calendar date")
	}

	if rec.TradeDate.After(CivilDate(now)) {
		return reject(ReasonFutureDate, "trade date is after %s", now.Format(DateLayout))
	}

	for _, p := range []struct {
		name  string
		value float64
	}{
		{"open", rec.Open},
		{"high", rec.High},
		{"low", rec.Low},
		{"close", rec.Close},
	} {
		if !(p.value > 0) || math.IsInf(p.value, 1) {
			return reject(ReasonNonPositivePrice, "%s price %v must be positive", p.name, p.value)
		}
	}

	if rec.High < rec.Low {
		return reject(ReasonHighBelowLow, "high %v < low %v", rec.High, rec.Low)
	}

	if rec.Open < rec.Low || rec.Open > rec.High {
		return reject(ReasonOpenOutOfRange, "open %v outside [%v, %v]", rec.Open, rec.Low, rec.High)
	}

	if rec.Close < rec.Low || rec.Close > rec.High {
		return reject(ReasonCloseOutOfRange, "close %v outside [%v, %v]", rec.Close, rec.Low, rec.High)
	}

	if rec.Volume < 0 {
		return reject(ReasonNegativeVolume, "volume %d is negative", rec.Volume)
	}

	return nil
}

// ValidateBatch validates every candidate and splits them into accepted
// records and rejections. When the fraction of rejections exceeds
// maxRejectRate the whole batch is untrustworthy: accepted is nil and a
// *RejectRateError is returned alongside the rejections.
func ValidateBatch(records []DailyRecord, now time.Time, maxRejectRate float64) ([]DailyRecord, []*RejectError, error) {
	if len(records) == 0 {
		return nil, nil, nil
	}

	accepted := make([]DailyRecord, 0, len(records))
	var rejected []*RejectError

	for i := range records {
		if err := Validate(&records[i], now); err != nil {
			rejected = append(rejected, err.(*RejectError))
			continue
		}
		accepted = append(accepted, records[i])
	}

	rateErr := &RejectRateError{Rejected: len(rejected), Total: len(records), Threshold: maxRejectRate}
	if rateErr.Rate() > maxRejectRate {
		return nil, rejected, rateErr
	}

	return accepted, rejected, nil
}
