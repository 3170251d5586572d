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
	"strings"
	"time"
)

// DateLayout is the canonical text form of a trade date.
const DateLayout = "2006-01-02"

// Quality marks a record whose values were altered or defaulted during
// reconstruction.
type Quality string

const (
	// QualityVolumeScaled is set when the raw volume was multiplied by the
	// configured scale factor because it looked like it was reported in lots.
	QualityVolumeScaled Quality = "volume_scaled"

	// QualityVolumeMissing is set when the payload carried only open, high,
	// low and close for each date and volume was defaulted to zero.
	QualityVolumeMissing Quality = "volume_missing"
)

// DailyRecord is one trading day of OHLCV data for a single security.
type DailyRecord struct {
	SecurityID string    `json:"securityId"`
	TradeDate  time.Time `json:"tradeDate"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     int64     `json:"volume"`

	// AdjustedClose always equals Close. There is no split or dividend
	// adjustment source, so the close is stored as its own adjustment.
	AdjustedClose float64 `json:"adjustedClose"`

	// Source is the name of the broker endpoint the record was read from.
	Source  string    `json:"source"`
	Quality []Quality `json:"quality,omitempty"`
}

// Date returns the trade date formatted as YYYY-MM-DD.
func (r *DailyRecord) Date() string {
	return r.TradeDate.Format(DateLayout)
}

// HasQuality reports whether the flag q is set on the record.
func (r *DailyRecord) HasQuality(q Quality) bool {
	for _, f := range r.Quality {
		if f == q {
			return true
		}
	}
	return false
}

// QualityString joins the record's quality flags with commas.
func (r *DailyRecord) QualityString() string {
	if len(r.Quality) == 0 {
		return ""
	}
	flags := make([]string, len(r.Quality))
	for i, q := range r.Quality {
		flags[i] = string(q)
	}
	return strings.Join(flags, ",")
}

// CivilDate truncates t to midnight UTC of its calendar day in t's location.
// Trade dates are always stored in this form.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
