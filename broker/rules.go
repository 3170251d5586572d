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
	"strconv"
	"strings"
	"time"
)

// Calendar selects how the year part of a date field is read.
type Calendar string

const (
	// CalendarGregorian reads YYYY/MM/DD.
	CalendarGregorian Calendar = "gregorian"
	// CalendarROC reads Minguo years (YYY/MM/DD, year + 1911).
	CalendarROC Calendar = "roc"
)

const rocYearOffset = 1911

// Rules is the classification table for one broker's payload format. New
// vendor quirks are expressed here rather than in the tokenizer.
type Rules struct {
	// Delimiter separates top-level fields. Default ",".
	Delimiter string `mapstructure:"delimiter"`

	// Calendar of the date fields. Default gregorian.
	Calendar Calendar `mapstructure:"calendar"`

	// MinYear and MaxYear bound plausible (gregorian) years. Defaults 1900 and 2100.
	MinYear int `mapstructure:"min_year"`
	MaxYear int `mapstructure:"max_year"`

	// NoMixedFields disables splitting space-joined fields such as
	// "2025/06/20 258.2756" or "1195 258.2756"; they count as unparseable.
	NoMixedFields bool `mapstructure:"no_mixed_fields"`

	// MaxUnparseableRate is the fraction of non-empty fields that may fail
	// classification before the payload is rejected. Nil means 0.05; use
	// Rate(0) to reject any unparseable field.
	MaxUnparseableRate *float64 `mapstructure:"max_unparseable_rate"`
}

// Rate returns a pointer to v for the optional threshold fields.
func Rate(v float64) *float64 {
	return &v
}

// DefaultRules matches the comma separated MoneyDJ daily-bar feed.
func DefaultRules() Rules {
	return Rules{
		Delimiter:          ",",
		Calendar:           CalendarGregorian,
		MinYear:            1900,
		MaxYear:            2100,
		MaxUnparseableRate: Rate(0.05),
	}
}

func (r Rules) withDefaults() Rules {
	def := DefaultRules()
	if r.Delimiter == "" {
		r.Delimiter = def.Delimiter
	}
	if r.Calendar == "" {
		r.Calendar = def.Calendar
	}
	if r.MinYear == 0 {
		r.MinYear = def.MinYear
	}
	if r.MaxYear == 0 {
		r.MaxYear = def.MaxYear
	}
	if r.MaxUnparseableRate == nil {
		r.MaxUnparseableRate = def.MaxUnparseableRate
	}
	return r
}

// parseDate reports whether s has the shape of a date under these rules. The
// returned time is zero when the shape is plausible but the day does not
// exist (e.g. 2025/02/30); such fields still count as dates so the
// date/number alignment is kept, and the record is rejected later.
func (r Rules) parseDate(s string) (time.Time, bool) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return time.Time{}, false
	}

	var nums [3]int
	for i, p := range parts {
		if p == "" || len(p) > 4 {
			return time.Time{}, false
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || strings.HasPrefix(p, "+") {
			return time.Time{}, false
		}
		nums[i] = n
	}

	year, month, day := nums[0], nums[1], nums[2]
	switch r.Calendar {
	case CalendarROC:
		if len(parts[0]) > 3 {
			return time.Time{}, false
		}
		year += rocYearOffset
	default:
		if len(parts[0]) != 4 {
			return time.Time{}, false
		}
	}

	if year < r.MinYear || year > r.MaxYear || month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}

	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, true
	}
	return t, true
}
