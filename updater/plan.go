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
	"time"

	"github.com/penny-vault/import-twbroker/eod"
)

// Reason explains a FetchPlan decision.
type Reason string

const (
	ReasonMissing           Reason = "missing"
	ReasonStale             Reason = "stale"
	ReasonUpToDate          Reason = "up_to_date"
	ReasonSmartSkipDisabled Reason = "smart_skip_disabled"
	ReasonLookupFailed      Reason = "lookup_failed"
)

// PlanConfig controls the smart skip decision.
type PlanConfig struct {
	SmartSkip     bool
	StalenessDays int
}

// FetchPlan is the per-security decision whether a fetch is needed.
type FetchPlan struct {
	SecurityID    string    `json:"securityId"`
	NeedsFetch    bool      `json:"needsFetch"`
	Reason        Reason    `json:"reason"`
	LastKnownDate time.Time `json:"lastKnownDate"`
}

// Plan decides whether securityID must be fetched. last is the newest stored
// trade date, zero when nothing is stored. A fetch is skipped iff smart skip
// is enabled and today - last <= StalenessDays calendar days.
func Plan(securityID string, last, today time.Time, cfg PlanConfig) FetchPlan {
	plan := FetchPlan{SecurityID: securityID, NeedsFetch: true, LastKnownDate: last}

	switch {
	case !cfg.SmartSkip:
		plan.Reason = ReasonSmartSkipDisabled
	case last.IsZero():
		plan.Reason = ReasonMissing
	case daysBetween(last, today) <= cfg.StalenessDays:
		plan.NeedsFetch = false
		plan.Reason = ReasonUpToDate
	default:
		plan.Reason = ReasonStale
	}
	return plan
}

func daysBetween(from, to time.Time) int {
	return int(eod.CivilDate(to).Sub(eod.CivilDate(from)).Hours() / 24)
}
