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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPlan(t *testing.T) {
	today := time.Date(2025, 9, 30, 14, 0, 0, 0, time.UTC)
	on := PlanConfig{SmartSkip: true, StalenessDays: 7}

	tests := []struct {
		name  string
		last  time.Time
		cfg   PlanConfig
		fetch bool
		why   Reason
	}{
		{"nothing stored", time.Time{}, on, true, ReasonMissing},
		{"stored today", time.Date(2025, 9, 30, 0, 0, 0, 0, time.UTC), on, false, ReasonUpToDate},
		{"exactly at threshold", time.Date(2025, 9, 23, 0, 0, 0, 0, time.UTC), on, false, ReasonUpToDate},
		{"one day past threshold", time.Date(2025, 9, 22, 0, 0, 0, 0, time.UTC), on, true, ReasonStale},
		{"skip disabled", time.Date(2025, 9, 30, 0, 0, 0, 0, time.UTC), PlanConfig{StalenessDays: 7}, true, ReasonSmartSkipDisabled},
		{"skip disabled and nothing stored", time.Time{}, PlanConfig{}, true, ReasonSmartSkipDisabled},
		{"zero staleness", time.Date(2025, 9, 29, 0, 0, 0, 0, time.UTC), PlanConfig{SmartSkip: true}, true, ReasonStale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Plan("2330", tt.last, today, tt.cfg)
			assert.Equal(t, "2330", plan.SecurityID)
			assert.Equal(t, tt.fetch, plan.NeedsFetch)
			assert.Equal(t, tt.why, plan.Reason)
			assert.Equal(t, tt.last, plan.LastKnownDate)
		})
	}
}

func TestPlanUsesCalendarDays(t *testing.T) {
	// Late in the day versus early on the stored day still counts whole days.
	today := time.Date(2025, 9, 30, 23, 59, 0, 0, time.UTC)
	last := time.Date(2025, 9, 23, 0, 0, 0, 0, time.UTC)
	assert.False(t, Plan("2330", last, today, PlanConfig{SmartSkip: true, StalenessDays: 7}).NeedsFetch)
}
