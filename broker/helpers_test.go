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
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/penny-vault/import-twbroker/eod"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 9, 30, 15, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return testNow }

// sequentialBars generates n valid daily records on consecutive days with
// share-count volumes large enough to skip lot scaling.
func sequentialBars(securityID string, start time.Time, n int) []eod.DailyRecord {
	recs := make([]eod.DailyRecord, n)
	for i := range recs {
		base := 100 + float64(i)*1.25
		recs[i] = eod.DailyRecord{
			SecurityID:    securityID,
			TradeDate:     start.AddDate(0, 0, i),
			Open:          base,
			High:          base + 2.5,
			Low:           base - 1.75,
			Close:         base + 0.5,
			Volume:        2_000_000 + int64(i)*1_000,
			AdjustedClose: base + 0.5,
		}
	}
	return recs
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// interleavedPayload renders records as date,open,high,low,close,volume
// repeated per date.
func interleavedPayload(recs []eod.DailyRecord) string {
	fields := make([]string, 0, len(recs)*6)
	for _, r := range recs {
		fields = append(fields,
			r.TradeDate.Format("2006/01/02"),
			formatFloat(r.Open), formatFloat(r.High), formatFloat(r.Low), formatFloat(r.Close),
			strconv.FormatInt(r.Volume, 10))
	}
	return strings.Join(fields, ",")
}

func readFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return string(data)
}

// stubFetcher answers per endpoint name from a table.
type stubFetcher struct {
	bodies map[string]string
	errs   map[string]error
	calls  []string
}

func (s *stubFetcher) Fetch(_ context.Context, ep Endpoint, _ string) ([]byte, error) {
	s.calls = append(s.calls, ep.Name)
	if err, ok := s.errs[ep.Name]; ok {
		return nil, err
	}
	return []byte(s.bodies[ep.Name]), nil
}

func testRegistry(t *testing.T, names ...string) Registry {
	t.Helper()
	endpoints := make([]Endpoint, len(names))
	for i, n := range names {
		endpoints[i] = Endpoint{BaseURL: "http://" + n + ".example.com/"}
	}
	reg, err := NewRegistry(endpoints)
	require.NoError(t, err)
	return reg
}
