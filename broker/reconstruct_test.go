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
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/penny-vault/import-twbroker/eod"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reconstructBody(t *testing.T, body string, cfg ReconstructConfig) ([]eod.DailyRecord, Diagnostics, error) {
	t.Helper()
	tokens, _, err := Tokenize(body, DefaultRules())
	require.NoError(t, err)
	return Reconstruct("2330", Expand(tokens), cfg)
}

func TestReconstructRoundTrip(t *testing.T) {
	want := sequentialBars("2330", time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), 40)

	got, diag, err := reconstructBody(t, interleavedPayload(want), DefaultReconstructConfig())
	require.NoError(t, err)

	assert.Equal(t, 5, diag.Stride)
	assert.Equal(t, 0, diag.Trailing)
	assert.Equal(t, 0, diag.Scaled)
	assert.Equal(t, want, got)
}

func TestReconstructDatesFirstLayout(t *testing.T) {
	want := sequentialBars("2330", time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), 3)

	fields := []string{}
	for _, r := range want {
		fields = append(fields, r.TradeDate.Format("2006/01/02"))
	}
	payload := interleavedPayload(want)
	for _, f := range strings.Split(payload, ",") {
		if !strings.Contains(f, "/") {
			fields = append(fields, f)
		}
	}

	got, _, err := reconstructBody(t, strings.Join(fields, ","), DefaultReconstructConfig())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReconstructStrideBoundary(t *testing.T) {
	recs := sequentialBars("2330", time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC), 5)
	payload := interleavedPayload(recs)
	// the last volume shares its field with a stray value: 5 dates, 26 numbers
	payload += " 77.7"

	got, diag, err := reconstructBody(t, payload, DefaultReconstructConfig())
	require.NoError(t, err)

	assert.Equal(t, 5, diag.Dates)
	assert.Equal(t, 26, diag.Numbers)
	assert.Equal(t, 5, diag.Stride)
	assert.Equal(t, 1, diag.Trailing)
	require.Len(t, got, 5)
	assert.Equal(t, recs, got)
}

func TestReconstructVolumeScaleCorrection(t *testing.T) {
	inputs := map[string]string{
		"mixed field":    "2025/09/01,2025/09/02,250.5,260,249,258,1195 258.2756,262,255,260.5,2048",
		"separate field": "2025/09/01,2025/09/02,250.5,260,249,258,1195,258.2756,262,255,260.5,2048",
	}

	for name, body := range inputs {
		t.Run(name, func(t *testing.T) {
			got, diag, err := reconstructBody(t, body, DefaultReconstructConfig())
			require.NoError(t, err)
			require.Len(t, got, 2)

			assert.Equal(t, int64(1195000), got[0].Volume)
			assert.True(t, got[0].HasQuality(eod.QualityVolumeScaled))
			assert.Equal(t, 258.2756, got[1].Open)
			assert.Equal(t, int64(2048000), got[1].Volume)
			assert.Equal(t, 2, diag.Scaled)
		})
	}
}

func TestReconstructVolumeScaleDisabled(t *testing.T) {
	cfg := DefaultReconstructConfig()
	cfg.VolumeScaleFactor = 0

	got, diag, err := reconstructBody(t, "2025/09/01,250.5,260,249,258,1195", cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(1195), got[0].Volume)
	assert.Empty(t, got[0].Quality)
	assert.Equal(t, 0, diag.Scaled)
}

func TestShouldScaleVolume(t *testing.T) {
	cfg := DefaultReconstructConfig()
	assert.True(t, cfg.ShouldScaleVolume(1))
	assert.True(t, cfg.ShouldScaleVolume(1195))
	assert.True(t, cfg.ShouldScaleVolume(999_999))
	assert.False(t, cfg.ShouldScaleVolume(1_000_000))
	assert.False(t, cfg.ShouldScaleVolume(0))
	assert.False(t, cfg.ShouldScaleVolume(-5))
}

func TestReconstructStrideFourDefaultsVolume(t *testing.T) {
	got, diag, err := reconstructBody(t, "2025/09/01,2025/09/02,10,11,9,10.5,10.5,12,10,11.5", DefaultReconstructConfig())
	require.NoError(t, err)

	assert.Equal(t, 4, diag.Stride)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, int64(0), r.Volume)
		assert.True(t, r.HasQuality(eod.QualityVolumeMissing))
		assert.Equal(t, r.Close, r.AdjustedClose)
	}
}

func TestReconstructStrideTooSmall(t *testing.T) {
	_, diag, err := reconstructBody(t, "2025/09/01,2025/09/02,10,11,9,10.5,10.5,12,10", DefaultReconstructConfig())

	var parseErr *StructuralParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, StageReconstruct, parseErr.Stage)
	assert.Equal(t, 3, diag.Stride)
}

func TestReconstructNoDates(t *testing.T) {
	_, _, err := reconstructBody(t, "10,11,9,10.5,1000", DefaultReconstructConfig())

	var parseErr *StructuralParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, 0, parseErr.Dates)
}

func TestReconstructCapturedMisalignedPayload(t *testing.T) {
	got, diag, err := reconstructBody(t, readFixture(t, "misaligned_2330.txt"), DefaultReconstructConfig())

	var parseErr *StructuralParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Nil(t, got)
	assert.Equal(t, 5, diag.Dates)
	assert.Equal(t, 28, diag.Numbers)
	assert.Equal(t, 5, diag.Sampled)
	assert.Equal(t, 5, diag.Misaligned)
}

func TestReconstructCapturedMixedPayload(t *testing.T) {
	got, diag, err := reconstructBody(t, readFixture(t, "mixed_2330.txt"), DefaultReconstructConfig())
	require.NoError(t, err)

	assert.Equal(t, 5, diag.Stride)
	require.Len(t, got, 3)
	assert.Equal(t, "2025-09-03", got[2].Date())
	assert.Equal(t, 1185.5, got[0].Open)
	assert.Equal(t, 1199.0, got[2].Open)
	assert.Equal(t, int64(38211000), got[0].Volume)
	assert.Equal(t, int64(27544000), got[2].Volume)
}

func TestReconstructDropsDuplicateDates(t *testing.T) {
	body := "2025/09/01,10,11,9,10.5,2000000,2025/09/01,20,21,19,20.5,3000000,2025/09/02,10,11,9,10.5,2000000"
	got, diag, err := reconstructBody(t, body, DefaultReconstructConfig())
	require.NoError(t, err)

	assert.Equal(t, 1, diag.Duplicates)
	require.Len(t, got, 2)
	assert.Equal(t, 10.0, got[0].Open)
}

func TestReconstructKeepsImpossibleDateForValidation(t *testing.T) {
	got, _, err := reconstructBody(t, "2025/02/30,10,11,9,10.5,2000000,2025/03/03,10,11,9,10.5,2000000", DefaultReconstructConfig())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].TradeDate.IsZero())
	assert.Equal(t, "2025-03-03", got[1].Date())
}
