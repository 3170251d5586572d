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
// Package listing builds the universe of securities to update.
package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

const (
	// TWSEBaseURL is the Taiwan Stock Exchange website.
	TWSEBaseURL = "https://www.twse.com.tw"

	// StockDayAllPath lists every security traded on the last session.
	StockDayAllPath = "/rwd/zh/afterTrading/STOCK_DAY_ALL"
)

var ErrListingUnavailable = errors.New("listing unavailable")

// Ordinary shares carry a four digit code that does not start with zero.
var codePattern = regexp.MustCompile(`^[1-9][0-9]{3}$`)

// Security is one listed security.
type Security struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type stockDayAll struct {
	Stat string     `json:"stat"`
	Date string     `json:"date"`
	Data [][]string `json:"data"`
}

// ValidCode reports whether code is an ordinary share code.
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// Filter splits codes into valid and invalid ones, preserving order.
func Filter(codes []string) (valid, invalid []string) {
	for _, c := range codes {
		if ValidCode(c) {
			valid = append(valid, c)
		} else {
			invalid = append(invalid, c)
		}
	}
	return valid, invalid
}

// NewTWSEClient returns a resty client pointed at the exchange website.
func NewTWSEClient() *resty.Client {
	return resty.New().SetBaseURL(TWSEBaseURL)
}

// FetchTWSE downloads the daily listing through client, whose base URL must
// point at the exchange, and keeps only ordinary share codes.
func FetchTWSE(ctx context.Context, client *resty.Client) ([]Security, error) {
	resp, err := client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetQueryParam("response", "json").
		Get(StockDayAllPath)
	if err != nil {
		return nil, fmt.Errorf("fetch listing: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: HTTP %d", ErrListingUnavailable, resp.StatusCode())
	}

	var listing stockDayAll
	if err := json.Unmarshal(resp.Body(), &listing); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	if listing.Stat != "OK" {
		return nil, fmt.Errorf("%w: stat %q", ErrListingUnavailable, listing.Stat)
	}

	securities := make([]Security, 0, len(listing.Data))
	for _, row := range listing.Data {
		if len(row) < 2 || !ValidCode(row[0]) {
			continue
		}
		securities = append(securities, Security{Code: row[0], Name: row[1]})
	}

	log.Info().Str("ListingDate", listing.Date).Int("NumSecurities", len(securities)).Int("NumRows", len(listing.Data)).Msg("loaded TWSE listing")
	return securities, nil
}

// Codes returns the codes of securities.
func Codes(securities []Security) []string {
	codes := make([]string, len(securities))
	for i, s := range securities {
		codes[i] = s.Code
	}
	return codes
}
