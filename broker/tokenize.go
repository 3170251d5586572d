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
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind classifies one delimited field of a broker payload.
type Kind int

const (
	KindUnparseable Kind = iota
	KindDate
	KindNumber
	// KindMixedDateNumber is a date and its first value sharing a field,
	// e.g. "2025/06/20 258.2756".
	KindMixedDateNumber
	// KindMixedNumberNumber is two values sharing a field, e.g. "1195 258.2756".
	KindMixedNumberNumber
)

func (k Kind) String() string {
	switch k {
	case KindDate:
		return "DATE"
	case KindNumber:
		return "NUMBER"
	case KindMixedDateNumber:
		return "MIXED_DATE_NUMBER"
	case KindMixedNumberNumber:
		return "MIXED_NUMBER_NUMBER"
	default:
		return "UNPARSEABLE"
	}
}

// Token is one classified field. Mixed tokens carry their atomic DATE and
// NUMBER parts in Parts, in field order.
type Token struct {
	Raw      string
	Kind     Kind
	Position int

	// Date is set for DATE tokens whose text is a real calendar day.
	Date time.Time
	// Value is set for NUMBER tokens.
	Value float64

	Parts []Token
}

// TokenStats counts fields by classification.
type TokenStats struct {
	Fields            int
	Empty             int
	Dates             int
	Numbers           int
	MixedDateNumber   int
	MixedNumberNumber int
	Unparseable       int
}

// UnparseableRate is the fraction of non-empty fields that could not be
// classified.
func (s TokenStats) UnparseableRate() float64 {
	n := s.Fields - s.Empty
	if n <= 0 {
		return 0
	}
	return float64(s.Unparseable) / float64(n)
}

// Tokenize splits body on the rules' delimiter and classifies every field.
// Empty fields are skipped and unparseable ones are dropped but counted. When
// the unparseable rate exceeds rules.MaxUnparseableRate the payload is
// rejected with a *StructuralParseError.
func Tokenize(body string, rules Rules) ([]Token, TokenStats, error) {
	rules = rules.withDefaults()

	var stats TokenStats
	if strings.TrimSpace(body) == "" {
		return nil, stats, ErrEmptyPayload
	}

	fields := strings.Split(body, rules.Delimiter)
	stats.Fields = len(fields)
	tokens := make([]Token, 0, len(fields))

	for i, field := range fields {
		text := strings.TrimSpace(field)
		if text == "" {
			stats.Empty++
			continue
		}

		tok := classify(text, i, rules)
		switch tok.Kind {
		case KindDate:
			stats.Dates++
		case KindNumber:
			stats.Numbers++
		case KindMixedDateNumber:
			stats.MixedDateNumber++
		case KindMixedNumberNumber:
			stats.MixedNumberNumber++
		default:
			stats.Unparseable++
			continue
		}
		tokens = append(tokens, tok)
	}

	if rate := stats.UnparseableRate(); rate > *rules.MaxUnparseableRate {
		return nil, stats, &StructuralParseError{
			Stage:       StageTokenize,
			Reason:      "too many unparseable fields",
			Unparseable: stats.Unparseable,
			Dates:       stats.Dates + stats.MixedDateNumber,
			Numbers:     stats.Numbers + stats.MixedDateNumber + 2*stats.MixedNumberNumber,
		}
	}

	return tokens, stats, nil
}

func classify(text string, pos int, rules Rules) Token {
	tok := Token{Raw: text, Kind: KindUnparseable, Position: pos}

	if parts := strings.Fields(text); len(parts) > 1 {
		if len(parts) != 2 || rules.NoMixedFields {
			return tok
		}
		first, second := atom(parts[0], pos, rules), atom(parts[1], pos, rules)
		switch {
		case first.Kind == KindDate && second.Kind == KindNumber:
			tok.Kind = KindMixedDateNumber
		case first.Kind == KindNumber && second.Kind == KindNumber:
			tok.Kind = KindMixedNumberNumber
		default:
			return tok
		}
		tok.Parts = []Token{first, second}
		return tok
	}

	return atom(text, pos, rules)
}

// atom classifies text containing no whitespace as DATE, NUMBER or
// UNPARSEABLE.
func atom(text string, pos int, rules Rules) Token {
	if d, ok := rules.parseDate(text); ok {
		return Token{Raw: text, Kind: KindDate, Position: pos, Date: d}
	}
	if v, ok := parseNumber(text); ok {
		return Token{Raw: text, Kind: KindNumber, Position: pos, Value: v}
	}
	return Token{Raw: text, Kind: KindUnparseable, Position: pos}
}

// decimalPattern admits plain decimal numbers only. strconv alone would also
// take hex floats, underscores, Inf and NaN.
var decimalPattern = regexp.MustCompile(`^[+-]?([0-9]+\.?[0-9]*|\.[0-9]+)([eE][+-]?[0-9]+)?$`)

func parseNumber(s string) (float64, bool) {
	if !decimalPattern.MatchString(s) {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Expand replaces every mixed token with its atomic parts in place, so the
// result holds only DATE and NUMBER tokens in original stream order. Parts
// keep the position of the field they came from.
func Expand(tokens []Token) []Token {
	out := make([]Token, 0, len(tokens)+len(tokens)/8)
	for _, tok := range tokens {
		switch tok.Kind {
		case KindDate, KindNumber:
			out = append(out, tok)
		case KindMixedDateNumber, KindMixedNumberNumber:
			out = append(out, tok.Parts...)
		}
	}
	return out
}
