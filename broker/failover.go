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
	"errors"
	"fmt"
	"time"

	"github.com/penny-vault/import-twbroker/eod"
	"github.com/rs/zerolog/log"
)

// Outcome is the result class of one BrokerAttempt.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeHTTPError       Outcome = "http_error"
	OutcomeConnectionError Outcome = "connection_error"
	OutcomeCircuitOpen     Outcome = "circuit_open"
	OutcomeEmpty           Outcome = "empty"
	OutcomeInvalid         Outcome = "invalid"
)

// Attempt is the diagnostic record of one fetch-and-parse cycle against one
// endpoint.
type Attempt struct {
	Endpoint    string        `json:"endpoint"`
	URL         string        `json:"url"`
	Outcome     Outcome       `json:"outcome"`
	RecordCount int           `json:"recordCount"`
	Rejected    int           `json:"rejected"`
	Detail      string        `json:"detail,omitempty"`
	Duration    time.Duration `json:"duration"`
	Diagnostics Diagnostics   `json:"diagnostics"`
}

// State is a step of the per-security failover state machine:
// PENDING -> TRYING(i) -> SUCCESS | TRYING(i+1) ... -> EXHAUSTED.
type State int

const (
	StatePending State = iota
	StateTrying
	StateSuccess
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateTrying:
		return "TRYING"
	case StateSuccess:
		return "SUCCESS"
	default:
		return "EXHAUSTED"
	}
}

// OrchestratorConfig holds parsing and validation settings shared by every
// endpoint.
type OrchestratorConfig struct {
	// Priority names endpoints to try before the rest of the registry.
	Priority []string

	Reconstruct ReconstructConfig

	// MaxRejectRate is the fraction of candidates that may fail validation
	// before the whole response is treated as invalid. Nil means 0.2; use
	// Rate(0) to fail on any rejected record.
	MaxRejectRate *float64

	// Now returns the fetch time; defaults to time.Now.
	Now func() time.Time

	// Location is the market time zone. A trade date after the current
	// calendar day in Location is rejected as a future date. Nil keeps the
	// zone of the time returned by Now.
	Location *time.Location
}

// Result is a successful fetch: every record came from Endpoint.
type Result struct {
	SecurityID string
	Endpoint   string
	Records    []eod.DailyRecord
	Attempts   []Attempt
}

// Orchestrator tries broker endpoints strictly in order until one yields a
// non-empty validated record set. Records from different endpoints are
// never merged. It holds no mutable state and is safe for concurrent use.
type Orchestrator struct {
	endpoints []Endpoint
	fetcher   Fetcher
	cfg       OrchestratorConfig
}

// NewOrchestrator fixes the endpoint order from reg and cfg.Priority.
func NewOrchestrator(reg Registry, fetcher Fetcher, cfg OrchestratorConfig) *Orchestrator {
	if cfg.MaxRejectRate == nil {
		cfg.MaxRejectRate = Rate(0.2)
	}
	if cfg.Reconstruct == (ReconstructConfig{}) {
		cfg.Reconstruct = DefaultReconstructConfig()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Orchestrator{
		endpoints: reg.Ordered(cfg.Priority),
		fetcher:   fetcher,
		cfg:       cfg,
	}
}

// Endpoints returns the endpoints in the order they are tried.
func (o *Orchestrator) Endpoints() []Endpoint {
	out := make([]Endpoint, len(o.endpoints))
	copy(out, o.endpoints)
	return out
}

// FetchSecurity runs the failover state machine for one security. On
// exhaustion the error is an *ExhaustedError listing every attempt.
func (o *Orchestrator) FetchSecurity(ctx context.Context, securityID string) (*Result, error) {
	subLog := log.With().Str("SecurityID", securityID).Logger()
	attempts := make([]Attempt, 0, len(o.endpoints))

	state := StatePending
	for i, ep := range o.endpoints {
		if err := ctx.Err(); err != nil {
			return nil, &ExhaustedError{SecurityID: securityID, Attempts: attempts, Err: err}
		}

		state = StateTrying
		subLog.Debug().Str("State", state.String()).Int("Index", i).Str("Endpoint", ep.Name).Msg("trying broker")

		attempt, records := o.try(ctx, ep, securityID)
		attempts = append(attempts, attempt)

		if attempt.Outcome == OutcomeSuccess {
			state = StateSuccess
			subLog.Info().Str("State", state.String()).Str("Endpoint", ep.Name).Int("NumRecords", len(records)).
				Int("Rejected", attempt.Rejected).Dur("Duration", attempt.Duration).Msg("fetched daily bars")
			return &Result{
				SecurityID: securityID,
				Endpoint:   ep.Name,
				Records:    records,
				Attempts:   attempts,
			}, nil
		}

		subLog.Warn().Str("Endpoint", ep.Name).Str("Outcome", string(attempt.Outcome)).Str("Detail", attempt.Detail).Msg("broker attempt failed")
	}

	state = StateExhausted
	subLog.Debug().Str("State", state.String()).Int("Attempts", len(attempts)).Msg("no broker succeeded")
	return nil, &ExhaustedError{SecurityID: securityID, Attempts: attempts}
}

// Probe runs a full cycle against every endpoint without failing over and
// returns one attempt per endpoint. It is used to compare vendors.
func (o *Orchestrator) Probe(ctx context.Context, securityID string) []Attempt {
	attempts := make([]Attempt, 0, len(o.endpoints))
	for _, ep := range o.endpoints {
		attempt, _ := o.try(ctx, ep, securityID)
		attempts = append(attempts, attempt)
	}
	return attempts
}

// HealthCheck pings every endpoint. It returns nil errors for reachable
// endpoints and is empty if the fetcher cannot ping.
func (o *Orchestrator) HealthCheck(ctx context.Context) map[string]error {
	results := make(map[string]error, len(o.endpoints))
	pinger, ok := o.fetcher.(Pinger)
	if !ok {
		return results
	}
	for _, ep := range o.endpoints {
		results[ep.Name] = pinger.Ping(ctx, ep)
	}
	return results
}

func (o *Orchestrator) try(ctx context.Context, ep Endpoint, securityID string) (Attempt, []eod.DailyRecord) {
	start := time.Now()
	attempt := Attempt{Endpoint: ep.Name, URL: ep.URL(securityID)}

	body, err := o.fetcher.Fetch(ctx, ep, securityID)
	if err != nil {
		attempt.Outcome = outcomeOf(err)
		attempt.Detail = err.Error()
		attempt.Duration = time.Since(start)
		return attempt, nil
	}

	parsed, err := Parse(string(body), securityID, ep.Rules, o.cfg.Reconstruct, *o.cfg.MaxRejectRate, o.now())
	attempt.Duration = time.Since(start)
	attempt.Diagnostics = parsed.Diagnostics
	attempt.Rejected = len(parsed.Rejected)
	if err != nil {
		attempt.Outcome = outcomeOf(err)
		attempt.Detail = err.Error()
		return attempt, nil
	}

	for i := range parsed.Records {
		parsed.Records[i].Source = ep.Name
	}
	attempt.Outcome = OutcomeSuccess
	attempt.RecordCount = len(parsed.Records)
	return attempt, parsed.Records
}

func (o *Orchestrator) now() time.Time {
	now := o.cfg.Now()
	if o.cfg.Location != nil {
		now = now.In(o.cfg.Location)
	}
	return now
}

// ParseResult is the output of Parse.
type ParseResult struct {
	Records     []eod.DailyRecord
	Rejected    []*eod.RejectError
	Stats       TokenStats
	Diagnostics Diagnostics
}

// Parse runs tokenize, reconstruct and validate over one payload. It returns
// ErrEmptyPayload or ErrNoRecords when nothing usable was found and a
// *StructuralParseError when the payload as a whole cannot be trusted,
// including when the reject rate exceeds maxRejectRate.
func Parse(body, securityID string, rules Rules, cfg ReconstructConfig, maxRejectRate float64, now time.Time) (ParseResult, error) {
	var res ParseResult

	tokens, stats, err := Tokenize(body, rules)
	res.Stats = stats
	res.Diagnostics.Unparseable = stats.Unparseable
	if err != nil {
		return res, err
	}

	candidates, diag, err := Reconstruct(securityID, tokens, cfg)
	diag.Unparseable = stats.Unparseable
	res.Diagnostics = diag
	if err != nil {
		return res, err
	}

	accepted, rejected, err := eod.ValidateBatch(candidates, now, maxRejectRate)
	res.Rejected = rejected
	if err != nil {
		return res, &StructuralParseError{
			Stage:       StageValidate,
			Reason:      "reject rate above threshold",
			Dates:       diag.Dates,
			Numbers:     diag.Numbers,
			Unparseable: diag.Unparseable,
			Rejected:    len(rejected),
			Err:         err,
		}
	}
	if len(accepted) == 0 {
		return res, ErrNoRecords
	}

	res.Records = accepted
	return res, nil
}

func outcomeOf(err error) Outcome {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		switch netErr.Kind {
		case NetworkTimeout:
			return OutcomeTimeout
		case NetworkHTTPStatus:
			return OutcomeHTTPError
		case NetworkCircuitOpen:
			return OutcomeCircuitOpen
		default:
			return OutcomeConnectionError
		}
	}

	var parseErr *StructuralParseError
	switch {
	case errors.As(err, &parseErr):
		return OutcomeInvalid
	case errors.Is(err, ErrEmptyPayload), errors.Is(err, ErrNoRecords):
		return OutcomeEmpty
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	default:
		return OutcomeConnectionError
	}
}

// String summarises an attempt for logs and CLI output.
func (a Attempt) String() string {
	s := fmt.Sprintf("%-24s %-16s records=%d rejected=%d %s", a.Endpoint, a.Outcome, a.RecordCount, a.Rejected, a.Duration.Round(time.Millisecond))
	if a.Detail != "" {
		s += " " + a.Detail
	}
	return s
}
