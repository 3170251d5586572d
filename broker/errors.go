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
	"fmt"
	"strings"
)

var (
	// ErrEmptyPayload is returned when a broker answers with an empty body.
	ErrEmptyPayload = errors.New("empty payload")

	// ErrNoRecords is returned when a payload parsed cleanly but yielded no
	// accepted records.
	ErrNoRecords = errors.New("no records accepted")
)

// NetworkKind classifies a failed request.
type NetworkKind string

const (
	NetworkTimeout     NetworkKind = "timeout"
	NetworkHTTPStatus  NetworkKind = "http_error"
	NetworkConnection  NetworkKind = "connection_error"
	NetworkCircuitOpen NetworkKind = "circuit_open"
)

// NetworkError is a failed request against one endpoint.
type NetworkError struct {
	Kind       NetworkKind
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Kind == NetworkHTTPStatus:
		return fmt.Sprintf("%s: unexpected status code %d", e.URL, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.URL, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.URL, e.Kind)
	}
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Stage is the pipeline step that rejected a payload.
type Stage string

const (
	StageTokenize    Stage = "tokenize"
	StageReconstruct Stage = "reconstruct"
	StageValidate    Stage = "validate"
)

// StructuralParseError means a payload could not be trusted as a whole. It
// triggers failover exactly like a network failure.
type StructuralParseError struct {
	Stage       Stage
	Reason      string
	Dates       int
	Numbers     int
	Unparseable int
	Rejected    int
	Err         error
}

func (e *StructuralParseError) Error() string {
	return fmt.Sprintf("structural parse failure at %s: %s (dates=%d numbers=%d unparseable=%d rejected=%d)",
		e.Stage, e.Reason, e.Dates, e.Numbers, e.Unparseable, e.Rejected)
}

func (e *StructuralParseError) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned when every endpoint failed for a security. It
// carries one Attempt per endpoint tried, in order.
type ExhaustedError struct {
	SecurityID string
	Attempts   []Attempt

	// Err is set when the fetch was abandoned because the context ended.
	Err error
}

func (e *ExhaustedError) Error() string {
	reasons := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		reasons[i] = fmt.Sprintf("%s=%s", a.Endpoint, a.Outcome)
	}
	msg := fmt.Sprintf("all brokers failed for %s [%s]", e.SecurityID, strings.Join(reasons, " "))
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}
