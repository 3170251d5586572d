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
	"net/url"
	"strings"
)

// DefaultPath is the daily-bar query path shared by the MoneyDJ-hosted
// broker sites.
const DefaultPath = "/z/BCD/czkc1.djbcd"

var (
	ErrNoEndpoints       = errors.New("broker registry has no endpoints")
	ErrDuplicateEndpoint = errors.New("duplicate broker endpoint name")
)

// Endpoint is one broker site able to serve daily bars.
type Endpoint struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
	Path    string `mapstructure:"path"`
	Rules   Rules  `mapstructure:"rules"`
}

// URL builds the query for a single security.
func (e Endpoint) URL(securityID string) string {
	path := e.Path
	if path == "" {
		path = DefaultPath
	}
	return fmt.Sprintf("%s%s?a=%s&b=A&c=2880&E=1&ver=5",
		strings.TrimRight(e.BaseURL, "/"), path, url.QueryEscape(securityID))
}

// Registry is an ordered, immutable list of broker endpoints. Accessors
// return copies so callers cannot reorder the registry in place.
type Registry struct {
	endpoints []Endpoint
}

var defaultBaseURLs = []string{
	"http://fubon-ebrokerdj.fbs.com.tw/",
	"http://justdata.moneydj.com/",
	"http://jdata.yuanta.com.tw/",
	"http://moneydj.emega.com.tw/",
	"http://djfubonholdingfund.fbs.com.tw/",
	"https://sjmain.esunsec.com.tw/",
	"http://kgieworld.moneydj.com/",
	"http://newjust.masterlink.com.tw/",
}

// DefaultRegistry returns the known broker sites in their default order.
func DefaultRegistry() Registry {
	endpoints := make([]Endpoint, 0, len(defaultBaseURLs))
	for _, base := range defaultBaseURLs {
		endpoints = append(endpoints, Endpoint{
			Name:    NameFromURL(base),
			BaseURL: base,
			Path:    DefaultPath,
			Rules:   DefaultRules(),
		})
	}
	return Registry{endpoints: endpoints}
}

// NewRegistry validates endpoints and returns them as a registry. Missing
// names are derived from the base URL and zero rules are replaced with
// DefaultRules.
func NewRegistry(endpoints []Endpoint) (Registry, error) {
	if len(endpoints) == 0 {
		return Registry{}, ErrNoEndpoints
	}

	seen := make(map[string]bool, len(endpoints))
	out := make([]Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		u, err := url.Parse(ep.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return Registry{}, fmt.Errorf("invalid broker base url %q", ep.BaseURL)
		}
		if ep.Name == "" {
			ep.Name = NameFromURL(ep.BaseURL)
		}
		if ep.Path == "" {
			ep.Path = DefaultPath
		}
		ep = ep.clone()
		ep.Rules = ep.Rules.withDefaults()
		if seen[ep.Name] {
			return Registry{}, fmt.Errorf("%w: %s", ErrDuplicateEndpoint, ep.Name)
		}
		seen[ep.Name] = true
		out = append(out, ep)
	}

	return Registry{endpoints: out}, nil
}

// Len returns the number of endpoints.
func (r Registry) Len() int {
	return len(r.endpoints)
}

// Endpoints returns the endpoints in registry order.
func (r Registry) Endpoints() []Endpoint {
	out := make([]Endpoint, len(r.endpoints))
	for i, ep := range r.endpoints {
		out[i] = ep.clone()
	}
	return out
}

// clone copies ep so the caller cannot reach the registry's rule values.
func (e Endpoint) clone() Endpoint {
	if rate := e.Rules.MaxUnparseableRate; rate != nil {
		e.Rules.MaxUnparseableRate = Rate(*rate)
	}
	return e
}

// Ordered returns the endpoints with those named in priority moved to the
// front, in the order given. Unknown names are ignored and the remaining
// endpoints keep their registry order.
func (r Registry) Ordered(priority []string) []Endpoint {
	if len(priority) == 0 {
		return r.Endpoints()
	}

	byName := make(map[string]int, len(r.endpoints))
	for i, ep := range r.endpoints {
		byName[ep.Name] = i
	}

	used := make([]bool, len(r.endpoints))
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, name := range priority {
		if i, ok := byName[name]; ok && !used[i] {
			used[i] = true
			out = append(out, r.endpoints[i].clone())
		}
	}
	for i, ep := range r.endpoints {
		if !used[i] {
			out = append(out, ep.clone())
		}
	}
	return out
}

// NameFromURL derives a short endpoint name from the first label of the host,
// e.g. http://fubon-ebrokerdj.fbs.com.tw/ -> fubon-ebrokerdj.
func NameFromURL(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	host := u.Hostname()
	if i := strings.IndexByte(host, '.'); i > 0 {
		return host[:i]
	}
	return host
}
