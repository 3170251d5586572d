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
	"net"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"go.uber.org/ratelimit"
)

// Fetcher retrieves the raw payload for one security from one endpoint.
type Fetcher interface {
	Fetch(ctx context.Context, ep Endpoint, securityID string) ([]byte, error)
}

// Pinger is implemented by fetchers that can check an endpoint is reachable.
type Pinger interface {
	Ping(ctx context.Context, ep Endpoint) error
}

// BrowserHeaders mimic a desktop browser; several broker sites refuse
// requests without them.
var BrowserHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language": "zh-TW,zh;q=0.9,en;q=0.8",
	"Connection":      "keep-alive",
}

// BreakerConfig configures the optional per-endpoint circuit breaker.
type BreakerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Failures uint32        `mapstructure:"failures"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// FetcherConfig configures RestyFetcher.
type FetcherConfig struct {
	// Timeout applies to each request. A timed out request is not retried.
	Timeout time.Duration
	// RateLimit caps requests per second across all endpoints and workers;
	// zero means unlimited.
	RateLimit int
	Breaker   BreakerConfig
}

// RestyFetcher issues broker requests with resty.
type RestyFetcher struct {
	client  *resty.Client
	limiter ratelimit.Limiter
	breaker BreakerConfig

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewFetcher returns a fetcher using a new resty client.
func NewFetcher(cfg FetcherConfig) *RestyFetcher {
	return NewFetcherWithClient(resty.New(), cfg)
}

// NewFetcherWithClient configures client with the browser headers and timeout
// and wraps it as a fetcher.
func NewFetcherWithClient(client *resty.Client, cfg FetcherConfig) *RestyFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	client.SetTimeout(cfg.Timeout).SetHeaders(BrowserHeaders)

	limiter := ratelimit.NewUnlimited()
	if cfg.RateLimit > 0 {
		limiter = ratelimit.New(cfg.RateLimit)
	}

	if cfg.Breaker.Enabled {
		if cfg.Breaker.Failures == 0 {
			cfg.Breaker.Failures = 5
		}
		if cfg.Breaker.Cooldown <= 0 {
			cfg.Breaker.Cooldown = time.Minute
		}
	}

	return &RestyFetcher{
		client:   client,
		limiter:  limiter,
		breaker:  cfg.Breaker,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Fetch requests the daily bars of securityID from ep and returns the body
// of a 2xx response. Failures are returned as *NetworkError.
func (f *RestyFetcher) Fetch(ctx context.Context, ep Endpoint, securityID string) ([]byte, error) {
	url := ep.URL(securityID)

	get := func() ([]byte, error) {
		f.limiter.Take()
		log.Debug().Str("Url", url).Msg("loading URL")
		resp, err := f.client.R().SetContext(ctx).Get(url)
		if err != nil {
			return nil, classifyTransportError(url, err)
		}
		if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
			return nil, &NetworkError{Kind: NetworkHTTPStatus, URL: url, StatusCode: resp.StatusCode()}
		}
		return resp.Body(), nil
	}

	if !f.breaker.Enabled {
		return get()
	}

	body, err := f.circuit(ep.Name).Execute(func() (interface{}, error) {
		return get()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &NetworkError{Kind: NetworkCircuitOpen, URL: url, Err: err}
	}
	if err != nil {
		return nil, err
	}
	return body.([]byte), nil
}

// Ping requests the endpoint's base URL. Any response, whatever its status,
// counts as reachable.
func (f *RestyFetcher) Ping(ctx context.Context, ep Endpoint) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := f.client.R().SetContext(ctx).Get(ep.BaseURL); err != nil {
		return classifyTransportError(ep.BaseURL, err)
	}
	return nil
}

func (f *RestyFetcher) circuit(name string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[name]; ok {
		return cb
	}

	failures := f.breaker.Failures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     f.breaker.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("Endpoint", name).Str("From", from.String()).Str("To", to.String()).Msg("broker circuit breaker changed state")
		},
	})
	f.breakers[name] = cb
	return cb
}

func classifyTransportError(url string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &NetworkError{Kind: NetworkTimeout, URL: url, Err: err}
	}
	return &NetworkError{Kind: NetworkConnection, URL: url, Err: err}
}
