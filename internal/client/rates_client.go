package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// RatesClient fetches exchange rates from the rates service over HTTP.
//
//	GET {base}/v1/rates?from=EUR&to=USD&date=2026-03-02  ->  {"rate": 1.08}
//
// Outbound calls are throttled so a burst of conversions cannot overload
// the collaborator.
type RatesClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewRatesClient creates a client. rps <= 0 disables throttling.
func NewRatesClient(baseURL string, timeout time.Duration, rps float64) *RatesClient {
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &RatesClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

type rateResponse struct {
	Rate float64 `json:"rate"`
}

// Rate implements RateSource.
func (c *RatesClient) Rate(ctx context.Context, from, to string, asOf time.Time) (float64, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("rate limiter: %w", err)
	}

	q := url.Values{}
	q.Set("from", from)
	q.Set("to", to)
	q.Set("date", asOf.UTC().Format(time.DateOnly))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/rates?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call rates service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("rates service returned %d for %s/%s", resp.StatusCode, from, to)
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode rate: %w", err)
	}
	return body.Rate, nil
}

// CachedRateSource keeps rates in Redis for ttl, keyed by pair and day.
// Cache errors degrade to a direct lookup.
type CachedRateSource struct {
	next  RateSource
	redis redis.Cmdable
	ttl   time.Duration
	log   zerolog.Logger
}

// NewCachedRateSource wraps next with a Redis cache.
func NewCachedRateSource(next RateSource, rdb redis.Cmdable, ttl time.Duration, log zerolog.Logger) *CachedRateSource {
	return &CachedRateSource{next: next, redis: rdb, ttl: ttl, log: log}
}

// Rate implements RateSource.
func (c *CachedRateSource) Rate(ctx context.Context, from, to string, asOf time.Time) (float64, error) {
	key := fmt.Sprintf("approvals:fx:%s:%s:%s", from, to, asOf.UTC().Format(time.DateOnly))

	cached, err := c.redis.Get(ctx, key).Result()
	switch {
	case err == nil:
		if v, perr := strconv.ParseFloat(cached, 64); perr == nil {
			return v, nil
		}
	case err != redis.Nil:
		c.log.Warn().Err(err).Str("key", key).Msg("rate cache read failed")
	}

	v, err := c.next.Rate(ctx, from, to, asOf)
	if err != nil {
		return 0, err
	}
	if err := c.redis.Set(ctx, key, strconv.FormatFloat(v, 'g', -1, 64), c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("rate cache write failed")
	}
	return v, nil
}
