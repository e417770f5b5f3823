// Package provider fetches the current roster of entity statuses from the
// external data source.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/okian/statuswatch/internal/domain/model"
	"github.com/okian/statuswatch/internal/domain/retry"
	"github.com/okian/statuswatch/pkg/logger"
	"github.com/okian/statuswatch/pkg/metrics"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultTopCutoff = 100
	maxBodyBytes     = 32 << 20
	userAgent        = "statuswatch/1.0"
)

// Result is one successful fetch.
type Result struct {
	Observations []model.Observation
	Rejected     int
	Attempts     int
	ReportHash   string
	FetchedAt    time.Time
}

// Client polls one roster endpoint.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     retry.Policy
	topCutoff  int
	now        func() time.Time
	logger     logger.Logger
}

// New creates a provider client for url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Inf, 1),
		policy:     retry.DefaultPolicy(),
		topCutoff:  defaultTopCutoff,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Get().Named("provider")
	}
	return c
}

// statusError carries an HTTP failure plus any Retry-After hint.
type statusError struct {
	code       int
	retryAfter time.Duration
}

func (e *statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

// FetchAll retrieves and validates the full roster, retrying transient
// failures under the client's policy. Invalid rows are dropped individually.
func (c *Client) FetchAll(ctx context.Context) (*Result, error) {
	start := c.now()
	defer func() {
		metrics.RecordFetchDuration(float64(time.Since(start).Milliseconds()))
	}()

	var (
		body     []byte
		attempts int
	)
	hinted := &retryAfterBackOff{BackOff: c.policy.NewBackOff()}

	op := func() error {
		attempts++
		b, err := c.fetchOnce(ctx)
		if err == nil {
			metrics.RecordFetchAttempt("ok")
			body = b
			return nil
		}

		var se *statusError
		if errors.As(err, &se) {
			hinted.hint = se.retryAfter
		}
		if errors.Is(err, ErrProviderMalformed) {
			metrics.RecordFetchAttempt("malformed")
			return backoff.Permanent(err)
		}
		metrics.RecordFetchAttempt("unavailable")
		if se != nil && se.code >= 400 && se.code < 500 && se.code != http.StatusTooManyRequests && se.code != http.StatusRequestTimeout {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn(ctx, "provider fetch failed, retrying",
			logger.Int("attempt", attempts),
			logger.Duration("wait", wait),
			logger.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(hinted, ctx), notify); err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrProviderMalformed) {
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, ctx.Err())
		}
		return nil, err
	}

	return c.parse(ctx, body, attempts), nil
}

func (c *Client) fetchOnce(ctx context.Context) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", ErrProviderUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrProviderMalformed, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		se := &statusError{code: resp.StatusCode}
		if resp.StatusCode == http.StatusTooManyRequests {
			se.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		}
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, se)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrProviderUnavailable, err)
	}
	if _, err := decodeRoster(body); err != nil {
		return nil, err
	}
	return body, nil
}

// parse turns a decoded roster into observations. Later duplicates of an id win.
func (c *Client) parse(ctx context.Context, body []byte, attempts int) *Result {
	rows, _ := decodeRoster(body) // validated in fetchOnce
	now := c.now().UTC()

	byID := make(map[string]model.Observation, len(rows))
	rejected := 0
	for _, row := range rows {
		obs, rej := decodeRow(row, now, c.topCutoff)
		if rej != nil {
			rejected++
			metrics.RecordRecordRejected(rej.reason)
			c.logger.Warn(ctx, "dropping invalid provider record", logger.String("reason", rej.reason), logger.Error(rej))
			continue
		}
		byID[obs.Entity.ID] = obs
	}

	out := make([]model.Observation, 0, len(byID))
	for _, obs := range byID {
		out = append(out, obs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity.ID < out[j].Entity.ID })

	sum := sha256.Sum256(body)
	return &Result{
		Observations: out,
		Rejected:     rejected,
		Attempts:     attempts,
		ReportHash:   hex.EncodeToString(sum[:]),
		FetchedAt:    now,
	}
}

// retryAfterBackOff never waits less than the server asked for.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.hint > next {
		next = b.hint
	}
	b.hint = 0
	return next
}
