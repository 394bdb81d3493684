// Package httpsource polls a JSON HTTP endpoint for chat messages.
//
// Request:  GET <base_url>/messages?since=<unix seconds>&limit=<n>
// Header:   X-API-Key: <api_key>
// Response: either a JSON array of messages or {"messages": [...], "next": <marker>}.
//
// since is inclusive; messages sharing the boundary second are re-delivered
// and absorbed by deduplication. When one second holds a full page the
// client asks again with a larger limit so the marker can move past it.
package httpsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"alertdesk/internal/event"
	"alertdesk/internal/source"
	logx "alertdesk/pkg/logx"
)

const (
	defaultLimit   = 200
	maxLimit       = 10000
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 8 << 20
)

type Config struct {
	BaseURL    string
	APIKey     string
	BatchLimit int
	Timeout    time.Duration
	RatePerSec int // outbound requests per second; 0 disables limiting
}

// Client implements source.Source.
type Client struct {
	baseURL    string
	apiKey     string
	limit      int
	httpClient *http.Client
	limiter    *rate.Limiter
	log        logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("httpsource: base_url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("httpsource: base_url: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	limit := cfg.BatchLimit
	if limit <= 0 {
		limit = defaultLimit
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		limit:      limit,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With(logx.Component("source"), logx.String("source", "http")),
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return c, nil
}

func (c *Client) Name() string { return "http" }

type envelope struct {
	Messages []event.RawMessage `json:"messages"`
	Next     *int64             `json:"next"`
}

// Fetch reads messages at or after since. A full page whose messages all
// share the since second would leave the marker where it is, so the page
// size is doubled (up to maxLimit) until the response reaches a later second.
func (c *Client) Fetch(ctx context.Context, since int64) (source.Batch, error) {
	limit := c.limit
	for {
		msgs, next, err := c.fetchPage(ctx, since, limit)
		if err != nil {
			return source.Batch{}, err
		}

		b := source.Batch{Messages: msgs, Next: since}
		if next != nil {
			if *next > b.Next {
				b.Next = *next
			}
		} else {
			for _, m := range msgs {
				if m.TimestampUnix > b.Next {
					b.Next = m.TimestampUnix
				}
			}
		}

		stuck := next == nil && b.Next == since && len(msgs) >= limit
		if stuck && limit < maxLimit {
			limit = min(limit*2, maxLimit)
			c.log.Debug("page filled by one second; widening", logx.Int64("since", since), logx.Int("limit", limit))
			continue
		}
		if stuck {
			c.log.Warn("more messages in one second than max page size; marker cannot advance",
				logx.Int64("since", since), logx.Int("limit", limit))
		}
		c.log.Debug("fetched", logx.Int("count", len(msgs)), logx.Int64("since", since), logx.Int64("next", b.Next))
		return b, nil
	}
}

func (c *Client) fetchPage(ctx context.Context, since int64, limit int) ([]event.RawMessage, *int64, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, source.Unavailable(c.Name(), 0, err)
		}
	}

	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))
	u := c.baseURL + "/messages?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, source.Unavailable(c.Name(), 0, fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, source.Unavailable(c.Name(), 0, fmt.Errorf("executing request: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, source.Unavailable(c.Name(), resp.StatusCode, fmt.Errorf("reading response body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, source.Unavailable(c.Name(), resp.StatusCode, fmt.Errorf("unexpected response: %s", snippet(body)))
	}

	msgs, next, err := decode(body)
	if err != nil {
		return nil, nil, source.Unavailable(c.Name(), resp.StatusCode, err)
	}
	return msgs, next, nil
}

func decode(body []byte) ([]event.RawMessage, *int64, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, nil, nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var msgs []event.RawMessage
		if err := json.Unmarshal(body, &msgs); err != nil {
			return nil, nil, fmt.Errorf("decoding messages: %w", err)
		}
		return msgs, nil, nil
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return env.Messages, env.Next, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
