package httpsource

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"alertdesk/internal/event"
	"alertdesk/internal/source"
	logx "alertdesk/pkg/logx"
)

func TestFetchArray(t *testing.T) {
	t.Parallel()
	var gotKey, gotSince, gotLimit string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			http.NotFound(w, r)
			return
		}
		gotKey = r.Header.Get("X-API-Key")
		gotSince = r.URL.Query().Get("since")
		gotLimit = r.URL.Query().Get("limit")
		_, _ = w.Write([]byte(`[
			{"chat_id": 1, "chat_name": "desk", "message": "hello", "timestamp": 120, "message_id": 7},
			{"chat_id": 1, "chat_name": "desk", "message": "bye", "timestamp": 150, "message_id": "8"}
		]`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/", APIKey: "k", BatchLimit: 50}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := c.Fetch(context.Background(), 100)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotKey != "k" || gotSince != "100" || gotLimit != "50" {
		t.Fatalf("request = key %q since %q limit %q", gotKey, gotSince, gotLimit)
	}
	if len(b.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(b.Messages))
	}
	if b.Messages[0].ExternalID != "7" {
		t.Fatalf("ExternalID = %q, want %q", b.Messages[0].ExternalID, "7")
	}
	if b.Next != 150 {
		t.Fatalf("Next = %d, want 150", b.Next)
	}
}

func TestFetchEnvelopeAndEmpty(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		body  string
		since int64
		count int
		next  int64
	}{
		{name: "envelope next", body: `{"messages":[{"chat_id":1,"message":"a","timestamp":5,"message_id":1}],"next":9}`, since: 1, count: 1, next: 9},
		{name: "envelope without next", body: `{"messages":[{"chat_id":1,"message":"a","timestamp":5,"message_id":1}]}`, since: 1, count: 1, next: 5},
		{name: "empty array keeps marker", body: `[]`, since: 33, count: 0, next: 33},
		{name: "empty body", body: ``, since: 4, count: 0, next: 4},
		{name: "next never moves backwards", body: `{"messages":[],"next":2}`, since: 10, count: 0, next: 10},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := New(Config{BaseURL: srv.URL}, logx.Nop())
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			b, err := c.Fetch(context.Background(), tt.since)
			if err != nil {
				t.Fatalf("Fetch: %v", err)
			}
			if len(b.Messages) != tt.count || b.Next != tt.next {
				t.Fatalf("got %d messages next %d, want %d next %d", len(b.Messages), b.Next, tt.count, tt.next)
			}
		})
	}
}

func TestFetchFailuresAreUnavailable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "server error", status: http.StatusBadGateway, body: "upstream down"},
		{name: "unauthorized", status: http.StatusUnauthorized, body: "bad key"},
		{name: "garbage", status: http.StatusOK, body: "{not json"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := New(Config{BaseURL: srv.URL}, logx.Nop())
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			_, err = c.Fetch(context.Background(), 0)
			if !errors.Is(err, source.ErrSourceUnavailable) {
				t.Fatalf("err = %v, want ErrSourceUnavailable", err)
			}
			var ue *source.UnavailableError
			if !errors.As(err, &ue) || ue.Status != tt.status {
				t.Fatalf("status = %+v, want %d", ue, tt.status)
			}
		})
	}
}

func TestFetchConnectionRefused(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c, err := New(Config{BaseURL: base}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Fetch(context.Background(), 0); !errors.Is(err, source.ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty base_url")
	}
}

// pagedServer serves msgs (sorted by timestamp) honouring since (inclusive)
// and limit, and records the limits it was asked for.
func pagedServer(t *testing.T, msgs []event.RawMessage) (*httptest.Server, func() []int) {
	t.Helper()
	var mu sync.Mutex
	var limits []int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		mu.Lock()
		limits = append(limits, limit)
		mu.Unlock()
		out := []event.RawMessage{}
		for _, m := range msgs {
			if m.TimestampUnix >= since && len(out) < limit {
				out = append(out, m)
			}
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []int {
		mu.Lock()
		defer mu.Unlock()
		return append([]int(nil), limits...)
	}
}

func TestFetchMovesPastCrowdedSecond(t *testing.T) {
	t.Parallel()
	msgs := []event.RawMessage{
		{ChatID: 1, Body: "a", TimestampUnix: 100, ExternalID: "1"},
		{ChatID: 1, Body: "b", TimestampUnix: 100, ExternalID: "2"},
		{ChatID: 1, Body: "c", TimestampUnix: 100, ExternalID: "3"},
		{ChatID: 1, Body: "d", TimestampUnix: 101, ExternalID: "4"},
	}
	srv, limits := pagedServer(t, msgs)
	c, err := New(Config{BaseURL: srv.URL, BatchLimit: 2}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	seen := map[event.ExternalID]bool{}
	var since int64
	for i := 0; i < 5; i++ {
		b, err := c.Fetch(context.Background(), since)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		for _, m := range b.Messages {
			seen[m.ExternalID] = true
		}
		if b.Next < since {
			t.Fatalf("Next = %d went below since %d", b.Next, since)
		}
		since = b.Next
	}
	if len(seen) != len(msgs) {
		t.Fatalf("fetched %d distinct messages, want %d", len(seen), len(msgs))
	}
	if since != 101 {
		t.Fatalf("marker = %d, want 101", since)
	}

	var widened bool
	for _, l := range limits() {
		if l > 2 {
			widened = true
		}
	}
	if !widened {
		t.Fatalf("limits = %v, want a widened request", limits())
	}
}

func TestFetchShortPageAtSinceDoesNotWiden(t *testing.T) {
	t.Parallel()
	srv, limits := pagedServer(t, []event.RawMessage{
		{ChatID: 1, Body: "a", TimestampUnix: 100, ExternalID: "1"},
	})
	c, err := New(Config{BaseURL: srv.URL, BatchLimit: 2}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := c.Fetch(context.Background(), 100)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if b.Next != 100 || len(b.Messages) != 1 {
		t.Fatalf("batch = %+v", b)
	}
	if got := limits(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("limits = %v, want [2]", got)
	}
}
