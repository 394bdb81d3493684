// Package telegram reads chat messages from the Telegram Bot API with
// short-poll getUpdates calls driven by the scheduler.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"alertdesk/internal/event"
	"alertdesk/internal/source"
	logx "alertdesk/pkg/logx"
)

type Config struct {
	Token      string
	APIURL     string // defaults to https://api.telegram.org
	BatchLimit int    // 1..100
	Timeout    time.Duration
}

// Source implements source.Source. The since-marker is the next update offset.
type Source struct {
	bot   *tele.Bot
	limit int
	log   logx.Logger
}

func New(cfg Config, log logx.Logger) (*Source, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := cfg.BatchLimit
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Source{bot: b, limit: limit, log: log.With(logx.Component("source"), logx.String("source", "telegram"))}, nil
}

func (s *Source) Name() string { return "telegram" }

type updatesResponse struct {
	Result []tele.Update `json:"result"`
}

func (s *Source) Fetch(ctx context.Context, since int64) (source.Batch, error) {
	if err := ctx.Err(); err != nil {
		return source.Batch{}, source.Unavailable(s.Name(), 0, err)
	}
	params := map[string]any{
		"limit":           s.limit,
		"timeout":         0,
		"allowed_updates": []string{"message", "channel_post"},
	}
	if since > 0 {
		params["offset"] = since
	}

	data, err := s.raw(ctx, "getUpdates", params)
	if err != nil {
		return source.Batch{}, source.Unavailable(s.Name(), 0, fmt.Errorf("getUpdates: %w", err))
	}
	var resp updatesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return source.Batch{}, source.Unavailable(s.Name(), 0, fmt.Errorf("decoding updates: %w", err))
	}

	b := source.Batch{Messages: make([]event.RawMessage, 0, len(resp.Result)), Next: since}
	for _, up := range resp.Result {
		if next := int64(up.ID) + 1; next > b.Next {
			b.Next = next
		}
		if raw, ok := toRaw(up); ok {
			b.Messages = append(b.Messages, raw)
		}
	}
	s.log.Debug("fetched", logx.Int("updates", len(resp.Result)), logx.Int("messages", len(b.Messages)), logx.Int64("next", b.Next))
	return b, nil
}

type rawResult struct {
	data []byte
	err  error
}

// raw calls the Bot API and returns when ctx is done, even though the
// request itself has no context. An abandoned call finishes in the
// background within the client timeout; its offset is never used.
func (s *Source) raw(ctx context.Context, method string, params map[string]any) ([]byte, error) {
	ch := make(chan rawResult, 1)
	go func() {
		data, err := s.bot.Raw(method, params)
		ch <- rawResult{data: data, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.data, r.err
	}
}

// toRaw converts a message or channel post update. Other update kinds are
// dropped but still advance the offset.
func toRaw(up tele.Update) (event.RawMessage, bool) {
	m := up.Message
	if m == nil {
		m = up.ChannelPost
	}
	if m == nil || m.Chat == nil {
		return event.RawMessage{}, false
	}
	body := m.Text
	if body == "" {
		body = m.Caption
	}
	return event.RawMessage{
		ChatID:        m.Chat.ID,
		ChatName:      chatName(m.Chat),
		Body:          body,
		TimestampUnix: m.Unixtime,
		ExternalID:    event.ExternalID(strconv.Itoa(m.ID)),
	}, true
}

func chatName(c *tele.Chat) string {
	if c.Title != "" {
		return c.Title
	}
	name := strings.TrimSpace(c.FirstName + " " + c.LastName)
	if name != "" {
		return name
	}
	return c.Username
}
