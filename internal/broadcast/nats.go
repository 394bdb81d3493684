// Package broadcast republishes newly stored events on NATS so other
// services can react to them.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	natspkg "github.com/nats-io/nats.go"

	"alertdesk/internal/event"
	logx "alertdesk/pkg/logx"
)

const DefaultSubject = "alertdesk.events"

// Message is the wire form of a broadcast event.
type Message struct {
	ID         int64      `json:"id"`
	ChatID     int64      `json:"chat_id"`
	ChatName   string     `json:"chat_name"`
	ExternalID string     `json:"external_id"`
	Kind       event.Kind `json:"kind"`
	Cabinet    string     `json:"cabinet,omitempty"`
	Body       string     `json:"body"`
	Display    string     `json:"display"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// conn is the subset of *nats.Conn used here.
type conn interface {
	Publish(subj string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// Publisher sends events to <subject>.<kind>, e.g. alertdesk.events.cancellation.
type Publisher struct {
	nc      conn
	subject string
	log     logx.Logger
	onFail  func()
}

// Connect dials url. onFail, if set, is called once per failed event.
func Connect(url, subject string, onFail func(), log logx.Logger) (*Publisher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("broadcast: nats url is empty")
	}
	nc, err := natspkg.Connect(url,
		natspkg.Name("alertdesk"),
		natspkg.MaxReconnects(-1),
		natspkg.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return newPublisher(nc, subject, onFail, log), nil
}

func newPublisher(nc conn, subject string, onFail func(), log logx.Logger) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	subject = strings.Trim(strings.TrimSpace(subject), ".")
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{nc: nc, subject: subject, onFail: onFail, log: log.With(logx.Component("broadcast"))}
}

// Subject returns the subject an event of kind k is published on.
func (p *Publisher) Subject(k event.Kind) string {
	return p.subject + "." + strings.ToLower(string(k))
}

// Publish sends every event and flushes. It returns the first error after
// trying all events.
func (p *Publisher) Publish(ctx context.Context, evs []event.Event) error {
	var first error
	for _, ev := range evs {
		data, err := json.Marshal(toMessage(ev))
		if err == nil {
			err = p.nc.Publish(p.Subject(ev.Kind), data)
		}
		if err != nil {
			if p.onFail != nil {
				p.onFail()
			}
			if first == nil {
				first = fmt.Errorf("publishing event %d: %w", ev.ID, err)
			}
		}
	}
	if len(evs) > 0 {
		if err := p.nc.FlushWithContext(ctx); err != nil && first == nil {
			first = fmt.Errorf("flushing: %w", err)
		}
	}
	return first
}

// OnCreated matches the scheduler hook signature; errors are logged.
func (p *Publisher) OnCreated(ctx context.Context, created []event.Event) {
	if err := p.Publish(ctx, created); err != nil {
		p.log.Warn("broadcast failed", logx.Int("events", len(created)), logx.Err(err))
	}
}

func (p *Publisher) Close() {
	if p != nil && p.nc != nil {
		p.nc.Close()
	}
}

func toMessage(ev event.Event) Message {
	return Message{
		ID:         ev.ID,
		ChatID:     ev.ChatID,
		ChatName:   ev.ChatName,
		ExternalID: ev.ExternalID,
		Kind:       ev.Kind,
		Cabinet:    ev.Cabinet,
		Body:       ev.Body,
		Display:    event.DisplayBody(ev.Body),
		OccurredAt: ev.OccurredTime().UTC(),
	}
}
