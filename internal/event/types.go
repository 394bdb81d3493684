package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrMalformedMessage = errors.New("malformed message")

// Kind tags an Event. It is validated once at the extraction boundary.
type Kind string

const (
	KindGeneric      Kind = "GENERIC"
	KindCancellation Kind = "CANCELLATION"
)

func (k Kind) Valid() bool { return k == KindGeneric || k == KindCancellation }

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown event kind %q", s)
	}
	return k, nil
}

// RawMessage is one unprocessed unit from the message source.
type RawMessage struct {
	ChatID        int64      `json:"chat_id"`
	ChatName      string     `json:"chat_name"`
	Body          string     `json:"message"`
	TimestampUnix int64      `json:"timestamp"`
	ExternalID    ExternalID `json:"message_id"`
}

// ExternalID is a source-assigned message id. Sources send either numbers or
// strings; it is always kept as a string so the dedup key is type-stable.
type ExternalID string

func (id *ExternalID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ExternalID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("message_id: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("message_id: not an integer: %s", n.String())
	}
	*id = ExternalID(n.String())
	return nil
}

func (id ExternalID) String() string { return string(id) }

// Event is a persisted, deduplicated record derived from a RawMessage.
//
// (ChatID, ExternalID) is the dedup key.
type Event struct {
	ID         int64     `json:"id"`
	ChatID     int64     `json:"chat_id"`
	ChatName   string    `json:"chat_name"`
	Body       string    `json:"body"`
	ExternalID string    `json:"external_id"`
	OccurredAt int64     `json:"occurred_at"` // unix milli
	IsRead     bool      `json:"is_read"`
	Kind       Kind      `json:"kind"`
	Cabinet    string    `json:"cabinet,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (e Event) OccurredTime() time.Time { return time.UnixMilli(e.OccurredAt) }

// Key returns the dedup key in a printable form (for logs).
func (e Event) Key() string { return strconv.FormatInt(e.ChatID, 10) + "/" + e.ExternalID }
