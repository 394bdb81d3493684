// Package source defines the message-source contract polled by the scheduler.
package source

import (
	"context"
	"errors"
	"fmt"

	"alertdesk/internal/event"
)

// ErrSourceUnavailable reports a fetch that failed for transport, status or
// decoding reasons. The since-marker is never advanced after it.
var ErrSourceUnavailable = errors.New("message source unavailable")

// Source fetches raw messages newer than a since-marker.
//
// The marker is opaque to callers: an HTTP source uses unix seconds, the
// Telegram source uses update offsets. Sources may re-deliver messages at the
// boundary; the store deduplicates them.
type Source interface {
	Name() string
	Fetch(ctx context.Context, since int64) (Batch, error)
}

// Batch is one fetch result. Next is the marker to persist once every
// message in the batch has been stored; it is never below the requested since.
type Batch struct {
	Messages []event.RawMessage
	Next     int64
}

// UnavailableError carries the source name and cause of a failed fetch.
// errors.Is(err, ErrSourceUnavailable) reports true for it.
type UnavailableError struct {
	Source string
	Status int // HTTP status when known
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("source %s: status %d: %v", e.Source, e.Status, e.Err)
	}
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrSourceUnavailable }

// Unavailable wraps err as an *UnavailableError unless it already is one.
func Unavailable(name string, status int, err error) error {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return err
	}
	return &UnavailableError{Source: name, Status: status, Err: err}
}

// Static is an in-memory Source that serves a fixed message list, filtered by
// TimestampUnix >= since. It backs the one-shot CLI replay and tests.
type Static struct {
	SourceName string
	Messages   []event.RawMessage
	Err        error
}

func (s *Static) Name() string {
	if s.SourceName == "" {
		return "static"
	}
	return s.SourceName
}

func (s *Static) Fetch(ctx context.Context, since int64) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, Unavailable(s.Name(), 0, err)
	}
	if s.Err != nil {
		return Batch{}, Unavailable(s.Name(), 0, s.Err)
	}
	b := Batch{Next: since}
	for _, m := range s.Messages {
		if m.TimestampUnix < since {
			continue
		}
		b.Messages = append(b.Messages, m)
		if m.TimestampUnix > b.Next {
			b.Next = m.TimestampUnix
		}
	}
	return b, nil
}
