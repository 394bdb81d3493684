package event

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// DefaultCancellationPrefix matches the automated announcement header,
	// e.g. "[14:02] Автоматическое оповещение: ".
	DefaultCancellationPrefix = `^\s*\[[^\]]*\]\s*Автоматическое оповещение:\s*`

	// DefaultCabinetPattern captures the cabinet identifier from the announcement text.
	DefaultCabinetPattern = `(?i)(?:cabinet|кабинет|каб\.)\s*(?:№|#|no\.?)?\s*([\p{L}\p{N}-]+)`
)

// displayPrefix is stripped for presentation regardless of the configured rules.
var displayPrefix = regexp.MustCompile(`^\s*\[[^\]]*\]\s*[^:\n]{1,64}:\s*`)

// Rules configure classification. The zero value is not usable; use NewExtractor.
type Rules struct {
	CancellationPrefix string
	CabinetPattern     string
	IgnoreChats        []int64
}

// Extractor classifies raw messages into events. It is safe for concurrent use.
type Extractor struct {
	cancelRe  *regexp.Regexp
	cabinetRe *regexp.Regexp
	ignore    map[int64]struct{}
}

func NewExtractor(r Rules) (*Extractor, error) {
	prefix := strings.TrimSpace(r.CancellationPrefix)
	if prefix == "" {
		prefix = DefaultCancellationPrefix
	}
	cabinet := strings.TrimSpace(r.CabinetPattern)
	if cabinet == "" {
		cabinet = DefaultCabinetPattern
	}
	cancelRe, err := regexp.Compile(prefix)
	if err != nil {
		return nil, fmt.Errorf("extractor.cancellation_prefix: %w", err)
	}
	cabinetRe, err := regexp.Compile(cabinet)
	if err != nil {
		return nil, fmt.Errorf("extractor.cabinet_pattern: %w", err)
	}
	if cabinetRe.NumSubexp() < 1 {
		return nil, fmt.Errorf("extractor.cabinet_pattern: needs one capture group")
	}
	ignore := make(map[int64]struct{}, len(r.IgnoreChats))
	for _, id := range r.IgnoreChats {
		ignore[id] = struct{}{}
	}
	return &Extractor{cancelRe: cancelRe, cabinetRe: cabinetRe, ignore: ignore}, nil
}

// MustExtractor is NewExtractor with default rules; it panics on error.
func MustExtractor() *Extractor {
	x, err := NewExtractor(Rules{})
	if err != nil {
		panic(err)
	}
	return x
}

// Extract classifies raw into at most one event.
//
// It returns (nil, nil) when the message is filtered (empty body, ignored chat)
// and an error wrapping ErrMalformedMessage when the dedup key is incomplete.
// Body is kept byte-for-byte; see DisplayBody for the presentation form.
func (x *Extractor) Extract(raw RawMessage) (*Event, error) {
	if raw.ChatID == 0 {
		return nil, fmt.Errorf("%w: missing chat_id (message_id=%q)", ErrMalformedMessage, raw.ExternalID)
	}
	ext := strings.TrimSpace(raw.ExternalID.String())
	if ext == "" {
		return nil, fmt.Errorf("%w: missing message_id (chat_id=%d)", ErrMalformedMessage, raw.ChatID)
	}
	if raw.TimestampUnix < 0 {
		return nil, fmt.Errorf("%w: negative timestamp (chat_id=%d message_id=%q)", ErrMalformedMessage, raw.ChatID, ext)
	}
	if _, skip := x.ignore[raw.ChatID]; skip {
		return nil, nil
	}
	if strings.TrimSpace(raw.Body) == "" {
		return nil, nil
	}

	ev := &Event{
		ChatID:     raw.ChatID,
		ChatName:   raw.ChatName,
		Body:       raw.Body,
		ExternalID: ext,
		OccurredAt: raw.TimestampUnix * 1000,
		Kind:       KindGeneric,
	}
	if loc := x.cancelRe.FindStringIndex(raw.Body); loc != nil {
		ev.Kind = KindCancellation
		ev.Cabinet = x.Cabinet(raw.Body[loc[1]:])
	}
	return ev, nil
}

// Cabinet returns the first cabinet identifier found in text, or "".
func (x *Extractor) Cabinet(text string) string {
	m := x.cabinetRe.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// DisplayBody strips the "[...] Label: " announcement header for display.
// Bodies without the header are returned trimmed.
func DisplayBody(body string) string {
	if loc := displayPrefix.FindStringIndex(body); loc != nil {
		return strings.TrimSpace(body[loc[1]:])
	}
	return strings.TrimSpace(body)
}
