// Package ingest turns raw source messages into persisted, deduplicated events.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"alertdesk/internal/event"
	"alertdesk/internal/storage"
	logx "alertdesk/pkg/logx"
)

// Summary reports one ingestion pass.
//
// Processed counts every message examined, so
// Processed == Created + Skipped + Malformed + Filtered after a full pass.
type Summary struct {
	Created   int `json:"created"`
	Skipped   int `json:"skipped"`
	Processed int `json:"processed"`
	Malformed int `json:"malformed"`
	Filtered  int `json:"filtered"`

	// CreatedEvents holds the newly stored events with their assigned ids.
	CreatedEvents []event.Event `json:"-"`
}

// Observer receives per-message outcomes. Metrics hook in here.
type Observer interface {
	Observe(result string)
}

const (
	ResultCreated   = "created"
	ResultSkipped   = "skipped"
	ResultMalformed = "malformed"
	ResultFiltered  = "filtered"
)

// Pipeline wires the extractor to the store.
type Pipeline struct {
	x     atomic.Pointer[event.Extractor]
	store storage.Store
	obs   Observer
	log   logx.Logger
}

func New(x *event.Extractor, store storage.Store, obs Observer, log logx.Logger) *Pipeline {
	if x == nil {
		x = event.MustExtractor()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pipeline{store: store, obs: obs, log: log.With(logx.Component("ingest"))}
	p.x.Store(x)
	return p
}

// SetExtractor swaps the classification rules for subsequent passes.
func (p *Pipeline) SetExtractor(x *event.Extractor) {
	if x != nil {
		p.x.Store(x)
	}
}

// Process extracts and upserts msgs one by one. The first store failure
// aborts the pass and is returned together with the partial summary.
func (p *Pipeline) Process(ctx context.Context, msgs []event.RawMessage) (Summary, error) {
	var sum Summary
	x := p.x.Load()
	for _, raw := range msgs {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Processed++
		ev, err := x.Extract(raw)
		if err != nil {
			if errors.Is(err, event.ErrMalformedMessage) {
				sum.Malformed++
				p.observe(ResultMalformed)
				p.log.Warn("malformed message skipped", logx.Err(err))
				continue
			}
			return sum, err
		}
		if ev == nil {
			sum.Filtered++
			p.observe(ResultFiltered)
			continue
		}

		res, err := p.store.Upsert(ctx, *ev)
		if err != nil {
			return sum, fmt.Errorf("upsert %s: %w", ev.Key(), err)
		}
		if !res.Created {
			sum.Skipped++
			p.observe(ResultSkipped)
			continue
		}
		ev.ID = res.ID
		sum.Created++
		sum.CreatedEvents = append(sum.CreatedEvents, *ev)
		p.observe(ResultCreated)
	}
	return sum, nil
}

// ItemResult is the per-message outcome of ProcessCancellations.
type ItemResult struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	ID        int64  `json:"id"`
}

// CancellationSummary is the result of one cancellation batch.
type CancellationSummary struct {
	Items   []ItemResult `json:"items"`
	Created int          `json:"created"`
	Skipped int          `json:"skipped"`

	CreatedEvents []event.Event `json:"-"`
}

// ProcessCancellations stores msgs as CANCELLATION events in a single
// transaction. Every message must carry a complete dedup key and a non-empty
// body; otherwise nothing is written and the error wraps ErrMalformedMessage.
func (p *Pipeline) ProcessCancellations(ctx context.Context, msgs []event.RawMessage) (CancellationSummary, error) {
	if len(msgs) == 0 {
		return CancellationSummary{}, fmt.Errorf("%w: empty batch", event.ErrMalformedMessage)
	}
	x := p.x.Load()
	evs := make([]event.Event, 0, len(msgs))
	for i, raw := range msgs {
		ev, err := x.Extract(raw)
		if err != nil {
			return CancellationSummary{}, fmt.Errorf("item %d: %w", i, err)
		}
		if ev == nil {
			return CancellationSummary{}, fmt.Errorf("%w: item %d has no content", event.ErrMalformedMessage, i)
		}
		if ev.Kind != event.KindCancellation {
			ev.Kind = event.KindCancellation
			ev.Cabinet = x.Cabinet(ev.Body)
		}
		evs = append(evs, *ev)
	}

	results, err := p.store.UpsertBatch(ctx, evs)
	if err != nil {
		return CancellationSummary{}, err
	}

	out := CancellationSummary{Items: make([]ItemResult, 0, len(results))}
	for i, res := range results {
		item := ItemResult{MessageID: evs[i].ExternalID, ID: res.ID, Status: ResultSkipped}
		if res.Created {
			item.Status = ResultCreated
			out.Created++
			ev := evs[i]
			ev.ID = res.ID
			out.CreatedEvents = append(out.CreatedEvents, ev)
			p.observe(ResultCreated)
		} else {
			out.Skipped++
			p.observe(ResultSkipped)
		}
		out.Items = append(out.Items, item)
	}
	return out, nil
}

func (p *Pipeline) observe(result string) {
	if p.obs != nil {
		p.obs.Observe(result)
	}
}
