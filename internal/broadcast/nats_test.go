package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"alertdesk/internal/event"
	logx "alertdesk/pkg/logx"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	failOn   string
	flushes  int
	closed   bool
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	if subj == c.failOn {
		return errors.New("nats: connection closed")
	}
	c.subjects = append(c.subjects, subj)
	c.payloads = append(c.payloads, data)
	return nil
}

func (c *fakeConn) FlushWithContext(context.Context) error {
	c.flushes++
	return nil
}

func (c *fakeConn) Close() { c.closed = true }

func TestPublishRoutesByKind(t *testing.T) {
	t.Parallel()
	nc := &fakeConn{}
	p := newPublisher(nc, "desk.events.", nil, logx.Nop())

	err := p.Publish(context.Background(), []event.Event{
		{ID: 1, ChatID: 5, Kind: event.KindCancellation, Cabinet: "42", Body: "[14:02] Автоматическое оповещение: Cabinet 42 cancelled"},
		{ID: 2, ChatID: 5, Kind: event.KindGeneric, Body: "hi"},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	want := []string{"desk.events.cancellation", "desk.events.generic"}
	if len(nc.subjects) != 2 || nc.subjects[0] != want[0] || nc.subjects[1] != want[1] {
		t.Fatalf("subjects = %v, want %v", nc.subjects, want)
	}
	if nc.flushes != 1 {
		t.Fatalf("flushes = %d, want 1", nc.flushes)
	}

	var msg Message
	if err := json.Unmarshal(nc.payloads[0], &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg.ID != 1 || msg.Cabinet != "42" || msg.Display != "Cabinet 42 cancelled" {
		t.Fatalf("message = %+v", msg)
	}
}

func TestPublishCountsFailures(t *testing.T) {
	t.Parallel()
	nc := &fakeConn{failOn: "alertdesk.events.generic"}
	fails := 0
	p := newPublisher(nc, "", func() { fails++ }, logx.Nop())

	err := p.Publish(context.Background(), []event.Event{
		{ID: 1, Kind: event.KindGeneric},
		{ID: 2, Kind: event.KindCancellation},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if fails != 1 || len(nc.subjects) != 1 {
		t.Fatalf("fails = %d published = %d, want 1 and 1", fails, len(nc.subjects))
	}

	p.OnCreated(context.Background(), []event.Event{{ID: 3, Kind: event.KindGeneric}})
	if fails != 2 {
		t.Fatalf("fails = %d, want 2", fails)
	}

	p.Close()
	if !nc.closed {
		t.Fatal("Close did not close the connection")
	}
}
