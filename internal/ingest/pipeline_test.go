package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alertdesk/internal/event"
	"alertdesk/internal/storage"
	"alertdesk/internal/testutil"
	logx "alertdesk/pkg/logx"
)

type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countingObserver) Observe(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[result]++
}

func raw(chat int64, id, body string, ts int64) event.RawMessage {
	return event.RawMessage{ChatID: chat, ChatName: "desk", Body: body, TimestampUnix: ts, ExternalID: event.ExternalID(id)}
}

func TestProcessDuplicateDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	obs := &countingObserver{}
	p := New(event.MustExtractor(), st, obs, logx.Nop())

	msg := raw(1, "m1", "[14:02] Автоматическое оповещение: Cabinet 42 cancelled", 1700000000)

	first, err := p.Process(ctx, []event.RawMessage{msg})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)
	require.Len(t, first.CreatedEvents, 1)
	assert.NotZero(t, first.CreatedEvents[0].ID)
	assert.Equal(t, event.KindCancellation, first.CreatedEvents[0].Kind)
	assert.Equal(t, "42", first.CreatedEvents[0].Cabinet)

	second, err := p.Process(ctx, []event.RawMessage{msg})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 1, second.Skipped)
	assert.Empty(t, second.CreatedEvents)

	n, err := st.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, obs.counts[ResultCreated])
	assert.Equal(t, 1, obs.counts[ResultSkipped])
}

func TestProcessSkipsMalformedAndFiltered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	p := New(nil, st, nil, logx.Nop())

	sum, err := p.Process(ctx, []event.RawMessage{
		raw(1, "a", "first", 1),
		raw(0, "b", "no chat", 2),
		raw(1, "", "no id", 3),
		raw(1, "c", "   ", 4),
		raw(1, "d", "last", 5),
	})
	require.NoError(t, err)
	assert.Equal(t, Summary{Created: 2, Processed: 5, Malformed: 2, Filtered: 1}, withoutEvents(sum))
}

func TestProcessStoreFailureAborts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := &testutil.FailingStore{Store: testutil.NewTestStore(t), FailAfter: 1}
	p := New(nil, st, nil, logx.Nop())

	sum, err := p.Process(ctx, []event.RawMessage{raw(1, "a", "x", 1), raw(1, "b", "y", 2), raw(1, "c", "z", 3)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrStore))
	assert.Equal(t, 1, sum.Created)
}

func TestProcessCancellations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	p := New(nil, st, nil, logx.Nop())

	out, err := p.ProcessCancellations(ctx, []event.RawMessage{
		raw(5, "1", "Приём в кабинет №12 отменён", 10),
		raw(5, "2", "[09:00] Автоматическое оповещение: Cabinet 7 cancelled", 11),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, out.Created)
	require.Len(t, out.Items, 2)
	assert.Equal(t, ResultCreated, out.Items[0].Status)

	for _, ev := range out.CreatedEvents {
		assert.Equal(t, event.KindCancellation, ev.Kind)
	}
	assert.Equal(t, "12", out.CreatedEvents[0].Cabinet)
	assert.Equal(t, "7", out.CreatedEvents[1].Cabinet)

	again, err := p.ProcessCancellations(ctx, []event.RawMessage{raw(5, "1", "Приём в кабинет №12 отменён", 10)})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Skipped)
	assert.Equal(t, out.Items[0].ID, again.Items[0].ID)
	assert.Equal(t, ResultSkipped, again.Items[0].Status)
}

func TestProcessCancellationsRejectsInvalidBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := testutil.NewTestStore(t)
	p := New(nil, st, nil, logx.Nop())

	_, err := p.ProcessCancellations(ctx, nil)
	assert.ErrorIs(t, err, event.ErrMalformedMessage)

	_, err = p.ProcessCancellations(ctx, []event.RawMessage{raw(1, "ok", "fine", 1), raw(1, "", "bad", 2)})
	assert.ErrorIs(t, err, event.ErrMalformedMessage)

	n, err := st.UnreadCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a rejected batch must not write anything")
}

func withoutEvents(s Summary) Summary {
	s.CreatedEvents = nil
	return s
}

func TestSetExtractorAppliesToNextPass(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := New(nil, testutil.NewTestStore(t), nil, logx.Nop())

	sum, err := p.Process(ctx, []event.RawMessage{raw(9, "a", "hello", 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Created)

	x, err := event.NewExtractor(event.Rules{IgnoreChats: []int64{9}})
	require.NoError(t, err)
	p.SetExtractor(x)

	sum, err = p.Process(ctx, []event.RawMessage{raw(9, "b", "hello again", 2)})
	require.NoError(t, err)
	assert.Zero(t, sum.Created)
	assert.Equal(t, 1, sum.Filtered)
}
