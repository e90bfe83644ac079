package stream

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mistralthing/server/internal/ai"
)

// fakeStreamProvider plays back scripted deltas; an error, if set, is
// reported after the deltas like a real upstream failure mid-stream.
type fakeStreamProvider struct {
	deltas []string
	err    error
	stall  bool
	exited chan struct{} // closed when the feeding goroutine returns
}

func (p *fakeStreamProvider) Chat(ctx context.Context, msgs []ai.Message) (string, error) {
	_ = ctx
	_ = msgs
	return strings.Join(p.deltas, ""), p.err
}

func (p *fakeStreamProvider) StreamChat(ctx context.Context, msgs []ai.Message) (<-chan string, <-chan error) {
	_ = msgs
	chunks := make(chan string, len(p.deltas)+1)
	errs := make(chan error, 1)
	go func() {
		if p.exited != nil {
			defer close(p.exited)
		}
		for _, d := range p.deltas {
			chunks <- d
		}
		if p.stall {
			<-ctx.Done()
		}
		if p.err != nil {
			errs <- p.err
		}
		close(chunks)
		close(errs)
	}()
	return chunks, errs
}

func newTestEngine(t *testing.T, idle time.Duration) (*Engine, *Store, *Broker) {
	t.Helper()
	store := NewStore(openTestDB(t))
	broker := NewBroker()
	return NewEngine(store, broker, idle), store, broker
}

func TestRunAppendsInArrivalOrder(t *testing.T) {
	engine, store, broker := newTestEngine(t, 5*time.Second)
	ctx := context.Background()

	id, _ := store.Create(ctx)
	token, _ := store.Claim(ctx, id)

	events, cancel := broker.Subscribe(id)
	defer cancel()

	// empty fragments must be filtered, not appended
	prov := &fakeStreamProvider{deltas: []string{"Hi", "", " there", "!"}}
	var echoed strings.Builder
	out, err := engine.Run(ctx, id, token, prov, nil, func(d string) { echoed.WriteString(d) })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Body != "Hi there!" || out.Status != StatusDone {
		t.Fatalf("outcome: body=%q status=%q", out.Body, out.Status)
	}
	if echoed.String() != "Hi there!" {
		t.Fatalf("sink saw %q", echoed.String())
	}

	body, _ := store.GetBody(ctx, id)
	if body.Text != "Hi there!" || body.Status != StatusDone {
		t.Fatalf("store: text=%q status=%q", body.Text, body.Status)
	}

	var got []Event
	for len(events) > 0 {
		got = append(got, <-events)
	}
	if len(got) != 4 {
		t.Fatalf("expected 3 chunk events + terminal, got %d", len(got))
	}
	prevLen := 0
	var assembled strings.Builder
	for _, evt := range got[:3] {
		if evt.Terminal {
			t.Fatalf("unexpected terminal event before end: %+v", evt)
		}
		if evt.Len != prevLen+len(evt.Delta) {
			t.Fatalf("event offsets out of order: %+v after len %d", evt, prevLen)
		}
		prevLen = evt.Len
		assembled.WriteString(evt.Delta)
	}
	if assembled.String() != "Hi there!" {
		t.Fatalf("events assemble to %q", assembled.String())
	}
	if !got[3].Terminal || got[3].Status != StatusDone {
		t.Fatalf("last event should be terminal done, got %+v", got[3])
	}
}

func TestRunUpstreamErrorPreservesPartialBody(t *testing.T) {
	engine, store, _ := newTestEngine(t, 5*time.Second)
	ctx := context.Background()

	id, _ := store.Create(ctx)
	token, _ := store.Claim(ctx, id)

	upstream := errors.New("provider exploded")
	prov := &fakeStreamProvider{deltas: []string{"par", "tial"}, err: upstream}
	out, err := engine.Run(ctx, id, token, prov, nil, nil)
	if !errors.Is(err, upstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if out.Body != "partial" || out.Status != StatusError {
		t.Fatalf("outcome: body=%q status=%q", out.Body, out.Status)
	}

	body, _ := store.GetBody(ctx, id)
	if body.Text != "partial" || body.Status != StatusError {
		t.Fatalf("store: text=%q status=%q", body.Text, body.Status)
	}
}

func TestRunIdleTimeout(t *testing.T) {
	engine, store, _ := newTestEngine(t, 50*time.Millisecond)
	ctx, cancelProvider := context.WithCancel(context.Background())
	defer cancelProvider()

	id, _ := store.Create(ctx)
	token, _ := store.Claim(ctx, id)

	prov := &fakeStreamProvider{deltas: []string{"stuck"}, stall: true}
	out, err := engine.Run(ctx, id, token, prov, nil, nil)
	if !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("expected ErrIdleTimeout, got %v", err)
	}
	if out.Body != "stuck" || out.Status != StatusTimeout {
		t.Fatalf("outcome: body=%q status=%q", out.Body, out.Status)
	}

	body, _ := store.GetBody(context.Background(), id)
	if body.Text != "stuck" || body.Status != StatusTimeout {
		t.Fatalf("store: text=%q status=%q", body.Text, body.Status)
	}
}

func TestRunCancelsUpstreamOnIdleTimeout(t *testing.T) {
	engine, store, _ := newTestEngine(t, 50*time.Millisecond)
	ctx := context.Background()

	id, _ := store.Create(ctx)
	token, _ := store.Claim(ctx, id)

	// the provider goroutine only returns once its context is cancelled;
	// Run must do that itself even when the caller's ctx never ends
	exited := make(chan struct{})
	prov := &fakeStreamProvider{deltas: []string{"stuck"}, stall: true, exited: exited}
	if _, err := engine.Run(ctx, id, token, prov, nil, nil); !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("expected ErrIdleTimeout, got %v", err)
	}

	select {
	case <-exited:
	case <-time.After(time.Second):
		t.Fatal("provider goroutine still running after Run returned")
	}
}
