package stream

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mistralthing/server/internal/ai"
)

// ErrIdleTimeout is returned by Run when no delta arrived within the
// inactivity window; the record has been finalized as timeout.
var ErrIdleTimeout = errors.New("stream: no delta within idle timeout")

// Outcome is the result of one generation run: the full accumulated body
// (possibly partial on error/timeout) and the terminal status reached.
type Outcome struct {
	Body   string
	Status Status
}

// Engine bridges a token-producing provider to the durable store. One
// Run per claimed stream; deltas are applied in arrival order, mirrored
// to the broker and to an optional sink (the live HTTP response).
type Engine struct {
	store       *Store
	broker      *Broker
	idleTimeout time.Duration
}

func NewEngine(store *Store, broker *Broker, idleTimeout time.Duration) *Engine {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	return &Engine{store: store, broker: broker, idleTimeout: idleTimeout}
}

// Run consumes provider deltas until exhaustion, error or idle timeout,
// appending each one durably before echoing it. The record is always
// finalized before Run returns. Cancelling ctx cancels the upstream
// call; callers that must survive client disconnects pass a detached ctx.
func (e *Engine) Run(ctx context.Context, streamID, token string, provider ai.StreamProvider, msgs []ai.Message, sink func(delta string)) (Outcome, error) {
	// once the record is finalized the stream is abandoned; cancel the
	// upstream call so its goroutine cannot block on a full chunk buffer
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := provider.StreamChat(ctx, msgs)

	var b strings.Builder
	timer := time.NewTimer(e.idleTimeout)
	defer timer.Stop()

	for chunks != nil {
		select {
		case delta, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if delta == "" {
				continue
			}
			if err := e.store.Append(ctx, streamID, token, delta); err != nil {
				// finalized under us (watchdog or duplicate dispatch);
				// stop consuming, body keeps what was committed
				out := Outcome{Body: b.String(), Status: StatusTimeout}
				if snap, gerr := e.store.GetBody(ctx, streamID); gerr == nil {
					out = Outcome{Body: snap.Text, Status: snap.Status}
				}
				return out, err
			}
			b.WriteString(delta)
			e.broker.Publish(streamID, Event{Delta: delta, Len: b.Len()})
			if sink != nil {
				sink(delta)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(e.idleTimeout)

		case <-timer.C:
			_ = e.store.Finalize(ctx, streamID, token, StatusTimeout)
			e.broker.Publish(streamID, Event{Terminal: true, Status: StatusTimeout, Len: b.Len()})
			return Outcome{Body: b.String(), Status: StatusTimeout}, ErrIdleTimeout
		}
	}

	// provider error, if any; the partial body stays readable
	select {
	case err := <-errs:
		if err != nil {
			_ = e.store.Finalize(ctx, streamID, token, StatusError)
			e.broker.Publish(streamID, Event{Terminal: true, Status: StatusError, Len: b.Len()})
			return Outcome{Body: b.String(), Status: StatusError}, err
		}
	default:
	}

	if err := e.store.Finalize(ctx, streamID, token, StatusDone); err != nil {
		return Outcome{Body: b.String(), Status: StatusDone}, err
	}
	e.broker.Publish(streamID, Event{Terminal: true, Status: StatusDone, Len: b.Len()})
	return Outcome{Body: b.String(), Status: StatusDone}, nil
}
