package stream

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Watchdog periodically finalizes streams whose writer went silent, so a
// crashed endpoint cannot leave a record pending/streaming forever.
// OnExpire lets the caller repair dependent state (the owning thread).
type Watchdog struct {
	store    *Store
	broker   *Broker
	idle     time.Duration
	cron     *cron.Cron
	onExpire func(ctx context.Context, streamID string)
}

func NewWatchdog(store *Store, broker *Broker, idle time.Duration, schedule string, onExpire func(ctx context.Context, streamID string)) (*Watchdog, error) {
	w := &Watchdog{
		store:    store,
		broker:   broker,
		idle:     idle,
		cron:     cron.New(),
		onExpire: onExpire,
	}
	if _, err := w.cron.AddFunc(schedule, func() {
		if err := w.Sweep(context.Background()); err != nil {
			log.Printf("stream sweep failed: %v", err)
		}
	}); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Watchdog) Start() { w.cron.Start() }

func (w *Watchdog) Stop() { <-w.cron.Stop().Done() }

// Sweep runs one pass: expire idle records, notify subscribers, repair
// owners. Exposed for tests and for a final pass on shutdown.
func (w *Watchdog) Sweep(ctx context.Context) error {
	expired, err := w.store.ExpireIdle(ctx, w.idle)
	for _, streamID := range expired {
		log.Printf("stream expired stream_id=%s idle>%s", streamID, w.idle)
		w.broker.Publish(streamID, Event{Terminal: true, Status: StatusTimeout})
		if w.onExpire != nil {
			w.onExpire(ctx, streamID)
		}
	}
	return err
}
