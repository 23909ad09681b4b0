package storage

import (
	"context"
	"errors"
	"time"

	"brewpanel/internal/eventbus"
	"brewpanel/internal/jobs"
	logx "brewpanel/pkg/logx"
)

const writeTimeout = 2 * time.Second

// Recorder writes completion events from the bus and failures from the
// scheduler's exception handler into a Store.
type Recorder struct {
	store Store
	log   logx.Logger
}

func NewRecorder(store Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log}
}

// Subscribe registers for job/+/done on bus and returns the loop that
// records those events until ctx is done. Subscribing happens before
// Subscribe returns, so no completion published afterwards is missed
// unless the recorder falls behind and the bus drops it.
func (r *Recorder) Subscribe(bus eventbus.Bus) func(ctx context.Context) error {
	ch, unsub := bus.Subscribe(jobs.DoneTopic("+"), 256)
	return func(ctx context.Context) error {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-ch:
				if !ok {
					return nil
				}
				de, ok := ev.Data.(jobs.DoneEvent)
				if !ok {
					continue
				}
				r.append(ctx, JobRecord{At: ev.Time, Event: EventDone, Type: de.Type, Name: de.Key})
			}
		}
	}
}

// RecordFailure stores one failed Job. It has the shape of a
// jobs.ExceptionHandler body and is chained into the app's handler.
func (r *Recorder) RecordFailure(ec jobs.ErrorContext) {
	rec := JobRecord{At: time.Now(), Event: EventFailed}
	if ec.Err != nil {
		rec.Error = ec.Err.Error()
	}
	if j := ec.Job; j != nil {
		rec.Type, rec.Name, rec.JobID, rec.Forced = j.Type(), j.Name(), j.ID(), j.Forced()
	}
	r.append(context.Background(), rec)
}

func (r *Recorder) append(ctx context.Context, rec JobRecord) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := r.store.AppendJob(wctx, rec); err != nil && !errors.Is(err, ErrDisabled) {
		r.log.Warn("job history write failed",
			logx.String("event", rec.Event),
			logx.String("job", rec.Name),
			logx.Err(err),
		)
	}
}
