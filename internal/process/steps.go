package process

import (
	"context"
	"fmt"
	"time"

	logx "brewpanel/pkg/logx"
)

func (r *Runner) run(ctx context.Context, idx int, gen uint64) error {
	spec := r.steps[idx].spec
	switch spec.Kind {
	case KindTimer:
		return r.hold(ctx, idx, gen)
	case KindMash:
		if err := r.heat(ctx, idx, gen); err != nil {
			return err
		}
		return r.hold(ctx, idx, gen)
	case KindNotify:
		if r.notify == nil {
			r.log.Info("step notification", logx.String("step", spec.Name), logx.String("text", spec.Text))
			return nil
		}
		return r.notify(JobType+"/"+spec.Name, spec.Text)
	default:
		return fmt.Errorf("unknown step kind %q", spec.Kind)
	}
}

// heat waits until the step's sensor reaches its target temperature.
func (r *Runner) heat(ctx context.Context, idx int, gen uint64) error {
	spec := r.steps[idx].spec
	t := time.NewTicker(r.poll)
	defer t.Stop()
	for {
		if r.readings != nil {
			if rd, ok := r.readings.Reading(spec.Sensor); ok {
				if rd.Value >= spec.Temp {
					return nil
				}
				r.setText(idx, gen, fmt.Sprintf("heating to %.1f (now %.1f)", spec.Temp, rd.Value))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// hold waits out the step's remaining time.
func (r *Runner) hold(ctx context.Context, idx int, gen uint64) error {
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return ctx.Err()
	}
	st := r.steps[idx]
	st.holdStart = time.Now()
	st.text = "holding"
	wait := st.remaining
	r.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Runner) setText(idx int, gen uint64, text string) {
	r.mu.Lock()
	if r.gen == gen {
		r.steps[idx].text = text
	}
	r.mu.Unlock()
}
