package trigger

import (
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 5 * time.Second

// phased delays the first run of an interval schedule by a per-name offset
// so sensors registered together do not all poll on the same tick. Later
// runs follow base.
type phased struct {
	base  cron.Schedule
	first time.Time
}

func (p *phased) Next(t time.Time) time.Time {
	if t.Before(p.first) {
		return p.first
	}
	return p.base.Next(t)
}

// phaseOffset maps name to a stable offset in [0, min(every, maxStartupSpread)).
func phaseOffset(name string, every time.Duration) time.Duration {
	window := min(every, maxStartupSpread)
	if window <= 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return time.Duration(h.Sum64() % uint64(window))
}

func intervalWithSpread(every time.Duration, now time.Time, name string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	off := phaseOffset(name, every)
	if off == 0 {
		return base, 0
	}
	return &phased{base: base, first: now.Add(off)}, off
}
