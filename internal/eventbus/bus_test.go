package eventbus

import (
	"testing"
	"time"
)

func TestMatchTopic(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pattern, topic string
		want           bool
	}{
		{"job/sensor/done", "job/sensor/done", true},
		{"job/+/done", "job/actor/done", true},
		{"job/+/done", "job/actor/started", false},
		{"job/+/done", "job/done", false},
		{"sensor/#", "sensor/mash/data", true},
		{"sensor/#", "sensor", true},
		{"#", "anything/at/all", true},
		{"sensor/+", "sensor/mash/data", false},
		{"/job/+/done/", "job/x/done", true},
	}
	for _, tc := range cases {
		if got := MatchTopic(tc.pattern, tc.topic); got != tc.want {
			t.Fatalf("MatchTopic(%q, %q)=%v want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

func TestPublishFansOutToMatchingSubscribers(t *testing.T) {
	t.Parallel()

	b := New()
	done, unsubDone := b.Subscribe("job/+/done", 4)
	defer unsubDone()
	all, unsubAll := b.Subscribe("#", 4)
	defer unsubAll()

	b.Publish("job/sensor/done", "mash")
	b.Publish("sensor/mash/data", 64.2)

	select {
	case e := <-done:
		if e.Topic != "job/sensor/done" || e.Data != "mash" || e.Time.IsZero() {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event")
	}
	select {
	case e := <-done:
		t.Fatalf("unexpected second event %+v", e)
	default:
	}
	if len(all) != 2 {
		t.Fatalf("wildcard subscriber got %d events, want 2", len(all))
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe("x", 1)
	defer unsub()

	b.Publish("x", 1)
	b.Publish("x", 2) // buffer full; must not block
	if got := Dropped(b); got != 1 {
		t.Fatalf("dropped=%d want 1", got)
	}
	if e := <-ch; e.Data != 1 {
		t.Fatalf("kept %v, want first event", e.Data)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe("x", 0)
	unsub()
	unsub() // idempotent
	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	b.Publish("x", 1) // no subscribers; must not panic
}
