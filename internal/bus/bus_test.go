package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Ch():
		return ev
	case <-time.After(time.Second):
		t.Fatalf("no event on %q subscription", sub.prefix)
		return Event{}
	}
}

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev := <-sub.Ch():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestBus_PlanLifecycleArrivesInOrder(t *testing.T) {
	b := New()
	plans := b.Subscribe("plan.")
	defer b.Unsubscribe(plans)

	states := []string{"QUEUED", "RUNNING", "WAITING_DAUGHTER", "RUNNING", "DONE"}
	for i := 1; i < len(states); i++ {
		b.Publish(TopicPlanStateChanged, PlanStateChangedEvent{
			PlanID: "plan_1", CorrelationID: "cid-1", From: states[i-1], To: states[i],
		})
	}

	from := "QUEUED"
	for i := 1; i < len(states); i++ {
		ev := next(t, plans)
		p, ok := ev.Payload.(PlanStateChangedEvent)
		if !ok || ev.Topic != TopicPlanStateChanged {
			t.Fatalf("event %d = %+v", i, ev)
		}
		if p.From != from || p.To != states[i] || p.CorrelationID != "cid-1" {
			t.Fatalf("transition %d = %s->%s, want %s->%s", i, p.From, p.To, from, states[i])
		}
		from = p.To
	}
}

func TestBus_DaughterTerminalSubscriptionIsExact(t *testing.T) {
	b := New()
	waiter := b.Subscribe(TopicDaughterTerminal)
	defer b.Unsubscribe(waiter)

	b.Publish(TopicProviderOutcome, ProviderOutcomeEvent{ProviderID: "p_echo", Outcome: "success", Score: 0.9})
	b.Publish(TopicWindowStateChanged, "win_1")
	b.Publish(TopicDaughterTerminal, DaughterTerminalEvent{
		DaughterID: "dtr_1", PlanID: "plan_1", StepIndex: 2, State: "COMPLETED", Result: []byte(`{"files":3}`),
	})

	ev := next(t, waiter)
	d, ok := ev.Payload.(DaughterTerminalEvent)
	if !ok || d.DaughterID != "dtr_1" || d.StepIndex != 2 || string(d.Result) != `{"files":3}` {
		t.Fatalf("event = %+v", ev)
	}
	if rest := drain(waiter); len(rest) != 0 {
		t.Fatalf("daughter waiter saw unrelated events: %+v", rest)
	}
}

func TestBus_ProviderPrefixCoversOutcomesAndBreakers(t *testing.T) {
	b := New()
	providers := b.Subscribe("provider.")
	defer b.Unsubscribe(providers)

	b.Publish(TopicProviderOutcome, ProviderOutcomeEvent{ProviderID: "p_a", Outcome: "timeout", Score: 0.4})
	b.Publish(TopicIncidentRecorded, "inc_1")
	b.Publish(TopicBreakerChanged, BreakerChangedEvent{ProviderID: "p_a", From: "CLOSED", To: "OPEN"})

	got := []string{next(t, providers).Topic, next(t, providers).Topic}
	if got[0] != TopicProviderOutcome || got[1] != TopicBreakerChanged {
		t.Fatalf("topics = %v", got)
	}
	if rest := drain(providers); len(rest) != 0 {
		t.Fatalf("provider subscription saw %+v", rest)
	}
}

func TestBus_AuditFansOutToEverySink(t *testing.T) {
	b := New()
	sink := b.Subscribe(TopicAuditAppended)
	stream := b.Subscribe("audit.")
	tap := b.Subscribe("")
	windows := b.Subscribe("window.")
	for _, s := range []*Subscription{sink, stream, tap, windows} {
		defer b.Unsubscribe(s)
	}

	type auditRow struct {
		Seq  int64
		Kind string
	}
	b.Publish(TopicAuditAppended, auditRow{Seq: 7, Kind: "window_transition"})

	for _, s := range []*Subscription{sink, stream, tap} {
		ev := next(t, s)
		if row, ok := ev.Payload.(auditRow); !ok || row.Seq != 7 {
			t.Fatalf("%q subscription got %+v", s.prefix, ev)
		}
	}
	if rest := drain(windows); len(rest) != 0 {
		t.Fatalf("window subscription saw audit events: %+v", rest)
	}
}

func TestBus_SlowSubscriberDropsWithoutBlocking(t *testing.T) {
	b := New()
	slow := b.Subscribe("window.")
	defer b.Unsubscribe(slow)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBufferSize+25; i++ {
			b.Publish(TopicWindowStateChanged, fmt.Sprintf("win_%d", i))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}

	got := drain(slow)
	if len(got) != defaultBufferSize {
		t.Fatalf("buffered %d window events, want %d", len(got), defaultBufferSize)
	}
	if got[0].Payload != "win_0" {
		t.Fatalf("first kept event = %v, want the oldest", got[0].Payload)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicConfigReloaded)
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after unsubscribe")
	}
	b.Publish(TopicConfigReloaded, ConfigReloadedEvent{Fingerprint: "fp", PolicyMode: "solo_madre"})
}

func TestBus_ConcurrentComponentPublishers(t *testing.T) {
	b := New()
	all := b.Subscribe("")
	defer b.Unsubscribe(all)

	const perComponent = 20
	var wg sync.WaitGroup
	publishers := []func(i int){
		func(i int) {
			b.Publish(TopicProviderOutcome, ProviderOutcomeEvent{ProviderID: "p_a", Outcome: "success"})
		},
		func(i int) {
			b.Publish(TopicDaughterTerminal, DaughterTerminalEvent{DaughterID: fmt.Sprintf("dtr_%d", i), State: "COMPLETED"})
		},
		func(i int) {
			b.Publish(TopicPlanStateChanged, PlanStateChangedEvent{PlanID: fmt.Sprintf("plan_%d", i), From: "QUEUED", To: "RUNNING"})
		},
	}
	for _, publish := range publishers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perComponent; i++ {
				publish(i)
			}
		}()
	}
	wg.Wait()

	counts := map[string]int{}
	for _, ev := range drain(all) {
		counts[ev.Topic]++
	}
	for _, topic := range []string{TopicProviderOutcome, TopicDaughterTerminal, TopicPlanStateChanged} {
		if counts[topic] != perComponent {
			t.Fatalf("%s events = %d, want %d", topic, counts[topic], perComponent)
		}
	}
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicPlanStateChanged, PlanStateChangedEvent{PlanID: "p"})
	b.Unsubscribe(nil)
}

func TestBus_SubscribeBuffered(t *testing.T) {
	b := New()
	sub := b.SubscribeBuffered("audit.", 2)
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish(TopicAuditAppended, i)
	}
	if got := len(sub.Ch()); got != 2 {
		t.Fatalf("buffered = %d, want 2", got)
	}
}
