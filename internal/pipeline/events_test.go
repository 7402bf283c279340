package pipeline

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestEventBus_Subscribe(t *testing.T) {
	bus := NewEventBus()
	received := false

	bus.Subscribe(EventHealingStarted, func(e Event) {
		received = true
	})
	bus.Publish(Event{Type: EventHealingStarted, TestID: "TestLogin"})

	if !received {
		t.Error("handler should have received the event")
	}
}

func TestEventBus_RoutesByType(t *testing.T) {
	bus := NewEventBus()
	var started, completed, all int

	bus.Subscribe(EventHealingStarted, func(Event) { started++ })
	bus.Subscribe(EventHealingCompleted, func(Event) { completed++ })
	bus.SubscribeAll(func(Event) { all++ })

	bus.Publish(Event{Type: EventHealingStarted})
	bus.Publish(Event{Type: EventHealingStarted})
	bus.Publish(Event{Type: EventHealingCompleted})
	bus.Publish(Event{Type: EventTestPassed})

	if started != 2 || completed != 1 || all != 4 {
		t.Errorf("started=%d completed=%d all=%d", started, completed, all)
	}
}

func TestEventBus_FillsTimestamp(t *testing.T) {
	bus := NewEventBus()
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.now = func() time.Time { return fixed }

	bus.Publish(Event{Type: EventTestStarted})
	explicit := fixed.Add(time.Hour)
	bus.Publish(Event{Type: EventTestStarted, Timestamp: explicit})

	recent := bus.RecentEvents(2)
	if !recent[0].Timestamp.Equal(fixed) || !recent[1].Timestamp.Equal(explicit) {
		t.Errorf("unexpected timestamps: %v, %v", recent[0].Timestamp, recent[1].Timestamp)
	}
}

func TestEventBus_HistoryLimit(t *testing.T) {
	bus := NewEventBus()
	bus.maxHistory = 5

	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: EventTestRerun, Attempt: i})
	}

	all := bus.RecentEvents(100)
	if len(all) != 5 {
		t.Fatalf("expected 5 events, got %d", len(all))
	}
	if all[0].Attempt != 5 || all[4].Attempt != 9 {
		t.Errorf("expected attempts 5..9, got %d..%d", all[0].Attempt, all[4].Attempt)
	}

	// Callers get a copy.
	all[0].Attempt = 99
	if bus.RecentEvents(5)[0].Attempt != 5 {
		t.Error("RecentEvents exposed internal history")
	}
}

func TestEventBus_RecentByTypeAndForTest(t *testing.T) {
	bus := NewEventBus()
	bus.Publish(Event{Type: EventTestFailed, TestID: "a", Attempt: 1})
	bus.Publish(Event{Type: EventHealingDeferred, TestID: "a", Attempt: 1})
	bus.Publish(Event{Type: EventTestFailed, TestID: "b", Attempt: 1})
	bus.Publish(Event{Type: EventTestFailed, TestID: "a", Attempt: 2})

	failed := bus.RecentByType(EventTestFailed, 2)
	if len(failed) != 2 || failed[0].Attempt != 2 || failed[1].TestID != "b" {
		t.Errorf("unexpected RecentByType result: %+v", failed)
	}
	if got := len(bus.ForTest("a")); got != 3 {
		t.Errorf("expected 3 events for a, got %d", got)
	}
}

func TestEventBus_NilBusDrops(t *testing.T) {
	var bus *EventBus
	bus.Publish(Event{Type: EventHealingFailed})
}

func TestEventBus_ConcurrentPublish(t *testing.T) {
	bus := NewEventBus()
	var count int64
	var wg sync.WaitGroup

	bus.SubscribeAll(func(e Event) {
		atomic.AddInt64(&count, 1)
	})

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: EventBackendStatus})
		}()
	}
	wg.Wait()

	if count != 100 {
		t.Errorf("expected 100 events handled, got %d", count)
	}
}

func TestRunState(t *testing.T) {
	bus := NewEventBus()
	state := NewRunState(bus)

	bus.Publish(Event{Type: EventTestStarted, TestID: "ok", Attempt: 1})
	bus.Publish(Event{Type: EventTestPassed, TestID: "ok", Attempt: 1})

	bus.Publish(Event{Type: EventTestFailed, TestID: "flaky", Attempt: 1})
	bus.Publish(Event{Type: EventTestRerun, TestID: "flaky", Attempt: 2})
	bus.Publish(Event{Type: EventTestPassed, TestID: "flaky", Attempt: 2})

	bus.Publish(Event{Type: EventTestFailed, TestID: "broken", Attempt: 1, Message: "boom"})
	bus.Publish(Event{Type: EventHealingStarted, TestID: "broken", Attempt: 1})
	bus.Publish(Event{Type: EventHealingCompleted, TestID: "broken", Data: HealingResult{Confidence: 0.8, ReportPath: "r.md"}})

	bus.Publish(Event{Type: EventTestSkipped, TestID: "skip"})
	bus.Publish(Event{Type: EventBackendStatus, Message: "no test id"})

	sum := state.Summary()
	want := RunSummary{Total: 4, Passed: 1, Flaky: 1, Failed: 1, Skipped: 1, Healed: 1}
	if sum != want {
		t.Errorf("summary = %+v, want %+v", sum, want)
	}
	if sum.OK() {
		t.Error("run with a failure should not be OK")
	}

	broken, ok := state.Test("broken")
	if !ok || broken.Healed == nil || broken.Healed.ReportPath != "r.md" || broken.Note != "boom" {
		t.Errorf("unexpected state for broken: %+v", broken)
	}

	tests := state.Tests()
	if len(tests) != 4 || tests[0].TestID != "broken" {
		t.Errorf("expected sorted tests, got %+v", tests)
	}
}
