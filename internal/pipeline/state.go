package pipeline

import (
	"sort"
	"sync"
)

type TestStatus string

const (
	StatusRunning TestStatus = "running"
	StatusPassed  TestStatus = "passed"
	StatusFlaky   TestStatus = "flaky"
	StatusFailed  TestStatus = "failed"
	StatusSkipped TestStatus = "skipped"
)

// TestState is what the run knows about one test so far.
type TestState struct {
	TestID   string
	Status   TestStatus
	Attempts int
	Healing  EventType
	Healed   *HealingResult
	Note     string
}

// RunSummary counts tests by final status.
type RunSummary struct {
	Total   int
	Passed  int
	Flaky   int
	Failed  int
	Skipped int
	Healed  int
}

func (s RunSummary) OK() bool {
	return s.Failed == 0
}

// RunState follows the bus and keeps per-test state for the end-of-run
// summary.
type RunState struct {
	mu    sync.RWMutex
	tests map[string]*TestState
}

func NewRunState(bus *EventBus) *RunState {
	s := &RunState{tests: make(map[string]*TestState)}
	if bus != nil {
		bus.SubscribeAll(s.Apply)
	}
	return s
}

func (s *RunState) get(id string) *TestState {
	t, ok := s.tests[id]
	if !ok {
		t = &TestState{TestID: id, Status: StatusRunning}
		s.tests[id] = t
	}
	return t
}

// Apply folds one event into the state.
func (s *RunState) Apply(e Event) {
	if e.TestID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.get(e.TestID)
	if e.Attempt > t.Attempts {
		t.Attempts = e.Attempt
	}

	switch e.Type {
	case EventTestStarted, EventTestRerun:
		t.Status = StatusRunning
	case EventTestPassed:
		if t.Attempts > 1 {
			t.Status = StatusFlaky
		} else {
			t.Status = StatusPassed
		}
	case EventTestFailed:
		t.Status = StatusFailed
		t.Note = e.Message
	case EventTestSkipped:
		t.Status = StatusSkipped
	case EventHealingDeferred, EventHealingStarted, EventHealingSkipped, EventHealingFailed:
		t.Healing = e.Type
	case EventHealingCompleted:
		t.Healing = e.Type
		if r, ok := e.Data.(HealingResult); ok {
			t.Healed = &r
		}
	}
}

func (s *RunState) Test(id string) (TestState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tests[id]
	if !ok {
		return TestState{}, false
	}
	return *t, true
}

// Tests returns every known test sorted by ID.
func (s *RunState) Tests() []TestState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TestState, 0, len(s.tests))
	for _, t := range s.tests {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestID < out[j].TestID })
	return out
}

func (s *RunState) Summary() RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum RunSummary
	for _, t := range s.tests {
		sum.Total++
		switch t.Status {
		case StatusPassed:
			sum.Passed++
		case StatusFlaky:
			sum.Flaky++
		case StatusFailed:
			sum.Failed++
		case StatusSkipped:
			sum.Skipped++
		}
		if t.Healed != nil {
			sum.Healed++
		}
	}
	return sum
}
