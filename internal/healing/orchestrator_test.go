package healing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"testheal/internal/browser"
	"testheal/internal/capture"
	"testheal/internal/llm"
	"testheal/internal/pipeline"
	"testheal/internal/report"
	"testheal/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePage struct{}

func (fakePage) URL(context.Context) (string, error)   { return "http://app.test/login", nil }
func (fakePage) Title(context.Context) (string, error) { return "Login", nil }
func (fakePage) HTML(context.Context) (string, error)  { return "<button id='go'>Go</button>", nil }
func (fakePage) Screenshot(_ context.Context, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("png"), 0o644)
}

type fakeReadiness struct {
	mu    sync.Mutex
	ready bool
	calls int
}

func (f *fakeReadiness) EnsureReady(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.ready
}

type fakeInference struct {
	mu      sync.Mutex
	reply   string
	ok      bool
	panics  bool
	calls   int
	prompts []string
}

func (f *fakeInference) Model() string { return "llama3.1:8b" }

func (f *fakeInference) Heal(_ context.Context, req llm.HealingRequest) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.prompts = append(f.prompts, req.Prompt)
	if f.panics {
		panic("backend exploded")
	}
	return f.reply, f.ok
}

type fakeHistory struct {
	mu       sync.Mutex
	attempts []storage.Attempt
}

func (f *fakeHistory) SaveAttempt(_ context.Context, a storage.Attempt) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	return fmt.Sprint(len(f.attempts)), nil
}

type fakeJournal struct {
	mu    sync.Mutex
	names []string
}

func (f *fakeJournal) Attach(_, name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	return nil
}

type panicCapturer struct{}

func (panicCapturer) Capture(context.Context, browser.Page, capture.Failure) capture.FailureContext {
	panic("capture blew up")
}

type failingWriter struct{}

func (failingWriter) Write(report.Input) (report.Artifacts, error) {
	return report.Artifacts{}, errors.New("disk full")
}

const goodReply = "Sure! ```json\n" +
	`{"analysis":"button renamed","root_cause":"#submit is gone","confidence":0.9,"suggested_fix":"click #go","updated_test_code":"func TestLogin(t *testing.T) {}"}` +
	"\n```"

type harness struct {
	orch      *Orchestrator
	ready     *fakeReadiness
	inference *fakeInference
	history   *fakeHistory
	journal   *fakeJournal
	bus       *pipeline.EventBus
	summary   *bytes.Buffer
	dir       string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	now := func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) }
	h := &harness{
		ready:     &fakeReadiness{ready: true},
		inference: &fakeInference{reply: goodReply, ok: true},
		history:   &fakeHistory{},
		journal:   &fakeJournal{},
		bus:       pipeline.NewEventBus(),
		summary:   &bytes.Buffer{},
		dir:       dir,
	}
	h.orch = New(Options{
		Enabled:             true,
		ConfidenceThreshold: 0.7,
		Capturer:            capture.New(capture.Options{ScreenshotDir: filepath.Join(dir, "shots"), Now: now}, nil),
		Readiness:           h.ready,
		Inference:           h.inference,
		Reports:             report.NewWriter(filepath.Join(dir, "reports"), nil),
		History:             h.history,
		Journal:             h.journal,
		Bus:                 h.bus,
		Summary:             h.summary,
		Now:                 now,
	}, nil)
	return h
}

func failed(id string, maxReruns int) TestReport {
	return TestReport{
		TestID:    id,
		TestName:  id,
		Phase:     PhaseCall,
		Failed:    true,
		Err:       errors.New(`locator "#submit" click: element not found`),
		Source:    "func " + id + "(t *testing.T) {}",
		MaxReruns: maxReruns,
		Fixtures:  []any{"unrelated fixture", browser.StaticPage{Page: fakePage{}}},
	}
}

func TestHandleReport_RerunsDeferUntilFinalAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	r1 := h.orch.HandleReport(ctx, failed("TestLogin", 2))
	r2 := h.orch.HandleReport(ctx, failed("TestLogin", 2))
	assert.Equal(t, OutcomeDeferred, r1.Outcome)
	assert.Equal(t, OutcomeDeferred, r2.Outcome)
	assert.Equal(t, 0, h.inference.calls, "no backend call before the final attempt")
	assert.Equal(t, 2, h.orch.Counter().Get("TestLogin"))
	assert.Equal(t, 1, h.orch.Pending().Len(), "later attempts overwrite the pending entry")

	r3 := h.orch.HandleReport(ctx, failed("TestLogin", 2))
	require.Equal(t, OutcomeHealed, r3.Outcome)
	assert.Equal(t, 3, r3.Count)
	assert.Equal(t, 1, h.inference.calls, "exactly one backend call on the final attempt")

	assert.Zero(t, h.orch.Counter().Get("TestLogin"))
	assert.Zero(t, h.orch.Pending().Len())
	assert.Zero(t, h.orch.Counter().Len())
}

func TestHandleReport_HealedWritesArtifacts(t *testing.T) {
	h := newHarness(t)

	res := h.orch.HandleReport(context.Background(), failed("TestLogin", 0))
	require.Equal(t, OutcomeHealed, res.Outcome)
	require.NotNil(t, res.Response)

	assert.Equal(t, "#submit is gone", res.Response.RootCause)
	assert.Equal(t, 0.9, res.Response.Confidence)
	assert.FileExists(t, res.Artifacts.ReportPath)
	assert.FileExists(t, res.Artifacts.HealedPath)
	assert.Equal(t, filepath.Join(h.dir, "reports", "TestLogin_20260301_093000_healed"), res.Artifacts.HealedPath)

	prompt := h.inference.prompts[0]
	assert.Contains(t, prompt, "func TestLogin(t *testing.T) {}")
	assert.Contains(t, prompt, "http://app.test/login")

	assert.Equal(t, []string{"AI Healing Screenshot", "AI Healing Report", "AI Healed Test"}, h.journal.names)
	assert.Contains(t, h.summary.String(), report.HighConfidenceNote)

	require.Len(t, h.history.attempts, 1)
	a := h.history.attempts[0]
	assert.Equal(t, storage.OutcomeHealed, a.Outcome)
	assert.Equal(t, "llama3.1:8b", a.Model)
	assert.Equal(t, 1, a.Attempt)
	assert.Equal(t, res.Artifacts.ReportPath, a.ReportPath)

	completed := h.bus.RecentByType(pipeline.EventHealingCompleted, 1)
	require.Len(t, completed, 1)
	assert.Equal(t, res.Artifacts.ReportPath, completed[0].Data.(pipeline.HealingResult).ReportPath)
}

func TestHandleReport_PassClearsState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.orch.HandleReport(ctx, failed("TestFlaky", 3))
	pass := failed("TestFlaky", 3)
	pass.Failed = false
	res := h.orch.HandleReport(ctx, pass)

	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Zero(t, h.orch.Counter().Len())
	assert.Zero(t, h.orch.Pending().Len())
}

func TestHandleReport_Ignored(t *testing.T) {
	h := newHarness(t)

	setup := failed("TestLogin", 0)
	setup.Phase = PhaseSetup
	assert.Equal(t, OutcomeIgnored, h.orch.HandleReport(context.Background(), setup).Outcome)

	disabled := New(Options{Enabled: false}, nil)
	assert.Equal(t, OutcomeIgnored, disabled.HandleReport(context.Background(), failed("TestLogin", 0)).Outcome)

	assert.Zero(t, h.inference.calls)
	assert.Zero(t, h.orch.Counter().Len())
}

func TestHandleReport_BackendNotReady(t *testing.T) {
	h := newHarness(t)
	h.ready.ready = false

	res := h.orch.HandleReport(context.Background(), failed("TestLogin", 0))
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Zero(t, h.inference.calls)
	assert.Zero(t, h.orch.Pending().Len())
	assert.Zero(t, h.orch.Counter().Len())
	require.Len(t, h.history.attempts, 1)
	assert.Equal(t, storage.OutcomeNotReady, h.history.attempts[0].Outcome)
}

func TestHandleReport_NoResponse(t *testing.T) {
	h := newHarness(t)
	h.inference.ok = false

	res := h.orch.HandleReport(context.Background(), failed("TestLogin", 0))
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Nil(t, res.Response)
	assert.Zero(t, h.orch.Pending().Len())
	assert.Equal(t, storage.OutcomeNoResponse, h.history.attempts[0].Outcome)
}

func TestHandleReport_UnparseableStillReported(t *testing.T) {
	h := newHarness(t)
	h.inference.reply = "I think the button moved, sorry."

	res := h.orch.HandleReport(context.Background(), failed("TestLogin", 0))
	require.Equal(t, OutcomeHealed, res.Outcome)
	assert.Equal(t, llm.StatusUnparseable, res.Response.Status)
	assert.Equal(t, llm.FallbackConfidence, res.Response.Confidence)
	assert.Empty(t, res.Artifacts.HealedPath)
	assert.Contains(t, h.summary.String(), report.LowConfidenceNote)
}

func TestHandleReport_PanicIsContained(t *testing.T) {
	h := newHarness(t)
	h.inference.panics = true

	var res Result
	require.NotPanics(t, func() {
		res = h.orch.HandleReport(context.Background(), failed("TestLogin", 0))
	})
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Reason, "backend exploded")
	assert.Zero(t, h.orch.Pending().Len(), "state is cleaned up after a panic")
	assert.Zero(t, h.orch.Counter().Len())
	assert.Len(t, h.bus.RecentByType(pipeline.EventHealingFailed, 5), 1)
}

func TestHandleReport_CapturePanicSkipsHealing(t *testing.T) {
	h := newHarness(t)
	h.orch.opts.Capturer = panicCapturer{}

	res := h.orch.HandleReport(context.Background(), failed("TestLogin", 0))
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, "no captured context", res.Reason)
	assert.Zero(t, h.inference.calls)
	assert.Equal(t, storage.OutcomeNoContext, h.history.attempts[0].Outcome)
}

func TestHandleReport_ReportWriteFailure(t *testing.T) {
	h := newHarness(t)
	h.orch.opts.Reports = failingWriter{}

	res := h.orch.HandleReport(context.Background(), failed("TestLogin", 0))
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Contains(t, res.Reason, "disk full")
	assert.NotNil(t, res.Response)
	assert.Zero(t, h.orch.Counter().Len())
}

func TestHandleReport_NoPageStillHeals(t *testing.T) {
	h := newHarness(t)
	rep := failed("TestAPI", 0)
	rep.Fixtures = nil

	res := h.orch.HandleReport(context.Background(), rep)
	require.Equal(t, OutcomeHealed, res.Outcome)
	assert.Contains(t, h.inference.prompts[0], browser.ErrNoPage.Error())
	assert.NotContains(t, h.journal.names, "AI Healing Screenshot")
}

func TestHandleReport_SourceFromPath(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.dir, "login_test.go")
	require.NoError(t, os.WriteFile(path, []byte("func TestFromFile(t *testing.T) {}"), 0o644))

	rep := failed("TestFromFile", 0)
	rep.Source = ""
	rep.SourcePath = path
	h.orch.HandleReport(context.Background(), rep)

	require.Len(t, h.inference.prompts, 1)
	assert.Contains(t, h.inference.prompts[0], "func TestFromFile(t *testing.T) {}")
}

func TestHandleReport_RunnerAttemptAhead(t *testing.T) {
	h := newHarness(t)

	rep := failed("TestLogin", 2)
	rep.Attempt = 3
	res := h.orch.HandleReport(context.Background(), rep)
	assert.Equal(t, OutcomeHealed, res.Outcome)
	assert.Equal(t, 3, res.Count)
}

func TestHandleReport_ParallelTests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const tests, reruns = 8, 2
	var wg sync.WaitGroup
	for i := 0; i < tests; i++ {
		id := fmt.Sprintf("TestParallel%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for attempt := 0; attempt <= reruns; attempt++ {
				h.orch.HandleReport(ctx, failed(id, reruns))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, tests, h.inference.calls)
	assert.Zero(t, h.orch.Counter().Len())
	assert.Zero(t, h.orch.Pending().Len())
}

func TestFailCounter(t *testing.T) {
	c := NewFailCounter()
	assert.Equal(t, 1, c.Increment("a", 0))
	assert.Equal(t, 2, c.Increment("a", 1), "runner behind never lowers the count")
	assert.Equal(t, 5, c.Increment("a", 5), "runner ahead is adopted")
	assert.Equal(t, 6, c.Increment("a", 0))
	c.Delete("a")
	assert.Equal(t, 0, c.Get("a"))
}
