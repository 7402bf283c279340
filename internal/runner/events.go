// Package runner drives `go test -json`, reruns failing tests and reports
// every attempt to the healing hook.
package runner

import (
	"bufio"
	"encoding/json"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// TestEvent is one line of `go test -json` (test2json) output.
type TestEvent struct {
	Time    time.Time `json:"Time"`
	Action  string    `json:"Action"`
	Package string    `json:"Package"`
	Test    string    `json:"Test"`
	Output  string    `json:"Output"`
	Elapsed float64   `json:"Elapsed"`
}

const maxEventLine = 4 << 20

// ParseEvents calls fn for each event read from r. Lines that are not JSON
// (build output, stray prints) become "output" events without a package.
func ParseEvents(r io.Reader, fn func(TestEvent)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxEventLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev TestEvent
		if line[0] != '{' || json.Unmarshal(line, &ev) != nil {
			fn(TestEvent{Action: "output", Output: string(line) + "\n"})
			continue
		}
		fn(ev)
	}
	return sc.Err()
}

type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// TestResult is the outcome of one top-level test in one run. Output
// includes the output of its subtests.
type TestResult struct {
	Package string
	Test    string
	Status  Status
	Elapsed time.Duration
	Output  string
}

// ID is the identity used across attempts.
func (r TestResult) ID() string {
	return r.Package + "." + r.Test
}

type testKey struct {
	pkg, test string
}

type testAcc struct {
	status  Status
	elapsed float64
	output  strings.Builder
}

// Collector folds a test2json stream into per-test results.
type Collector struct {
	mu        sync.Mutex
	order     []testKey
	tests     map[testKey]*testAcc
	pkgOutput map[string]*strings.Builder
	pkgStatus map[string]Status
	loose     strings.Builder
}

func NewCollector() *Collector {
	return &Collector{
		tests:     make(map[testKey]*testAcc),
		pkgOutput: make(map[string]*strings.Builder),
		pkgStatus: make(map[string]Status),
	}
}

// Add folds one event. Subtest events are attributed to their top-level
// test.
func (c *Collector) Add(ev TestEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Package == "" {
		c.loose.WriteString(ev.Output)
		return
	}
	if ev.Test == "" {
		switch ev.Action {
		case "output":
			b := c.pkgOutput[ev.Package]
			if b == nil {
				b = &strings.Builder{}
				c.pkgOutput[ev.Package] = b
			}
			b.WriteString(ev.Output)
		case "pass", "fail", "skip":
			c.pkgStatus[ev.Package] = Status(ev.Action)
		}
		return
	}

	root, _, sub := strings.Cut(ev.Test, "/")
	key := testKey{ev.Package, root}
	acc := c.tests[key]
	if acc == nil {
		acc = &testAcc{}
		c.tests[key] = acc
		c.order = append(c.order, key)
	}
	switch ev.Action {
	case "output":
		acc.output.WriteString(ev.Output)
	case "pass", "fail", "skip":
		if !sub {
			acc.status = Status(ev.Action)
			acc.elapsed = ev.Elapsed
		}
	}
}

// Results returns the top-level tests in the order they started. A test
// without a final action (the binary crashed or timed out) is a failure.
func (c *Collector) Results() []TestResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]TestResult, 0, len(c.order))
	for _, k := range c.order {
		acc := c.tests[k]
		st := acc.status
		if st == "" {
			st = StatusFail
		}
		out = append(out, TestResult{
			Package: k.pkg,
			Test:    k.test,
			Status:  st,
			Elapsed: time.Duration(acc.elapsed * float64(time.Second)),
			Output:  acc.output.String(),
		})
	}
	return out
}

// PackageFailure is a package that failed without a failing test, usually
// a build error.
type PackageFailure struct {
	Package string
	Output  string
}

func (c *Collector) PackageFailures() []PackageFailure {
	c.mu.Lock()
	defer c.mu.Unlock()

	failedTests := make(map[string]bool)
	for k, acc := range c.tests {
		if acc.status != StatusPass && acc.status != StatusSkip {
			failedTests[k.pkg] = true
		}
	}

	var out []PackageFailure
	for pkg, st := range c.pkgStatus {
		if st != StatusFail || failedTests[pkg] {
			continue
		}
		var b strings.Builder
		b.WriteString(c.loose.String())
		if po := c.pkgOutput[pkg]; po != nil {
			b.WriteString(po.String())
		}
		out = append(out, PackageFailure{Package: pkg, Output: b.String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Package < out[j].Package })
	return out
}
