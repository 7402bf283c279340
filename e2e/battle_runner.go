package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
)

const (
	Reset  = "\033[0m"
	Green  = "\033[32m"
	Red    = "\033[31m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
)

const modelReply = `Here is my analysis:
{"analysis": "The pay button was renamed.", "root_cause": "Selector #pay no longer exists", "confidence": 0.85,
 "suggested_fix": "Use #checkout-pay", "updated_test_code": "func TestCheckout(t *testing.T) {}", "recommendations": ["Prefer data-testid selectors"]}`

var (
	cliBin    string
	tempDir   string
	ollamaURL string
	generates atomic.Int64
)

func main() {
	fmt.Printf("%sStarting Battle Test Suite...%s\n", Blue, Reset)

	var err error
	tempDir, err = os.MkdirTemp("", "testheal-e2e")
	if err != nil {
		fatal("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	cliBin = filepath.Join(tempDir, "testheal")
	fmt.Printf("Building testheal to %s...\n", cliBin)
	buildCmd := exec.Command("go", "build", "-o", cliBin, ".")
	if out, err := buildCmd.CombinedOutput(); err != nil {
		fatal("Build failed:\n%s", out)
	}

	ollamaURL = startFakeOllama()

	testParse()
	testParseStdin()
	testHeal()
	testHistory()
	testReportShow()
	testRun()
	testDoctor()

	fmt.Printf("\n%sAll Battle Tests Passed!%s\n", Green, Reset)
}

// startFakeOllama serves the three endpoints the healing stack calls.
func startFakeOllama() string {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"llama3.1:8b"}]}`)
	})
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		generates.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"model": "llama3.1:8b", "response": modelReply, "done": true})
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fatal("Failed to listen: %v", err)
	}
	go http.Serve(ln, mux)
	return "http://" + ln.Addr().String()
}

func testParse() {
	startTest("Parse Command")
	reply := filepath.Join(tempDir, "reply.txt")
	os.WriteFile(reply, []byte(modelReply), 0o644)

	out := runCLI("parse", reply)
	if !strings.Contains(out, `"status": "parsed"`) || !strings.Contains(out, "Selector #pay no longer exists") {
		fmt.Printf("DEBUG: parse output:\n%s\n", out)
		fatal("Parse did not return a parsed response")
	}
	passTest()
}

func testParseStdin() {
	startTest("Parse Command (stdin, garbage)")
	cmd := exec.Command(cliBin, "parse", "-")
	cmd.Env = cliEnv()
	cmd.Stdin = strings.NewReader("I am not sure what happened here.")
	out, _ := cmd.CombinedOutput()
	if !strings.Contains(string(out), `"status": "unparseable"`) {
		fmt.Printf("DEBUG: parse output:\n%s\n", out)
		fatal("Garbage reply should be unparseable")
	}
	passTest()
}

func testHeal() {
	startTest("Heal Command (one-shot)")
	src := filepath.Join(tempDir, "checkout_test.go")
	os.WriteFile(src, []byte("func TestCheckout(t *testing.T) {\n\tpage.Click(\"#pay\")\n}\n"), 0o644)

	out := runCLI("heal",
		"--test", "TestCheckout",
		"--error", `element not found: click "#pay" within 10s`,
		"--source", src)
	if !strings.Contains(out, "AI HEALING") || !strings.Contains(out, "High confidence") {
		fmt.Printf("DEBUG: heal output:\n%s\n", out)
		fatal("Heal didn't print the healing summary")
	}

	reports, _ := filepath.Glob(filepath.Join(tempDir, "artifacts", "ai", "ai_healing_reports", "TestCheckout_*_analysis.md"))
	healed, _ := filepath.Glob(filepath.Join(tempDir, "artifacts", "ai", "ai_healing_reports", "TestCheckout_*_healed"))
	if len(reports) != 1 || len(healed) != 1 {
		fatal("Expected one report and one healed file, got %d and %d", len(reports), len(healed))
	}
	passTest()
}

func testHistory() {
	startTest("History Command")
	out := runCLI("history", "--json")
	var attempts []map[string]any
	if err := json.Unmarshal([]byte(out), &attempts); err != nil {
		fatal("History --json is not JSON: %v\n%s", err, out)
	}
	if len(attempts) == 0 || attempts[0]["outcome"] != "healed" || attempts[0]["test_id"] != "TestCheckout" {
		fatal("History missing the healed attempt: %s", out)
	}

	out = runCLI("history", "--stats")
	if !strings.Contains(out, "healed:") {
		fatal("History --stats missing outcome counts:\n%s", out)
	}
	passTest()
}

func testReportShow() {
	startTest("Report Show Command")
	out := runCLI("report", "show", "TestCheckout")
	if !strings.Contains(out, "Selector #pay no longer exists") || !strings.Contains(out, "## Root Cause") {
		fmt.Printf("DEBUG: report output:\n%s\n", out)
		fatal("Report show didn't print the report")
	}
	passTest()
}

func testRun() {
	startTest("Run Command (reruns + healing)")
	mod := filepath.Join(tempDir, "shop")
	os.MkdirAll(mod, 0o755)
	os.WriteFile(filepath.Join(mod, "go.mod"), []byte("module example.com/shop\n\ngo 1.21\n"), 0o644)
	os.WriteFile(filepath.Join(mod, "shop_test.go"), []byte(`package shop

import "testing"

func TestOK(t *testing.T) {}

// TestPay pays for the cart.
func TestPay(t *testing.T) {
	t.Fatal("element not found: click \"#pay\" within 10s")
}
`), 0o644)

	before := generates.Load()
	out := runCLI("run", "--heal", "--reruns", "1", "--dir", mod, "./...")
	if !strings.Contains(out, "example.com/shop.TestPay") || !strings.Contains(out, "(2 attempts)") {
		fmt.Printf("DEBUG: run output:\n%s\n", out)
		fatal("Run didn't rerun the failing test")
	}
	if !strings.Contains(out, "1 healed") {
		fmt.Printf("DEBUG: run output:\n%s\n", out)
		fatal("Run didn't heal the final failure")
	}
	if generates.Load() <= before {
		fatal("Run never called the backend")
	}

	out = runCLI("history", "--json", "--test", "example.com/shop.TestPay")
	var attempts []map[string]any
	json.Unmarshal([]byte(out), &attempts)
	if len(attempts) != 1 || attempts[0]["attempt"] != float64(2) || attempts[0]["error_type"] != "ElementNotFound" {
		fatal("Expected exactly one healing attempt on attempt 2: %s", out)
	}
	passTest()
}

func testDoctor() {
	startTest("Doctor Command")
	out := runCLI("doctor")
	if !strings.Contains(out, "llama3.1:8b available") {
		fmt.Printf("DEBUG: doctor output:\n%s\n", out)
		fatal("Doctor didn't see the backend")
	}
	if strings.Contains(out, "failed") {
		fmt.Println(Yellow + "Warning: doctor reported failures outside the backend, but didn't crash." + Reset)
	}
	passTest()
}

func startTest(name string) {
	fmt.Printf("Testing %s... ", name)
}

func passTest() {
	fmt.Println(Green + "PASS" + Reset)
}

func fatal(format string, args ...interface{}) {
	fmt.Printf(Red+"FAIL: "+format+Reset+"\n", args...)
	os.Exit(1)
}

func cliEnv() []string {
	return append(os.Environ(),
		"OLLAMA_HOST="+ollamaURL,
		"OLLAMA_MODEL=llama3.1:8b",
		"AI_HEALING_ENABLED=false",
		"TESTHEAL_DATA_DIR="+filepath.Join(tempDir, "data"),
		"TESTHEAL_ARTIFACT_DIR="+filepath.Join(tempDir, "artifacts"),
	)
}

func runCLI(args ...string) string {
	cmd := exec.Command(cliBin, args...)
	cmd.Env = cliEnv()
	// Healing logs go to stderr; only stdout is inspected.
	cmd.Stderr = nil
	out, err := cmd.Output()
	if err != nil && args[0] != "run" && args[0] != "doctor" {
		fmt.Printf("Warning: %s failed: %v\n", args[0], err)
	}
	return string(out)
}
