package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"testheal/internal/browser"
	"testheal/internal/ollama"
	"testheal/internal/report"
	"testheal/internal/storage"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

var (
	doctorFix    bool
	doctorQuiet  bool
	doctorUnload bool
)

type CheckResult struct {
	Name    string
	Status  string // "ok", "warn", "fail"
	Message string
	FixHint string
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the healing stack and fix what can be fixed",
	Long: `Run health checks on everything healing depends on.

Checks:
  - Configuration values
  - Ollama backend reachability
  - Configured model availability
  - Docker daemon and an Ollama container
  - GPU for model inference
  - Local Chrome for browser capture
  - Artifact directories
  - Healing history database

With --fix the backend is started (process, then container), the model is
pulled if missing and warmed up. --unload drops the model from memory.`,
	Example: `  # Run health checks
  testheal doctor

  # Start Ollama, pull and warm the model
  testheal doctor --fix

  # Free the GPU after a run
  testheal doctor --unload`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorFix, "fix", false, "start the backend and prepare the model")
	doctorCmd.Flags().BoolVar(&doctorQuiet, "quiet", false, "only show problems")
	doctorCmd.Flags().BoolVar(&doctorUnload, "unload", false, "unload the model and exit")
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	backend := ollama.NewClient(cfg.OllamaHost)
	docker := ollama.NewContainerLauncher()
	defer docker.Close()

	manager := ollama.NewManager(backend, ollama.ManagerOptions{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxWait:     cfg.MaxWait(),
		Launcher:    ollama.ChainLauncher{ollama.NewProcessLauncher(cfg.OllamaHost), docker},
	}, log)

	if doctorUnload {
		if err := manager.Unload(ctx); err != nil {
			return fmt.Errorf("unload %s: %w", cfg.Model, err)
		}
		fmt.Println(report.OKStyle.Render("✓") + " unloaded " + cfg.Model)
		return nil
	}

	fmt.Println(report.TitleStyle.Render("testheal doctor"))
	fmt.Println()

	if doctorFix {
		s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
		s.Suffix = " Preparing " + cfg.Model + "..."
		if isTTY(os.Stderr) {
			s.Start()
		}
		ready := manager.EnsureReady(ctx)
		s.Stop()
		if ready {
			fmt.Println(report.OKStyle.Render("✓") + " backend ready, model loaded")
		} else {
			fmt.Println(report.ErrStyle.Render("✗") + " could not make the backend ready, see log above")
		}
		fmt.Println()
	}

	checks := []func(context.Context) CheckResult{
		checkConfig,
		func(ctx context.Context) CheckResult { return checkBackend(ctx, backend) },
		func(ctx context.Context) CheckResult { return checkDocker(ctx, docker) },
		checkGPU,
		checkChrome,
		checkArtifactDirs,
		checkHistory,
	}

	var failed, warned, passed int
	for _, check := range checks {
		result := check(ctx)
		switch result.Status {
		case "ok":
			passed++
		case "warn":
			warned++
		default:
			failed++
		}
		if doctorQuiet && result.Status == "ok" {
			continue
		}

		fmt.Printf("%s %s\n", statusIcon(result.Status), report.LabelStyle.Render(result.Name))
		fmt.Printf("   %s\n", result.Message)
		if result.Status != "ok" && result.FixHint != "" {
			fmt.Printf("   %s\n", report.DimStyle.Render("fix: "+result.FixHint))
		}
		fmt.Println()
	}

	fmt.Println(report.DimStyle.Render(strings.Repeat("─", 32)))
	line := fmt.Sprintf("✓ %d passed", passed)
	if warned > 0 {
		line += report.WarnStyle.Render(fmt.Sprintf("  ⚠ %d warnings", warned))
	}
	if failed > 0 {
		line += report.ErrStyle.Render(fmt.Sprintf("  ✗ %d failed", failed))
	}
	fmt.Println(line)

	if failed > 0 {
		if !doctorFix {
			fmt.Println(report.WarnStyle.Render("\nRun 'testheal doctor --fix' to start the backend and pull the model"))
		}
		return fmt.Errorf("%d checks failed", failed)
	}
	return nil
}

func statusIcon(status string) string {
	switch status {
	case "ok":
		return report.OKStyle.Render("✓")
	case "warn":
		return report.WarnStyle.Render("⚠")
	case "fail":
		return report.ErrStyle.Render("✗")
	default:
		return "?"
	}
}

func checkConfig(context.Context) CheckResult {
	res := CheckResult{Name: "Configuration"}
	if err := cfg.Validate(); err != nil {
		res.Status = "fail"
		res.Message = strings.ReplaceAll(err.Error(), "\n", "; ")
		res.FixHint = "correct the values in " + strings.Join(cfg.Source, ", ") + " or the environment"
		return res
	}
	state := "disabled"
	if cfg.Enabled {
		state = "enabled"
	}
	res.Status = "ok"
	res.Message = fmt.Sprintf("healing %s, model %s, threshold %.2f (from %s)",
		state, cfg.Model, cfg.ConfidenceThreshold, strings.Join(cfg.Source, " → "))
	if !cfg.Enabled {
		res.Status = "warn"
		res.FixHint = "set AI_HEALING_ENABLED=true or pass --heal to testheal run"
	}
	return res
}

func checkBackend(ctx context.Context, backend *ollama.Client) CheckResult {
	res := CheckResult{Name: "Ollama"}
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	models, err := backend.ListModels(probeCtx)
	if err != nil {
		res.Status = "fail"
		res.Message = fmt.Sprintf("not reachable at %s: %v", backend.BaseURL(), err)
		res.FixHint = "ollama serve"
		return res
	}
	if !ollama.HasModel(models, cfg.Model) {
		res.Status = "warn"
		res.Message = fmt.Sprintf("reachable at %s, model %s not pulled (%d models available)", backend.BaseURL(), cfg.Model, len(models))
		res.FixHint = "ollama pull " + cfg.Model
		return res
	}
	res.Status = "ok"
	res.Message = fmt.Sprintf("reachable at %s, %s available", backend.BaseURL(), cfg.Model)
	return res
}

func checkDocker(ctx context.Context, docker *ollama.ContainerLauncher) CheckResult {
	res := CheckResult{Name: "Docker"}
	c, err := docker.FindContainer(ctx)
	switch {
	case err != nil:
		res.Status = "warn"
		res.Message = "container fallback unavailable: " + err.Error()
	case c == nil:
		res.Status = "warn"
		res.Message = "daemon running, no Ollama container"
		res.FixHint = "docker run -d --name ollama -p 11434:11434 ollama/ollama"
	default:
		res.Status = "ok"
		res.Message = fmt.Sprintf("container %s (%s) is %s", c.Name, c.Image, c.State)
	}
	return res
}

func checkGPU(ctx context.Context) CheckResult {
	res := CheckResult{Name: "GPU"}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	gpus, err := ollama.ProbeGPUs(probeCtx)
	if err != nil || len(gpus) == 0 {
		res.Status = "warn"
		res.Message = "no NVIDIA GPU found, the model will run on CPU"
		res.FixHint = "raise AI_HEALING_MAX_WAIT and AI_HEALING_TIMEOUT for CPU inference"
		return res
	}
	var parts []string
	for _, g := range gpus {
		parts = append(parts, fmt.Sprintf("%s (%d/%d MB free)", g.Name, g.FreeMemoryMB(), g.TotalMemoryMB))
	}
	res.Status = "ok"
	res.Message = strings.Join(parts, ", ")
	return res
}

func checkChrome(context.Context) CheckResult {
	if path, ok := browser.ChromePath(); ok {
		return CheckResult{Name: "Chrome", Status: "ok", Message: path}
	}
	return CheckResult{
		Name:    "Chrome",
		Status:  "warn",
		Message: "no local browser found, rod will download one on first use",
	}
}

func checkArtifactDirs(context.Context) CheckResult {
	res := CheckResult{Name: "Artifacts"}
	for _, dir := range []string{cfg.ScreenshotDir(), cfg.ReportDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			res.Status = "fail"
			res.Message = err.Error()
			res.FixHint = "set TESTHEAL_ARTIFACT_DIR to a writable directory"
			return res
		}
	}
	res.Status = "ok"
	res.Message = "writing to " + cfg.ArtifactDir
	return res
}

func checkHistory(ctx context.Context) CheckResult {
	res := CheckResult{Name: "History"}
	db, err := storage.InitDB(cfg.DataDir)
	if err != nil {
		res.Status = "fail"
		res.Message = err.Error()
		res.FixHint = "set TESTHEAL_DATA_DIR to a writable directory"
		return res
	}
	h := storage.NewHistory(db)
	defer h.Close()

	stats, err := h.Stats(ctx)
	if err != nil {
		res.Status = "fail"
		res.Message = err.Error()
		return res
	}
	res.Status = "ok"
	res.Message = fmt.Sprintf("%s (%d attempts recorded)", cfg.HistoryDBPath(), stats.Total)
	return res
}
