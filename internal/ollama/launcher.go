package ollama

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
)

// Launcher starts the backend when it is not reachable.
type Launcher interface {
	Name() string
	// Available reports whether this launcher can be used on this machine.
	Available(ctx context.Context) bool
	Launch(ctx context.Context) error
}

// ProcessLauncher runs `ollama serve` as a detached child process.
type ProcessLauncher struct {
	Binary  string
	BaseURL string

	lookPath func(string) (string, error)
}

func NewProcessLauncher(baseURL string) *ProcessLauncher {
	return &ProcessLauncher{Binary: "ollama", BaseURL: baseURL, lookPath: exec.LookPath}
}

func (p *ProcessLauncher) Name() string { return "process" }

func (p *ProcessLauncher) Available(context.Context) bool {
	_, err := p.lookPath(p.Binary)
	return err == nil
}

func (p *ProcessLauncher) Launch(context.Context) error {
	path, err := p.lookPath(p.Binary)
	if err != nil {
		return fmt.Errorf("find %s: %w", p.Binary, err)
	}

	// Not CommandContext: the server must outlive the caller's deadline.
	cmd := exec.Command(path, "serve")
	cmd.Env = os.Environ()
	if host := hostPort(p.BaseURL); host != "" {
		cmd.Env = append(cmd.Env, "OLLAMA_HOST="+host)
	}
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s serve: %w", p.Binary, err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func hostPort(baseURL string) string {
	if baseURL == "" {
		return ""
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Host
}

// ChainLauncher tries each available launcher in order.
type ChainLauncher []Launcher

func (c ChainLauncher) Name() string {
	names := make([]string, 0, len(c))
	for _, l := range c {
		names = append(names, l.Name())
	}
	return strings.Join(names, ",")
}

func (c ChainLauncher) Available(ctx context.Context) bool {
	for _, l := range c {
		if l.Available(ctx) {
			return true
		}
	}
	return false
}

func (c ChainLauncher) Launch(ctx context.Context) error {
	var errs []error
	for _, l := range c {
		if !l.Available(ctx) {
			continue
		}
		err := l.Launch(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", l.Name(), err))
	}
	if len(errs) == 0 {
		return errors.New("no launcher available")
	}
	return errors.Join(errs...)
}
