package ollama

import (
	"context"
	"strings"
	"sync"
	"time"

	"testheal/internal/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type State int

const (
	StateUnknown State = iota
	StateReachable
	StateModelReady
)

func (s State) String() string {
	switch s {
	case StateReachable:
		return "reachable"
	case StateModelReady:
		return "model-ready"
	default:
		return "unknown"
	}
}

// Backend is the slice of the HTTP API the lifecycle manager drives.
type Backend interface {
	ListModels(ctx context.Context) ([]Model, error)
	PullModelSync(ctx context.Context, name string, progressFn func(PullProgress)) error
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// ReadinessCache remembers, for the life of the process, that the backend
// and model were verified. The model does not change mid-run.
type ReadinessCache struct {
	mu      sync.Mutex
	ready   bool
	readyAt time.Time
}

func NewReadinessCache() *ReadinessCache {
	return &ReadinessCache{}
}

func (c *ReadinessCache) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *ReadinessCache) MarkReady(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = true
	c.readyAt = at
}

func (c *ReadinessCache) ReadyAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyAt
}

func (c *ReadinessCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = false
	c.readyAt = time.Time{}
}

type ManagerOptions struct {
	Model       string
	Temperature float64

	ProbeTimeout   time.Duration
	LaunchWait     time.Duration
	LaunchPoll     time.Duration
	PullTimeout    time.Duration
	WarmupInterval time.Duration
	WarmupTimeout  time.Duration
	MaxWait        time.Duration

	// Launcher may be nil, in which case an unreachable backend is final.
	Launcher Launcher
	Cache    *ReadinessCache
	Clock    Clock
}

func (o *ManagerOptions) setDefaults() {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 3 * time.Second
	}
	if o.LaunchWait <= 0 {
		o.LaunchWait = 30 * time.Second
	}
	if o.LaunchPoll <= 0 {
		o.LaunchPoll = time.Second
	}
	if o.PullTimeout <= 0 {
		o.PullTimeout = 180 * time.Second
	}
	if o.WarmupInterval <= 0 {
		o.WarmupInterval = 3 * time.Second
	}
	if o.WarmupTimeout <= 0 {
		o.WarmupTimeout = 30 * time.Second
	}
	if o.MaxWait <= 0 {
		o.MaxWait = 180 * time.Second
	}
	if o.Cache == nil {
		o.Cache = NewReadinessCache()
	}
	if o.Clock == nil {
		o.Clock = RealClock()
	}
}

// Manager moves the backend from Unknown to ModelReady. It fails closed:
// every problem ends in a false return and a log line.
type Manager struct {
	backend Backend
	opts    ManagerOptions
	log     *zap.Logger

	group singleflight.Group
	mu    sync.Mutex
	state State
}

func NewManager(backend Backend, opts ManagerOptions, log *zap.Logger) *Manager {
	opts.setDefaults()
	return &Manager{backend: backend, opts: opts, log: logger.OrNop(log)}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
}

func (m *Manager) Model() string {
	return m.opts.Model
}

// EnsureReady reports whether the backend is reachable with the model
// pulled and warm. Concurrent callers share one check; a success is cached.
// The shared check is bounded by the lifecycle's own timeouts, so a caller
// that gives up early returns false without cancelling it for the others.
func (m *Manager) EnsureReady(ctx context.Context) bool {
	if m.opts.Cache.Ready() {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	ch := m.group.DoChan("ready", func() (any, error) {
		if m.opts.Cache.Ready() {
			return true, nil
		}
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.budget())
		defer cancel()
		ok := m.ensure(flightCtx)
		if ok {
			m.opts.Cache.MarkReady(m.opts.Clock.Now())
		}
		return ok, nil
	})
	select {
	case res := <-ch:
		return res.Val.(bool)
	case <-ctx.Done():
		m.log.Info("stopped waiting for backend", zap.Error(ctx.Err()))
		return false
	}
}

// budget is the longest a full Unknown to ModelReady walk may take.
func (m *Manager) budget() time.Duration {
	o := m.opts
	return 2*o.ProbeTimeout + o.LaunchWait + o.PullTimeout + o.MaxWait + o.WarmupTimeout
}

func (m *Manager) ensure(ctx context.Context) bool {
	if !m.ensureReachable(ctx) {
		m.setState(StateUnknown)
		return false
	}
	m.setState(StateReachable)

	if !m.ensureModel(ctx) || !m.warmUp(ctx) {
		return false
	}
	m.setState(StateModelReady)
	return true
}

func (m *Manager) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()
	_, err := m.backend.ListModels(probeCtx)
	return err
}

func (m *Manager) ensureReachable(ctx context.Context) bool {
	err := m.probe(ctx)
	if err == nil {
		m.log.Debug("backend reachable")
		return true
	}
	m.log.Info("backend not reachable", zap.Error(err))

	launcher := m.opts.Launcher
	if launcher == nil || !launcher.Available(ctx) {
		m.log.Warn("backend unreachable and no launcher available; skipping")
		return false
	}

	m.log.Info("starting backend", zap.String("launcher", launcher.Name()))
	if err := launcher.Launch(ctx); err != nil {
		m.log.Warn("failed to start backend", zap.Error(err))
		return false
	}

	deadline := m.opts.Clock.Now().Add(m.opts.LaunchWait)
	for attempt := 1; m.opts.Clock.Now().Before(deadline); attempt++ {
		if err := m.opts.Clock.Sleep(ctx, m.opts.LaunchPoll); err != nil {
			m.log.Warn("gave up waiting for backend", zap.Error(err))
			return false
		}
		if err := m.probe(ctx); err == nil {
			m.log.Info("backend started", zap.Int("polls", attempt))
			return true
		}
		m.log.Debug("waiting for backend", zap.Int("poll", attempt))
	}

	m.log.Warn("backend did not come up", zap.Duration("waited", m.opts.LaunchWait))
	return false
}

func (m *Manager) ensureModel(ctx context.Context) bool {
	listCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	models, err := m.backend.ListModels(listCtx)
	cancel()
	if err != nil {
		m.log.Warn("could not list models", zap.Error(err))
		return false
	}
	if HasModel(models, m.opts.Model) {
		m.log.Debug("model present", zap.String("model", m.opts.Model))
		return true
	}

	m.log.Info("pulling model", zap.String("model", m.opts.Model), zap.Duration("timeout", m.opts.PullTimeout))
	pullCtx, cancel := context.WithTimeout(ctx, m.opts.PullTimeout)
	defer cancel()

	lastStatus := ""
	err = m.backend.PullModelSync(pullCtx, m.opts.Model, func(p PullProgress) {
		if p.Status != lastStatus {
			lastStatus = p.Status
			m.log.Info("pull progress", zap.String("status", p.Status))
		}
	})
	if err != nil {
		m.log.Warn("model pull failed", zap.String("model", m.opts.Model), zap.Error(err))
		return false
	}
	m.log.Info("model pulled", zap.String("model", m.opts.Model))
	return true
}

// warmUp repeats a tiny generation until the model answers with text.
func (m *Manager) warmUp(ctx context.Context) bool {
	temperature := m.opts.Temperature
	req := GenerateRequest{
		Model:   m.opts.Model,
		Prompt:  "Hello",
		Options: &Options{Temperature: &temperature, NumPredict: 5},
	}

	start := m.opts.Clock.Now()
	deadline := start.Add(m.opts.MaxWait)
	m.log.Info("warming up model", zap.String("model", m.opts.Model), zap.Duration("max_wait", m.opts.MaxWait))

	for attempt := 1; ; attempt++ {
		genCtx, cancel := context.WithTimeout(ctx, m.opts.WarmupTimeout)
		resp, err := m.backend.Generate(genCtx, req)
		cancel()

		switch {
		case err != nil:
			m.log.Info("warm-up attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		case resp.Error != "":
			m.log.Warn("warm-up returned error", zap.Int("attempt", attempt), zap.String("error", resp.Error))
		case strings.TrimSpace(resp.Response) != "":
			m.log.Info("model ready",
				zap.String("model", m.opts.Model),
				zap.Duration("elapsed", m.opts.Clock.Now().Sub(start)),
			)
			return true
		default:
			m.log.Info("model still loading", zap.Int("attempt", attempt))
		}

		if !m.opts.Clock.Now().Add(m.opts.WarmupInterval).Before(deadline) {
			m.log.Warn("model did not warm up in time", zap.Duration("max_wait", m.opts.MaxWait))
			return false
		}
		if err := m.opts.Clock.Sleep(ctx, m.opts.WarmupInterval); err != nil {
			m.log.Warn("warm-up interrupted", zap.Error(err))
			return false
		}
	}
}

// Unload asks the backend to drop the model from memory and forgets the
// cached readiness.
func (m *Manager) Unload(ctx context.Context) error {
	m.opts.Cache.Reset()
	m.setState(StateReachable)
	genCtx, cancel := context.WithTimeout(ctx, m.opts.WarmupTimeout)
	defer cancel()
	resp, err := m.backend.Generate(genCtx, GenerateRequest{Model: m.opts.Model, KeepAlive: "0s"})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return &StatusError{Code: 200, Body: resp.Error}
	}
	m.log.Info("model unloaded", zap.String("model", m.opts.Model))
	return nil
}
