package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"testheal/internal/logger"
	"testheal/internal/ollama"

	"go.uber.org/zap"
)

const (
	DefaultNumCtx         = 8192
	DefaultRequestTimeout = 30 * time.Second
	// Screenshots larger than this are left out of the request.
	MaxImageBytes = 20 << 20
)

// HealingRequest is built immediately before the inference call.
type HealingRequest struct {
	Prompt         string
	ScreenshotPath string
}

// Generator is the one backend call the inference client needs.
type Generator interface {
	Generate(ctx context.Context, req ollama.GenerateRequest) (*ollama.GenerateResponse, error)
}

type ClientOptions struct {
	Model       string
	Temperature float64
	NumCtx      int
	Timeout     time.Duration
	System      string
}

// Client sends healing prompts to the backend. Every failure is logged and
// reported as "no response" so the caller can skip healing for the cycle.
type Client struct {
	gen  Generator
	opts ClientOptions
	log  *zap.Logger
}

func NewClient(gen Generator, opts ClientOptions, log *zap.Logger) *Client {
	if opts.NumCtx <= 0 {
		opts.NumCtx = DefaultNumCtx
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRequestTimeout
	}
	if opts.System == "" {
		opts.System = SystemPrompt
	}
	return &Client{gen: gen, opts: opts, log: logger.OrNop(log)}
}

func (c *Client) Model() string {
	return c.opts.Model
}

// Heal returns the raw model reply, or false when there is none.
func (c *Client) Heal(ctx context.Context, req HealingRequest) (string, bool) {
	text, err := c.heal(ctx, req)
	if err != nil {
		c.log.Warn("inference request failed", zap.String("model", c.opts.Model), zap.Error(err))
		return "", false
	}
	return text, true
}

func (c *Client) heal(ctx context.Context, req HealingRequest) (string, error) {
	if c.gen == nil {
		return "", errors.New("no backend configured")
	}
	temperature := c.opts.Temperature
	genReq := ollama.GenerateRequest{
		Model:  c.opts.Model,
		Prompt: req.Prompt,
		System: c.opts.System,
		Options: &ollama.Options{
			Temperature: &temperature,
			NumCtx:      c.opts.NumCtx,
		},
	}

	if req.ScreenshotPath != "" {
		img, err := encodeImage(req.ScreenshotPath)
		if err != nil {
			c.log.Debug("screenshot not attached", zap.String("path", req.ScreenshotPath), zap.Error(err))
		} else {
			genReq.Images = []string{img}
			c.log.Info("including screenshot", zap.String("path", req.ScreenshotPath))
		}
	}

	c.log.Info("querying model", zap.String("model", c.opts.Model), zap.Int("prompt_chars", len(req.Prompt)))
	callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.gen.Generate(callCtx, genReq)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errors.New("empty reply")
	}
	if resp.Error != "" {
		return "", fmt.Errorf("backend error: %s", resp.Error)
	}
	if strings.TrimSpace(resp.Response) == "" {
		return "", errors.New("model returned no text")
	}
	c.log.Debug("model replied",
		zap.Duration("elapsed", time.Since(start)),
		zap.String("preview", prefix(resp.Response, 200)),
	)
	return resp.Response, nil
}

func encodeImage(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.Size() > MaxImageBytes {
		return "", fmt.Errorf("screenshot is %d bytes", info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
