package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// EnvControlURL is exported to test processes so they can attach to the
// browser a runner launched.
const EnvControlURL = "TESTHEAL_BROWSER_URL"

// RodPage adapts a *rod.Page to Page.
type RodPage struct {
	page *rod.Page
}

func NewRodPage(page *rod.Page) *RodPage {
	return &RodPage{page: page}
}

func (p *RodPage) BrowserPage() (Page, error) {
	return p, nil
}

func (p *RodPage) URL(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.URL, nil
}

func (p *RodPage) Title(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", fmt.Errorf("page info: %w", err)
	}
	return info.Title, nil
}

func (p *RodPage) Screenshot(ctx context.Context, path string) error {
	data, err := p.page.Context(ctx).Screenshot(true, nil)
	if err != nil {
		return fmt.Errorf("capture screenshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create screenshot dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write screenshot: %w", err)
	}
	return nil
}

func (p *RodPage) HTML(ctx context.Context) (string, error) {
	html, err := p.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("page html: %w", err)
	}
	return html, nil
}

// Remote is a browser shared between a runner and its test processes. The
// page provided is the most recently opened page that is not blank.
type Remote struct {
	mu         sync.Mutex
	controlURL string
	browser    *rod.Browser
}

// Connect attaches to the DevTools endpoint at controlURL.
func Connect(controlURL string) (*Remote, error) {
	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	return &Remote{controlURL: controlURL, browser: b}, nil
}

// ConnectFromEnv attaches to the browser advertised in TESTHEAL_BROWSER_URL.
func ConnectFromEnv() (*Remote, error) {
	url := os.Getenv(EnvControlURL)
	if url == "" {
		return nil, fmt.Errorf("%s not set", EnvControlURL)
	}
	return Connect(url)
}

func (r *Remote) ControlURL() string {
	return r.controlURL
}

// Browser exposes the underlying connection for tests that drive pages.
func (r *Remote) Browser() *rod.Browser {
	return r.browser
}

func (r *Remote) BrowserPage() (Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pages, err := r.browser.Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	if len(pages) == 0 {
		return nil, ErrNoPage
	}

	var fallback *rod.Page
	for i := len(pages) - 1; i >= 0; i-- {
		info, err := pages[i].Info()
		if err != nil {
			continue
		}
		if info.URL != "" && info.URL != "about:blank" {
			return NewRodPage(pages[i]), nil
		}
		if fallback == nil {
			fallback = pages[i]
		}
	}
	if fallback == nil {
		return nil, ErrNoPage
	}
	return NewRodPage(fallback), nil
}

// Open navigates a new tab to url and waits for it to load.
func (r *Remote) Open(url string) (*RodPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	page, err := r.browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", url, err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("load %s: %w", url, err)
	}
	return NewRodPage(page), nil
}

func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.browser.Close()
}

// ChromePath finds a locally installed browser rod can launch.
func ChromePath() (string, bool) {
	return launcher.LookPath()
}

// Launch starts a local Chrome and returns its control URL and a stop func.
func Launch(headless bool) (string, func(), error) {
	l := launcher.New().Headless(headless)
	url, err := l.Launch()
	if err != nil {
		return "", nil, fmt.Errorf("launch chrome: %w", err)
	}
	stop := func() {
		l.Kill()
		l.Cleanup()
	}
	return url, stop, nil
}
