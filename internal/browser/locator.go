package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

const DefaultLocatorTimeout = 10 * time.Second

// ErrElementNotFound is matched by every ElementNotFoundError.
var ErrElementNotFound = errors.New("element not found")

// ElementNotFoundError is the single error kind locator timeouts surface as.
type ElementNotFoundError struct {
	Selector string
	Action   string
	Timeout  time.Duration
	Err      error
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("element not found: %s %q within %s", e.Action, e.Selector, e.Timeout)
}

func (e *ElementNotFoundError) Unwrap() error {
	return e.Err
}

func (e *ElementNotFoundError) Is(target error) bool {
	return target == ErrElementNotFound
}

// Kind names the error for failure reports.
func (e *ElementNotFoundError) Kind() string {
	return "ElementNotFound"
}

// Locator wraps the wait/click/fill capability set of a rod page so that
// driver timeouts come back as ElementNotFoundError.
type Locator struct {
	page     *rod.Page
	selector string
	timeout  time.Duration
}

func NewLocator(page *rod.Page, selector string, timeout time.Duration) *Locator {
	if timeout <= 0 {
		timeout = DefaultLocatorTimeout
	}
	return &Locator{page: page, selector: selector, timeout: timeout}
}

func (l *Locator) Selector() string {
	return l.selector
}

// Wait blocks until the element exists and is visible.
func (l *Locator) Wait(ctx context.Context) error {
	return l.do(ctx, "wait", func(el *rod.Element) error {
		return el.WaitVisible()
	})
}

func (l *Locator) Click(ctx context.Context) error {
	return l.do(ctx, "click", func(el *rod.Element) error {
		return el.Click(proto.InputMouseButtonLeft, 1)
	})
}

// Fill replaces the element's value with text.
func (l *Locator) Fill(ctx context.Context, text string) error {
	return l.do(ctx, "fill", func(el *rod.Element) error {
		if err := el.SelectAllText(); err != nil {
			return err
		}
		return el.Input(text)
	})
}

// do finds the element and runs fn under one timeout, released when fn
// returns.
func (l *Locator) do(ctx context.Context, action string, fn func(*rod.Element) error) error {
	page := l.page.Context(ctx).Timeout(l.timeout)
	defer page.CancelTimeout()

	el, err := page.Element(l.selector)
	if err != nil {
		return l.translate(action, err)
	}
	return l.translate(action, fn(el))
}

func (l *Locator) translate(action string, err error) error {
	return translateError(l.selector, action, l.timeout, err)
}

func translateError(selector, action string, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}
	var notFound *rod.ElementNotFoundError
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &notFound) {
		return &ElementNotFoundError{Selector: selector, Action: action, Timeout: timeout, Err: err}
	}
	return fmt.Errorf("%s %q: %w", action, selector, err)
}
