// Package browser defines the page-handle capabilities failure capture needs
// and adapts go-rod to them.
package browser

import (
	"context"
	"errors"
)

// Page is the subset of a live browser page used to describe a failure.
type Page interface {
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Screenshot(ctx context.Context, path string) error
	HTML(ctx context.Context) (string, error)
}

// PageProvider is implemented by any test fixture that can hand out the
// page a test was driving.
type PageProvider interface {
	BrowserPage() (Page, error)
}

var ErrNoPage = errors.New("no browser page available")

// FindPage returns the page from the first fixture that provides one.
// Fixtures that are themselves a Page are accepted as-is.
func FindPage(fixtures ...any) (Page, error) {
	for _, f := range fixtures {
		switch v := f.(type) {
		case PageProvider:
			page, err := v.BrowserPage()
			if err != nil {
				return nil, err
			}
			if page != nil {
				return page, nil
			}
		case Page:
			return v, nil
		}
	}
	return nil, ErrNoPage
}

// StaticPage provides a fixed page.
type StaticPage struct {
	Page Page
}

func (s StaticPage) BrowserPage() (Page, error) {
	if s.Page == nil {
		return nil, ErrNoPage
	}
	return s.Page, nil
}
