package scrape

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodFetcher renders pages in a headless Chromium. The browser is started on
// first use and shared by all callers.
type RodFetcher struct {
	controlURL string

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// NewRodFetcher creates a RodFetcher. An empty controlURL launches a local
// headless browser; otherwise the fetcher connects to the given DevTools
// endpoint.
func NewRodFetcher(controlURL string) *RodFetcher {
	return &RodFetcher{controlURL: controlURL}
}

func (f *RodFetcher) connect() (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.browser != nil {
		return f.browser, nil
	}

	u := f.controlURL
	if u == "" {
		l := launcher.New().Headless(true)
		var err error
		u, err = l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launching browser: %w", err)
		}
		f.launcher = l
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	f.browser = b
	return b, nil
}

// Fetch implements Fetcher.
func (f *RodFetcher) Fetch(ctx context.Context, url string) (string, error) {
	b, err := f.connect()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	page, err := b.Context(ctx).Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return "", fmt.Errorf("%w: opening page: %v", ErrFetchFailed, err)
	}
	defer func() { _ = page.Close() }()

	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("%w: waiting for load: %v", ErrFetchFailed, err)
	}

	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("%w: reading page: %v", ErrFetchFailed, err)
	}
	if strings.TrimSpace(html) == "" {
		return "", fmt.Errorf("%w: %w", ErrFetchFailed, ErrEmptyBody)
	}
	return html, nil
}

// Close shuts the browser down.
func (f *RodFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	if f.browser != nil {
		err = f.browser.Close()
		f.browser = nil
	}
	if f.launcher != nil {
		f.launcher.Kill()
		f.launcher = nil
	}
	return err
}
