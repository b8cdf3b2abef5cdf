package scrape

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrFetchFailed wraps every fetch failure.
	ErrFetchFailed = errors.New("failed to fetch page")

	// ErrEmptyBody is returned when a page has no content.
	ErrEmptyBody = errors.New("page body is empty")

	// ErrTooManyRedirects is returned when a redirect chain exceeds MaxRedirects.
	ErrTooManyRedirects = errors.New("too many redirects")
)

// MaxRedirects is the longest redirect chain HTTPFetcher follows.
const MaxRedirects = 10

// Fetcher retrieves the HTML of a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// HTTPFetcher fetches pages with a plain HTTP GET.
type HTTPFetcher struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
}

// NewHTTPFetcher creates an HTTPFetcher. Requests time out after timeout and
// bodies longer than maxBodyBytes are cut.
func NewHTTPFetcher(timeout time.Duration, userAgent string, maxBodyBytes int64) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= MaxRedirects {
					return ErrTooManyRedirects
				}
				return nil
			},
		},
		userAgent:    userAgent,
		maxBodyBytes: maxBodyBytes,
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %w", ErrFetchFailed, &StatusError{StatusCode: resp.StatusCode})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("%w: reading body: %v", ErrFetchFailed, err)
	}
	if strings.TrimSpace(string(body)) == "" {
		return "", fmt.Errorf("%w: %w", ErrFetchFailed, ErrEmptyBody)
	}
	return string(body), nil
}

// FallbackFetcher tries Primary and, when it fails, Secondary.
type FallbackFetcher struct {
	Primary   Fetcher
	Secondary Fetcher
	Logger    *slog.Logger
}

// Fetch implements Fetcher. When both fetchers fail the primary error is
// reported alongside the secondary one.
func (f *FallbackFetcher) Fetch(ctx context.Context, url string) (string, error) {
	content, err := f.Primary.Fetch(ctx, url)
	if err == nil || f.Secondary == nil {
		return content, err
	}
	if ctx.Err() != nil {
		return "", err
	}

	if f.Logger != nil {
		f.Logger.WarnContext(ctx, "primary fetch failed, trying browser fetch",
			"url", url,
			"error", err)
	}

	content, secondaryErr := f.Secondary.Fetch(ctx, url)
	if secondaryErr != nil {
		return "", fmt.Errorf("%w (browser fallback: %v)", err, secondaryErr)
	}
	return content, nil
}
