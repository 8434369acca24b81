package cache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// Fetcher opens the content behind a locator. The caller closes the reader.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) (io.ReadCloser, error)
}

// HTTPFetcher fetches http and https locators.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher returns a fetcher with a bounded overall timeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &HTTPFetcher{Client: &http.Client{Timeout: timeout}}
}

// Fetch issues a GET. Non-2xx responses become a *types.FetchError carrying
// the status code.
func (f *HTTPFetcher) Fetch(ctx context.Context, locator string) (io.ReadCloser, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, &types.FetchError{Locator: locator, Err: err}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &types.FetchError{Locator: locator, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &types.FetchError{Locator: locator, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

// FileFetcher reads file:// locators and absolute paths.
type FileFetcher struct{}

// Fetch opens the file.
func (FileFetcher) Fetch(_ context.Context, locator string) (io.ReadCloser, error) {
	p := locator
	if strings.HasPrefix(locator, "file://") {
		u, err := url.Parse(locator)
		if err != nil {
			return nil, &types.FetchError{Locator: locator, Err: err}
		}
		p = u.Path
	}
	if !filepath.IsAbs(p) {
		return nil, &types.FetchError{Locator: locator, Err: fmt.Errorf("not an absolute path: %s", p)}
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, &types.FetchError{Locator: locator, Err: err}
	}
	return f, nil
}

// MultiFetcher routes by scheme. Locators without a scheme go to "file".
type MultiFetcher map[string]Fetcher

// DefaultFetcher handles http, https, file and plain paths.
func DefaultFetcher(timeout time.Duration) MultiFetcher {
	h := NewHTTPFetcher(timeout)
	return MultiFetcher{"http": h, "https": h, "file": FileFetcher{}}
}

// Fetch dispatches to the fetcher registered for the locator's scheme.
func (m MultiFetcher) Fetch(ctx context.Context, locator string) (io.ReadCloser, error) {
	scheme := "file"
	if u, err := url.Parse(locator); err == nil && u.Scheme != "" && len(u.Scheme) > 1 {
		scheme = strings.ToLower(u.Scheme)
	}
	f, ok := m[scheme]
	if !ok {
		return nil, &types.FetchError{Locator: locator, Err: fmt.Errorf("unsupported scheme %q", scheme)}
	}
	return f.Fetch(ctx, locator)
}
