package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"gtfs-livemap/internal/gtfs"
)

var (
	// ErrRateLimited is returned when the upstream answers 429.
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrUpstreamStatus is returned for any other non-2xx answer.
	ErrUpstreamStatus = errors.New("unexpected upstream status")
	// ErrDecode is returned when the payload is not a valid FeedMessage.
	ErrDecode = errors.New("decode feed")
	// ErrClosed is returned by Fetch outside an Open/Close window.
	ErrClosed = errors.New("fetcher closed")
)

// DefaultTimeout caps a single upstream GET.
const DefaultTimeout = 10 * time.Second

// Fetcher performs one GET against a GTFS-RT vehicle positions endpoint per
// call and decodes the result.
type Fetcher struct {
	url       string
	keyHeader string
	apiKey    string
	timeout   time.Duration
	now       func() time.Time

	mu     sync.Mutex
	client *http.Client
}

func NewFetcher(url, keyHeader, apiKey string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		url:       url,
		keyHeader: keyHeader,
		apiKey:    apiKey,
		timeout:   timeout,
		now:       time.Now,
	}
}

// Open creates the HTTP transport. Calling Open on an open fetcher is a no-op.
func (f *Fetcher) Open() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return
	}
	f.client = &http.Client{
		Timeout:   f.timeout,
		Transport: http.DefaultTransport.(*http.Transport).Clone(),
	}
}

// Close releases idle connections. Fetch returns ErrClosed until the next Open.
func (f *Fetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil {
		return
	}
	f.client.CloseIdleConnections()
	f.client = nil
}

// Fetch downloads and decodes the feed. Callers treat every error as an
// empty batch; the sentinel errors above only classify it.
func (f *Fetcher) Fetch(ctx context.Context) ([]gtfs.VehiclePosition, error) {
	f.mu.Lock()
	client := f.client
	f.mu.Unlock()
	if client == nil {
		return nil, ErrClosed
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	if f.apiKey != "" && f.keyHeader != "" {
		req.Header.Set(f.keyHeader, f.apiKey)
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", f.url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: HTTP %d from %s", ErrUpstreamStatus, resp.StatusCode, f.url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.url, err)
	}
	return Decode(data, f.now())
}
