package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tidewell/reservesync/internal/registry"
)

const maxFeedBodyBytes = 8 << 20

// FetchResult pairs one feed source with its fetched content or failure.
type FetchResult struct {
	Source registry.FeedSource
	Body   []byte
	// Skipped marks non-HTTP feed identifiers that belong to the
	// watched-directory ingestion path.
	Skipped bool
	Err     error
}

// FetcherConfig wires the dependencies of a fetcher.
type FetcherConfig struct {
	// Concurrency caps in-flight fetches across all feeds.
	Concurrency int
	// Timeout bounds each individual fetch.
	Timeout time.Duration
	// PerHostRPS throttles requests per feed host; zero disables throttling.
	PerHostRPS float64
	UserAgent  string
	// Client may be supplied in tests; the default reuses pooled connections.
	Client *http.Client
	Logger *zap.Logger
}

// Fetcher retrieves remote calendar documents concurrently, bounded by a
// global concurrency cap and a per-host rate limit.
type Fetcher struct {
	client      *http.Client
	concurrency int
	timeout     time.Duration
	perHostRPS  float64
	userAgent   string
	logger      *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFetcher validates configuration and returns a fetcher.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		client:      client,
		concurrency: concurrency,
		timeout:     timeout,
		perHostRPS:  cfg.PerHostRPS,
		userAgent:   cfg.UserAgent,
		logger:      logger,
		limiters:    make(map[string]*rate.Limiter),
	}
}

// FetchAll retrieves every source concurrently. Per-feed failures are reported
// in the corresponding result and never abort sibling fetches; only run-level
// cancellation stops the pass early.
func (f *Fetcher) FetchAll(ctx context.Context, sources []registry.FeedSource) []FetchResult {
	results := make([]FetchResult, len(sources))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(f.concurrency)

	for i, source := range sources {
		i, source := i, source
		group.Go(func() error {
			results[i] = f.fetchOne(groupCtx, source)
			return nil
		})
	}

	// Workers never return errors; Wait only observes ctx cancellation.
	_ = group.Wait()
	return results
}

func (f *Fetcher) fetchOne(ctx context.Context, source registry.FeedSource) FetchResult {
	result := FetchResult{Source: source}

	if !source.Remote() {
		result.Skipped = true
		return result
	}

	if err := f.waitForHost(ctx, source.URL); err != nil {
		result.Err = fmt.Errorf("rate limit wait: %w", err)
		return result
	}

	fetchCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, source.URL, nil)
	if err != nil {
		result.Err = fmt.Errorf("build request: %w", err)
		return result
	}
	if f.userAgent != "" {
		request.Header.Set("User-Agent", f.userAgent)
	}

	response, err := f.client.Do(request)
	if err != nil {
		result.Err = fmt.Errorf("fetch: %w", err)
		return result
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		result.Err = fmt.Errorf("unexpected status %d", response.StatusCode)
		return result
	}

	contentType := response.Header.Get("Content-Type")
	if strings.HasPrefix(strings.ToLower(contentType), "text/html") {
		result.Err = fmt.Errorf("unexpected content type %q", contentType)
		return result
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maxFeedBodyBytes))
	if err != nil {
		result.Err = fmt.Errorf("read body: %w", err)
		return result
	}
	if len(body) == 0 {
		result.Err = fmt.Errorf("empty response body")
		return result
	}

	result.Body = body
	return result
}

// waitForHost blocks until the feed's host limiter grants a slot.
func (f *Fetcher) waitForHost(ctx context.Context, rawURL string) error {
	if f.perHostRPS <= 0 {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	limiter := f.limiterForHost(parsed.Hostname())
	return limiter.Wait(ctx)
}

func (f *Fetcher) limiterForHost(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	limiter, ok := f.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(f.perHostRPS), 1)
		f.limiters[host] = limiter
	}
	return limiter
}
