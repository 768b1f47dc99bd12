// Package crawl retrieves raw documentation pages over HTTP. Failures are
// classified into the result record instead of propagating; a page that
// cannot be fetched is a per-item failure, never a pipeline error.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/fabfab/bookrag/retry"
)

// ErrorKind classifies why a fetch failed.
type ErrorKind string

const (
	ErrorNone       ErrorKind = ""
	ErrorConnection ErrorKind = "connection"
	ErrorTimeout    ErrorKind = "timeout"
	ErrorHTTPStatus ErrorKind = "http_status"
	ErrorTooLarge   ErrorKind = "too_large"
	ErrorCanceled   ErrorKind = "canceled"
)

// PageFetchResult is the immutable record produced once per URL.
type PageFetchResult struct {
	URL        string
	RawContent string
	StatusCode int
	Success    bool
	ErrorKind  ErrorKind
	Err        error
}

// Options configures a Fetcher.
type Options struct {
	Timeout         time.Duration
	UserAgent       string
	MaxContentBytes int64
	// RequestDelay separates sequential fetches made through this fetcher.
	RequestDelay time.Duration
	Policy       retry.Policy
}

// Fetcher fetches pages with retry on transient failures and a politeness
// delay between requests. Safe for concurrent use.
type Fetcher struct {
	client          *http.Client
	userAgent       string
	maxContentBytes int64
	requestDelay    time.Duration
	policy          retry.Policy
	logger          *log.Logger

	mu        sync.Mutex
	lastFetch time.Time
}

func NewFetcher(opts Options, logger *log.Logger) *Fetcher {
	if logger == nil {
		logger = log.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBytes := opts.MaxContentBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "bookrag/1.0"
	}
	policy := opts.Policy
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}

	transport := &http.Transport{
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (max 5)")
				}
				return nil
			},
		},
		userAgent:       userAgent,
		maxContentBytes: maxBytes,
		requestDelay:    opts.RequestDelay,
		policy:          policy,
		logger:          logger,
	}
}

// retryableStatus reports whether the HTTP status warrants another attempt.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Fetch retrieves url and classifies the outcome. It never returns an error;
// exhausted retries and non-retryable statuses come back as Success=false.
func (f *Fetcher) Fetch(ctx context.Context, url string) PageFetchResult {
	f.waitPoliteness(ctx)

	result := PageFetchResult{URL: url}

	err := f.policy.Do(ctx, func() error {
		body, status, err := f.fetchOnce(ctx, url)
		result.StatusCode = status
		if err != nil {
			return err
		}
		result.RawContent = body
		return nil
	})

	if err != nil {
		result.Success = false
		result.Err = err
		result.ErrorKind = classify(err)
		f.logger.Printf("fetch failed for %s: %v", url, err)
		return result
	}

	result.Success = true
	return result
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		// Connection errors and client timeouts are worth another attempt.
		return "", 0, retry.MarkTransient(fmt.Errorf("fetch %s: %w", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		statusErr := &StatusError{Code: resp.StatusCode}
		if retryableStatus(resp.StatusCode) {
			return "", resp.StatusCode, retry.MarkTransient(statusErr)
		}
		return "", resp.StatusCode, statusErr
	}

	limited := io.LimitReader(resp.Body, f.maxContentBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return "", resp.StatusCode, retry.MarkTransient(fmt.Errorf("read body: %w", err))
	}
	if int64(len(body)) > f.maxContentBytes {
		return "", resp.StatusCode, fmt.Errorf("%w: exceeds %d bytes", ErrContentTooLarge, f.maxContentBytes)
	}

	return string(body), resp.StatusCode, nil
}

// waitPoliteness enforces the configured delay since the previous fetch.
func (f *Fetcher) waitPoliteness(ctx context.Context) {
	if f.requestDelay <= 0 {
		return
	}

	f.mu.Lock()
	wait := f.requestDelay - time.Since(f.lastFetch)
	if wait < 0 {
		wait = 0
	}
	// Reserve this fetch's slot so concurrent callers queue behind it.
	f.lastFetch = time.Now().Add(wait)
	f.mu.Unlock()

	if wait == 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// StatusError reports a non-200 HTTP response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, http.StatusText(e.Code))
}

// ErrContentTooLarge reports a body exceeding the configured size limit.
var ErrContentTooLarge = errors.New("content too large")

func classify(err error) ErrorKind {
	var statusErr *StatusError
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorCanceled
	case errors.As(err, &statusErr):
		return ErrorHTTPStatus
	case errors.Is(err, ErrContentTooLarge):
		return ErrorTooLarge
	case isTimeout(err):
		return ErrorTimeout
	default:
		return ErrorConnection
	}
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	var t timeout
	return errors.As(err, &t) && t.Timeout()
}
