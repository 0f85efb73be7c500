// Package fetcher implements the Transaction Fetcher: given a signature,
// retrieve the full parsed transaction via request/response RPC (spec
// §4.2), running up to MAX_INFLIGHT_FETCH workers pulling from a
// shed-on-overflow queue.
package fetcher

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"pumpfeed/internal/metrics"
)

// Result is what a worker hands back for one fetched (or abandoned)
// signature.
type Result struct {
	Signature string
	Record    *TransactionRecord
	Err       error
}

// Config tunes the fetcher, sourced from internal/config.Config.
type Config struct {
	MaxInflight    int
	QueueHighWater int
	Timeout        time.Duration
	MaxRetries     int
}

// Fetcher runs MaxInflight worker goroutines pulling signatures off a
// shared queue and publishing Results.
type Fetcher struct {
	client  RPCClient
	queue   *queue
	limiter *rate.Limiter
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger

	results chan Result
}

// New builds a Fetcher that calls httpURL over JSON-RPC.
func New(httpURL string, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Fetcher {
	client := newHTTPRPCClient(httpURL, &http.Client{Timeout: cfg.Timeout})
	return newWithClient(client, cfg, m, logger)
}

func newWithClient(client RPCClient, cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Fetcher {
	f := &Fetcher{
		client: client,
		// Smooth bursts ahead of the upstream's own rate limiting: one
		// request per 50ms across all workers, with a burst of up to
		// MaxInflight, generalizing the concurrency cap with an explicit
		// request-rate cap (SPEC_FULL.md §14).
		limiter: rate.NewLimiter(rate.Every(50*time.Millisecond), cfg.MaxInflight),
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		results: make(chan Result, cfg.QueueHighWater),
	}
	f.queue = newQueue(cfg.QueueHighWater, f.onShed)
	return f
}

func (f *Fetcher) onShed(n int) {
	if f.metrics != nil {
		f.metrics.FetcherShedTotal.Add(float64(n))
	}
	f.logger.Warn().Int("count", n).Msg("shedding oldest queued signatures past high-water mark")
}

// Results returns the channel of completed fetches.
func (f *Fetcher) Results() <-chan Result {
	return f.results
}

// Submit enqueues signature for fetching.
func (f *Fetcher) Submit(signature string) {
	f.queue.Push(signature)
	if f.metrics != nil {
		f.metrics.FetcherQueueDepth.Set(float64(f.queue.Len()))
	}
}

// Run starts MaxInflight worker goroutines and blocks until ctx is
// cancelled, at which point the queue is closed and workers drain out.
func (f *Fetcher) Run(ctx context.Context) {
	workers := f.cfg.MaxInflight
	if workers <= 0 {
		workers = 16
	}

	done := make(chan struct{})
	for i := 0; i < workers; i++ {
		go f.worker(ctx, done)
	}

	<-ctx.Done()
	f.queue.Close()
	for i := 0; i < workers; i++ {
		<-done
	}
	close(f.results)
}

func (f *Fetcher) worker(ctx context.Context, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	for {
		sig, ok := f.queue.Pop()
		if !ok {
			return
		}
		if f.metrics != nil {
			f.metrics.FetcherQueueDepth.Set(float64(f.queue.Len()))
			f.metrics.FetcherInflight.Inc()
		}

		record, err := f.fetchWithRetry(ctx, sig)

		if f.metrics != nil {
			f.metrics.FetcherInflight.Dec()
		}

		select {
		case f.results <- Result{Signature: sig, Record: record, Err: err}:
		case <-ctx.Done():
			return
		}
	}
}

// fetchWithRetry implements the per-kind retry policy from spec §4.2:
// NotFound gets a small bounded number of short linear-backoff retries;
// RateLimited/Transport get exponential backoff with full jitter, capped;
// Malformed is never retried.
func (f *Fetcher) fetchWithRetry(ctx context.Context, signature string) (*TransactionRecord, error) {
	const (
		notFoundStep    = 200 * time.Millisecond
		backoffBase     = 500 * time.Millisecond
		backoffCap      = 10 * time.Second
	)

	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		start := time.Now()
		reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
		record, err := f.client.GetTransaction(reqCtx, signature)
		cancel()

		if f.metrics != nil {
			f.metrics.FetcherLatencySeconds.Observe(time.Since(start).Seconds())
		}

		if err == nil {
			f.recordOutcome("success")
			return record, nil
		}
		lastErr = err

		var notFound *NotFoundError
		var rateLimited *RateLimitedError
		var transport *TransportError
		var malformed *MalformedError

		switch {
		case errors.As(err, &malformed):
			f.recordOutcome("malformed")
			f.logger.Warn().Str("signature", signature).Err(err).Msg("dropping signature: malformed RPC response")
			return nil, err

		case errors.As(err, &notFound):
			f.recordOutcome("not_found")
			if attempt == f.cfg.MaxRetries {
				f.logger.Warn().Str("signature", signature).Msg("dropping signature: not found after retries")
				return nil, err
			}
			f.sleep(ctx, notFoundStep*time.Duration(attempt+1))

		case errors.As(err, &rateLimited):
			f.recordOutcome("rate_limited")
			if attempt == f.cfg.MaxRetries {
				f.logger.Warn().Str("signature", signature).Msg("dropping signature: rate limited after retries")
				return nil, err
			}
			f.sleep(ctx, jitteredBackoff(backoffBase, backoffCap, attempt))

		case errors.As(err, &transport):
			f.recordOutcome("transport")
			if attempt == f.cfg.MaxRetries {
				f.logger.Warn().Str("signature", signature).Err(err).Msg("dropping signature: transport error after retries")
				return nil, err
			}
			f.sleep(ctx, jitteredBackoff(backoffBase, backoffCap, attempt))

		default:
			f.recordOutcome("unknown")
			return nil, err
		}
	}
	return nil, lastErr
}

func (f *Fetcher) recordOutcome(outcome string) {
	if f.metrics != nil {
		f.metrics.FetcherRequestsTotal.WithLabelValues(outcome).Inc()
	}
}

func (f *Fetcher) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// jitteredBackoff returns a full-jitter exponential backoff duration for
// the given attempt, capped at capDur.
func jitteredBackoff(base, capDur time.Duration, attempt int) time.Duration {
	d := base * time.Duration(1<<uint(attempt))
	if d > capDur || d <= 0 {
		d = capDur
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
