// Package scraper crawls category listings and product pages into raw
// records.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-price-monitor/config"
	"github.com/aluiziolira/go-price-monitor/parser"
)

// ErrListingFailed is returned when a listing page could not be fetched.
// The records of such a crawl are incomplete and must not be diffed.
var ErrListingFailed = errors.New("scraper: listing page failed")

const (
	pageListing = "listing"
	pageProduct = "product"
)

// Result summarises one category crawl.
type Result struct {
	Category     string
	Records      []parser.RawRecord
	StartTime    time.Time
	EndTime      time.Time
	RequestCount int
	PageCount    int
	ErrorCount   int
	RetryCount   int
	FailedURLs   []string
	ErrorsByType map[string]int
}

// Scraper builds a fresh collector for every crawl so visited-URL tracking
// never leaks between cycles.
type Scraper struct {
	cfg       *config.Config
	Metrics   *Metrics
	transport http.RoundTripper
}

// NewScraper builds a scraper configured from cfg.
func NewScraper(cfg *config.Config, m *Metrics) *Scraper {
	if m == nil {
		m = NewMetrics()
	}
	return &Scraper{cfg: cfg, Metrics: m}
}

// WithTransport replaces the HTTP transport of future crawls.
func (s *Scraper) WithTransport(rt http.RoundTripper) {
	s.transport = rt
}

// Fetch crawls category and returns its raw records.
func (s *Scraper) Fetch(ctx context.Context, category config.Category) ([]parser.RawRecord, error) {
	res, err := s.Scrape(ctx, category)
	if err != nil {
		return nil, err
	}
	return res.Records, nil
}

// Scrape crawls category and reports statistics alongside the records.
func (s *Scraper) Scrape(ctx context.Context, category config.Category) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	parsed, err := url.Parse(category.URL)
	if err != nil {
		return nil, fmt.Errorf("parse category url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("category url must include a host")
	}

	collector, err := s.newCollector(parsed.Hostname())
	if err != nil {
		return nil, err
	}

	maxPages := category.MaxPages
	if maxPages <= 0 {
		maxPages = s.cfg.MaxPages
	}

	c := &crawl{
		ctx:          ctx,
		cfg:          s.cfg,
		metrics:      s.Metrics,
		collector:    collector,
		category:     category.Name,
		maxPages:     maxPages,
		queued:       make(map[string]struct{}),
		errorsByType: make(map[string]int),
		logger:       slog.Default().With("component", "scraper", "category", category.Name),
	}
	c.retry = newRetryManager(s.cfg, s.Metrics)
	c.retry.SetContext(ctx)
	c.configureHandlers()

	start := time.Now()
	req := colly.NewContext()
	req.Put("kind", pageListing)
	if err := collector.Request(http.MethodGet, category.URL, nil, req, nil); err != nil {
		return nil, fmt.Errorf("initial visit: %w", err)
	}
	c.wait()

	res := c.result(start)
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if n := atomic.LoadInt64(&c.listingFailures); n > 0 {
		return res, fmt.Errorf("%w: %d page(s) of %s", ErrListingFailed, n, category.Name)
	}
	return res, nil
}

func (s *Scraper) newCollector(host string) (*colly.Collector, error) {
	collector := colly.NewCollector(
		colly.Async(true),
		colly.AllowedDomains(host),
		colly.UserAgent(s.cfg.UserAgent),
	)

	collector.SetRequestTimeout(s.cfg.Timeout)
	collector.IgnoreRobotsTxt = !s.cfg.RespectRobotsTxt
	if s.transport != nil {
		collector.WithTransport(s.transport)
	} else {
		collector.WithTransport(&http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   s.cfg.Timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		})
	}

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: s.cfg.Parallelism,
		Delay:       s.cfg.Delay,
		RandomDelay: s.cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}
	return collector, nil
}

// crawl is the state of one Scrape call.
type crawl struct {
	ctx       context.Context
	cfg       *config.Config
	metrics   *Metrics
	collector *colly.Collector
	retry     *retryManager
	category  string
	maxPages  int
	logger    *slog.Logger

	requestCount    int64
	pageCount       int64
	errorCount      int64
	listingFailures int64

	mu           sync.Mutex
	records      []parser.RawRecord
	queued       map[string]struct{}
	failedURLs   []string
	errorsByType map[string]int
}

// visit queues link once per crawl.
func (c *crawl) visit(link, kind string) {
	if c.ctx.Err() != nil || link == "" {
		return
	}
	c.mu.Lock()
	if _, ok := c.queued[link]; ok {
		c.mu.Unlock()
		return
	}
	c.queued[link] = struct{}{}
	c.mu.Unlock()

	ctx := colly.NewContext()
	ctx.Put("kind", kind)
	if err := c.collector.Request(http.MethodGet, link, nil, ctx, nil); err != nil {
		c.logger.Debug("visit skipped", slog.String("url", link), slog.Any("error", err))
	}
}

func (c *crawl) emit(records ...parser.RawRecord) {
	if len(records) == 0 {
		return
	}
	c.mu.Lock()
	c.records = append(c.records, records...)
	c.mu.Unlock()
	c.metrics.AddRecords(c.category, len(records))
}

// wait blocks until no request is running and no retry is pending.
func (c *crawl) wait() {
	for {
		c.collector.Wait()
		if c.retry.Pending() == 0 {
			break
		}
		select {
		case <-c.ctx.Done():
			c.retry.Stop()
			c.collector.Wait()
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
	c.retry.Stop()
}

func (c *crawl) configureHandlers() {
	c.collector.OnRequest(func(r *colly.Request) {
		if c.ctx.Err() != nil {
			r.Abort()
			return
		}
		r.Ctx.Put("start", time.Now())
		current := atomic.AddInt64(&c.requestCount, 1)
		c.metrics.IncRequest(r.Ctx.Get("kind"))
		if current%50 == 0 {
			c.logger.Debug("scraper request progress",
				slog.Int64("requests", current),
				slog.Int64("pages", atomic.LoadInt64(&c.pageCount)),
				slog.String("url", r.URL.String()),
			)
		}
	})

	c.collector.OnResponse(func(r *colly.Response) {
		if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
			c.metrics.ObserveDuration(r.Request.Ctx.Get("kind"), time.Since(start))
		}
		if r.Request.Ctx.Get("kind") == pageListing {
			atomic.AddInt64(&c.pageCount, 1)
			c.metrics.IncListingPage(c.category)
		}
	})

	c.collector.OnError(func(r *colly.Response, err error) {
		atomic.AddInt64(&c.errorCount, 1)
		statusCode := 0
		if r != nil {
			statusCode = r.StatusCode
		}
		classified := classifyError(err, statusCode)
		label := errorTypeLabel(classified)

		c.mu.Lock()
		c.errorsByType[label]++
		c.mu.Unlock()

		link := ""
		kind := ""
		var req *colly.Request
		if r != nil && r.Request != nil {
			req = r.Request
			kind = req.Ctx.Get("kind")
			if req.URL != nil {
				link = req.URL.String()
			}
		}
		c.logger.Error("request error",
			slog.String("url", link),
			slog.String("error_type", label),
			slog.Any("error", err),
		)
		c.metrics.IncError(label)

		if retryable(classified) && c.retry.Schedule(req) {
			return
		}
		c.mu.Lock()
		c.failedURLs = append(c.failedURLs, link)
		c.mu.Unlock()
		if kind == pageListing {
			atomic.AddInt64(&c.listingFailures, 1)
		}
	})

	c.collector.OnHTML(`script[type="application/ld+json"]`, func(e *colly.HTMLElement) {
		switch e.Request.Ctx.Get("kind") {
		case pageListing:
			links := itemListURLs(e.Text)
			if len(links) > 0 {
				// product pages carry the variants, so cards are skipped
				e.Request.Ctx.Put("item_list", true)
			}
			for _, link := range links {
				c.visit(e.Request.AbsoluteURL(link), pageProduct)
			}
		case pageProduct:
			if product, ok := ldProduct(e.Text); ok {
				e.Request.Ctx.Put("ld_product", product)
			}
		}
	})

	c.collector.OnHTML("article.product-card", func(e *colly.HTMLElement) {
		if e.Request.Ctx.Get("kind") != pageListing || e.Request.Ctx.GetAny("item_list") != nil {
			return
		}
		if record := extractCard(e); record != nil {
			c.emit(record)
		}
	})

	c.collector.OnHTML(`li.next a, a[rel="next"]`, func(e *colly.HTMLElement) {
		if e.Request.Ctx.Get("kind") != pageListing {
			return
		}
		if atomic.LoadInt64(&c.pageCount) >= int64(c.maxPages) {
			return
		}
		c.visit(e.Request.AbsoluteURL(e.Attr("href")), pageListing)
	})

	c.collector.OnHTML("body", func(e *colly.HTMLElement) {
		if e.Request.Ctx.Get("kind") != pageProduct {
			return
		}
		c.emit(extractProduct(e)...)
	})
}

func (c *crawl) result(start time.Time) *Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	records := make([]parser.RawRecord, len(c.records))
	copy(records, c.records)
	// async callbacks finish in any order
	sort.SliceStable(records, func(i, j int) bool {
		return recordKey(records[i]) < recordKey(records[j])
	})

	failed := make([]string, len(c.failedURLs))
	copy(failed, c.failedURLs)
	errs := make(map[string]int, len(c.errorsByType))
	for k, v := range c.errorsByType {
		errs[k] = v
	}

	return &Result{
		Category:     c.category,
		Records:      records,
		StartTime:    start,
		EndTime:      time.Now(),
		RequestCount: int(atomic.LoadInt64(&c.requestCount)),
		PageCount:    int(atomic.LoadInt64(&c.pageCount)),
		ErrorCount:   int(atomic.LoadInt64(&c.errorCount)),
		RetryCount:   c.retry.TotalRetries(),
		FailedURLs:   failed,
		ErrorsByType: errs,
	}
}

func recordKey(r parser.RawRecord) string {
	key := ""
	for _, field := range []string{parser.FieldURL, parser.FieldCode, parser.FieldVariant, parser.FieldSize} {
		if v, ok := r[field].(string); ok {
			key += v
		}
		key += "\x00"
	}
	return key
}

// classifyError attaches a failure class to a request error.
func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("http status %d", statusCode)
	}

	var netErr net.Error
	var opErr *net.OpError
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return &RequestError{Class: ErrTimeout, Status: statusCode, Err: err}
	case errors.As(err, &opErr):
		return &RequestError{Class: ErrConnection, Status: statusCode, Err: err}
	}

	switch {
	case statusCode == http.StatusForbidden:
		return &RequestError{Class: ErrForbidden, Status: statusCode, Err: err}
	case statusCode == http.StatusNotFound:
		return &RequestError{Class: ErrNotFound, Status: statusCode, Err: err}
	case statusCode == http.StatusTooManyRequests:
		return &RequestError{Class: ErrRateLimited, Status: statusCode, Err: err}
	case statusCode >= http.StatusInternalServerError:
		return &RequestError{Class: ErrServer, Status: statusCode, Err: err}
	}
	return err
}

type retryManager struct {
	cfg     *config.Config
	metrics *Metrics
	ctx     context.Context

	mu           sync.Mutex
	attempts     map[string]int
	timers       map[string]*time.Timer
	totalRetries int
	stopped      bool
}

func newRetryManager(cfg *config.Config, metrics *Metrics) *retryManager {
	return &retryManager{
		cfg:      cfg,
		attempts: make(map[string]int),
		timers:   make(map[string]*time.Timer),
		metrics:  metrics,
		ctx:      context.Background(),
	}
}

// Schedule retries req after a backoff. It reports false once the attempts
// for the URL are used up.
func (rm *retryManager) Schedule(req *colly.Request) bool {
	if rm.cfg.MaxRetries == 0 || req == nil || req.URL == nil {
		return false
	}

	if rm.ctx != nil {
		select {
		case <-rm.ctx.Done():
			return false
		default:
		}
	}

	key := req.URL.String()
	rm.mu.Lock()

	if rm.stopped {
		rm.mu.Unlock()
		return false
	}

	attempt := rm.attempts[key]
	if attempt >= rm.cfg.MaxRetries {
		rm.mu.Unlock()
		return false
	}

	attempt++
	rm.attempts[key] = attempt
	rm.totalRetries++
	rm.metrics.IncRetries()

	delay := rm.backoff(attempt)
	rm.resetTimerLocked(key)
	rm.timers[key] = time.AfterFunc(delay, func() {
		rm.fireRetry(key, req)
	})
	rm.mu.Unlock()
	return true
}

func (rm *retryManager) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := rm.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := rm.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func (rm *retryManager) resetTimerLocked(key string) {
	if timer, ok := rm.timers[key]; ok {
		timer.Stop()
		delete(rm.timers, key)
	}
}

func (rm *retryManager) fireRetry(key string, req *colly.Request) {
	rm.mu.Lock()
	if rm.stopped {
		rm.mu.Unlock()
		return
	}
	ctx := rm.ctx
	rm.mu.Unlock()

	if ctx == nil || ctx.Err() == nil {
		// Retry skips the visited check and registers with the collector
		// before returning, so the crawl keeps waiting for it.
		if err := req.Retry(); err != nil {
			slog.Debug("retry visit failed", slog.String("url", key), slog.Any("error", err))
		}
	}

	rm.mu.Lock()
	delete(rm.timers, key)
	rm.mu.Unlock()
}

// Pending returns the number of retries waiting on their backoff.
func (rm *retryManager) Pending() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.timers)
}

func (rm *retryManager) Stop() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.stopped {
		return
	}

	rm.stopped = true
	for key, timer := range rm.timers {
		timer.Stop()
		delete(rm.timers, key)
	}
}

func (rm *retryManager) TotalRetries() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.totalRetries
}

func (rm *retryManager) SetContext(ctx context.Context) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if ctx == nil {
		rm.ctx = context.Background()
		return
	}
	rm.ctx = ctx
}
