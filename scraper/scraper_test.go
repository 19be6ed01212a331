package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/aluiziolira/go-price-monitor/config"
	"github.com/aluiziolira/go-price-monitor/parser"
)

const shopURL = "http://shop.test"

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Parallelism = 2
	cfg.Delay = 0
	cfg.RandomDelay = 0
	cfg.MaxRetries = 0
	cfg.RetryBackoff = 10 * time.Millisecond
	cfg.RetryBackoffMax = 20 * time.Millisecond
	return cfg
}

func lighting(maxPages int) config.Category {
	return config.Category{Name: "Lighting", URL: shopURL + "/lighting", MaxPages: maxPages}
}

func fakeRequest(t *testing.T, link string) *colly.Request {
	t.Helper()
	u, err := url.Parse(link)
	if err != nil {
		t.Fatal(err)
	}
	return &colly.Request{URL: u, Ctx: colly.NewContext()}
}

func TestRetryManagerScheduleRespectsLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Hour
	cfg.RetryBackoffMax = time.Hour

	rm := newRetryManager(cfg, NewMetrics())
	req := fakeRequest(t, "http://example.com/page")

	if !rm.Schedule(req) {
		t.Fatalf("first retry should be scheduled")
	}
	if !rm.Schedule(req) {
		t.Fatalf("second retry should be scheduled")
	}
	if rm.Schedule(req) {
		t.Fatalf("third retry should not be scheduled")
	}
	if got := rm.Pending(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	rm.Stop()
	if got := rm.TotalRetries(); got != 2 {
		t.Fatalf("total retries = %d, want 2", got)
	}
	if rm.Pending() != 0 {
		t.Fatalf("stop should clear pending retries")
	}
	if rm.Schedule(fakeRequest(t, "http://example.com/other")) {
		t.Fatalf("stopped manager should not schedule")
	}
}

func TestRetryManagerBackoffCapped(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond

	rm := newRetryManager(cfg, nil)

	if got := rm.backoff(2); got != 400*time.Millisecond {
		t.Fatalf("second backoff = %v, want 400ms", got)
	}
	if delay := rm.backoff(4); delay > cfg.RetryBackoffMax {
		t.Fatalf("delay %v exceeds max %v", delay, cfg.RetryBackoffMax)
	}
}

func TestRetryManagerCanceledContext(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 3

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rm := newRetryManager(cfg, nil)
	rm.SetContext(ctx)

	if rm.Schedule(fakeRequest(t, "http://example.com/page")) {
		t.Fatalf("canceled context should not schedule retries")
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server", err: errors.New("Service Unavailable"), statusCode: http.StatusServiceUnavailable, expected: "server_error"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if retryable(classifyError(nil, http.StatusNotFound)) || retryable(classifyError(nil, http.StatusForbidden)) {
		t.Fatalf("client errors should not be retried")
	}
	if !retryable(classifyError(nil, http.StatusBadGateway)) || !retryable(classifyError(nil, http.StatusTooManyRequests)) {
		t.Fatalf("server and rate limit errors should be retried")
	}
	if !retryable(classifyError(context.DeadlineExceeded, 0)) {
		t.Fatalf("timeouts should be retried")
	}
}

func TestRequestErrorMatchesClass(t *testing.T) {
	err := classifyError(errors.New("Service Unavailable"), http.StatusServiceUnavailable)
	if !errors.Is(err, ErrServer) || errors.Is(err, ErrTimeout) {
		t.Fatalf("class mismatch: %v", err)
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("expected RequestError with status, got %#v", err)
	}
	if got := err.Error(); got != "server_error (status 503): Service Unavailable" {
		t.Fatalf("message = %q", got)
	}
}

func TestScraperHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{status: http.StatusTooManyRequests, expected: "rate_limited"},
		{status: http.StatusForbidden, expected: "forbidden"},
		{status: http.StatusNotFound, expected: "not_found"},
		{status: http.StatusBadGateway, expected: "server_error"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			cat := lighting(1)
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", cat.URL, httpmock.NewStringResponder(tt.status, ""))

			s := NewScraper(testConfig(), NewMetrics())
			s.WithTransport(transport)

			result, err := s.Scrape(context.Background(), cat)
			if !errors.Is(err, ErrListingFailed) {
				t.Fatalf("expected ErrListingFailed, got %v", err)
			}
			if got := result.ErrorsByType[tt.expected]; got == 0 {
				t.Fatalf("expected %q classification for status %d, got %v", tt.expected, tt.status, result.ErrorsByType)
			}
			if len(result.FailedURLs) != 1 || result.FailedURLs[0] != cat.URL {
				t.Fatalf("failed urls = %v", result.FailedURLs)
			}
		})
	}
}

func TestScraperListingCardsWithPagination(t *testing.T) {
	cat := lighting(3)
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", cat.URL, htmlResponder(buildListingPage(1, true)))
	transport.RegisterResponder("GET", cat.URL+"?page=2", htmlResponder(buildListingPage(2, true)))
	transport.RegisterResponder("GET", cat.URL+"?page=3", htmlResponder(buildListingPage(3, true)))
	// never requested: the page limit stops pagination first
	transport.RegisterResponder("GET", cat.URL+"?page=4", htmlResponder(buildListingPage(4, false)))

	metrics := NewMetrics()
	s := NewScraper(testConfig(), metrics)
	s.WithTransport(transport)

	result, err := s.Scrape(context.Background(), cat)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if result.PageCount != 3 {
		t.Fatalf("pages = %d, want 3", result.PageCount)
	}
	if got := testutil.ToFloat64(metrics.ListingPages.WithLabelValues(cat.Name)); got != 3 {
		t.Fatalf("listing pages metric = %v, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.Records.WithLabelValues(cat.Name)); got != 15 {
		t.Fatalf("records metric = %v, want 15", got)
	}
	if len(result.Records) != 15 {
		t.Fatalf("records = %d, want 15 (requests=%d errors=%d failed=%v)", len(result.Records), result.RequestCount, result.ErrorCount, result.FailedURLs)
	}
	if transport.GetCallCountInfo()["GET "+cat.URL+"?page=4"] != 0 {
		t.Fatalf("page 4 should not be requested")
	}

	norm := parser.Normalize(result.Records, parser.Options{Category: cat.Name})
	if len(norm.Records) != 15 {
		t.Fatalf("normalized = %d, rejected %v", len(norm.Records), norm.Rejected)
	}
	found := false
	for _, rec := range norm.Records {
		if rec.Identity != "1000007" {
			continue
		}
		found = true
		if rec.Name != "Lamp 7" || rec.Price != 700 || rec.OriginalPrice != 1400 {
			t.Fatalf("sample = %+v", rec)
		}
		if rec.InStock {
			t.Fatalf("odd cards are out of stock")
		}
		if rec.URL != shopURL+"/lighting/lamp-7/p1000007" || rec.ImageURL != shopURL+"/img/7.jpg" {
			t.Fatalf("links = %q %q", rec.URL, rec.ImageURL)
		}
	}
	if !found {
		t.Fatalf("expected identity 1000007")
	}
}

func TestScraperFollowsItemListToProductPages(t *testing.T) {
	cat := lighting(1)
	listing := `<html><head><script type="application/ld+json">{
  "@type": "ItemList",
  "itemListElement": [
    {"@type": "ListItem", "url": "/lighting/arc-lamp/p5512345"},
    {"@type": "ListItem", "item": {"url": "http://shop.test/lighting/desk-lamp/p42"}},
    {"@type": "ListItem", "url": "/help/delivery"}
  ]
}</script></head><body>
<article class="product-card"><a class="product-card__link" href="/lighting/arc-lamp/p5512345"></a></article>
</body></html>`

	arc := `<html><head><script type="application/ld+json">{
  "@type": "Product", "name": "Arc Lamp", "sku": "5512345",
  "image": ["/img/arc.jpg"],
  "offers": {"@type": "AggregateOffer", "lowPrice": 49.5, "availability": "https://schema.org/InStock"}
}</script></head><body>
<p class="prod-price__was">£99.00</p>
<button data-testid="colour:option:0" data-variant="Black" data-price="£49.50"></button>
<button data-testid="colour:option:1" data-variant="Brass" data-price="£59.50" data-availability="Out of stock"></button>
</body></html>`

	desk := `<html><head><script type="application/ld+json">{
  "@type": "Product", "name": "Desk Lamp",
  "offers": [{"@type": "Offer", "price": "12.00", "availability": "https://schema.org/OutOfStock"}]
}</script></head><body>
<button data-testid="size:option:button">UK10</button>
<button data-testid="size:option:button">UK12</button>
</body></html>`

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", cat.URL, htmlResponder(listing))
	transport.RegisterResponder("GET", shopURL+"/lighting/arc-lamp/p5512345", htmlResponder(arc))
	transport.RegisterResponder("GET", shopURL+"/lighting/desk-lamp/p42", htmlResponder(desk))

	s := NewScraper(testConfig(), nil)
	s.WithTransport(transport)

	records, err := s.Fetch(context.Background(), cat)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	norm := parser.Normalize(records, parser.Options{Category: cat.Name})
	if len(norm.Records) != 3 {
		t.Fatalf("records = %+v rejected %v", norm.Records, norm.Rejected)
	}
	byID := make(map[string]int)
	for i, rec := range norm.Records {
		byID[string(rec.Identity)] = i
	}

	black, ok := byID["5512345_black"]
	if !ok {
		t.Fatalf("missing black variant: %v", byID)
	}
	if rec := norm.Records[black]; rec.Price != 4950 || rec.OriginalPrice != 9900 || !rec.InStock || rec.Name != "Arc Lamp - Black" {
		t.Fatalf("black = %+v", rec)
	}
	if rec := norm.Records[byID["5512345_brass"]]; rec.Price != 5950 || rec.InStock {
		t.Fatalf("brass = %+v", rec)
	}
	if rec := norm.Records[byID["5512345_black"]]; rec.ImageURL != shopURL+"/img/arc.jpg" {
		t.Fatalf("image = %q", rec.ImageURL)
	}

	deskIdx, ok := byID["42"]
	if !ok {
		t.Fatalf("missing desk lamp: %v", byID)
	}
	deskRec := norm.Records[deskIdx]
	if deskRec.Price != 1200 || deskRec.InStock || len(deskRec.Sizes) != 2 || deskRec.Sizes[0] != "UK 10" {
		t.Fatalf("desk = %+v", deskRec)
	}
}

func TestScraperRetriesServerErrors(t *testing.T) {
	cat := lighting(1)
	var calls int32
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", cat.URL, func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return httpmock.NewStringResponse(http.StatusServiceUnavailable, ""), nil
		}
		resp := httpmock.NewStringResponse(http.StatusOK, buildListingPage(1, false))
		resp.Header.Set("Content-Type", "text/html")
		return resp, nil
	})

	cfg := testConfig()
	cfg.MaxRetries = 2
	s := NewScraper(cfg, NewMetrics())
	s.WithTransport(transport)

	result, err := s.Scrape(context.Background(), cat)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	if result.RetryCount != 1 || len(result.FailedURLs) != 0 {
		t.Fatalf("retries = %d failed = %v", result.RetryCount, result.FailedURLs)
	}
	if len(result.Records) != 5 {
		t.Fatalf("records = %d, want 5", len(result.Records))
	}
}

func TestScraperCanceledContext(t *testing.T) {
	cat := lighting(1)
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", cat.URL, htmlResponder(buildListingPage(1, false)))

	s := NewScraper(testConfig(), nil)
	s.WithTransport(transport)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Fetch(ctx, cat); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestScrapeRejectsBadCategoryURL(t *testing.T) {
	s := NewScraper(testConfig(), nil)
	if _, err := s.Scrape(context.Background(), config.Category{Name: "X", URL: "/relative"}); err == nil {
		t.Fatalf("expected error for url without host")
	}
}

func BenchmarkNormalizeListing(b *testing.B) {
	raws := make([]parser.RawRecord, 0, 500)
	for i := 0; i < 500; i++ {
		raws = append(raws, parser.RawRecord{
			parser.FieldURL:      fmt.Sprintf("%s/lighting/lamp-%d/p%d", shopURL, i, 1000000+i),
			parser.FieldName:     fmt.Sprintf("Lamp %d", i),
			parser.FieldPrice:    fmt.Sprintf("£%d.00", i+1),
			parser.FieldWasPrice: fmt.Sprintf("£%d.00", 2*(i+1)),
		})
	}
	opts := parser.Options{Category: "Lighting", ObservedAt: time.Unix(0, 0)}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		parser.Normalize(raws, opts)
	}
	elapsed := b.Elapsed().Seconds()
	if elapsed > 0 {
		b.ReportMetric(float64(b.N*len(raws))/elapsed, "records/sec")
	}
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html")
	return httpmock.ResponderFromResponse(resp)
}

func buildListingPage(page int, hasNext bool) string {
	var builder strings.Builder
	builder.WriteString("<html><body><section class=\"products\">")

	for i := 1; i <= 5; i++ {
		id := (page-1)*5 + i
		fmt.Fprintf(&builder, "<article class=\"product-card\">")
		fmt.Fprintf(&builder, "<a class=\"product-card__link\" href=\"/lighting/lamp-%d/p%d\"></a>", id, 1000000+id)
		fmt.Fprintf(&builder, "<h3 class=\"product-card__title\">Lamp %d</h3>", id)
		fmt.Fprintf(&builder, "<span data-testid=\"price-current\">&pound;%d.00</span>", id)
		fmt.Fprintf(&builder, "<span data-testid=\"price-prev\">Was &pound;%d.00</span>", 2*id)
		if id%2 == 1 {
			builder.WriteString("<span data-testid=\"stock\">Out of stock</span>")
		}
		fmt.Fprintf(&builder, "<img src=\"/img/%d.jpg\" />", id)
		builder.WriteString("</article>")
	}

	if hasNext {
		fmt.Fprintf(&builder, "<li class=\"next\"><a href=\"?page=%d\">next</a></li>", page+1)
	}

	builder.WriteString("</section></body></html>")
	return builder.String()
}
