package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/aluiziolira/go-price-monitor/models"
)

// ErrTransportFailure marks a notification that could not be delivered.
var ErrTransportFailure = errors.New("notify: transport failure")

// TransportError carries the HTTP status of a failed delivery.
type TransportError struct {
	Identity models.Identity
	Status   int
	Err      error
}

func (e TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("deliver %s: %v", e.Identity, e.Err)
	default:
		return fmt.Sprintf("deliver %s: status %d", e.Identity, e.Status)
	}
}

func (e TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTransportFailure}
	}
	return []error{ErrTransportFailure, e.Err}
}

// Sink delivers notifications.
type Sink interface {
	Send(ctx context.Context, n models.Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n models.Notification) error

func (f SinkFunc) Send(ctx context.Context, n models.Notification) error {
	return f(ctx, n)
}

// DiscordOptions tunes the webhook client.
type DiscordOptions struct {
	Timeout        time.Duration
	Retries        int
	RetryWait      time.Duration
	CurrencySymbol string
	Footer         string
	// Transport replaces the HTTP transport, mainly for tests.
	Transport http.RoundTripper
}

// DiscordSink posts notifications to a Discord webhook as embeds.
type DiscordSink struct {
	url    string
	client *resty.Client
	opts   DiscordOptions
}

// NewDiscordSink builds a sink for webhookURL.
func NewDiscordSink(webhookURL string, opts DiscordOptions) *DiscordSink {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = time.Second
	}
	if opts.CurrencySymbol == "" {
		opts.CurrencySymbol = "£"
	}
	if opts.Footer == "" {
		opts.Footer = "Price Monitor"
	}

	client := resty.New()
	client.SetTimeout(opts.Timeout)
	client.SetHeader("Content-Type", "application/json")
	client.SetRetryCount(opts.Retries)
	client.SetRetryWaitTime(opts.RetryWait)
	client.SetRetryMaxWaitTime(4 * opts.RetryWait)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
	})
	if opts.Transport != nil {
		client.SetTransport(opts.Transport)
	}

	return &DiscordSink{url: webhookURL, client: client, opts: opts}
}

type discordPayload struct {
	Content string         `json:"content,omitempty"`
	Embeds  []discordEmbed `json:"embeds,omitempty"`
}

type discordEmbed struct {
	Title     string         `json:"title"`
	URL       string         `json:"url,omitempty"`
	Color     int            `json:"color"`
	Thumbnail *discordImage  `json:"thumbnail,omitempty"`
	Fields    []discordField `json:"fields,omitempty"`
	Footer    *discordFooter `json:"footer,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

type discordImage struct {
	URL string `json:"url"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordFooter struct {
	Text string `json:"text"`
}

const (
	colorInStock    = 0x00ff00
	colorOutOfStock = 0xff0000
)

// Send posts n. Any failure is wrapped in ErrTransportFailure.
func (d *DiscordSink) Send(ctx context.Context, n models.Notification) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(d.payload(n)).
		Post(d.url)
	if err != nil {
		return TransportError{Identity: n.Identity, Err: err}
	}
	if resp.IsError() {
		return TransportError{Identity: n.Identity, Status: resp.StatusCode()}
	}
	return nil
}

func (d *DiscordSink) payload(n models.Notification) discordPayload {
	if n.Identity == "" {
		return discordPayload{Content: truncate("⚠️ "+n.Message, 2000)}
	}

	sym := d.opts.CurrencySymbol
	color := colorInStock
	stock := "In Stock"
	if !n.InStock {
		color, stock = colorOutOfStock, "Out of Stock"
	}

	previous, change := "N/A (New)", "N/A (New)"
	if n.PreviousPrice > 0 {
		previous = FormatPrice(n.PreviousPrice, sym)
		change = "Down " + FormatPrice(n.PreviousPrice-n.Price, sym)
	}
	original := "N/A"
	if n.OriginalPrice > 0 {
		original = FormatPrice(n.OriginalPrice, sym)
	}
	sizes := "One Size"
	if len(n.Sizes) > 0 {
		shown := n.Sizes
		if len(shown) > 5 {
			shown = shown[:5]
		}
		sizes = strings.Join(shown, ", ")
	}

	embed := discordEmbed{
		Title: truncate(n.Name, 256),
		URL:   n.URL,
		Color: color,
		Fields: []discordField{
			{Name: "Current Price", Value: FormatPrice(n.Price, sym), Inline: true},
			{Name: "Previous Price", Value: previous, Inline: true},
			{Name: "Change", Value: change, Inline: true},
			{Name: "Original Price", Value: original, Inline: true},
			{Name: "Discount", Value: FormatPercent(n.Discount), Inline: true},
			{Name: "Stock", Value: stock, Inline: true},
			{Name: "Category", Value: n.Category, Inline: true},
			{Name: "Sizes", Value: truncate(sizes, 1024), Inline: false},
		},
		Footer: &discordFooter{Text: truncate(d.opts.Footer+" | "+n.Kind, 2048)},
	}
	if !n.At.IsZero() {
		embed.Timestamp = n.At.UTC().Format(time.RFC3339)
	}
	if n.ImageURL != "" {
		embed.Thumbnail = &discordImage{URL: n.ImageURL}
	}
	return discordPayload{Content: truncate(n.Message, 2000), Embeds: []discordEmbed{embed}}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
