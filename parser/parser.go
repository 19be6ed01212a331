// Package parser normalizes raw scraped records into typed product records.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/aluiziolira/go-price-monitor/models"
	"github.com/shopspring/decimal"
)

// RawRecord is one scraped item as loosely typed fields.
type RawRecord map[string]any

// Raw field names understood by Normalize.
const (
	FieldCode         = "code"
	FieldURL          = "url"
	FieldName         = "name"
	FieldPrice        = "price"
	FieldWasPrice     = "was_price"
	FieldDiscount     = "discount"
	FieldAvailability = "availability"
	FieldVariant      = "variant"
	FieldSize         = "size"
	FieldSizes        = "sizes"
	FieldImage        = "image"
)

// ErrMalformedRecord marks a raw record that lacks a required field.
var ErrMalformedRecord = errors.New("malformed record")

// MalformedError describes why a record was rejected.
type MalformedError struct {
	Index int
	Field string
	Err   error
}

func (e MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("record %d: field %s: %v", e.Index, e.Field, e.Err)
	}
	return fmt.Sprintf("record %d: missing field %s", e.Index, e.Field)
}

func (e MalformedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedRecord}
	}
	return []error{ErrMalformedRecord, e.Err}
}

// Rejection reasons counted by Normalize.
const (
	RejectMalformed = "malformed"
	RejectExcluded  = "excluded"
	RejectDuplicate = "duplicate_identity"
)

// Options controls normalization for one category.
type Options struct {
	Category         string
	ObservedAt       time.Time
	ExcludedKeywords []string
}

// Result holds the normalized records in identity order plus rejection counts.
type Result struct {
	Records  []models.ProductRecord
	Rejected map[string]int
	Errors   []error
}

// Normalize converts raw records into product records. Records that cannot be
// normalized are dropped and counted; Normalize itself never fails.
func Normalize(raws []RawRecord, opts Options) Result {
	res := Result{Rejected: make(map[string]int)}
	seen := make(map[models.Identity]struct{}, len(raws))

	for i, raw := range raws {
		rec, err := NormalizeRecord(raw, opts)
		if err != nil {
			res.Rejected[RejectMalformed]++
			res.Errors = append(res.Errors, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		if excluded(rec.Name, opts.ExcludedKeywords) {
			res.Rejected[RejectExcluded]++
			continue
		}
		if _, ok := seen[rec.Identity]; ok {
			res.Rejected[RejectDuplicate]++
			continue
		}
		seen[rec.Identity] = struct{}{}
		res.Records = append(res.Records, rec)
	}

	sort.Slice(res.Records, func(i, j int) bool {
		return res.Records[i].Identity < res.Records[j].Identity
	})
	return res
}

// NormalizeRecord converts a single raw record.
func NormalizeRecord(raw RawRecord, opts Options) (models.ProductRecord, error) {
	if raw == nil {
		return models.ProductRecord{}, MalformedError{Field: FieldCode}
	}

	link := NormalizeURL(stringField(raw, FieldURL))
	code := stringField(raw, FieldCode)
	if code == "" {
		code = ExtractProductCode(link)
	}
	code = slug(code)
	if code == "" {
		return models.ProductRecord{}, MalformedError{Field: FieldCode}
	}

	priceValue, ok := raw[FieldPrice]
	if !ok || priceValue == nil {
		return models.ProductRecord{}, MalformedError{Field: FieldPrice}
	}
	price, err := ParsePrice(priceValue)
	if err != nil {
		return models.ProductRecord{}, MalformedError{Field: FieldPrice, Err: err}
	}

	var original int64
	if v, ok := raw[FieldWasPrice]; ok && v != nil {
		if parsed, err := ParsePrice(v); err == nil {
			original = parsed
		}
	}

	discount := Discount(original, price)
	if discount == 0 {
		if v, ok := raw[FieldDiscount]; ok {
			if d, err := toDecimal(v); err == nil {
				discount = d.InexactFloat64()
			}
		}
	}

	variant := stringField(raw, FieldVariant)
	size := stringField(raw, FieldSize)
	name := strings.TrimSpace(stringField(raw, FieldName))
	if name == "" {
		name = code
	}
	if variant != "" && !strings.Contains(name, variant) {
		name = name + " - " + variant
	}

	sizes := stringsField(raw, FieldSizes)
	for i := range sizes {
		sizes[i] = NormalizeSize(sizes[i])
	}

	return models.ProductRecord{
		Identity:        BuildIdentity(code, variant, size),
		BaseKey:         code,
		Name:            name,
		Category:        opts.Category,
		Price:           price,
		OriginalPrice:   original,
		DiscountPercent: discount,
		InStock:         ParseAvailability(raw[FieldAvailability]),
		URL:             link,
		ImageURL:        strings.TrimSpace(stringField(raw, FieldImage)),
		Sizes:           sizes,
		FirstSeen:       opts.ObservedAt,
		LastSeen:        opts.ObservedAt,
	}, nil
}

// BuildIdentity composes the identity of one variant. Slugs never contain '_'
// or '@', so the separators keep distinct listings apart.
func BuildIdentity(code, variant, size string) models.Identity {
	id := slug(code)
	if v := slug(variant); v != "" {
		id += "_" + v
	}
	if s := slug(NormalizeSize(size)); s != "" {
		id += "@" + s
	}
	return models.Identity(id)
}

var productCodePattern = regexp.MustCompile(`p(\d+)$`)

// ExtractProductCode returns the retailer code from a product URL ending in p<digits>.
func ExtractProductCode(link string) string {
	if link == "" {
		return ""
	}
	m := productCodePattern.FindStringSubmatch(NormalizeURL(link))
	if m == nil {
		return ""
	}
	return m[1]
}

// NormalizeURL drops the query string, fragment and trailing slash.
func NormalizeURL(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	parsed, err := url.Parse(link)
	if err != nil {
		return link
	}
	path := strings.TrimRight(parsed.Path, "/")
	if parsed.Host == "" {
		return path
	}
	return parsed.Scheme + "://" + parsed.Host + path
}

var sizePattern = regexp.MustCompile(`(?i)^(uk|eu)(\d+)$`)

// NormalizeSize turns "UK10" into "UK 10" and trims spacing.
func NormalizeSize(size string) string {
	size = strings.TrimSpace(size)
	return sizePattern.ReplaceAllString(size, "$1 $2")
}

var maxMinorUnits = decimal.NewFromInt(math.MaxInt64)

var priceRangeSplit = regexp.MustCompile(`\s*-\s*`)

// ParsePrice converts a price value into minor currency units. Strings may
// carry currency symbols, thousands separators or a "low - high" range.
func ParsePrice(v any) (int64, error) {
	d, err := toDecimal(v)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative price %s", d)
	}
	minor := d.Shift(2).Round(0)
	if minor.GreaterThan(maxMinorUnits) {
		return 0, fmt.Errorf("price %s out of range", d)
	}
	return minor.IntPart(), nil
}

// Discount returns the percentage saved against the original price.
func Discount(original, current int64) float64 {
	if original <= 0 || current <= 0 || original <= current {
		return 0
	}
	pct := decimal.NewFromInt(original - current).
		Div(decimal.NewFromInt(original)).
		Shift(2).
		Round(2)
	return pct.InexactFloat64()
}

// ParseAvailability maps the scraped availability value to an in-stock flag.
// A missing value means the listing was purchasable.
func ParseAvailability(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.Join(strings.Fields(t), ""))
		if s == "" {
			return true
		}
		return !strings.Contains(s, "outofstock") &&
			!strings.Contains(s, "soldout") &&
			!strings.Contains(s, "unavailable")
	default:
		return true
	}
}

var priceCleaner = regexp.MustCompile(`[^\d.]`)

func toDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case float64:
		return decimal.NewFromFloat(t), nil
	case json.Number:
		return decimal.NewFromString(t.String())
	case string:
		text := strings.TrimSpace(t)
		if text == "" {
			return decimal.Decimal{}, fmt.Errorf("empty price")
		}
		text = priceRangeSplit.Split(text, 2)[0]
		text = priceCleaner.ReplaceAllString(text, "")
		if text == "" {
			return decimal.Decimal{}, fmt.Errorf("unparsable price %q", t)
		}
		d, err := decimal.NewFromString(text)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("unparsable price %q: %w", t, err)
		}
		return d, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("unsupported price type %T", v)
	}
}

func stringField(raw RawRecord, key string) string {
	switch t := raw[key].(type) {
	case string:
		return strings.TrimSpace(t)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	case int, int64, float64, json.Number:
		return fmt.Sprint(t)
	default:
		return ""
	}
}

func stringsField(raw RawRecord, key string) []string {
	switch t := raw[key].(type) {
	case []string:
		out := make([]string, 0, len(t))
		for _, s := range t {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		out := make([]string, 0, len(t))
		for _, v := range t {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case string:
		var out []string
		for _, s := range strings.Split(t, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func excluded(name string, keywords []string) bool {
	lower := strings.ToLower(name)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// slug lowercases s and collapses anything that is not a letter or number
// into single dashes. Non-ASCII letters and numbers such as "黒" or "½" are
// kept so they still tell variants apart.
func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r), unicode.IsNumber(r):
			b.WriteRune(r)
			dash = false
		default:
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
