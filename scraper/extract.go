package scraper

import (
	"encoding/json"
	"strings"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-price-monitor/parser"
)

// itemListURLs returns the product links of a JSON-LD ItemList. Only links
// that look like product pages are kept.
func itemListURLs(text string) []string {
	var doc map[string]any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil
	}
	if doc["@type"] != "ItemList" {
		return nil
	}
	items, _ := doc["itemListElement"].([]any)

	var out []string
	for _, it := range items {
		item, ok := it.(map[string]any)
		if !ok {
			continue
		}
		link, _ := item["url"].(string)
		if link == "" {
			if nested, ok := item["item"].(map[string]any); ok {
				link, _ = nested["url"].(string)
			}
		}
		if link != "" && parser.ExtractProductCode(link) != "" {
			out = append(out, link)
		}
	}
	return out
}

// ldOffer is the subset of a schema.org Product the monitor reads.
type ldOffer struct {
	Name         string
	SKU          string
	Image        string
	Price        any
	Availability string
}

func ldProduct(text string) (ldOffer, bool) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return ldOffer{}, false
	}
	if doc["@type"] != "Product" {
		return ldOffer{}, false
	}

	p := ldOffer{}
	p.Name, _ = doc["name"].(string)
	p.SKU, _ = doc["sku"].(string)
	switch img := doc["image"].(type) {
	case string:
		p.Image = img
	case []any:
		if len(img) > 0 {
			p.Image, _ = img[0].(string)
		}
	}

	var offer map[string]any
	switch o := doc["offers"].(type) {
	case map[string]any:
		offer = o
	case []any:
		if len(o) > 0 {
			offer, _ = o[0].(map[string]any)
		}
	}
	if offer != nil {
		p.Price = offer["price"]
		if p.Price == nil {
			p.Price = offer["lowPrice"]
		}
		p.Availability, _ = offer["availability"].(string)
	}
	return p, true
}

// extractCard reads a product card on a listing page.
func extractCard(e *colly.HTMLElement) parser.RawRecord {
	href := e.ChildAttr("a.product-card__link", "href")
	if href == "" {
		href = e.ChildAttr("a", "href")
	}
	if href == "" {
		return nil
	}

	record := parser.RawRecord{
		parser.FieldURL:  e.Request.AbsoluteURL(href),
		parser.FieldName: strings.TrimSpace(e.ChildText(".product-card__title")),
	}
	if code := e.Attr("data-product-id"); code != "" {
		record[parser.FieldCode] = code
	}
	if price := firstText(e, ".prod-price__current", `[data-testid="price-current"]`); price != "" {
		record[parser.FieldPrice] = price
	}
	if was := firstText(e, ".prod-price__was", `[data-testid="price-prev"]`); was != "" {
		record[parser.FieldWasPrice] = was
	}
	if stock := firstText(e, `[data-testid="stock"]`, ".stock-availability-message"); stock != "" {
		record[parser.FieldAvailability] = stock
	}
	if img := e.ChildAttr("img", "src"); img != "" {
		record[parser.FieldImage] = e.Request.AbsoluteURL(img)
	}
	return record
}

// extractProduct reads a product page. Every colour option becomes its own
// record; a page without options yields a single record.
func extractProduct(e *colly.HTMLElement) []parser.RawRecord {
	base := parser.RawRecord{parser.FieldURL: e.Request.URL.String()}

	if ld, ok := e.Request.Ctx.GetAny("ld_product").(ldOffer); ok {
		base[parser.FieldName] = ld.Name
		if ld.SKU != "" {
			base[parser.FieldCode] = ld.SKU
		}
		if ld.Price != nil {
			base[parser.FieldPrice] = ld.Price
		}
		if ld.Availability != "" {
			base[parser.FieldAvailability] = ld.Availability
		}
		if ld.Image != "" {
			base[parser.FieldImage] = e.Request.AbsoluteURL(ld.Image)
		}
	}
	if _, ok := base[parser.FieldName]; !ok {
		base[parser.FieldName] = strings.TrimSpace(e.ChildText("h1.product-header__name"))
	}
	if _, ok := base[parser.FieldPrice]; !ok {
		if price := firstText(e, ".prod-price__current", `[data-testid="price-current"]`); price != "" {
			base[parser.FieldPrice] = price
		}
	}
	if was := firstText(e, ".prod-price__was", `[data-testid="price-prev"]`); was != "" {
		base[parser.FieldWasPrice] = was
	}
	if _, ok := base[parser.FieldAvailability]; !ok {
		if stock := firstText(e, ".stock-availability-message"); stock != "" {
			base[parser.FieldAvailability] = stock
		}
	}
	if _, ok := base[parser.FieldImage]; !ok {
		if img := e.ChildAttr("img.product-image", "src"); img != "" {
			base[parser.FieldImage] = e.Request.AbsoluteURL(img)
		}
	}

	var sizes []string
	e.ForEach(`[data-testid="size:option:button"]`, func(_ int, el *colly.HTMLElement) {
		if label := strings.TrimSpace(el.Text); label != "" {
			sizes = append(sizes, label)
		}
	})
	if len(sizes) > 0 {
		base[parser.FieldSizes] = sizes
	}

	var records []parser.RawRecord
	e.ForEach(`[data-testid^="colour:option"]`, func(_ int, el *colly.HTMLElement) {
		name := strings.TrimSpace(el.Attr("data-variant"))
		if name == "" {
			name = strings.TrimSpace(el.Text)
		}
		if name == "" {
			return
		}
		record := make(parser.RawRecord, len(base)+3)
		for k, v := range base {
			record[k] = v
		}
		record[parser.FieldVariant] = name
		if price := el.Attr("data-price"); price != "" {
			record[parser.FieldPrice] = price
		}
		if was := el.Attr("data-was-price"); was != "" {
			record[parser.FieldWasPrice] = was
		}
		if stock := el.Attr("data-availability"); stock != "" {
			record[parser.FieldAvailability] = stock
		}
		records = append(records, record)
	})
	if len(records) == 0 {
		records = append(records, base)
	}
	return records
}

func firstText(e *colly.HTMLElement, selectors ...string) string {
	for _, sel := range selectors {
		if text := strings.TrimSpace(e.ChildText(sel)); text != "" {
			return text
		}
	}
	return ""
}
