package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// Selectors maps record fields (sku, brand, name, price, currency,
// availability, image_url, ingredients) to CSS selectors.
type Selectors map[string]string

// HTML extracts a product from a page, preferring embedded JSON-LD and
// falling back to CSS selectors.
type HTML struct {
	Selectors Selectors
	// Currency fills in pages that only show a symbol.
	Currency string
}

// Normalize implements crawler.Normalizer.
func (h HTML) Normalize(raw crawler.RawRecord, sourceURL string) (*crawler.ProductRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if rec := fromJSONLD(doc); rec != nil {
		rec.SourceURL = sourceURL
		if rec.Currency == "" {
			rec.Currency = h.currency()
		}
		return rec, nil
	}
	rec := h.fromSelectors(doc)
	if rec == nil {
		return nil, nil
	}
	rec.SourceURL = sourceURL
	return rec, nil
}

func (h HTML) currency() string {
	if h.Currency != "" {
		return h.Currency
	}
	return "USD"
}

func fromJSONLD(doc *goquery.Document) *crawler.ProductRecord {
	var found *crawler.ProductRecord
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var payload any
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return true
		}
		if product := findProduct(payload); product != nil {
			found = productFromLD(product)
		}
		return found == nil
	})
	return found
}

func findProduct(payload any) map[string]any {
	switch t := payload.(type) {
	case map[string]any:
		if isProductType(t["@type"]) {
			return t
		}
		if graph, ok := t["@graph"]; ok {
			return findProduct(graph)
		}
	case []any:
		for _, item := range t {
			if p := findProduct(item); p != nil {
				return p
			}
		}
	}
	return nil
}

func isProductType(v any) bool {
	switch t := v.(type) {
	case string:
		return t == "Product"
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok && s == "Product" {
				return true
			}
		}
	}
	return false
}

func productFromLD(p map[string]any) *crawler.ProductRecord {
	rec := &crawler.ProductRecord{
		BusinessKey: firstText(p["sku"], p["productID"], p["mpn"]),
		Brand:       firstText(p["brand"], path(p, "brand", "name")),
		Name:        text(p["name"]),
		ImageURL:    firstImage(p["image"]),
		Ingredients: text(p["ingredients"]),
	}
	offer := firstOffer(p["offers"])
	if offer != nil {
		if v, ok := price(offer["price"]); ok {
			rec.Price = v
		} else if v, ok := price(offer["lowPrice"]); ok {
			rec.Price = v
		}
		rec.Currency = text(offer["priceCurrency"])
		rec.Availability = availability(offer["availability"])
	}
	if rec.BusinessKey == "" {
		return nil
	}
	return rec
}

func firstOffer(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case []any:
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

func firstImage(v any) string {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s := firstImage(item); s != "" {
				return s
			}
		}
	case map[string]any:
		return text(t["url"])
	}
	return text(v)
}

func (h HTML) fromSelectors(doc *goquery.Document) *crawler.ProductRecord {
	if len(h.Selectors) == 0 {
		return nil
	}
	pick := func(field string) string {
		sel := strings.TrimSpace(h.Selectors[field])
		if sel == "" {
			return ""
		}
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			return ""
		}
		if field == "image_url" {
			if src, ok := node.Attr("src"); ok {
				return strings.TrimSpace(src)
			}
		}
		if content, ok := node.Attr("content"); ok && node.Is("meta") {
			return strings.TrimSpace(content)
		}
		return strings.TrimSpace(node.Text())
	}
	rec := &crawler.ProductRecord{
		BusinessKey:  pick("sku"),
		Brand:        pick("brand"),
		Name:         pick("name"),
		Currency:     pick("currency"),
		Availability: availability(pick("availability")),
		ImageURL:     pick("image_url"),
		Ingredients:  pick("ingredients"),
	}
	if v, ok := price(pick("price")); ok {
		rec.Price = v
	}
	if rec.Currency == "" {
		rec.Currency = h.currency()
	}
	if rec.BusinessKey == "" {
		return nil
	}
	return rec
}

// Auto dispatches on the payload: JSON bodies go to JSON, everything else to
// Page.
type Auto struct {
	JSON crawler.Normalizer
	Page crawler.Normalizer
}

// Normalize implements crawler.Normalizer.
func (a Auto) Normalize(raw crawler.RawRecord, sourceURL string) (*crawler.ProductRecord, error) {
	if looksJSON(raw) {
		if a.JSON == nil {
			return nil, fmt.Errorf("%w: json payload with no json strategy", ErrUndecodable)
		}
		return a.JSON.Normalize(raw, sourceURL)
	}
	if a.Page == nil {
		return nil, fmt.Errorf("%w: page payload with no page strategy", ErrUndecodable)
	}
	return a.Page.Normalize(raw, sourceURL)
}

func looksJSON(raw crawler.RawRecord) bool {
	if strings.Contains(strings.ToLower(raw.ContentType), "json") {
		return true
	}
	trimmed := bytes.TrimSpace(raw.Body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}
