package normalize

import (
	"fmt"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// Sephora maps the Sephora product API payload.
func Sephora(raw crawler.RawRecord, sourceURL string) (*crawler.ProductRecord, error) {
	data, err := decodeObject(raw.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	rec := &crawler.ProductRecord{
		BusinessKey:  firstText(data["sku"], path(data, "currentSku", "skuId"), data["productId"]),
		Brand:        firstText(path(data, "brand", "displayName"), data["brandName"]),
		Name:         text(data["displayName"]),
		Currency:     "USD",
		Availability: availability(path(data, "currentSku", "isSellable")),
		ImageURL:     text(path(data, "primaryProductImage", "url")),
		Ingredients:  text(path(data, "currentSku", "ingredientDesc")),
		SourceURL:    sourceURL,
	}
	if rec.Availability == "" {
		rec.Availability = "OutOfStock"
	}
	if p, ok := price(path(data, "currentSku", "listPrice")); ok {
		rec.Price = p
	}
	if rec.BusinessKey == "" {
		return nil, nil
	}
	return rec, nil
}

// GenericJSON maps a flat product object with sku, brand, name, price,
// currency, availability, imageUrl and ingredients keys.
func GenericJSON(raw crawler.RawRecord, sourceURL string) (*crawler.ProductRecord, error) {
	data, err := decodeObject(raw.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	rec := &crawler.ProductRecord{
		BusinessKey:  text(data["sku"]),
		Brand:        firstText(data["brand"], path(data, "brand", "name")),
		Name:         text(data["name"]),
		Currency:     text(data["currency"]),
		Availability: availability(data["availability"]),
		ImageURL:     firstText(data["imageUrl"], data["image_url"]),
		Ingredients:  text(data["ingredients"]),
		SourceURL:    sourceURL,
	}
	if p, ok := price(data["price"]); ok {
		rec.Price = p
	}
	if rec.BusinessKey == "" {
		return nil, nil
	}
	return rec, nil
}
