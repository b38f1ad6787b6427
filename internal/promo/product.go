// Package promo looks up the promoted products (rollback, clearance, deals)
// of each harvested store through the site's product search API.
package promo

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/JakeFAU/storeharvest/internal/harvest"
)

// Promo types reported on products.
const (
	PromoRollback  = "rollback"
	PromoClearance = "clearance"
	PromoDeal      = "deal"
)

var promoKeys = []string{"offerType", "priceType", "promoTag", "badgeText", "sellerBadges", "availabilityStatus"}

// detectPromoType reads badges and offer fields of a search item. When
// nothing names a promotion the query hint is used.
func detectPromoType(raw map[string]any, hint string) string {
	var sources []string
	badges := firstPresent(raw, "badges", "tags", "categoryTags")
	switch b := badges.(type) {
	case []any:
		for _, v := range b {
			sources = append(sources, fmt.Sprint(v))
		}
	case map[string]any:
		for _, v := range b {
			sources = append(sources, fmt.Sprint(v))
		}
	}
	for _, key := range promoKeys {
		switch v := raw[key].(type) {
		case nil:
		case []any:
			for _, item := range v {
				sources = append(sources, fmt.Sprint(item))
			}
		default:
			sources = append(sources, fmt.Sprint(v))
		}
	}

	text := strings.ToLower(strings.Join(sources, " "))
	switch {
	case strings.Contains(text, "rollback"):
		return PromoRollback
	case strings.Contains(text, "clearance"):
		return PromoClearance
	case strings.Contains(text, "deal"), strings.Contains(text, "special"), strings.Contains(text, "promo"):
		return PromoDeal
	}
	return hint
}

// normalize maps one search item onto a Product. Items with neither a name
// nor a URL, or without a promo type, are dropped.
func normalize(raw map[string]any, promoType, site string) (harvest.Product, bool) {
	if promoType == "" {
		return harvest.Product{}, false
	}
	p := harvest.Product{
		ProductID: str(firstPresent(raw, "usItemId", "id", "productId", "sku", "itemId")),
		Name:      str(firstPresent(raw, "name", "title", "description", "productName")),
		URL:       str(firstPresent(raw, "productPageUrl", "canonicalUrl", "canonicalUrlKey")),
		PromoType: promoType,
	}
	p.SKU = str(raw["sku"])
	if p.SKU == "" {
		p.SKU = p.ProductID
	}
	if strings.HasPrefix(p.URL, "/") {
		p.URL = site + p.URL
	}
	if p.Name == "" && p.URL == "" {
		return harvest.Product{}, false
	}

	priceInfo, _ := firstPresent(raw, "priceInfo", "priceinfo").(map[string]any)
	var candidates []any
	if priceInfo != nil {
		candidates = append(candidates, priceInfo["currentPrice"], priceInfo["price"], priceInfo["pricePerUnit"], priceInfo["primaryOffer"])
	}
	candidates = append(candidates, raw["price"], raw["currentPrice"], raw["sellingPrice"], raw["primaryOffer"], raw["offer"], raw["priceDisplay"])

	var current, original *float64
	for _, c := range candidates {
		if m, ok := c.(map[string]any); ok {
			if current == nil {
				current = number(firstPresent(m, "price", "currentPrice", "amount"))
			}
			if original == nil {
				original = number(firstPresent(m, "wasPrice", "originalPrice", "compareAtPrice", "listPrice"))
			}
			continue
		}
		if current == nil {
			current = number(c)
		}
	}
	if original == nil && priceInfo != nil {
		original = number(firstPresent(priceInfo, "wasPrice", "originalPrice", "compareAtPrice", "listPrice"))
	}
	p.CurrentPrice, p.OriginalPrice = current, original
	if current != nil && original != nil && *current != 0 && *original != 0 {
		ratio := *current / *original
		d := math.Round((1-ratio)*10000) / 100
		p.DiscountPercent = &d
	}
	if q := number(firstPresent(raw, "quantity", "availableQuantity")); q != nil {
		n := int(*q)
		p.StoreQuantity = &n
	}
	return p, true
}

// firstPresent returns the first value under keys that is neither nil, an
// empty string, nor zero.
func firstPresent(m map[string]any, keys ...string) any {
	for _, k := range keys {
		switch v := m[k].(type) {
		case nil:
		case string:
			if v != "" {
				return v
			}
		case float64:
			if v != 0 {
				return v
			}
		default:
			return v
		}
	}
	return nil
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// number reads a JSON number or a price string such as "$1,299.97".
func number(v any) *float64 {
	switch t := v.(type) {
	case float64:
		return &t
	case string:
		clean := strings.NewReplacer("$", "", ",", "", " ", "").Replace(t)
		f, err := strconv.ParseFloat(clean, 64)
		if err != nil {
			return nil
		}
		return &f
	}
	return nil
}
