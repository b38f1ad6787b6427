package promo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetectPromoType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  map[string]any
		hint string
		want string
	}{
		{"badge list", map[string]any{"badges": []any{"Rollback"}}, "deal", PromoRollback},
		{"badge objects", map[string]any{"badges": []any{map[string]any{"text": "Clearance"}}}, "deal", PromoClearance},
		{"promo field", map[string]any{"promoTag": "Special Buy"}, "rollback", PromoDeal},
		{"falls back to query", map[string]any{"name": "Kettle"}, "clearance", "clearance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, detectPromoType(tt.raw, tt.hint))
		})
	}
}

func TestNormalizeProduct(t *testing.T) {
	t.Parallel()

	raw := map[string]any{
		"productId":     "6000197",
		"sku":           "SKU-1",
		"name":          "Electric Kettle",
		"canonicalUrl":  "/en/ip/kettle/6000197",
		"currentPrice":  "$29.97",
		"originalPrice": 39.97,
		"quantity":      float64(4),
	}
	p, ok := normalize(raw, PromoRollback, "https://shop.test")
	require.True(t, ok)
	require.Equal(t, "6000197", p.ProductID)
	require.Equal(t, "SKU-1", p.SKU)
	require.Equal(t, "Electric Kettle", p.Name)
	require.Equal(t, "https://shop.test/en/ip/kettle/6000197", p.URL)
	require.NotNil(t, p.CurrentPrice)
	require.InDelta(t, 29.97, *p.CurrentPrice, 0.001)
	require.InDelta(t, 39.97, *p.OriginalPrice, 0.001)
	require.InDelta(t, 25.02, *p.DiscountPercent, 0.001)
	require.Equal(t, PromoRollback, p.PromoType)
	require.Equal(t, 4, *p.StoreQuantity)
}

func TestNormalizeRejectsUnidentifiedItems(t *testing.T) {
	t.Parallel()

	_, ok := normalize(map[string]any{"currentPrice": 3.5}, PromoDeal, "https://shop.test")
	require.False(t, ok)
}

func TestNumberParsesPriceText(t *testing.T) {
	t.Parallel()

	v := number("$1,299.97")
	require.NotNil(t, v)
	require.InDelta(t, 1299.97, *v, 0.001)

	require.Nil(t, number("call for price"))
}
