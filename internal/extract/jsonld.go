package extract

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ldStore is the subset of a schema.org Store we read.
type ldStore struct {
	Type      any    `json:"@type"`
	Name      string `json:"name"`
	Telephone string `json:"telephone"`
	BranchID  any    `json:"branchCode"`
	Address   struct {
		StreetAddress   string `json:"streetAddress"`
		AddressLocality string `json:"addressLocality"`
		AddressRegion   string `json:"addressRegion"`
		PostalCode      string `json:"postalCode"`
	} `json:"address"`
	Geo struct {
		Latitude  any `json:"latitude"`
		Longitude any `json:"longitude"`
	} `json:"geo"`
	OpeningHours any `json:"openingHours"`
}

// structuredStore returns the first Store-like JSON-LD block on the page.
func structuredStore(doc *goquery.Document) (ldStore, bool) {
	var found ldStore
	ok := false
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		for _, candidate := range decodeLD([]byte(s.Text())) {
			if isStoreType(candidate.Type) {
				found, ok = candidate, true
				return false
			}
		}
		return true
	})
	return found, ok
}

func decodeLD(raw []byte) []ldStore {
	var single ldStore
	if err := json.Unmarshal(raw, &single); err == nil && single.Type != nil {
		return []ldStore{single}
	}
	var list []ldStore
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var graph struct {
		Graph []ldStore `json:"@graph"`
	}
	if err := json.Unmarshal(raw, &graph); err == nil {
		return graph.Graph
	}
	return nil
}

func isStoreType(t any) bool {
	check := func(s string) bool {
		switch strings.ToLower(s) {
		case "store", "localbusiness", "departmentstore", "grocerystore", "supercenter":
			return true
		}
		return false
	}
	switch v := t.(type) {
	case string:
		return check(v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && check(s) {
				return true
			}
		}
	}
	return false
}

// toFloat accepts JSON numbers and numeric strings.
func toFloat(v any) (*float64, bool) {
	switch n := v.(type) {
	case float64:
		return &n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil, false
		}
		return &f, true
	}
	return nil, false
}

func toText(v any) string {
	switch h := v.(type) {
	case string:
		return h
	case float64:
		return strconv.FormatFloat(h, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(h))
		for _, item := range h {
			if s, ok := item.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	}
	return ""
}
