package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/storeharvest/internal/harvest"
)

// HTMLExtractor extracts entities with CSS selectors.
type HTMLExtractor struct {
	sel   Selectors
	clock harvest.Clock
}

// New returns an extractor; unset selectors use DefaultSelectors.
func New(sel Selectors, clock harvest.Clock) *HTMLExtractor {
	return &HTMLExtractor{sel: sel.withDefaults(), clock: clock}
}

// Extract dispatches on kind.
func (e *HTMLExtractor) Extract(kind harvest.PageKind, pageURL string, raw []byte) (harvest.Entities, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return harvest.Entities{}, fmt.Errorf("%w: %v", harvest.ErrParseMismatch, err)
	}
	switch kind {
	case harvest.PageProvince, harvest.PageStoreList:
		return e.list(doc, pageURL)
	case harvest.PageStoreDetail:
		return e.detail(doc, pageURL, raw)
	default:
		return harvest.Entities{}, fmt.Errorf("unknown page kind %q", kind)
	}
}

func (e *HTMLExtractor) list(doc *goquery.Document, pageURL string) (harvest.Entities, error) {
	if doc.Find(e.sel.ListAnchor).Length() == 0 {
		return harvest.Entities{}, fmt.Errorf("%w: list anchor %q missing on %s", harvest.ErrParseMismatch, e.sel.ListAnchor, pageURL)
	}
	base, _ := url.Parse(pageURL)

	var out harvest.Entities
	seen := make(map[string]struct{})
	doc.Find(e.sel.StoreLink).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		link := resolve(base, href)
		id, _ := s.Attr("data-store-number")
		if id == "" {
			id = StoreIDFromURL(link)
		}
		if id == "" || link == "" {
			return
		}
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out.Refs = append(out.Refs, harvest.StoreRef{StoreID: id, DetailURL: link})
	})

	if href, ok := doc.Find(e.sel.NextPage).First().Attr("href"); ok {
		if next := resolve(base, href); next != "" && next != pageURL {
			out.NextPage = next
		}
	}
	return out, nil
}

func (e *HTMLExtractor) detail(doc *goquery.Document, pageURL string, raw []byte) (harvest.Entities, error) {
	if doc.Find(e.sel.DetailAnchor).Length() == 0 {
		return harvest.Entities{}, fmt.Errorf("%w: detail anchor %q missing on %s", harvest.ErrParseMismatch, e.sel.DetailAnchor, pageURL)
	}

	rec := harvest.StoreRecord{
		StoreID:    StoreIDFromHTML(raw),
		Name:       text(doc, e.sel.Name),
		Address:    text(doc, e.sel.Address),
		PostalCode: text(doc, e.sel.PostalCode),
		Phone:      phone(doc, e.sel.Phone),
		Hours:      joined(doc, e.sel.Hours),
		URL:        pageURL,
	}
	if rec.StoreID == "" {
		rec.StoreID = StoreIDFromURL(pageURL)
	}
	rec.Latitude, rec.Longitude = coordinates(doc, e.sel.Coordinates)

	if ld, ok := structuredStore(doc); ok {
		fillFromLD(&rec, ld)
	}
	if rec.PostalCode == "" {
		rec.PostalCode = PostalCode(rec.Address)
	} else {
		rec.PostalCode = firstNonEmpty(PostalCode(rec.PostalCode), rec.PostalCode)
	}
	if rec.StoreID == "" {
		return harvest.Entities{}, fmt.Errorf("%w: no store id on %s", harvest.ErrParseMismatch, pageURL)
	}
	if e.clock != nil {
		rec.FetchedAt = e.clock.Now()
	}
	return harvest.Entities{Records: []harvest.StoreRecord{rec}}, nil
}

// fillFromLD fills fields the selectors left empty.
func fillFromLD(rec *harvest.StoreRecord, ld ldStore) {
	if rec.StoreID == "" {
		rec.StoreID = digits.FindString(toText(ld.BranchID))
	}
	if rec.Name == "" {
		rec.Name = clean(ld.Name)
	}
	if rec.Address == "" {
		parts := []string{}
		for _, p := range []string{ld.Address.StreetAddress, ld.Address.AddressLocality, ld.Address.AddressRegion} {
			if p = clean(p); p != "" {
				parts = append(parts, p)
			}
		}
		rec.Address = strings.Join(parts, ", ")
	}
	if rec.PostalCode == "" {
		rec.PostalCode = clean(ld.Address.PostalCode)
	}
	if rec.Phone == "" {
		rec.Phone = clean(ld.Telephone)
	}
	if rec.Hours == "" {
		rec.Hours = clean(toText(ld.OpeningHours))
	}
	if rec.Latitude == nil || rec.Longitude == nil {
		lat, okLat := toFloat(ld.Geo.Latitude)
		lng, okLng := toFloat(ld.Geo.Longitude)
		if okLat && okLng {
			rec.Latitude, rec.Longitude = lat, lng
		}
	}
}

func coordinates(doc *goquery.Document, sel string) (*float64, *float64) {
	node := doc.Find(sel).First()
	if node.Length() == 0 {
		return nil, nil
	}
	lat, okLat := toFloat(firstAttr(node, "data-latitude", "data-lat"))
	lng, okLng := toFloat(firstAttr(node, "data-longitude", "data-lng"))
	if !okLat || !okLng {
		return nil, nil
	}
	return lat, lng
}

func firstAttr(s *goquery.Selection, names ...string) string {
	for _, n := range names {
		if v, ok := s.Attr(n); ok && v != "" {
			return v
		}
	}
	return ""
}

func text(doc *goquery.Document, sel string) string {
	return clean(doc.Find(sel).First().Text())
}

func joined(doc *goquery.Document, sel string) string {
	var parts []string
	doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
		if v := clean(s.Text()); v != "" {
			parts = append(parts, v)
		}
	})
	return strings.Join(parts, "; ")
}

func phone(doc *goquery.Document, sel string) string {
	node := doc.Find(sel).First()
	if v := clean(node.Text()); v != "" {
		return v
	}
	href, _ := node.Attr("href")
	return strings.TrimPrefix(href, "tel:")
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
