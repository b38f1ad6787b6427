// Package extract turns rendered store-locator pages into store refs and
// store records using configurable CSS selectors.
package extract

// Selectors locate fields on store-locator pages. Empty values fall back
// to DefaultSelectors.
type Selectors struct {
	// ListAnchor must be present on every province or store-list page.
	ListAnchor string `mapstructure:"list_anchor"`
	StoreLink  string `mapstructure:"store_link"`
	NextPage   string `mapstructure:"next_page"`

	// DetailAnchor must be present on every store detail page.
	DetailAnchor string `mapstructure:"detail_anchor"`
	Name         string `mapstructure:"name"`
	Address      string `mapstructure:"address"`
	PostalCode   string `mapstructure:"postal_code"`
	Phone        string `mapstructure:"phone"`
	Hours        string `mapstructure:"hours"`
	Coordinates  string `mapstructure:"coordinates"`
}

// DefaultSelectors match the chain's store-locator markup.
var DefaultSelectors = Selectors{
	ListAnchor:   `main, [data-automation="store-list"], .store-list`,
	StoreLink:    `a[href*="/stores/"][href*="store"], a[data-store-number]`,
	NextPage:     `a[rel="next"], a[aria-label="Next page"], .pagination a.next`,
	DetailAnchor: `h1`,
	Name:         `h1`,
	Address:      `[itemprop="streetAddress"], [data-automation="store-address"], .store-address, address`,
	PostalCode:   `[itemprop="postalCode"], [data-automation="store-postal-code"]`,
	Phone:        `[itemprop="telephone"], a[href^="tel:"], [data-automation="store-phone"]`,
	Hours:        `[itemprop="openingHours"], [data-automation="store-hours"], .store-hours`,
	Coordinates:  `[data-latitude][data-longitude], [data-lat][data-lng]`,
}

func (s Selectors) withDefaults() Selectors {
	d := DefaultSelectors
	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	return Selectors{
		ListAnchor:   pick(s.ListAnchor, d.ListAnchor),
		StoreLink:    pick(s.StoreLink, d.StoreLink),
		NextPage:     pick(s.NextPage, d.NextPage),
		DetailAnchor: pick(s.DetailAnchor, d.DetailAnchor),
		Name:         pick(s.Name, d.Name),
		Address:      pick(s.Address, d.Address),
		PostalCode:   pick(s.PostalCode, d.PostalCode),
		Phone:        pick(s.Phone, d.Phone),
		Hours:        pick(s.Hours, d.Hours),
		Coordinates:  pick(s.Coordinates, d.Coordinates),
	}
}
