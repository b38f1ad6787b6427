package harvest

import (
	"fmt"
	"strings"
	"time"
)

// ProvinceTarget is one province seeded from configuration.
type ProvinceTarget struct {
	Code string `mapstructure:"code" json:"code"`
	Name string `mapstructure:"name" json:"name"`
	// ListURL is the store-list URL template; "{page}" is replaced with the
	// 1-based page number. Empty means store refs are synthesized.
	ListURL string `mapstructure:"list_url" json:"list_url"`
	// ExpectedStores is the known store count, used for synthesized refs.
	ExpectedStores int `mapstructure:"expected_stores" json:"expected_stores"`
}

// Slug returns the lowercase, dash separated province name used in URLs.
func (p ProvinceTarget) Slug() string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(p.Name), " ", "-"))
}

// PageURL renders the store-list URL for a page.
func (p ProvinceTarget) PageURL(page int) string {
	if page < 1 {
		page = 1
	}
	r := strings.NewReplacer(
		"{page}", fmt.Sprint(page),
		"{province}", p.Slug(),
		"{code}", strings.ToLower(p.Code),
	)
	return r.Replace(p.ListURL)
}

// StoreRef points at one store detail page discovered on a list page.
type StoreRef struct {
	ProvinceCode string `json:"province_code"`
	StoreID      string `json:"store_id"`
	DetailURL    string `json:"detail_url"`
}

// StoreRecord is the exported row for one store.
type StoreRecord struct {
	StoreID    string    `json:"store_id"`
	Name       string    `json:"name"`
	Province   string    `json:"province"`
	Address    string    `json:"address"`
	PostalCode string    `json:"postal_code"`
	Phone      string    `json:"phone"`
	Latitude   *float64  `json:"latitude"`
	Longitude  *float64  `json:"longitude"`
	Hours      string    `json:"hours"`
	URL        string    `json:"url"`
	FetchedAt  time.Time `json:"fetched_at"`
	// ProductCount and Products carry the store's promoted products when
	// product lookup is enabled. They are not part of the merge score.
	ProductCount int       `json:"product_count"`
	Products     []Product `json:"products"`
}

// Product is one promoted item reported by a store's product search.
type Product struct {
	ProductID       string   `json:"product_id"`
	SKU             string   `json:"sku"`
	Name            string   `json:"name"`
	URL             string   `json:"product_url"`
	CurrentPrice    *float64 `json:"current_price"`
	OriginalPrice   *float64 `json:"original_price"`
	DiscountPercent *float64 `json:"discount_percent"`
	PromoType       string   `json:"promo_type"`
	StoreQuantity   *int     `json:"store_quantity"`
}

// PopulatedFields counts the non-empty descriptive fields of the record.
// FetchedAt is bookkeeping and is not counted.
func (r StoreRecord) PopulatedFields() int {
	n := 0
	for _, s := range []string{r.StoreID, r.Name, r.Province, r.Address, r.PostalCode, r.Phone, r.Hours, r.URL} {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	if r.Latitude != nil {
		n++
	}
	if r.Longitude != nil {
		n++
	}
	return n
}

// PageKind selects the extraction strategy for a page.
type PageKind string

// Supported page kinds.
const (
	PageProvince    PageKind = "province-scan"
	PageStoreList   PageKind = "store-list-page"
	PageStoreDetail PageKind = "store-detail"
)

// UnitState is the retry state of a WorkUnit.
type UnitState string

// WorkUnit lifecycle states.
const (
	StatePending    UnitState = "pending"
	StateInFlight   UnitState = "in_flight"
	StateSucceeded  UnitState = "succeeded"
	StateChallenged UnitState = "challenged"
	StateFailed     UnitState = "failed"
	StateExhausted  UnitState = "exhausted"
)

// Terminal reports whether no further transitions are possible.
func (s UnitState) Terminal() bool {
	return s == StateSucceeded || s == StateExhausted
}

// WorkUnit is one browsing task tracked through the retry states.
type WorkUnit struct {
	ID              string
	Kind            PageKind
	Province        ProvinceTarget
	URL             string
	Page            int
	Ref             *StoreRef
	Attempts        int
	MaxAttempts     int
	ChallengeSolves int
	State           UnitState
	LastIdentity    string
	LastErr         error
}

// String renders a compact label for logs.
func (u *WorkUnit) String() string {
	return fmt.Sprintf("%s[%s]", u.Kind, u.URL)
}

// OutcomeKind classifies a navigation result.
type OutcomeKind string

// Navigation outcome kinds.
const (
	OutcomeContent      OutcomeKind = "content"
	OutcomeChallenge    OutcomeKind = "challenge"
	OutcomeBlocked      OutcomeKind = "blocked"
	OutcomeNetworkError OutcomeKind = "network_error"
)

// PageOutcome is what a browser session observed after navigating.
type PageOutcome struct {
	Kind       OutcomeKind
	URL        string
	StatusCode int
	Raw        []byte
	Challenge  *ChallengeArtifact
	// HardFailure marks failures attributable to the identity itself
	// (proxy auth rejected, connection refused).
	HardFailure bool
	Err         error
}

// ChallengeType names the anti-bot mechanism that interrupted navigation.
type ChallengeType string

// Known challenge types.
const (
	ChallengePerimeterX ChallengeType = "perimeterx"
	ChallengeRecaptcha  ChallengeType = "recaptcha"
	ChallengeHCaptcha   ChallengeType = "hcaptcha"
	ChallengeTurnstile  ChallengeType = "turnstile"
	ChallengeGeneric    ChallengeType = "generic"
)

// ChallengeArtifact is captured between challenge detection and solve.
type ChallengeArtifact struct {
	Type    ChallengeType
	SiteKey string
	PageURL string
	Payload []byte
	Unit    *WorkUnit
}

// SolvedToken is the provider's answer to a challenge.
type SolvedToken struct {
	Type  ChallengeType
	Value string
}

// Entities is the output of an extraction: store refs, store records and,
// for list pages, the next page URL if one exists.
type Entities struct {
	Refs     []StoreRef
	Records  []StoreRecord
	NextPage string
}
