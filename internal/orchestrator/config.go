// Package orchestrator walks every province through province scan, store
// list pages and store detail pages, and merges what it finds.
package orchestrator

import (
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/storeharvest/internal/harvest"
)

const (
	defaultProvinceConcurrency = 2
	defaultDetailConcurrency   = 4
	defaultMaxListPages        = 50
	defaultGracePeriod         = 30 * time.Second
	defaultExhaustionGrace     = 2 * time.Minute
)

// Config bounds the traversal.
type Config struct {
	ProvinceConcurrency int
	DetailConcurrency   int
	// StoresPerProvince caps detail units per province; zero means all.
	StoresPerProvince int
	// StoreURLTemplate synthesizes detail URLs for provinces without a list
	// URL. "{province}" is the province slug and "{n}" the 1-based index.
	StoreURLTemplate string
	MaxListPages     int
	// GracePeriod is how long in-flight units may run after cancellation.
	GracePeriod time.Duration
	// ExhaustionGrace is how long the pool may stay unusable, without ever
	// having served a success, before the run aborts.
	ExhaustionGrace time.Duration
	// RunTimeout stops dispatch once the run has lasted this long. Zero
	// means no limit.
	RunTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ProvinceConcurrency <= 0 {
		c.ProvinceConcurrency = defaultProvinceConcurrency
	}
	if c.DetailConcurrency <= 0 {
		c.DetailConcurrency = defaultDetailConcurrency
	}
	if c.MaxListPages <= 0 {
		c.MaxListPages = defaultMaxListPages
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.ExhaustionGrace <= 0 {
		c.ExhaustionGrace = defaultExhaustionGrace
	}
	return c
}

// synthesizeRefs builds store-{n} refs for a province that has no list
// URL but a known store count.
func synthesizeRefs(p harvest.ProvinceTarget, template string, limit int) []harvest.StoreRef {
	if template == "" || p.ExpectedStores <= 0 {
		return nil
	}
	n := p.ExpectedStores
	if limit > 0 && limit < n {
		n = limit
	}
	refs := make([]harvest.StoreRef, 0, n)
	for i := 1; i <= n; i++ {
		r := strings.NewReplacer(
			"{province}", p.Slug(),
			"{code}", strings.ToLower(p.Code),
			"{n}", strconv.Itoa(i),
		)
		refs = append(refs, harvest.StoreRef{
			ProvinceCode: p.Code,
			StoreID:      p.Code + "-store-" + strconv.Itoa(i),
			DetailURL:    r.Replace(template),
		})
	}
	return refs
}
