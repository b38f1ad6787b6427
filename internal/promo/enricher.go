package promo

import (
	"context"
	"regexp"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/storeharvest/internal/harvest"
	"github.com/JakeFAU/storeharvest/internal/proxy"
)

// storeNumber matches ids read from store pages; synthesized ids such as
// "ON-store-3" have no API counterpart.
var storeNumber = regexp.MustCompile(`^\d+$`)

// Pool is the part of proxy.Pool the enricher needs.
type Pool interface {
	Acquire(exclude ...string) (*proxy.Identity, error)
	Report(identity *proxy.Identity, outcome proxy.Outcome)
}

// Stats summarizes one enrichment pass.
type Stats struct {
	Stores   int `json:"stores"`
	Enriched int `json:"enriched"`
	Skipped  int `json:"skipped"`
	Products int `json:"products"`
}

// Enricher fills ProductCount and Products on exported records.
type Enricher struct {
	client *Client
	pool   Pool
	logger *zap.Logger
}

// NewEnricher builds an enricher drawing identities from pool.
func NewEnricher(client *Client, pool Pool, logger *zap.Logger) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{client: client, pool: pool, logger: logger}
}

// Enrich looks up products for every record with a numeric store id,
// writing results into records in place. Failures leave a record without
// products and are only counted.
func (e *Enricher) Enrich(ctx context.Context, records []harvest.StoreRecord) Stats {
	var (
		mu    sync.Mutex
		stats = Stats{Stores: len(records)}
		g     errgroup.Group
	)
	g.SetLimit(e.client.cfg.Concurrency)
	for i := range records {
		if ctx.Err() != nil {
			break
		}
		if !storeNumber.MatchString(records[i].StoreID) {
			continue
		}
		g.Go(func() error {
			products, ok := e.store(ctx, records[i])
			if !ok {
				return nil
			}
			records[i].Products = products
			records[i].ProductCount = len(products)
			mu.Lock()
			stats.Enriched++
			stats.Products += len(products)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	stats.Skipped = stats.Stores - stats.Enriched

	e.logger.Info("Product lookup finished",
		zap.Int("stores", stats.Stores),
		zap.Int("enriched", stats.Enriched),
		zap.Int("skipped", stats.Skipped),
		zap.Int("products", stats.Products),
	)
	return stats
}

func (e *Enricher) store(ctx context.Context, rec harvest.StoreRecord) ([]harvest.Product, bool) {
	identity, err := e.pool.Acquire()
	if err != nil {
		e.logger.Warn("No identity for product lookup", zap.String("store_id", rec.StoreID), zap.Error(err))
		return nil, false
	}
	products, err := e.client.ForStore(ctx, identity, rec)
	switch {
	case err == nil:
		e.pool.Report(identity, proxy.OutcomeSuccess)
		return products, true
	case ctx.Err() != nil:
		return nil, false
	default:
		e.pool.Report(identity, proxy.OutcomeSoftFailure)
		e.logger.Warn("Product lookup failed",
			zap.String("store_id", rec.StoreID),
			zap.String("identity", identity.String()),
			zap.Error(err),
		)
		return nil, false
	}
}
