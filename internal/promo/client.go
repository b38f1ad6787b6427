package promo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/storeharvest/internal/harvest"
	"github.com/JakeFAU/storeharvest/internal/metrics"
	"github.com/JakeFAU/storeharvest/internal/proxy"
)

const (
	defaultSearchURL    = "https://www.walmart.ca/api/product-search/search"
	defaultMaxPages     = 2
	defaultItemsPerPage = 48
	defaultConcurrency  = 2
	defaultHTTPTimeout  = 30 * time.Second
)

// DefaultQueries are the promotion searches run per store.
var DefaultQueries = []string{PromoRollback, PromoClearance, PromoDeal}

// Config controls product lookups.
type Config struct {
	SearchURL    string
	Queries      []string
	MaxPages     int
	ItemsPerPage int
	// Concurrency bounds stores looked up at once.
	Concurrency int
	// RequestsPerSecond caps search calls across stores; zero disables.
	RequestsPerSecond float64
	HTTPTimeout       time.Duration
	UserAgent         string
}

func (c Config) withDefaults() Config {
	if c.SearchURL == "" {
		c.SearchURL = defaultSearchURL
	}
	if len(c.Queries) == 0 {
		c.Queries = DefaultQueries
	}
	if c.MaxPages <= 0 {
		c.MaxPages = defaultMaxPages
	}
	if c.ItemsPerPage <= 0 {
		c.ItemsPerPage = defaultItemsPerPage
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	return c
}

// Client calls the product search API through the caller's identity.
type Client struct {
	cfg     Config
	site    string
	limiter *rate.Limiter
	logger  *zap.Logger

	mu      sync.Mutex
	clients map[string]*resty.Client
}

// NewClient builds a client from cfg, filling defaults.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{cfg: cfg, logger: logger, clients: make(map[string]*resty.Client)}
	if u, err := url.Parse(cfg.SearchURL); err == nil {
		c.site = u.Scheme + "://" + u.Host
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return c
}

// searchPayload accepts the response shapes the search API has used.
type searchPayload struct {
	Items   []map[string]any `json:"items"`
	Results []map[string]any `json:"results"`
	Data    json.RawMessage  `json:"data"`
}

func (p searchPayload) items() []map[string]any {
	if len(p.Items) > 0 {
		return p.Items
	}
	if len(p.Results) > 0 {
		return p.Results
	}
	var data struct {
		Items    []map[string]any `json:"items"`
		Products []map[string]any `json:"products"`
	}
	if len(p.Data) == 0 || json.Unmarshal(p.Data, &data) != nil {
		return nil
	}
	if len(data.Items) > 0 {
		return data.Items
	}
	return data.Products
}

// restyFor returns the HTTP client bound to identity's proxy.
func (c *Client) restyFor(identity *proxy.Identity) *resty.Client {
	key := ""
	if identity != nil {
		key = identity.ID()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if rc, ok := c.clients[key]; ok {
		return rc
	}
	rc := resty.New().
		SetTimeout(c.cfg.HTTPTimeout).
		SetHeader("Accept", "application/json, text/plain, */*").
		SetHeader("Accept-Language", "en-CA,en;q=0.9,fr-CA,fr;q=0.8").
		SetHeader("X-Requested-With", "XMLHttpRequest")
	if c.cfg.UserAgent != "" {
		rc.SetHeader("User-Agent", c.cfg.UserAgent)
	}
	if identity != nil && !identity.Direct() {
		rc.SetProxy(proxyURL(identity))
	}
	c.clients[key] = rc
	return rc
}

func proxyURL(identity *proxy.Identity) string {
	u, err := url.Parse(identity.Endpoint())
	if err != nil {
		return identity.Endpoint()
	}
	if user, pass := identity.Credentials(); user != "" {
		u.User = url.UserPassword(user, pass)
	}
	return u.String()
}

// Search fetches one page of one query for a store. 403 and 429 answers
// wrap harvest.ErrBlocked; transport failures wrap harvest.ErrNetwork.
func (c *Client) Search(ctx context.Context, identity *proxy.Identity, storeID, referer, query string, page int) ([]map[string]any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	resp, err := c.restyFor(identity).R().
		SetContext(ctx).
		SetHeader("Referer", referer).
		SetQueryParams(map[string]string{
			"page":         strconv.Itoa(page),
			"query":        query,
			"storeId":      storeID,
			"itemsPerPage": strconv.Itoa(c.cfg.ItemsPerPage),
			"lang":         "en",
		}).
		Get(c.cfg.SearchURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.ObserveProductSearch(query, "error")
		return nil, fmt.Errorf("%w: product search: %v", harvest.ErrNetwork, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusForbidden, code == http.StatusTooManyRequests:
		metrics.ObserveProductSearch(query, "blocked")
		return nil, fmt.Errorf("%w: product search status %d", harvest.ErrBlocked, code)
	case code != http.StatusOK:
		metrics.ObserveProductSearch(query, "status")
		return nil, fmt.Errorf("product search status %d", code)
	}

	var payload searchPayload
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		metrics.ObserveProductSearch(query, "unparseable")
		return nil, fmt.Errorf("%w: product search body: %v", harvest.ErrParseMismatch, err)
	}
	metrics.ObserveProductSearch(query, "ok")
	return payload.items(), nil
}

// ForStore runs every configured query for rec and returns the distinct
// promoted products. A blocked or unreachable API stops the lookup and
// returns what was found so far with the error.
func (c *Client) ForStore(ctx context.Context, identity *proxy.Identity, rec harvest.StoreRecord) ([]harvest.Product, error) {
	var out []harvest.Product
	seen := make(map[[2]string]struct{})
	for _, query := range c.cfg.Queries {
		for page := 1; page <= c.cfg.MaxPages; page++ {
			items, err := c.Search(ctx, identity, rec.StoreID, rec.URL, query, page)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, harvest.ErrBlocked) || errors.Is(err, harvest.ErrNetwork) {
					return out, err
				}
				c.logger.Warn("Product search failed",
					zap.String("store_id", rec.StoreID),
					zap.String("query", query),
					zap.Int("page", page),
					zap.Error(err),
				)
				continue
			}
			if len(items) == 0 {
				break
			}
			for _, raw := range items {
				p, ok := normalize(raw, detectPromoType(raw, query), c.site)
				if !ok {
					continue
				}
				key := [2]string{p.ProductID, p.URL}
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				out = append(out, p)
			}
			if len(items) < c.cfg.ItemsPerPage {
				break
			}
		}
	}
	return out, nil
}
