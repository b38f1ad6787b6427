package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/storeharvest/internal/harvest"
	"github.com/JakeFAU/storeharvest/internal/metrics"
	"github.com/JakeFAU/storeharvest/internal/proxy"
	"github.com/JakeFAU/storeharvest/internal/retry"
)

// UnitRunner drives one unit to a terminal state.
type UnitRunner interface {
	Run(ctx context.Context, unit *harvest.WorkUnit) retry.Result
}

// PoolHealth is the read side of the identity pool.
type PoolHealth interface {
	Usable() int
	EverHealthy() bool
	Snapshot() []proxy.IdentityStatus
}

// RecordSink receives extracted store records.
type RecordSink interface {
	MergeInsert(rec harvest.StoreRecord) bool
	Len() int
}

// IDGenerator names runs and units.
type IDGenerator interface {
	MustID() string
}

// Orchestrator runs the province traversal.
type Orchestrator struct {
	cfg       Config
	provinces []harvest.ProvinceTarget
	runner    UnitRunner
	pool      PoolHealth
	sink      RecordSink
	ids       IDGenerator
	clock     harvest.Clock
	logger    *zap.Logger
}

// New wires an orchestrator.
func New(
	cfg Config,
	provinces []harvest.ProvinceTarget,
	runner UnitRunner,
	pool PoolHealth,
	sink RecordSink,
	ids IDGenerator,
	clock harvest.Clock,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		provinces: provinces,
		runner:    runner,
		pool:      pool,
		sink:      sink,
		ids:       ids,
		clock:     clock,
		logger:    logger,
	}
}

// run holds the state of one Run call.
type run struct {
	o        *Orchestrator
	id       string
	dispatch context.Context
	abort    context.CancelFunc
	work     context.Context
	tally    *tally
	detail   chan struct{}

	seenMu sync.Mutex
	seen   map[string]struct{}

	fatalMu        sync.Mutex
	fatal          error
	exhaustedSince time.Time
}

// Run traverses every province and returns the summary. A returned error
// is run-fatal (no provinces, or no usable identities); unit failures only
// appear in the summary.
func (o *Orchestrator) Run(ctx context.Context) (RunSummary, error) {
	summary := RunSummary{RunID: o.ids.MustID(), StartedAt: o.clock.Now()}
	if len(o.provinces) == 0 {
		return o.finish(summary, nil), harvest.ErrNoProvinces
	}
	if o.pool.Usable() == 0 {
		return o.finish(summary, nil), fmt.Errorf("preflight: %w", harvest.ErrPoolExhausted)
	}

	if o.cfg.RunTimeout > 0 {
		var cancelRun context.CancelFunc
		ctx, cancelRun = context.WithTimeout(ctx, o.cfg.RunTimeout)
		defer cancelRun()
	}

	dispatchCtx, abort := context.WithCancel(ctx)
	defer abort()
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	// In-flight units outlive the dispatch context by the grace period.
	stopGrace := make(chan struct{})
	defer close(stopGrace)
	go func() {
		select {
		case <-dispatchCtx.Done():
		case <-stopGrace:
			return
		}
		timer := time.NewTimer(o.cfg.GracePeriod)
		defer timer.Stop()
		select {
		case <-timer.C:
			o.logger.Warn("Grace period elapsed, abandoning in-flight units", zap.Duration("grace", o.cfg.GracePeriod))
			cancelWork()
		case <-stopGrace:
		}
	}()

	r := &run{
		o:        o,
		id:       summary.RunID,
		dispatch: dispatchCtx,
		abort:    abort,
		work:     workCtx,
		tally:    newTally(o.provinces),
		detail:   make(chan struct{}, o.cfg.DetailConcurrency),
		seen:     make(map[string]struct{}),
	}

	o.logger.Info("Run started",
		zap.String("run_id", r.id),
		zap.Int("provinces", len(o.provinces)),
		zap.Int("province_concurrency", o.cfg.ProvinceConcurrency),
		zap.Int("detail_concurrency", o.cfg.DetailConcurrency),
	)

	var g errgroup.Group
	g.SetLimit(o.cfg.ProvinceConcurrency)
	for _, p := range o.provinces {
		p := p
		if dispatchCtx.Err() != nil {
			r.skipProvince(p, "run cancelled before dispatch")
			continue
		}
		g.Go(func() error {
			r.province(p)
			return nil
		})
	}
	_ = g.Wait()

	summary.Provinces = r.tally.snapshot()
	summary.Cancelled = ctx.Err() != nil
	summary.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
	if summary.TimedOut {
		o.logger.Warn("Run timeout reached", zap.Duration("run_timeout", o.cfg.RunTimeout))
	}
	fatal := r.fatalErr()
	if fatal != nil {
		summary.Fatal = fatal.Error()
	}
	return o.finish(summary, r), fatal
}

func (o *Orchestrator) finish(s RunSummary, r *run) RunSummary {
	s.FinishedAt = o.clock.Now()
	s.Records = o.sink.Len()
	s.Identities = o.pool.Snapshot()
	if r == nil {
		s.Provinces = newTally(o.provinces).snapshot()
	}
	return s
}

func (r *run) fatalErr() error {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	return r.fatal
}

// observe tracks pool exhaustion. The run aborts when no identity is
// usable and none ever served content, either immediately (all banned) or
// after the exhaustion grace (cooling down).
func (r *run) observe(res retry.Result) {
	if !errors.Is(res.Err, harvest.ErrPoolExhausted) {
		r.fatalMu.Lock()
		r.exhaustedSince = time.Time{}
		r.fatalMu.Unlock()
		return
	}
	if r.o.pool.EverHealthy() {
		return
	}
	now := r.o.clock.Now()
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	if r.fatal != nil {
		return
	}
	if r.exhaustedSince.IsZero() {
		r.exhaustedSince = now
	}
	if r.o.pool.Usable() == 0 || now.Sub(r.exhaustedSince) >= r.o.cfg.ExhaustionGrace {
		r.fatal = fmt.Errorf("no identity ever served content: %w", harvest.ErrPoolExhausted)
		r.o.logger.Error("Aborting run", zap.Error(r.fatal))
		r.abort()
	}
}

func (r *run) newUnit(kind harvest.PageKind, p harvest.ProvinceTarget, url string, page int, ref *harvest.StoreRef) *harvest.WorkUnit {
	return &harvest.WorkUnit{
		ID:       r.o.ids.MustID(),
		Kind:     kind,
		Province: p,
		URL:      url,
		Page:     page,
		Ref:      ref,
		State:    harvest.StatePending,
	}
}

// execute runs a unit unless dispatch has stopped, and records the outcome.
func (r *run) execute(unit *harvest.WorkUnit) (retry.Result, bool) {
	if err := r.dispatch.Err(); err != nil {
		r.tally.skipped(unit.Province.Code, SkippedUnit{Kind: unit.Kind, URL: unit.URL, Reason: "not dispatched: " + err.Error()})
		return retry.Result{Unit: unit, State: harvest.StateExhausted, Err: err}, false
	}
	res := r.o.runner.Run(r.work, unit)
	r.observe(res)
	if res.State == harvest.StateSucceeded {
		r.tally.succeeded(unit.Province.Code, unit.Kind)
		return res, true
	}
	reason := "unknown"
	if res.Err != nil {
		reason = res.Err.Error()
	}
	r.tally.skipped(unit.Province.Code, SkippedUnit{Kind: unit.Kind, URL: unit.URL, Attempts: res.Attempts, Reason: reason})
	r.o.logger.Warn("Unit skipped",
		zap.String("unit", unit.ID),
		zap.String("province", unit.Province.Code),
		zap.String("kind", string(unit.Kind)),
		zap.String("url", unit.URL),
		zap.Int("attempts", res.Attempts),
		zap.Error(res.Err),
	)
	return res, false
}

func (r *run) skipProvince(p harvest.ProvinceTarget, reason string) {
	r.tally.skipped(p.Code, SkippedUnit{Kind: harvest.PageProvince, URL: p.PageURL(1), Reason: reason})
}

// province discovers store refs page by page and fans detail units out to
// the shared detail pool as soon as they are found.
func (r *run) province(p harvest.ProvinceTarget) {
	log := r.o.logger.With(zap.String("province", p.Code))
	var wg sync.WaitGroup
	queued := 0
	enqueue := func(refs []harvest.StoreRef) {
		fresh := 0
		for _, ref := range refs {
			if r.o.cfg.StoresPerProvince > 0 && queued >= r.o.cfg.StoresPerProvince {
				break
			}
			if !r.claim(ref.StoreID) {
				continue
			}
			ref := ref
			ref.ProvinceCode = p.Code
			queued++
			fresh++
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.storeDetail(p, ref)
			}()
		}
		r.tally.discovered(p.Code, fresh)
	}

	switch {
	case p.ListURL == "" && p.ExpectedStores > 0 && r.o.cfg.StoreURLTemplate != "":
		log.Info("Synthesizing store refs", zap.Int("expected_stores", p.ExpectedStores))
		enqueue(synthesizeRefs(p, r.o.cfg.StoreURLTemplate, r.o.cfg.StoresPerProvince))
	case p.ListURL == "":
		log.Warn("Province has no list URL and no store template, skipping")
		r.skipProvince(p, "no list url")
	default:
		r.walkList(p, enqueue, func() bool {
			return r.o.cfg.StoresPerProvince > 0 && queued >= r.o.cfg.StoresPerProvince
		})
	}
	wg.Wait()
	log.Info("Province done", zap.Int("stores_queued", queued))
}

// walkList runs the province scan then follows pagination sequentially.
func (r *run) walkList(p harvest.ProvinceTarget, enqueue func([]harvest.StoreRef), full func() bool) {
	kind := harvest.PageProvince
	url := p.PageURL(1)
	for page := 1; page <= r.o.cfg.MaxListPages && url != ""; page++ {
		unit := r.newUnit(kind, p, url, page, nil)
		res, ok := r.execute(unit)
		if !ok {
			return
		}
		enqueue(res.Entities.Refs)
		if full() {
			return
		}
		next := res.Entities.NextPage
		if next == url {
			return
		}
		url = next
		kind = harvest.PageStoreList
	}
}

// claim reports whether storeID has not been queued yet in this run.
func (r *run) claim(storeID string) bool {
	if storeID == "" {
		return false
	}
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if _, ok := r.seen[storeID]; ok {
		return false
	}
	r.seen[storeID] = struct{}{}
	return true
}

func (r *run) storeDetail(p harvest.ProvinceTarget, ref harvest.StoreRef) {
	select {
	case r.detail <- struct{}{}:
	case <-r.dispatch.Done():
		r.tally.skipped(p.Code, SkippedUnit{Kind: harvest.PageStoreDetail, URL: ref.DetailURL, Reason: "not dispatched: " + r.dispatch.Err().Error()})
		return
	}
	defer func() { <-r.detail }()
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	unit := r.newUnit(harvest.PageStoreDetail, p, ref.DetailURL, 0, &ref)
	res, ok := r.execute(unit)
	if !ok {
		return
	}
	for _, rec := range res.Entities.Records {
		rec.Province = p.Code
		if rec.URL == "" {
			rec.URL = ref.DetailURL
		}
		if rec.StoreID == "" {
			rec.StoreID = ref.StoreID
		}
		if rec.FetchedAt.IsZero() {
			rec.FetchedAt = r.o.clock.Now()
		}
		r.o.sink.MergeInsert(rec)
	}
}
