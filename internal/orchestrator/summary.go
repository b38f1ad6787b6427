package orchestrator

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"go.uber.org/zap"

	"github.com/JakeFAU/storeharvest/internal/harvest"
	"github.com/JakeFAU/storeharvest/internal/proxy"
)

// SkippedUnit names a unit that ended without content.
type SkippedUnit struct {
	Kind     harvest.PageKind `json:"kind"`
	URL      string           `json:"url"`
	Attempts int              `json:"attempts"`
	Reason   string           `json:"reason"`
}

// ProvinceSummary counts outcomes for one province.
type ProvinceSummary struct {
	Code             string                   `json:"code"`
	Name             string                   `json:"name"`
	StoresDiscovered int                      `json:"stores_discovered"`
	Succeeded        map[harvest.PageKind]int `json:"succeeded"`
	Skipped          map[harvest.PageKind]int `json:"skipped"`
	SkippedUnits     []SkippedUnit            `json:"skipped_units,omitempty"`
}

// SkippedStores is the number of store-detail units that did not succeed.
func (p ProvinceSummary) SkippedStores() int {
	return p.Skipped[harvest.PageStoreDetail]
}

// RunSummary is the user-facing account of a run.
type RunSummary struct {
	RunID      string                 `json:"run_id"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Provinces  []ProvinceSummary      `json:"provinces"`
	Records    int                    `json:"records"`
	Cancelled  bool                   `json:"cancelled"`
	TimedOut   bool                   `json:"timed_out"`
	Identities []proxy.IdentityStatus `json:"identities"`
	Fatal      string                 `json:"fatal,omitempty"`
}

// SkippedStores totals skipped store-detail units across provinces.
func (s RunSummary) SkippedStores() int {
	n := 0
	for _, p := range s.Provinces {
		n += p.SkippedStores()
	}
	return n
}

// SucceededStores totals successful store-detail units.
func (s RunSummary) SucceededStores() int {
	n := 0
	for _, p := range s.Provinces {
		n += p.Succeeded[harvest.PageStoreDetail]
	}
	return n
}

// Render writes the per-province table and the identity table.
func (s RunSummary) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("Run %s", s.RunID))
	t.AppendHeader(table.Row{"Province", "Discovered", "Stores OK", "Stores Skipped", "List Pages OK", "List Pages Skipped"})
	for _, p := range s.Provinces {
		listOK := p.Succeeded[harvest.PageProvince] + p.Succeeded[harvest.PageStoreList]
		listSkipped := p.Skipped[harvest.PageProvince] + p.Skipped[harvest.PageStoreList]
		t.AppendRow(table.Row{p.Name, p.StoresDiscovered, p.Succeeded[harvest.PageStoreDetail], p.SkippedStores(), listOK, listSkipped})
	}
	t.AppendFooter(table.Row{"Total", "", s.SucceededStores(), s.SkippedStores(), "", ""})
	t.Render()

	if len(s.Identities) > 0 {
		it := table.NewWriter()
		it.SetOutputMirror(w)
		it.SetStyle(table.StyleRounded)
		it.AppendHeader(table.Row{"Identity", "Health", "Failures", "Last Used"})
		for _, id := range s.Identities {
			last := "-"
			if !id.LastUsed.IsZero() {
				last = id.LastUsed.Format(time.RFC3339)
			}
			it.AppendRow(table.Row{id.ID, id.Health, id.ConsecutiveFailures, last})
		}
		it.Render()
	}

	skipped := table.NewWriter()
	skipped.SetOutputMirror(w)
	skipped.SetStyle(table.StyleRounded)
	skipped.AppendHeader(table.Row{"Province", "Kind", "URL", "Attempts", "Reason"})
	rows := 0
	for _, p := range s.Provinces {
		for _, u := range p.SkippedUnits {
			skipped.AppendRow(table.Row{p.Code, u.Kind, u.URL, u.Attempts, u.Reason})
			rows++
		}
	}
	if rows > 0 {
		skipped.Render()
	}
}

// Log emits the summary as structured fields.
func (s RunSummary) Log(logger *zap.Logger) {
	for _, p := range s.Provinces {
		logger.Info("Province summary",
			zap.String("province", p.Code),
			zap.Int("discovered", p.StoresDiscovered),
			zap.Int("stores_ok", p.Succeeded[harvest.PageStoreDetail]),
			zap.Int("stores_skipped", p.SkippedStores()),
		)
		for _, u := range p.SkippedUnits {
			logger.Warn("Skipped unit",
				zap.String("province", p.Code),
				zap.String("kind", string(u.Kind)),
				zap.String("url", u.URL),
				zap.String("reason", u.Reason),
			)
		}
	}
	logger.Info("Run summary",
		zap.String("run_id", s.RunID),
		zap.Int("records", s.Records),
		zap.Int("stores_ok", s.SucceededStores()),
		zap.Int("stores_skipped", s.SkippedStores()),
		zap.Bool("cancelled", s.Cancelled),
		zap.Bool("timed_out", s.TimedOut),
		zap.Duration("elapsed", s.FinishedAt.Sub(s.StartedAt)),
	)
}

// tally collects outcomes from concurrent workers.
type tally struct {
	mu        sync.Mutex
	provinces map[string]*ProvinceSummary
	order     []string
}

func newTally(targets []harvest.ProvinceTarget) *tally {
	t := &tally{provinces: make(map[string]*ProvinceSummary, len(targets))}
	for _, p := range targets {
		if _, dup := t.provinces[p.Code]; dup {
			continue
		}
		t.provinces[p.Code] = &ProvinceSummary{
			Code:      p.Code,
			Name:      p.Name,
			Succeeded: map[harvest.PageKind]int{},
			Skipped:   map[harvest.PageKind]int{},
		}
		t.order = append(t.order, p.Code)
	}
	return t
}

func (t *tally) succeeded(code string, kind harvest.PageKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.provinces[code].Succeeded[kind]++
}

func (t *tally) skipped(code string, unit SkippedUnit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.provinces[code]
	p.Skipped[unit.Kind]++
	p.SkippedUnits = append(p.SkippedUnits, unit)
}

func (t *tally) discovered(code string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.provinces[code].StoresDiscovered += n
}

func (t *tally) snapshot() []ProvinceSummary {
	t.mu.Lock()
	defer t.mu.Unlock()
	codes := append([]string(nil), t.order...)
	sort.Strings(codes)
	out := make([]ProvinceSummary, 0, len(codes))
	for _, code := range codes {
		p := *t.provinces[code]
		p.SkippedUnits = append([]SkippedUnit(nil), p.SkippedUnits...)
		sort.Slice(p.SkippedUnits, func(i, j int) bool {
			if p.SkippedUnits[i].Kind != p.SkippedUnits[j].Kind {
				return p.SkippedUnits[i].Kind < p.SkippedUnits[j].Kind
			}
			return p.SkippedUnits[i].URL < p.SkippedUnits[j].URL
		})
		out = append(out, p)
	}
	return out
}
