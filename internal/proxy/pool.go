package proxy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/storeharvest/internal/harvest"
	"github.com/JakeFAU/storeharvest/internal/metrics"
)

const (
	defaultFailureThreshold = 3
	defaultCooldownBase     = 30 * time.Second
	defaultCooldownMax      = 30 * time.Minute
)

// Config tunes health scoring.
type Config struct {
	FailureThreshold int
	CooldownBase     time.Duration
	CooldownMax      time.Duration
}

// Pool rotates identities. All methods are safe for concurrent use; acquire
// and report are serialized by a single mutex.
type Pool struct {
	mu         sync.Mutex
	identities []*Identity
	index      map[string]*Identity
	cursor     int
	cfg        Config
	clock      harvest.Clock
	logger     *zap.Logger
	everUsable bool
}

// NewPool builds a pool over the given identities. Duplicate IDs are dropped.
func NewPool(identities []*Identity, cfg Config, clock harvest.Clock, logger *zap.Logger) *Pool {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.CooldownBase <= 0 {
		cfg.CooldownBase = defaultCooldownBase
	}
	if cfg.CooldownMax <= 0 {
		cfg.CooldownMax = defaultCooldownMax
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		index:  make(map[string]*Identity, len(identities)),
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
	for _, id := range identities {
		if id == nil {
			continue
		}
		if _, dup := p.index[id.id]; dup {
			logger.Warn("Dropping duplicate proxy identity", zap.String("identity", id.String()))
			continue
		}
		p.index[id.id] = id
		p.identities = append(p.identities, id)
	}
	p.publishGauges()
	return p
}

// FromList parses a proxy list; with no proxies it seeds directCount direct
// identities instead.
func FromList(raw []string, directCount int, cfg Config, clock harvest.Clock, logger *zap.Logger) (*Pool, error) {
	var ids []*Identity
	for _, entry := range raw {
		id, err := ParseIdentity(entry)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		if directCount <= 0 {
			directCount = 1
		}
		for i := 1; i <= directCount; i++ {
			ids = append(ids, NewDirect(fmt.Sprintf("direct-%d", i)))
		}
	}
	return NewPool(ids, cfg, clock, logger), nil
}

// Acquire returns the best available identity not listed in exclude.
// Untested identities come first in round-robin order, then the
// least-recently-used healthy one. Any report moves an identity out of the
// untested tier. It returns harvest.ErrPoolExhausted when
// nothing qualifies.
func (p *Pool) Acquire(exclude ...string) (*Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	n := len(p.identities)
	for i := 0; i < n; i++ {
		id := p.identities[(p.cursor+i)%n]
		if _, excluded := skip[id.id]; excluded {
			continue
		}
		p.expireCooldown(id, now)
		if id.health == HealthUntested {
			p.cursor = (p.cursor + i + 1) % n
			return p.lease(id, now), nil
		}
	}

	var candidates []*Identity
	for _, id := range p.identities {
		if _, excluded := skip[id.id]; excluded {
			continue
		}
		if id.health == HealthHealthy {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("acquire identity (%d excluded): %w", len(skip), harvest.ErrPoolExhausted)
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].lastUsed.Before(candidates[b].lastUsed)
	})
	return p.lease(candidates[0], now), nil
}

func (p *Pool) lease(id *Identity, now time.Time) *Identity {
	id.lastUsed = now
	return id
}

// expireCooldown moves an identity whose window elapsed back into rotation.
// The cooldown streak is kept so a relapse waits twice as long.
func (p *Pool) expireCooldown(id *Identity, now time.Time) {
	if id.health != HealthCoolingDown || now.Before(id.cooldownUntil) {
		return
	}
	id.health = HealthHealthy
	id.failures = 0
	id.cooldownUntil = time.Time{}
	p.logger.Info("Proxy identity cooldown elapsed", zap.String("identity", id.String()))
}

// Report updates the identity's health after use.
func (p *Pool) Report(identity *Identity, outcome Outcome) {
	if identity == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.index[identity.id]
	if !ok || id.health == HealthBanned {
		return
	}
	now := p.clock.Now()
	metrics.ObserveProxyReport(string(outcome))

	switch outcome {
	case OutcomeSuccess:
		id.health = HealthHealthy
		id.failures = 0
		id.cooldowns = 0
		id.lastUsed = now
		p.everUsable = true
	case OutcomeSoftFailure:
		id.failures++
		if id.health == HealthUntested {
			id.health = HealthHealthy
		}
		if id.failures >= p.cfg.FailureThreshold && id.health != HealthCoolingDown {
			window := p.cooldownWindow(id.cooldowns)
			id.cooldowns++
			id.health = HealthCoolingDown
			id.cooldownUntil = now.Add(window)
			p.logger.Warn("Proxy identity cooling down",
				zap.String("identity", id.String()),
				zap.Int("consecutive_failures", id.failures),
				zap.Duration("window", window),
			)
		}
	case OutcomeHardFailure:
		id.health = HealthBanned
		p.logger.Error("Proxy identity banned", zap.String("identity", id.String()))
	}
	p.publishGauges()
}

func (p *Pool) cooldownWindow(streak int) time.Duration {
	window := p.cfg.CooldownBase
	for i := 0; i < streak; i++ {
		window *= 2
		if window >= p.cfg.CooldownMax {
			return p.cfg.CooldownMax
		}
	}
	if window > p.cfg.CooldownMax {
		return p.cfg.CooldownMax
	}
	return window
}

// Usable counts identities that could be acquired now or after a cooldown.
func (p *Pool) Usable() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, id := range p.identities {
		if id.health != HealthBanned {
			n++
		}
	}
	return n
}

// EverHealthy reports whether any identity has served a successful unit.
func (p *Pool) EverHealthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.everUsable
}

// NextAvailable returns when the earliest cooling identity becomes usable
// again, and false if no identity is cooling down.
func (p *Pool) NextAvailable() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var earliest time.Time
	found := false
	for _, id := range p.identities {
		if id.health != HealthCoolingDown {
			continue
		}
		if !found || id.cooldownUntil.Before(earliest) {
			earliest = id.cooldownUntil
			found = true
		}
	}
	return earliest, found
}

// Size is the number of identities in the pool, banned included.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.identities)
}

// Snapshot copies the current health of every identity in seed order.
func (p *Pool) Snapshot() []IdentityStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]IdentityStatus, 0, len(p.identities))
	for _, id := range p.identities {
		out = append(out, IdentityStatus{
			ID:                  id.id,
			Health:              id.health,
			ConsecutiveFailures: id.failures,
			LastUsed:            id.lastUsed,
			CooldownUntil:       id.cooldownUntil,
		})
	}
	return out
}

// Status returns the health of a single identity.
func (p *Pool) Status(id string) (IdentityStatus, bool) {
	for _, st := range p.Snapshot() {
		if st.ID == id {
			return st, true
		}
	}
	return IdentityStatus{}, false
}

func (p *Pool) publishGauges() {
	counts := map[Health]int{
		HealthUntested:    0,
		HealthHealthy:     0,
		HealthCoolingDown: 0,
		HealthBanned:      0,
	}
	for _, id := range p.identities {
		counts[id.health]++
	}
	for health, n := range counts {
		metrics.SetProxyIdentities(string(health), n)
	}
}
