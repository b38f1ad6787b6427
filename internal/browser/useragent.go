package browser

import (
	"math/rand"
	"sync"
)

// DefaultUserAgents are current desktop browsers.
var DefaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
}

// userAgents picks a random entry per session.
type userAgents struct {
	mu   sync.Mutex
	rng  *rand.Rand
	list []string
}

func newUserAgents(list []string, seed int64) *userAgents {
	if len(list) == 0 {
		list = DefaultUserAgents
	}
	return &userAgents{rng: rand.New(rand.NewSource(seed)), list: list}
}

func (u *userAgents) pick() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.list[u.rng.Intn(len(u.list))]
}
