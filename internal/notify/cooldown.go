package notify

import (
	"sync"
	"time"
)

// Cooldown suppresses repeats of a key within a window.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time)}
}

func (c *Cooldown) Allow(key string, window time.Duration, now time.Time) bool {
	if window <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok && now.Sub(ts) < window {
		return false
	}
	c.last[key] = now
	return true
}
