package coherent

import (
	"sync"
	"time"
)

// SampleCache holds the last successfully decoded sample.  One READ? fills
// it and the statistic, period and seqid attributes read from it without
// going to the meter.  The values are stale until the next successful
// decode; a failed read never touches the cache.
type SampleCache struct {
	mu sync.RWMutex
	s  Sample
	at time.Time
	ok bool
}

// Store replaces the cached sample.  s must be unscaled.
func (c *SampleCache) Store(s Sample, at time.Time) {
	c.mu.Lock()
	c.s = s
	c.at = at
	c.ok = true
	c.mu.Unlock()
}

// Load returns the cached sample and when it was decoded, or ErrNoSample
func (c *SampleCache) Load() (Sample, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ok {
		return Sample{}, time.Time{}, ErrNoSample
	}
	return c.s, c.at, nil
}

// Reset empties the cache
func (c *SampleCache) Reset() {
	c.mu.Lock()
	c.s = Sample{}
	c.at = time.Time{}
	c.ok = false
	c.mu.Unlock()
}
