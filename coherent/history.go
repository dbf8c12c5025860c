package coherent

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// History is a ring buffer of readings in base units, oldest first.  It is
// concurrent safe.
type History struct {
	mu     sync.Mutex
	buf    []float64
	cursor int
	filled bool
}

// NewHistory returns a History holding up to depth readings
func NewHistory(depth int) *History {
	if depth < 1 {
		depth = 1
	}
	return &History{buf: make([]float64, depth)}
}

// Append adds a value to the buffer, evicting the oldest if full
func (h *History) Append(f float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.cursor] = f
	h.cursor++
	if h.cursor == len(h.buf) {
		h.cursor = 0
		h.filled = true
	}
}

// Values returns a copy of the contents from least to most recent.
// It is empty, not nil, if nothing has been appended.
func (h *History) Values() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.filled {
		out := make([]float64, h.cursor)
		copy(out, h.buf[:h.cursor])
		return out
	}
	out := make([]float64, 0, len(h.buf))
	out = append(out, h.buf[h.cursor:]...)
	return append(out, h.buf[:h.cursor]...)
}

// Len is the number of readings held
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.filled {
		return len(h.buf)
	}
	return h.cursor
}

// Depth is the capacity of the buffer
func (h *History) Depth() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buf)
}

// SetDepth resizes the buffer.  The contents are discarded.
func (h *History) SetDepth(depth int) error {
	if depth < 1 {
		return fmt.Errorf("%w: history depth must be at least 1, got %d", ErrBadValue, depth)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = make([]float64, depth)
	h.cursor = 0
	h.filled = false
	return nil
}

// Stats aggregates the current contents
func (h *History) Stats() (RollingStats, error) {
	return Aggregate(h.Values())
}

// SampleReader performs one measurement
type SampleReader interface {
	Read() (Sample, error)
}

// Poller periodically reads a meter into a History.  A failed read is
// recorded as NaN so the buffer stays aligned with the polling clock; the
// aggregate ignores it.
type Poller struct {
	src      SampleReader
	hist     *History
	interval time.Duration

	// Active, if not nil, is consulted each tick; the tick does nothing
	// when it returns false
	Active func() bool

	inQuery atomic.Bool
	cron    *cron.Cron
	mu      sync.Mutex
}

// NewPoller returns a Poller that reads src into hist every interval.
// Intervals under a second are rounded up to one second.
func NewPoller(src SampleReader, hist *History, interval time.Duration) *Poller {
	return &Poller{src: src, hist: hist, interval: interval}
}

// Poll performs one read and appends the result
func (p *Poller) Poll() {
	if p.Active != nil && !p.Active() {
		return
	}
	// a tick that lands on a still running read is dropped
	if !p.inQuery.CompareAndSwap(false, true) {
		zap.L().Warn("poll interval too short, skipping tick", zap.Duration("interval", p.interval))
		return
	}
	defer p.inQuery.Store(false)

	s, err := p.src.Read()
	if err != nil {
		zap.L().Warn("poll read failed", zap.Error(err))
		p.hist.Append(math.NaN())
		return
	}
	p.hist.Append(s.Primary)
}

// Start begins polling.  Calling Start on a running Poller does nothing.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", p.interval), p.Poll); err != nil {
		return err
	}
	c.Start()
	p.cron = c
	zap.L().Info("history polling started", zap.Duration("interval", p.interval), zap.Int("depth", p.hist.Depth()))
	return nil
}

// Stop halts polling and waits for a running read to finish
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
	p.cron = nil
}

// Running is true between Start and Stop
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cron != nil
}
