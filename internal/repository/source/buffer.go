package source

import (
	"sort"
	"sync"
	"time"

	"MarketSentry/internal/domain/models"
)

// Buffer keeps the newest points per symbol in fixed-size rings. Stream
// adapters write into it from their read loop and serve reads from it.
type Buffer struct {
	mu    sync.RWMutex
	size  int
	rings map[string]*ring
}

type ring struct {
	pts  []*models.MarketDataPoint
	next int
	full bool
}

func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 1000
	}
	return &Buffer{size: size, rings: make(map[string]*ring)}
}

func (b *Buffer) Add(p *models.MarketDataPoint) {
	if p == nil || p.Symbol == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rings[p.Symbol]
	if !ok {
		r = &ring{pts: make([]*models.MarketDataPoint, b.size)}
		b.rings[p.Symbol] = r
	}
	r.pts[r.next] = p
	r.next = (r.next + 1) % b.size
	if r.next == 0 {
		r.full = true
	}
}

// Symbols lists every symbol seen so far, sorted.
func (b *Buffer) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.rings))
	for s := range b.rings {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Latest returns up to limit of the newest points across symbols, oldest
// first. Empty symbols means all.
func (b *Buffer) Latest(symbols []string, limit int) []*models.MarketDataPoint {
	pts := b.collect(symbols, func(*models.MarketDataPoint) bool { return true })
	sortByTime(pts)
	if limit > 0 && len(pts) > limit {
		pts = pts[len(pts)-limit:]
	}
	return pts
}

// After returns points strictly newer than t.
func (b *Buffer) After(symbols []string, t time.Time) []*models.MarketDataPoint {
	pts := b.collect(symbols, func(p *models.MarketDataPoint) bool { return p.Timestamp.After(t) })
	sortByTime(pts)
	return pts
}

func (b *Buffer) Len(symbol string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.rings[symbol]
	if !ok {
		return 0
	}
	if r.full {
		return b.size
	}
	return r.next
}

// collect returns copies so callers may stamp the points they read.
func (b *Buffer) collect(symbols []string, keep func(*models.MarketDataPoint) bool) []*models.MarketDataPoint {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*models.MarketDataPoint
	visit := func(r *ring) {
		for _, p := range r.pts {
			if p != nil && keep(p) {
				out = append(out, p.Clone())
			}
		}
	}
	if len(symbols) == 0 {
		for _, r := range b.rings {
			visit(r)
		}
		return out
	}
	for _, s := range symbols {
		if r, ok := b.rings[s]; ok {
			visit(r)
		}
	}
	return out
}
