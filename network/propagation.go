package network

import (
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

const defaultMaxHops = 5

// Propagator keeps the seen cache and hop limit used when relaying envelopes.
type Propagator struct {
	// Seen envelopes (fingerprint -> first seen)
	seenMessages sync.Map

	// Configuration
	maxHops       int
	cacheExpiry   time.Duration
	cleanInterval time.Duration

	// Control
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
}

// NewPropagator creates a propagator with a hop limit of 5.
func NewPropagator() *Propagator {
	return &Propagator{
		maxHops:       defaultMaxHops,
		cacheExpiry:   5 * time.Minute,
		cleanInterval: time.Minute,
		stopChan:      make(chan struct{}),
	}
}

// Start begins the cache cleaner.
func (p *Propagator) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.cacheCleaner()
}

// Stop stops the cache cleaner.
func (p *Propagator) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopChan)
	p.wg.Wait()
}

// MarkSeen records the envelope and reports whether it was new.
func (p *Propagator) MarkSeen(from, nonce string) bool {
	_, loaded := p.seenMessages.LoadOrStore(fingerprint(from, nonce), time.Now())
	return !loaded
}

// ShouldRelay reports whether an envelope that travelled hops may go further.
func (p *Propagator) ShouldRelay(hops int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return hops < p.maxHops
}

// SetMaxHops sets the maximum number of hops for relaying.
func (p *Propagator) SetMaxHops(hops int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxHops = hops
}

func fingerprint(from, nonce string) uint64 {
	h := murmur3.New64()
	_, _ = h.Write([]byte(from))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(nonce))
	return h.Sum64()
}

// cacheCleaner periodically cleans old entries from the seen cache.
func (p *Propagator) cacheCleaner() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case now := <-ticker.C:
			p.cleanCache(now)
		}
	}
}

// cleanCache removes entries seen before now minus the expiry.
func (p *Propagator) cleanCache(now time.Time) {
	cutoff := now.Add(-p.cacheExpiry)

	p.seenMessages.Range(func(key, value any) bool {
		if ts, ok := value.(time.Time); ok && ts.Before(cutoff) {
			p.seenMessages.Delete(key)
		}
		return true
	})
}

// PropagatorStats contains propagator statistics.
type PropagatorStats struct {
	MaxHops   int  `json:"max_hops"`
	CacheSize int  `json:"cache_size"`
	IsRunning bool `json:"is_running"`
}

// GetStats returns propagator statistics.
func (p *Propagator) GetStats() PropagatorStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	cacheSize := 0
	p.seenMessages.Range(func(key, value any) bool {
		cacheSize++
		return true
	})

	return PropagatorStats{
		MaxHops:   p.maxHops,
		CacheSize: cacheSize,
		IsRunning: p.running,
	}
}
