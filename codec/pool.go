package codec

import "sync"

// Pool recycles Writers and Readers. Released instances are handed out
// again, most recently released first, before new ones are allocated.
//
// The zero value is ready to use. A Pool is owned by the component that
// uses it; its free lists are guarded by a mutex so the goroutines of one
// server or client may share it.
type Pool struct {
	mu      sync.Mutex
	writers []*Writer
	readers []*Reader
	stats   PoolStats
}

// PoolStats counts how often the pool allocated versus reused.
type PoolStats struct {
	WritersAllocated int
	WritersReused    int
	ReadersAllocated int
	ReadersReused    int
}

// AcquireWriter returns an empty Writer.
func (p *Pool) AcquireWriter() *Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.writers); n > 0 {
		w := p.writers[n-1]
		p.writers[n-1] = nil
		p.writers = p.writers[:n-1]
		p.stats.WritersReused++
		w.Reset()
		return w
	}
	p.stats.WritersAllocated++
	return NewWriter()
}

// ReleaseWriter returns w to the pool. w must not be used afterwards.
func (p *Pool) ReleaseWriter(w *Writer) {
	if w == nil {
		return
	}
	p.mu.Lock()
	p.writers = append(p.writers, w)
	p.mu.Unlock()
}

// AcquireReader returns a Reader positioned at the start of b.
func (p *Pool) AcquireReader(b []byte) *Reader {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.readers); n > 0 {
		r := p.readers[n-1]
		p.readers[n-1] = nil
		p.readers = p.readers[:n-1]
		p.stats.ReadersReused++
		r.Reset(b)
		return r
	}
	p.stats.ReadersAllocated++
	return NewReader(b)
}

// ReleaseReader returns r to the pool and drops its reference to the span.
func (p *Pool) ReleaseReader(r *Reader) {
	if r == nil {
		return
	}
	r.Reset(nil)
	p.mu.Lock()
	p.readers = append(p.readers, r)
	p.mu.Unlock()
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
