package ports

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultBasePort is the first port of the default control port range.
	DefaultBasePort = 27183

	// DefaultSize is the number of ports in the default range.
	DefaultSize = 100
)

// ErrPoolExhausted is returned by Allocate when no port is available.
var ErrPoolExhausted = errors.New("port pool exhausted")

// stickyEntry remembers the last port a session released.
type stickyEntry struct {
	port       int
	releasedAt time.Time
}

// Pool owns a fixed, contiguous range of control ports and leases them to
// sessions. Every method is an atomic critical section, so at every point
// where the lock is free the range partitions exactly into available, inUse
// and reserved.
type Pool struct {
	mu        sync.Mutex
	base      int
	size      int
	available []int // sorted ascending
	inUse     map[string]int
	reserved  map[int]struct{}
	lastUsed  map[string]stickyEntry
	now       func() time.Time
}

// NewPool returns a pool covering [base, base+size). Non-positive values fall
// back to DefaultBasePort and DefaultSize.
func NewPool(base, size int) *Pool {
	if base <= 0 {
		base = DefaultBasePort
	}
	if size <= 0 {
		size = DefaultSize
	}
	p := &Pool{
		base:      base,
		size:      size,
		available: make([]int, 0, size),
		inUse:     make(map[string]int),
		reserved:  make(map[int]struct{}),
		lastUsed:  make(map[string]stickyEntry),
		now:       time.Now,
	}
	for i := 0; i < size; i++ {
		p.available = append(p.available, base+i)
	}
	return p
}

// Range returns the first and last port of the pool.
func (p *Pool) Range() (first, last int) {
	return p.base, p.base + p.size - 1
}

// Allocate leases a port to sessionID. The session's most recently released
// port is preferred when it is still available; otherwise the lowest
// available port is taken. A session that already holds a port gets the same
// port back.
func (p *Pool) Allocate(sessionID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port, ok := p.inUse[sessionID]; ok {
		return port, nil
	}

	if sticky, ok := p.lastUsed[sessionID]; ok {
		if idx, found := slices.BinarySearch(p.available, sticky.port); found {
			p.available = slices.Delete(p.available, idx, idx+1)
			p.inUse[sessionID] = sticky.port
			return sticky.port, nil
		}
	}

	if len(p.available) == 0 {
		return 0, ErrPoolExhausted
	}

	port := p.available[0]
	p.available = p.available[1:]
	p.inUse[sessionID] = port
	return port, nil
}

// Release returns the session's port to the available set and remembers it
// for sticky reuse. It is a no-op when the session holds no port.
func (p *Pool) Release(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	port, ok := p.inUse[sessionID]
	if !ok {
		return
	}
	delete(p.inUse, sessionID)
	p.insertAvailableLocked(port)
	p.lastUsed[sessionID] = stickyEntry{port: port, releasedAt: p.now()}
}

// IsAvailable reports whether port is in the available set.
func (p *Pool) IsAvailable(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, found := slices.BinarySearch(p.available, port)
	return found
}

// Reserve moves port from available to reserved. It returns false when the
// port is not currently available.
func (p *Pool) Reserve(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, found := slices.BinarySearch(p.available, port)
	if !found {
		return false
	}
	p.available = slices.Delete(p.available, idx, idx+1)
	p.reserved[port] = struct{}{}
	return true
}

// Unreserve moves port from reserved back to available. It returns false when
// the port is not reserved.
func (p *Pool) Unreserve(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.reserved[port]; !ok {
		return false
	}
	delete(p.reserved, port)
	p.insertAvailableLocked(port)
	return true
}

// ReleaseAll forces every leased and reserved port back to available. Sticky
// entries are kept. Used during full shutdown.
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for sessionID, port := range p.inUse {
		p.lastUsed[sessionID] = stickyEntry{port: port, releasedAt: p.now()}
		p.available = append(p.available, port)
	}
	for port := range p.reserved {
		p.available = append(p.available, port)
	}
	clear(p.inUse)
	clear(p.reserved)

	slices.Sort(p.available)
	p.available = slices.Compact(p.available)
}

// CleanupLastUsed forgets sticky ports released more than maxAge ago and
// returns how many entries were dropped.
func (p *Pool) CleanupLastUsed(maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-maxAge)
	dropped := 0
	for sessionID, entry := range p.lastUsed {
		if entry.releasedAt.Before(cutoff) {
			delete(p.lastUsed, sessionID)
			dropped++
		}
	}
	return dropped
}

// IntegrityReport is the result of Validate.
type IntegrityReport struct {
	Missing    []int `json:"missing,omitempty"`
	Unexpected []int `json:"unexpected,omitempty"`
	Duplicated []int `json:"duplicated,omitempty"`
}

// OK reports whether the partition invariant holds.
func (r IntegrityReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0 && len(r.Duplicated) == 0
}

func (r IntegrityReport) Error() string {
	return fmt.Sprintf("port pool integrity violation: missing=%v unexpected=%v duplicated=%v",
		r.Missing, r.Unexpected, r.Duplicated)
}

// Validate recomputes the partition of the three sets against the configured
// range. Ports found in more than one set are reported as duplicated.
func (p *Pool) Validate() IntegrityReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[int]int, p.size)
	for _, port := range p.available {
		seen[port]++
	}
	for _, port := range p.inUse {
		seen[port]++
	}
	for port := range p.reserved {
		seen[port]++
	}

	var report IntegrityReport
	for port := p.base; port < p.base+p.size; port++ {
		if seen[port] == 0 {
			report.Missing = append(report.Missing, port)
		}
	}
	for port, count := range seen {
		if port < p.base || port >= p.base+p.size {
			report.Unexpected = append(report.Unexpected, port)
		}
		if count > 1 {
			report.Duplicated = append(report.Duplicated, port)
		}
	}
	sort.Ints(report.Unexpected)
	sort.Ints(report.Duplicated)
	return report
}

// insertAvailableLocked inserts port keeping available sorted and free of
// duplicates. Caller must hold p.mu.
func (p *Pool) insertAvailableLocked(port int) {
	idx, found := slices.BinarySearch(p.available, port)
	if found {
		return
	}
	p.available = slices.Insert(p.available, idx, port)
}
