package history

import (
	"sync/atomic"
	"time"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

// profile is one user's mutable state. All fields except lastSeen are
// guarded by the user's lease.
type profile struct {
	tenantID string
	userID   string

	userAge        int
	accountAgeDays int
	accountAgeAsOf time.Time
	count          int64

	// ring holds entries oldest first starting at head; it grows up to capacity.
	ring     []domain.HistoryEntry
	head     int
	size     int
	capacity int

	lastSeen atomic.Int64
}

func newProfile(tenantID, userID string, capacity int) *profile {
	n := initialRing
	if n > capacity {
		n = capacity
	}
	return &profile{
		tenantID: tenantID,
		userID:   userID,
		ring:     make([]domain.HistoryEntry, n),
		capacity: capacity,
	}
}

func (p *profile) touch(now time.Time) {
	p.lastSeen.Store(now.UnixNano())
}

func (p *profile) idleSince(cutoff time.Time) bool {
	return p.lastSeen.Load() < cutoff.UnixNano()
}

// record appends tx, keeping entries time-ordered and within retention.
func (p *profile) record(tx *domain.Transaction) {
	at := tx.Timestamp
	if newest, ok := p.newest(); ok && newest.After(at) {
		at = newest
	}

	p.push(domain.HistoryEntry{At: at, Amount: tx.Amount})
	p.count++

	if tx.UserAge > 0 {
		p.userAge = tx.UserAge
	}
	if tx.AccountAgeDays > 0 {
		p.accountAgeDays = tx.AccountAgeDays
		p.accountAgeAsOf = at
	}

	p.prune(at.Add(-Retention))
}

func (p *profile) push(e domain.HistoryEntry) {
	if p.size == len(p.ring) {
		if len(p.ring) < p.capacity {
			p.grow()
		} else {
			// Full: overwrite the oldest entry.
			p.ring[p.head] = e
			p.head = (p.head + 1) % len(p.ring)
			return
		}
	}
	p.ring[(p.head+p.size)%len(p.ring)] = e
	p.size++
}

func (p *profile) grow() {
	n := len(p.ring) * 2
	if n > p.capacity {
		n = p.capacity
	}
	ring := make([]domain.HistoryEntry, n)
	p.copyTo(ring)
	p.ring = ring
	p.head = 0
}

// prune drops entries at or before cutoff.
func (p *profile) prune(cutoff time.Time) {
	for p.size > 0 && !p.ring[p.head].At.After(cutoff) {
		p.ring[p.head] = domain.HistoryEntry{}
		p.head = (p.head + 1) % len(p.ring)
		p.size--
	}
}

func (p *profile) newest() (time.Time, bool) {
	if p.size == 0 {
		return time.Time{}, false
	}
	return p.ring[(p.head+p.size-1)%len(p.ring)].At, true
}

func (p *profile) copyTo(dst []domain.HistoryEntry) {
	for i := 0; i < p.size; i++ {
		dst[i] = p.ring[(p.head+i)%len(p.ring)]
	}
}

func (p *profile) snapshot() domain.UserProfile {
	entries := make([]domain.HistoryEntry, p.size)
	p.copyTo(entries)
	return domain.UserProfile{
		TenantID:         p.tenantID,
		UserID:           p.userID,
		UserAge:          p.userAge,
		AccountAgeDays:   p.accountAgeDays,
		AccountAgeAsOf:   p.accountAgeAsOf,
		TransactionCount: p.count,
		Entries:          entries,
	}
}
