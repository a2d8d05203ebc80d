package keypool

import "time"

// Entry is a key that passed verification, trusted until its TTL elapses.
// Entries are immutable once created.
type Entry struct {
	Key       string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewEntry creates an entry valid for ttl from now.
func NewEntry(key string, ttl time.Duration, now time.Time) Entry {
	return Entry{
		Key:       key,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Age returns how long the entry has been in the pool at the given instant.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}
