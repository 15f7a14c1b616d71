package cache

import "time"

// Cache is a key-value store whose entries expire.
type Cache[K comparable, V any] interface {
	// Get returns the value if present and not expired.
	Get(key K) (V, bool)

	// Set stores value under key with the cache's default TTL.
	Set(key K, value V)

	// SetWithTTL stores value under key. A ttl <= 0 never expires.
	SetWithTTL(key K, value V, ttl time.Duration)

	Delete(key K)

	// Len counts the live (non-expired) entries.
	Len() int

	// Purge removes expired entries and returns how many were dropped.
	Purge() int
}
