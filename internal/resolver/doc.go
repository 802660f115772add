// Package resolver maps host names to addresses through a pluggable
// NameService, caching results in two tiers: a pending entry that makes
// concurrent lookups of the same name wait for one resolution, and resolved
// entries that expire after a positive or negative TTL.
//
// Expired entries are swept opportunistically on every lookup; there is no
// background goroutine.
package resolver
