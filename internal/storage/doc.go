// Package storage persists timed moderation entities and vote ballots.
//
// The store is the single cross-restart source of truth: schedulers treat
// their timers as a derived cache and re-validate entity status here before
// acting.
package storage
