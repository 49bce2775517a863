// Package storage persists the audit trail of subscription lifecycle events
// (subscribe, cancel, fire, expire, delivery failures, broadcasts).
//
// Subscriptions themselves stay in memory; the trail is for operators only
// and is never read back into the store.
package storage
