// Package notifier delivers text messages to chat targets through a gateway
// adapter.
//
// Two paths share one rate limiter:
//
//   - Send is synchronous and single-shot. The poll loop uses it for
//     threshold notifications so a delivery failure is observed by the caller
//     and never retried into a duplicate.
//   - Notify is asynchronous (queue + worker pool + retry + dedup) and is used
//     for command replies, expiry notices, broadcasts and operator alerts.
//
// A small in-memory history of recent deliveries backs the status command.
package notifier
