// Package notifier delivers operator alerts.
//
// Alerts are small, high-signal messages: a reminder that could not be
// delivered, a claim that has been held too long, a row whose schedule
// cannot be decoded, a sweep that aborted. Each alert carries a priority and
// an optional dedup key.
//
// # Pipeline
//
// Alert and Notify enqueue without blocking. A pool of supervised workers
// drains the queue through a token bucket and retries failed sends with
// jittered exponential backoff. Identical alerts inside the dedup window are
// dropped; with PersistDedup the window survives restarts via the Store.
//
// # History
//
// For operator visibility the service keeps a small in-memory history of
// recently delivered alerts, exposed on the ops status endpoint.
package notifier
