// Package storage persists reminders and provides the two primitives the
// sweep relies on: an indexed due-candidate range query and a
// version-guarded single-row update.
//
// It also keeps the firing ledger and the notifier dedup state so both
// survive restarts.
package storage
