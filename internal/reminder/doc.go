// Package reminder holds the reminder entity, its recurrence arithmetic and
// the firing state machine. Everything here is pure; storage and delivery
// live in other packages.
package reminder
