// Package sweep finds due reminders, claims them and advances them.
//
// A sweep cycle selects due candidates, claims each with a conditional
// update on its version, then runs the state machine over the winners with
// bounded parallelism: build the payload, deliver it, commit the new state
// under the claim version, and record a firing. Two sweeps racing on the
// same store never both win a row, so each due occurrence is delivered by
// exactly one processor.
//
// The Scheduler triggers cycles from robfig/cron and keeps no state between
// cycles except counters for status output. A claim that never commits is
// picked up by the StuckDetector and surfaced to the operator.
package sweep
