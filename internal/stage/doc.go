// Package stage defines what every pipeline stage returns: a Result on
// success and a Failure carrying the stage, failure kind, code, and cause
// otherwise. It also holds the Health record stages report for readiness
// checks.
package stage
