// Package rotation asks the supervisor for a new identity on a schedule.
// Rotations while the daemon is not connected are skipped.
package rotation
