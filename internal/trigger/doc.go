// Package trigger fires periodic work into the job scheduler.
//
// Each entry is a cron or interval schedule. On every tick the entry's
// action is submitted with Spawn unless a Job with the same name is still
// running, so slow sensor polls never pile up.
package trigger
