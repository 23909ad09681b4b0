// Package jobs is the bounded-concurrency job pool every actor run-loop,
// sensor poll and step execution is submitted through.
//
// A Scheduler owns its Jobs:
//   - Spawn starts a Job immediately when a slot is free, otherwise it queues
//     the Job (FIFO). A full queue blocks the caller (backpressure).
//   - When a Job finishes, the Scheduler publishes "job/<type>/done", frees the
//     slot and promotes the oldest queued Job.
//   - Job failures never reach the submitter. They are drained by a background
//     exception sink and handed to the configured ExceptionHandler exactly once.
//   - Close stops admissions, discards the backlog and closes running Jobs
//     concurrently, each bounded by CloseTimeout.
package jobs
