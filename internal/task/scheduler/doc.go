// Package scheduler owns recurring greeting jobs.
//
// It validates collected input into a JobSpec, keeps the set of active jobs,
// and drives a robfig/cron loop that only computes due times. Every firing is
// handed to the task engine, so a slow callback never holds up the loop:
//   - registering, listing and canceling jobs
//   - computing the next grid point inside the [start, end] window
//   - enqueueing one task per occurrence
package scheduler
