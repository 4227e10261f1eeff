// Package scheduler runs named background jobs on cron or interval
// schedules.
//
// It is trigger-only: each job runs on the cron goroutine with a timeout,
// overlapping runs of the same job are skipped, and failures are logged.
// The app uses it to retry failed timeline saves.
package scheduler
