// Package trigger registers named schedules on top of the scheduler.
//
// Interval schedules become periodic tasks; the first firing is spread over a
// random delay so that many schedules registered together do not fire at once.
// Cron and daily/weekly schedules submit a fresh one-shot task on every
// firing. One-time schedules submit a single task at a wall-clock time.
package trigger
