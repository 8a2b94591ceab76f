// Package schedule provides schedules for recurring background work.
//
// This package includes:
//   - Schedule interface for computing the next run time
//   - Every() for fixed-interval schedules
//   - Cron() for cron expression-based schedules
//   - Run() for driving a function from a Schedule
package schedule
