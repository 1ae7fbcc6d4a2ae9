// Package cron fires trigger events on a schedule.
//
// Each [Entry] names a cron expression and the event to dispatch. The event
// ID is derived from the entry name and the scheduled fire time, so every
// process sharing a store may run the same schedule: the dispatcher's
// delivery deduplication keeps it to one run per job per tick.
//
//	sched := cron.NewScheduler(eng, logger)
//	_ = sched.Add(cron.Entry{Name: "nightly-report", Schedule: "0 2 * * *", Event: "report.due"})
//	_ = sched.Start(ctx)
//	defer sched.Stop(ctx)
package cron
