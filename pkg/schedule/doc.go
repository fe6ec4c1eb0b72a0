/*
Package schedule fires workflow runs on cron expressions.

Each scheduled workflow carries a five-field cron expression and an IANA
timezone. A single-threaded ticker walks the entries once a minute and
starts a run for each schedule whose fire time has passed. Fires missed
while the process was down collapse to at most one catch-up run, and only
when the most recent missed fire is younger than the catch-up window.
DST transitions follow the cron library's location-aware time math:
phantom local times are skipped, repeated local times fire once.
*/
package schedule
