// Package clock provides a small wall-clock seam with a real and a fake
// implementation. Components that schedule retries, expire windows or
// evaluate cron fires take a Clock at construction instead of calling
// time.Now directly.
package clock
