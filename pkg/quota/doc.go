/*
Package quota tracks per-provider usage windows and hands out reservations.

Each provider carries one window per sub-key (credential). TryReserve
atomically claims units when used+reserved+amount fits the limit, rolling
the window over first if its reset time has passed. The reservation is
settled by Commit (counts as usage) or Refund (releases it); a janitor
refunds reservations left unsettled beyond the reservation TTL.

Sub-key selection, when the caller does not pin one, prefers the
least-recently-used key and breaks ties toward the largest remaining
headroom, spreading load across credentials while keeping warm windows
warm. Committed windows are mirrored to the store as QuotaRecords for
observability and restart continuity.
*/
package quota
