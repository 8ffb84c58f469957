// Package broadcast delivers admin announcements to every known user.
//
// Jobs are queued and handled by one worker goroutine, paced by a
// rate.Limiter plus a random delay between recipients. Each job keeps
// Total/Done/Failed counts; the newest HistorySize jobs stay queryable.
package broadcast
