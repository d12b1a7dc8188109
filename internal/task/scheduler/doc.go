// Package scheduler is the dispatch loop: it owns the sync (FIFO) and periodic
// queues, History and a bounded worker pool.
//
// Every wake-up the loop scans the sync queue, then the periodic set, handing
// each ready task to a worker until the pool is exhausted, and then sleeps
// until the next periodic deadline or a signal. A task is ready when it is not
// running and any dependency it waits on already has a result in History.
//
// A WAIT result puts a one-shot task back at the end of the sync queue; any
// other result is appended to History when it asks to be persisted.
package scheduler
