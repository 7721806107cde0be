package engine

import "context"

// actor serializes all mutations for one symbol on a single goroutine.
// Ledger, idempotency lookups and journal appends for a symbol only ever
// run from its mailbox, so the evaluation pipeline needs no ordering locks.
type actor struct {
	jobs chan func()
}

func newActor(buffer int) *actor {
	return &actor{jobs: make(chan func(), buffer)}
}

// run drains the mailbox until ctx is cancelled.
func (a *actor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-a.jobs:
			job()
		}
	}
}

// do enqueues a job. Returns false when ctx is done or the mailbox is
// full; callers treat a full mailbox as a dropped tick, never as backlog.
func (a *actor) do(ctx context.Context, job func()) bool {
	select {
	case a.jobs <- job:
		return true
	case <-ctx.Done():
		return false
	default:
		return false
	}
}

// doWait enqueues a job and blocks until it has run.
func (a *actor) doWait(ctx context.Context, job func()) error {
	done := make(chan struct{})
	select {
	case a.jobs <- func() { job(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
