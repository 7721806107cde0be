package engine

import (
	"context"
	"time"

	"papertrader/internal/domain/models"
	"papertrader/internal/events"
	"papertrader/internal/history"
	"papertrader/pkg/logger"
)

// Run bootstraps every symbol, attaches the stream subscriptions and
// drives the tick and refinement loops until ctx is cancelled. On
// shutdown it waits for the stream loops and gives an in-flight
// refinement up to the configured grace to finish.
func (e *Engine) Run(ctx context.Context) error {
	e.status.SetRunning(true)
	defer e.status.SetRunning(false)

	for _, sym := range e.cfg.Symbols {
		if err := e.stream.Bootstrap(ctx, sym); err != nil {
			// the reconnect loop will heal the feed; start degraded
			e.log.Warn("bootstrap failed, starting degraded",
				logger.String("symbol", sym),
				logger.Error(err),
			)
		}
		go e.actors[sym].run(ctx)

		symbol := sym
		e.stream.Subscribe(ctx, symbol, func(_ string, _ models.Candle) {
			e.enqueueEvaluation(ctx, symbol)
		})
	}

	go e.tickLoop(ctx)
	go e.refineLoop(ctx)

	<-ctx.Done()
	e.stream.Wait()
	e.awaitRefinement()
	e.log.Info("engine stopped")
	return nil
}

// enqueueEvaluation posts one pipeline pass onto the symbol's actor. A
// full mailbox drops the trigger; the next tick re-evaluates the same bar.
func (e *Engine) enqueueEvaluation(ctx context.Context, symbol string) {
	a := e.actors[symbol]
	if a == nil {
		return
	}
	if !a.do(ctx, func() { e.evaluate(ctx, symbol, e.now()) }) {
		e.metrics.RecordError("mailbox_full")
	}
}

// tickLoop is the safety net behind the close-event trigger: it re-posts
// an evaluation every interval (de-duped per bar inside evaluate), keeps
// the heartbeat fresh and publishes the equity gauge.
func (e *Engine) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.status.Heartbeat(e.now())
			e.metrics.RecordEquity(e.Equity())
			for _, sym := range e.cfg.Symbols {
				e.enqueueEvaluation(ctx, sym)
			}
		}
	}
}

// refineLoop checks once a minute whether the refinement cadence is due
// and runs at most one cycle at a time.
func (e *Engine) refineLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.RefineCheckEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := e.now()
			if !e.refiner.Due(now, e.cfg.RefineEvery) || e.refiner.InFlight() {
				continue
			}
			e.runRefinement(ctx, now, false)
		}
	}
}

// runRefinement executes one refinement cycle over the full trade journal
// and persists plus announces a committed version.
func (e *Engine) runRefinement(ctx context.Context, now time.Time, force bool) {
	trades, err := e.store.Trades(ctx)
	if err != nil {
		e.metrics.RecordError("refinement_load")
		e.log.Warn("refinement skipped, trade journal unreadable", logger.Error(err))
		return
	}
	if !e.refiner.Cycle(ctx, trades, now, force) {
		return
	}

	params, version := e.state.Snapshot()
	rec := history.StrategyStateRecord{
		Version:    version,
		Parameters: params,
		History:    e.state.History(),
		Warnings:   e.state.Warnings(),
		UpdatedAt:  now,
	}
	if err := e.store.SaveStrategyState(ctx, rec); err != nil {
		e.metrics.RecordError("strategy_persist")
		e.log.Error("strategy state persist failed", logger.Error(err))
	}
	e.bus.Publish(events.Event{
		Kind:    events.KindStrategyCommitted,
		Payload: events.StrategyCommitted{Version: version, Params: params},
	})
}

// awaitRefinement blocks until no refinement cycle is in flight or the
// shutdown grace expires.
func (e *Engine) awaitRefinement() {
	deadline := time.Now().Add(e.cfg.ShutdownGrace)
	for e.refiner.InFlight() {
		if time.Now().After(deadline) {
			e.log.Warn("shutdown grace expired with refinement in flight")
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
