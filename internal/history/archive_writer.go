package history

import (
	"context"
	"time"

	"papertrader/internal/domain/models"
	"papertrader/internal/events"
	"papertrader/pkg/logger"
)

const (
	archiveQueueSize  = 1024
	archiveFlushEvery = 5 * time.Second
	archiveFlushRows  = 200
	archiveMaxBatch   = 2000
	archiveFlushGrace = 5 * time.Second
)

// ArchiveWriter batches closed bars from the event bus into the
// ClickHouse archive. The queue is bounded; when the archive cannot
// keep up, bars are dropped rather than backpressuring the stream.
type ArchiveWriter struct {
	archive  *CandleArchive
	database string
	queue    chan models.Candle
	log      *logger.Logger
}

func NewArchiveWriter(archive *CandleArchive, database string, log *logger.Logger) *ArchiveWriter {
	return &ArchiveWriter{
		archive:  archive,
		database: database,
		queue:    make(chan models.Candle, archiveQueueSize),
		log:      log,
	}
}

// Attach subscribes the writer to closed-bar events. Call before Seal.
func (w *ArchiveWriter) Attach(bus *events.Bus) {
	bus.Subscribe(events.KindMarketUpdate, func(e events.Event) {
		update, ok := e.Payload.(events.MarketUpdate)
		if !ok {
			return
		}
		select {
		case w.queue <- update.Candle:
		default:
			w.log.Warn("candle archive queue full, dropping bar",
				logger.String("symbol", update.Symbol),
			)
		}
	})
}

// Run drains the queue, flushing on batch size or the ticker. A failed
// flush keeps the batch for the next attempt, capped at archiveMaxBatch
// rows (oldest dropped first). On shutdown the remainder is flushed with
// a fresh timeout context.
func (w *ArchiveWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(archiveFlushEvery)
	defer ticker.Stop()

	batch := make([]models.Candle, 0, archiveFlushRows)
	flush := func(fctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := w.archive.InsertBatch(fctx, w.database, batch); err != nil {
			if over := len(batch) - archiveMaxBatch; over > 0 {
				batch = batch[over:]
			}
			return
		}
		batch = batch[:0]
	}

	for {
		select {
		case c := <-w.queue:
			batch = append(batch, c)
			if len(batch) >= archiveFlushRows {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			for {
				select {
				case c := <-w.queue:
					batch = append(batch, c)
					continue
				default:
				}
				break
			}
			fctx, cancel := context.WithTimeout(context.Background(), archiveFlushGrace)
			flush(fctx)
			cancel()
			return
		}
	}
}
