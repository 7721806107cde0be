package events

import (
	"context"
	"time"

	pkgkafka "papertrader/pkg/kafka"
	"papertrader/pkg/logger"
)

const mirrorPublishTimeout = 5 * time.Second

// Mirror forwards every bus event to a Kafka topic so external
// consumers (dashboards, analytics) can tail the engine without
// touching its history store. Publish failures are logged and dropped;
// the trading path never depends on the mirror.
type Mirror struct {
	producer *pkgkafka.Producer
	topic    string
	log      *logger.Logger
}

func NewMirror(producer *pkgkafka.Producer, topic string, log *logger.Logger) *Mirror {
	return &Mirror{producer: producer, topic: topic, log: log}
}

// Attach registers the mirror on the bus. Call before Seal.
func (m *Mirror) Attach(bus *Bus) {
	bus.SubscribeAll(m.handle)
}

func (m *Mirror) handle(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorPublishTimeout)
	defer cancel()

	key := []byte(e.Symbol)
	if len(key) == 0 {
		key = []byte(e.Kind)
	}
	if err := m.producer.Publish(ctx, m.topic, key, e); err != nil {
		m.log.Warn("event mirror publish failed",
			logger.String("kind", string(e.Kind)),
			logger.String("symbol", e.Symbol),
			logger.Error(err),
		)
	}
}

// Close flushes the underlying producer.
func (m *Mirror) Close() error {
	return m.producer.Close()
}
