// Package settlement drains the durable outbox to the transaction-creation
// topic. Delivery is at-least-once: a crash between publish and the state
// update republishes the record, the consumer deduplicates by trade id.
package settlement

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/preidman/dex/infra/outbox"
)

type Broadcaster struct {
	box      *outbox.Outbox
	producer sarama.SyncProducer
	topic    string
	interval time.Duration
	log      *logrus.Entry
}

func New(box *outbox.Outbox, brokers []string, topic string, interval time.Duration, logger *logrus.Logger) (*Broadcaster, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}

	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Broadcaster{
		box:      box,
		producer: producer,
		topic:    topic,
		interval: interval,
		log:      logger.WithField("job", "settlement-broadcaster"),
	}, nil
}

// Run drains NEW and FAILED records until the context is canceled.
func (b *Broadcaster) Run(ctx context.Context) {
	b.log.Info("started")
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.drainOnce()
		}
	}
}

func (b *Broadcaster) drainOnce() {
	for _, state := range []outbox.State{outbox.StateNew, outbox.StateFailed} {
		err := b.box.ScanByState(state, func(rec outbox.Record) error {
			b.publish(rec)
			return nil
		})
		if err != nil {
			b.log.WithError(err).Warn("outbox scan failed")
		}
	}
}

func (b *Broadcaster) publish(rec outbox.Record) {
	id := rec.Settlement.TradeID

	// SENT is written first so a crash after the publish still leaves a
	// record the operator can reconcile instead of a silent duplicate
	if err := b.box.UpdateState(id, outbox.StateSent, rec.Retries); err != nil {
		b.log.WithError(err).WithField("trade", id).Warn("state update failed")
		return
	}

	payload, err := json.Marshal(rec.Settlement)
	if err != nil {
		b.log.WithError(err).WithField("trade", id).Error("settlement marshal failed")
		return
	}

	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(strconv.FormatUint(id, 10)),
		Value: sarama.ByteEncoder(payload),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		b.log.WithError(err).WithField("trade", id).Warn("publish failed, will retry")
		if err := b.box.UpdateState(id, outbox.StateFailed, rec.Retries+1); err != nil {
			b.log.WithError(err).WithField("trade", id).Warn("state update failed")
		}
		return
	}

	if err := b.box.UpdateState(id, outbox.StateAcked, rec.Retries); err != nil {
		b.log.WithError(err).WithField("trade", id).Warn("state update failed")
	}
}

func (b *Broadcaster) Close() error {
	return b.producer.Close()
}
