// Package kafkalog backs the event log with a single-partition Kafka topic.
// Kafka partition offsets provide the ordering; the matcher is the only
// producer, which keeps Append's offset accounting exact.
package kafkalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/preidman/dex/infra/eventlog"
)

type Config struct {
	Brokers []string
	Topic   string
	Logger  *logrus.Logger
}

// Log implements eventlog.Log over one Kafka topic partition. Event offsets
// are kafka offsets shifted by one, so 0 keeps meaning "nothing consumed".
type Log struct {
	cfg    Config
	writer *kafka.Writer
	log    *logrus.Entry

	mu   sync.Mutex
	next eventlog.Offset // next offset to be assigned, 0 = unknown
}

func Open(cfg Config) (*Log, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafkalog: brokers and topic are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Log{
		cfg: cfg,
		log: cfg.Logger.WithField("topic", cfg.Topic),
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}, nil
}

func (l *Log) Append(ctx context.Context, ev *eventlog.Event) (eventlog.Offset, error) {
	payload, err := ev.Marshal()
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.next == 0 {
		last, err := l.lastKafkaOffset(ctx)
		if err != nil {
			return 0, err
		}
		l.next = eventlog.Offset(last) + 1
	}

	msg := kafka.Message{
		Key:   []byte(ev.Pair.String()),
		Value: payload,
	}
	if err := l.writer.WriteMessages(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("kafkalog append: %w", err)
	}

	off := l.next
	l.next++
	return off, nil
}

func (l *Log) ConsumeFrom(ctx context.Context, from eventlog.Offset, fn eventlog.Handler) error {
	start := int64(kafka.FirstOffset)
	if from > 0 {
		start = int64(from) - 1
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   l.cfg.Brokers,
		Topic:     l.cfg.Topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10 << 20,
	})
	defer reader.Close()

	if err := reader.SetOffset(start); err != nil {
		return fmt.Errorf("kafkalog seek: %w", err)
	}

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("kafkalog read: %w", err)
		}
		ev, err := eventlog.Unmarshal(msg.Value)
		if err != nil {
			// consumption must outlive one bad record; the handler
			// gets a nil event so the offset is still accounted for
			l.log.WithError(err).WithField("offset", msg.Offset+1).
				Warn("skipping undecodable event")
			ev = nil
		}
		if err := fn(eventlog.Offset(msg.Offset)+1, ev); err != nil {
			return err
		}
	}
}

func (l *Log) LastOffset() (eventlog.Offset, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l.mu.Lock()
	if l.next > 0 {
		off := l.next - 1
		l.mu.Unlock()
		return off, nil
	}
	l.mu.Unlock()

	last, err := l.lastKafkaOffset(ctx)
	if err != nil {
		return 0, err
	}
	return eventlog.Offset(last), nil
}

// lastKafkaOffset returns the count of messages in the partition, which
// equals our event offset of the newest message.
func (l *Log) lastKafkaOffset(ctx context.Context) (int64, error) {
	conn, err := kafka.DialLeader(ctx, "tcp", l.cfg.Brokers[0], l.cfg.Topic, 0)
	if err != nil {
		return 0, fmt.Errorf("kafkalog dial: %w", err)
	}
	defer conn.Close()

	last, err := conn.ReadLastOffset()
	if err != nil {
		return 0, fmt.Errorf("kafkalog watermark: %w", err)
	}
	return last, nil
}

func (l *Log) Close() error {
	return l.writer.Close()
}
