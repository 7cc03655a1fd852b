// Package broker streams engine events to Kafka.
package broker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/exchange/pkg/app/core/events"
)

// MessageWriter is the part of *kafka.Writer the sink needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter returns a synchronous writer that keys partitions by
// instrument, so each instrument's events stay ordered.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// KafkaSink is an events.Sink that never blocks the engine: batches are
// queued on a bounded buffer and written by one background goroutine.
// When the buffer is full the batch is dropped and counted.
type KafkaSink struct {
	w            MessageWriter
	log          *zap.SugaredLogger
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan []kafka.Message
	done   chan struct{}

	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewKafkaSink(w MessageWriter, buffer int, logger *zap.Logger) *KafkaSink {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &KafkaSink{
		w:            w,
		log:          logger.Sugar().Named("broker"),
		writeTimeout: 5 * time.Second,
		queue:        make(chan []kafka.Message, buffer),
		done:         make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *KafkaSink) Publish(evs []events.Event) {
	msgs := make([]kafka.Message, 0, len(evs))
	for _, ev := range evs {
		value, err := json.Marshal(ev)
		if err != nil {
			s.log.Errorw("encode_event_failed", "type", ev.Type, "error", err)
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.Instrument),
			Value: value,
			Time:  ev.Time,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(ev.Type)},
			},
		})
	}
	if len(msgs) == 0 {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(uint64(len(msgs)))
		return
	}
	select {
	case s.queue <- msgs:
	default:
		s.dropped.Add(uint64(len(msgs)))
		s.log.Warnw("event_buffer_full", "dropped", len(msgs))
	}
}

func (s *KafkaSink) loop() {
	defer close(s.done)
	for msgs := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		err := s.w.WriteMessages(ctx, msgs...)
		cancel()
		if err != nil {
			s.failed.Add(uint64(len(msgs)))
			s.log.Errorw("kafka_write_failed", "messages", len(msgs), "error", err)
		}
	}
}

// Dropped counts messages discarded because the buffer was full or the
// sink closed.
func (s *KafkaSink) Dropped() uint64 { return s.dropped.Load() }

// Failed counts messages the writer rejected.
func (s *KafkaSink) Failed() uint64 { return s.failed.Load() }

// Close flushes queued batches and closes the writer.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.w.Close()
}

var _ events.Sink = (*KafkaSink)(nil)
