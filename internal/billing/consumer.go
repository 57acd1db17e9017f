package billing

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/samuelmjordan/hosting-platform-api/internal/config"
	"github.com/samuelmjordan/hosting-platform-api/internal/logging"
)

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Counter counts consumed events. *metrics.Metrics implements it.
type Counter interface {
	IncBillingEvent(eventType, result string)
}

type nopCounter struct{}

func (nopCounter) IncBillingEvent(string, string) {}

// NewReader joins the consumer group with manual commits.
func NewReader(cfg config.Kafka) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

type Consumer struct {
	reader     Reader
	handler    *Handler
	counter    Counter
	log        *zap.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewConsumer(reader Reader, handler *Handler, counter Counter, log *zap.Logger) *Consumer {
	if counter == nil {
		counter = nopCounter{}
	}
	return &Consumer{
		reader:     reader,
		handler:    handler,
		counter:    counter,
		log:        logging.OrNop(log).With(zap.String("component", "billing_consumer")),
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run consumes until ctx ends. A message's offset is committed only once it
// has been handled or found malformed; a failing message is retried in place
// so later commits never skip over it.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Error("fetch billing event", zap.Error(err))
			if !c.sleep(ctx, c.minBackoff) {
				return nil
			}
			continue
		}
		if !c.handle(ctx, m) {
			return nil
		}
		if err := c.commit(ctx, m); err != nil {
			c.log.Error("commit billing event", zap.Int64("offset", m.Offset), zap.Error(err))
		}
	}
}

// handle retries m until it succeeds or is malformed. It returns false when
// ctx ended first.
func (c *Consumer) handle(ctx context.Context, m kafka.Message) bool {
	ev, err := Decode(m.Value)
	if err != nil {
		c.counter.IncBillingEvent("unknown", "malformed")
		c.log.Warn("skipping malformed billing event",
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Error(err))
		return true
	}

	wait := c.minBackoff
	for {
		err := c.handler.Handle(ctx, ev)
		switch {
		case err == nil:
			c.counter.IncBillingEvent(ev.Type, "ok")
			return true
		case errors.Is(err, ErrMalformed):
			c.counter.IncBillingEvent(ev.Type, "malformed")
			c.log.Warn("skipping malformed billing event", zap.String("event", ev.ID), zap.Error(err))
			return true
		}
		c.counter.IncBillingEvent(ev.Type, "error")
		c.log.Error("billing event failed, retrying",
			zap.String("event", ev.ID),
			zap.Duration("in", wait),
			zap.Error(err))
		if !c.sleep(ctx, wait) {
			return false
		}
		if wait *= 2; wait > c.maxBackoff {
			wait = c.maxBackoff
		}
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	return c.reader.CommitMessages(cctx, m)
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
