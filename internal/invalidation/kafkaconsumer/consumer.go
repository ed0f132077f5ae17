// Package kafkaconsumer drains pin mutation events from Kafka and turns
// them into proximity invalidations, so the cache converges without the
// mutating services having to call the HTTP surface.
package kafkaconsumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/bopmaps/mapcache/internal/core/observability"
	"github.com/bopmaps/mapcache/internal/invalidation"
)

// Invalidator is the slice of the invalidation engine the consumer needs.
type Invalidator interface {
	InvalidateNear(ctx context.Context, lat, lng, radiusMeters float64) (int, error)
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	engine Invalidator
	dedupe *versionDedupe
}

func New(cfg Config, logger *slog.Logger, engine Invalidator) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Consumer{
		cfg:    cfg,
		logger: logger,
		engine: engine,
		dedupe: newVersionDedupe(cfg.DedupeSize),
	}
}

// Start joins the consumer group and processes messages until ctx is
// canceled. It blocks; run it on its own goroutine.
func (c *Consumer) Start(ctx context.Context) error {
	if c.engine == nil {
		return errors.New("kafkaconsumer: missing invalidation engine")
	}
	if len(c.cfg.Brokers) == 0 {
		return errors.New("kafkaconsumer: no brokers configured")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}

	c.logger.Info("pin event consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("pin event consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.logger.Error("consumer error", "err", err)
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// ProcessOne handles a single pin event message. Decode failures are
// logged and dropped rather than returned, so one malformed message
// cannot wedge the partition.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	ev, err := invalidation.ParseEvent(msg.Value)
	if err != nil {
		observability.IncInvalidationEvent("decode_error")
		c.logger.Error("dropping malformed pin event",
			"err", err, "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
		return nil
	}

	// Events for the same entity can arrive out of order across
	// partitions on rebalance; apply only the newest per entity.
	if !c.dedupe.shouldApply(ev.EntityID, uint64(ev.TS.UnixNano())) {
		observability.IncInvalidationEvent("stale")
		c.logger.Debug("skipping stale pin event", "entity_id", ev.EntityID, "op", ev.Op)
		return nil
	}

	deleted, err := c.engine.InvalidateNear(ctx, ev.Lat, ev.Lng, ev.RadiusM)
	if err != nil {
		observability.IncInvalidationEvent("apply_error")
		return fmt.Errorf("invalidate near (entity=%s): %w", ev.EntityID, err)
	}

	observability.IncInvalidationEvent("applied")
	c.logger.Debug("applied pin event",
		"entity_id", ev.EntityID, "op", ev.Op, "deleted", deleted)
	return nil
}
