package event

import (
	"context"
	"fmt"
	"time"

	"magstats/internal/article"
	"magstats/internal/metrics"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	EventStatsUpdated = "stats.updated"

	DefaultExchange   = "magstats"
	DefaultRoutingKey = "stats.updated"
)

type StatsUpdatedMessage struct {
	Event     string       `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
	Changed   []string     `json:"changed"`
	Item      article.Item `json:"item"`
}

type PublishingChannel interface {
	PublishWithContext(
		ctx context.Context,
		exchange, key string,
		mandatory, immediate bool,
		msg amqp.Publishing,
	) error
	Close() error
}

type RabbitPublisher struct {
	conn       *amqp.Connection
	ch         PublishingChannel
	exchange   string
	routingKey string
	now        func() time.Time
	logger     zerolog.Logger
}

func NewRabbitPublisher(uri, exchange, routingKey string, logger zerolog.Logger) (*RabbitPublisher, error) {
	conn, err := amqp.DialConfig(uri, amqp.Config{
		Properties: amqp.Table{"connection_name": "magstats-events"},
		Heartbeat:  10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	// durable topic exchange, consumers bind on stats.*
	const durable, autoDelete, internal, noWait = true, false, false, false
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, durable, autoDelete, internal, noWait, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	p := &RabbitPublisher{
		conn:       conn,
		ch:         ch,
		exchange:   exchange,
		routingKey: routingKey,
		now:        time.Now,
		logger:     logger.With().Str("component", "rabbit-publisher").Logger(),
	}
	p.logger.Info().Str("exchange", exchange).Str("routing_key", routingKey).Msg("publisher ready")
	return p, nil
}

func (p *RabbitPublisher) Close() {
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			p.logger.Warn().Err(err).Msg("channel close error")
		}
	}
	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.Close(); err != nil {
			p.logger.Warn().Err(err).Msg("connection close error")
		}
	}
}

func (p *RabbitPublisher) PublishStatsUpdated(ctx context.Context, it *article.Item, changed []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(StatsUpdatedMessage{
		Event:     EventStatsUpdated,
		Timestamp: p.now().UTC(),
		Changed:   changed,
		Item:      *it,
	})
	if err != nil {
		return err
	}

	err = p.ch.PublishWithContext(
		ctx,
		p.exchange,
		p.routingKey,
		false,
		false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Type:         EventStatsUpdated,
			Timestamp:    p.now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(metrics.ResultFailure).Inc()
		return err
	}
	metrics.EventsPublished.WithLabelValues(metrics.ResultSuccess).Inc()
	return nil
}
