package rabbitmq

import (
	"context"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/domain"
)

const (
	// DefaultExchange is the topic exchange all identity events flow through.
	DefaultExchange = "identity.events"

	// partitionKeyHeader carries the ordering key so consumers can route all
	// events about one subject to the same stream.
	partitionKeyHeader = "x-partition-key"

	// confirmWait bounds how long a publish waits for the broker confirm.
	// An expired wait is an error: callers sit behind the outbox relay or the
	// DLQ path and will retry with the same MessageId.
	confirmWait = 5 * time.Second
)

// Message is one broker publication. MessageID must be stable across retries
// so redeliveries stay deduplicable downstream.
type Message struct {
	RoutingKey    string
	MessageID     string
	PartitionKey  string
	CorrelationID string
	Body          []byte
}

// Producer publishes to the topic exchange in confirm mode with mandatory
// routing, so unroutable and unconfirmed publishes surface as errors instead
// of silent loss.
type Producer struct {
	url      string
	exchange string

	mu sync.Mutex

	conn *amqp.Connection
	ch   *amqp.Channel

	confirmCh <-chan amqp.Confirmation
	returnCh  <-chan amqp.Return

	// nextTag mirrors the channel's publish sequence so each confirm can be
	// matched to the publish that produced it.
	nextTag uint64
}

func NewProducer(url, exchange string) (*Producer, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	p := &Producer{url: url, exchange: exchange}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Producer) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return domain.ErrBrokerUnavailable(err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return domain.ErrBrokerUnavailable(err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return domain.ErrBrokerUnavailable(err)
	}

	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return domain.ErrBrokerUnavailable(err)
	}

	p.conn = conn
	p.ch = ch
	p.confirmCh = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.returnCh = ch.NotifyReturn(make(chan amqp.Return, 1))
	p.nextTag = 1
	return nil
}

// drainStale clears confirmations and returns left behind by a publish that
// resolved through a return or a timeout, so the next publish cannot read a
// predecessor's verdict as its own.
func (p *Producer) drainStale() {
	for {
		select {
		case <-p.confirmCh:
		case <-p.returnCh:
		default:
			return
		}
	}
}

// ensure re-dials after a dropped connection so a transient broker outage
// does not poison the producer for the rest of the process lifetime.
func (p *Producer) ensure() error {
	if p.conn != nil && !p.conn.IsClosed() && p.ch != nil {
		return nil
	}
	return p.connect()
}

// Publish sends one message and waits for the broker's confirm.
func (p *Producer) Publish(ctx context.Context, msg Message) error {
	if msg.RoutingKey == "" {
		return domain.ErrMissingField("routingKey")
	}
	if strings.TrimSpace(msg.MessageID) == "" {
		return domain.ErrMissingField("messageId")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensure(); err != nil {
		return err
	}
	p.drainStale()

	headers := amqp.Table{}
	if msg.PartitionKey != "" {
		headers[partitionKeyHeader] = msg.PartitionKey
	}

	err := p.ch.PublishWithContext(
		ctx,
		p.exchange,
		msg.RoutingKey,
		true,  // mandatory
		false, // immediate
		amqp.Publishing{
			MessageId:     msg.MessageID,
			CorrelationId: msg.CorrelationID,
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			Timestamp:     time.Now().UTC(),
			Headers:       headers,
			Body:          msg.Body,
		},
	)
	if err != nil {
		return domain.ErrBrokerUnavailable(err)
	}

	tag := p.nextTag
	p.nextTag++
	return awaitConfirm(ctx, tag, confirmWait, p.confirmCh, p.returnCh)
}

// awaitConfirm waits for the broker's verdict on the publish carrying tag.
// Confirmations with a lower delivery tag belong to an earlier publish that
// already resolved through a return or a timeout and are skipped, never
// consumed as this publish's result.
func awaitConfirm(ctx context.Context, tag uint64, wait time.Duration, confirms <-chan amqp.Confirmation, returns <-chan amqp.Return) error {
	deadline := time.After(wait)
	for {
		select {
		case ret := <-returns:
			return domain.WithMeta(
				domain.New(domain.KindInfrastructure, "no_route", "no queue bound for routing key"),
				map[string]string{"routing_key": ret.RoutingKey},
			)
		case conf := <-confirms:
			if conf.DeliveryTag < tag {
				continue
			}
			if !conf.Ack {
				return domain.New(domain.KindInfrastructure, "publish_nacked", "broker refused the publish")
			}
			return nil
		case <-deadline:
			return domain.New(domain.KindInfrastructure, "confirm_timeout", "no broker confirm within deadline")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Producer) Exchange() string { return p.exchange }

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
