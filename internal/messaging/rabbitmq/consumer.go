package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/ivchenko/identity-platform/services/profile-service/internal/domain"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/idempotency"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/metrics"
	"github.com/ivchenko/identity-platform/services/profile-service/internal/retry"
)

// State is the consumer lifecycle phase. Transitions:
// UNINITIALIZED -> CONNECTING -> RUNNING -> DEGRADED -> RECONNECTING ->
// RUNNING, or FAILED once the reconnect budget is spent.
type State string

const (
	StateUninitialized State = "UNINITIALIZED"
	StateConnecting    State = "CONNECTING"
	StateRunning       State = "RUNNING"
	StateDegraded      State = "DEGRADED"
	StateReconnecting  State = "RECONNECTING"
	StateFailed        State = "FAILED"
)

// Handler processes one delivery body. Returned errors are classified by
// kind: validation-class errors dead-letter immediately, everything else is
// retried at the transport level first.
type Handler interface {
	Handle(ctx context.Context, body []byte) error
}

type idempotencyStore interface {
	CheckAndMark(ctx context.Context, eventID string) (bool, error)
	Clear(ctx context.Context, eventID string) error
}

type deadLetterer interface {
	Publish(ctx context.Context, original []byte, cause error) error
}

// acker is the slice of amqp.Delivery the dispatch path settles through.
type acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// ConsumerConfig wires the consumer to its queue and bounds its recovery
// behavior.
type ConsumerConfig struct {
	URL        string
	Exchange   string
	Queue      string
	RoutingKey string

	DLQQueue      string
	DLQRoutingKey string

	Prefetch         int
	MaxReconnects    int
	ReconnectFloor   time.Duration
	ReconnectCeiling time.Duration
	HealthInterval   time.Duration

	Retry *retry.Config
}

func (c *ConsumerConfig) withDefaults() {
	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}
	if c.DLQQueue == "" {
		c.DLQQueue = c.Queue + ".dlq"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	if c.ReconnectFloor <= 0 {
		c.ReconnectFloor = 1 * time.Second
	}
	if c.ReconnectCeiling <= 0 {
		c.ReconnectCeiling = 30 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.Retry == nil {
		c.Retry = retry.DefaultConfig()
	}
}

// Stats is a point-in-time snapshot of the consumer, served by the health
// endpoints.
type Stats struct {
	State             State         `json:"state"`
	Initialized       bool          `json:"initialized"`
	Healthy           bool          `json:"healthy"`
	Uptime            time.Duration `json:"uptime"`
	MessagesProcessed uint64        `json:"messagesProcessed"`
	Errors            uint64        `json:"errors"`
	ReconnectAttempts int           `json:"reconnectAttempts"`
	LastMessageAt     time.Time     `json:"lastMessageAt"`
	ConsumerLag       int           `json:"consumerLag"`
}

// Consumer owns the subscription to the identity events queue: topology,
// dispatch, idempotency, transport retries, dead-lettering, reconnects, and
// the periodic health probe.
type Consumer struct {
	cfg     ConsumerConfig
	handler Handler
	idem    idempotencyStore
	dlq     deadLetterer
	lg      zerolog.Logger

	connMu sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel

	statsMu       sync.RWMutex
	state         State
	initialized   bool
	healthy       bool
	startedAt     time.Time
	processed     uint64
	errs          uint64
	reconnects    int
	lastMessageAt time.Time
	lag           int

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewConsumer(cfg ConsumerConfig, handler Handler, idem idempotencyStore, dlq deadLetterer, lg zerolog.Logger) *Consumer {
	cfg.withDefaults()
	return &Consumer{
		cfg:     cfg,
		handler: handler,
		idem:    idem,
		dlq:     dlq,
		lg:      lg.With().Str("component", "rabbitmq_consumer").Logger(),
		state:   StateUninitialized,
		stop:    make(chan struct{}),
	}
}

// Connect dials the broker and declares the full topology. It must succeed
// before Start; consuming from an undeclared queue is a programming error this
// split makes impossible.
func (c *Consumer) Connect(ctx context.Context) error {
	c.setState(StateConnecting)

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if err := c.dial(); err != nil {
		c.setState(StateUninitialized)
		return err
	}

	c.statsMu.Lock()
	c.initialized = true
	c.statsMu.Unlock()
	c.lg.Info().
		Str("queue", c.cfg.Queue).
		Str("exchange", c.cfg.Exchange).
		Str("routing_key", c.cfg.RoutingKey).
		Msg("broker topology declared")
	return nil
}

// dial establishes conn+channel and declares exchange, DLQ and main queue.
// Caller holds connMu.
func (c *Consumer) dial() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return domain.ErrBrokerUnavailable(err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return domain.ErrBrokerUnavailable(err)
	}

	fail := func(err error) error {
		_ = ch.Close()
		_ = conn.Close()
		return domain.ErrBrokerUnavailable(err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fail(err)
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fail(err)
	}

	// Declare and bind the DLQ first so the dead-letter route always exists,
	// the mandatory flag on the producer depends on it.
	if _, err := ch.QueueDeclare(c.cfg.DLQQueue, true, false, false, false, nil); err != nil {
		return fail(err)
	}
	if err := ch.QueueBind(c.cfg.DLQQueue, c.cfg.DLQRoutingKey, c.cfg.Exchange, false, nil); err != nil {
		return fail(err)
	}

	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil); err != nil {
		return fail(err)
	}
	if err := ch.QueueBind(c.cfg.Queue, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		return fail(err)
	}

	c.conn = conn
	c.ch = ch
	return nil
}

// Start begins consuming and launches the supervisor and the health probe.
// It returns once the subscription is live.
func (c *Consumer) Start(ctx context.Context) error {
	c.statsMu.RLock()
	initialized := c.initialized
	c.statsMu.RUnlock()
	if !initialized {
		return domain.New(domain.KindInternal, "consumer_not_connected", "Start called before Connect")
	}

	deliveries, err := c.consume()
	if err != nil {
		return err
	}

	c.statsMu.Lock()
	c.startedAt = time.Now()
	c.healthy = true
	c.statsMu.Unlock()
	c.setState(StateRunning)

	c.wg.Add(2)
	go c.supervise(ctx, deliveries)
	go c.healthLoop(ctx)

	c.lg.Info().Str("queue", c.cfg.Queue).Msg("consumer started")
	return nil
}

func (c *Consumer) consume() (<-chan amqp.Delivery, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.ch == nil {
		return nil, domain.ErrBrokerUnavailable(amqp.ErrClosed)
	}
	deliveries, err := c.ch.Consume(c.cfg.Queue, "profile-service-consumer", false, false, false, false, nil)
	if err != nil {
		return nil, domain.ErrBrokerUnavailable(err)
	}
	return deliveries, nil
}

// supervise runs the consume loop and replaces the connection when the broker
// side drops, with exponential backoff capped at ReconnectCeiling and at most
// MaxReconnects consecutive failures before giving up loudly.
func (c *Consumer) supervise(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		if graceful := c.consumeLoop(ctx, deliveries); graceful {
			return
		}

		c.setState(StateDegraded)
		c.setHealthy(false)
		c.lg.Warn().Msg("delivery channel closed, entering reconnect")

		var ok bool
		deliveries, ok = c.reconnectWithBackoff(ctx)
		if !ok {
			return
		}
		c.setHealthy(true)
		c.setState(StateRunning)
	}
}

// consumeLoop dispatches until stop, context cancel, or broker-side close.
// Returns true when the exit is graceful (no reconnect wanted).
func (c *Consumer) consumeLoop(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-c.stop:
			return true
		case <-ctx.Done():
			return true
		case d, ok := <-deliveries:
			if !ok {
				return false
			}
			c.dispatch(ctx, d)
		}
	}
}

func (c *Consumer) reconnectWithBackoff(ctx context.Context) (<-chan amqp.Delivery, bool) {
	for attempt := 1; attempt <= c.cfg.MaxReconnects; attempt++ {
		c.setState(StateReconnecting)
		c.noteReconnect()
		metrics.RecordReconnectAttempt()

		delay := reconnectDelay(attempt, c.cfg.ReconnectFloor, c.cfg.ReconnectCeiling)
		c.lg.Warn().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting to broker")

		select {
		case <-c.stop:
			return nil, false
		case <-ctx.Done():
			return nil, false
		case <-time.After(delay):
		}

		c.connMu.Lock()
		c.closeLocked()
		err := c.dial()
		c.connMu.Unlock()
		if err != nil {
			c.lg.Warn().Err(err).Int("attempt", attempt).Msg("reconnect dial failed")
			continue
		}

		deliveries, err := c.consume()
		if err != nil {
			c.lg.Warn().Err(err).Int("attempt", attempt).Msg("re-subscribe failed")
			continue
		}

		c.lg.Info().Int("attempt", attempt).Msg("broker connection restored")
		return deliveries, true
	}

	c.setState(StateFailed)
	c.lg.Error().
		Str("severity", "critical").
		Int("attempts", c.cfg.MaxReconnects).
		Msg("reconnect budget exhausted, consumer halted, messages will queue on the broker")
	return nil, false
}

// reconnectDelay is min(ceiling, floor * 2^(attempt-1)).
func reconnectDelay(attempt int, floor, ceiling time.Duration) time.Duration {
	d := floor << (attempt - 1)
	if d > ceiling || d <= 0 {
		return ceiling
	}
	return d
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery) {
	metrics.RecordMessageConsumed(d.RoutingKey)
	c.handleDelivery(ctx, d.Body, messageIDOf(d), &d)
}

// typeProbe reads just the event type off a body, for metrics and DLQ labels.
type typeProbe struct {
	Type string `json:"type"`
}

func eventTypeOf(body []byte) string {
	var probe typeProbe
	if err := json.Unmarshal(body, &probe); err == nil && probe.Type != "" {
		return probe.Type
	}
	return "unknown"
}

func messageIDOf(d amqp.Delivery) string {
	return idempotency.MessageID(d.MessageId, d.Body)
}

// handleDelivery settles exactly one message: duplicate suppression, the
// transport retry tier around the handler, then ack, dead-letter, or requeue.
func (c *Consumer) handleDelivery(ctx context.Context, body []byte, messageID string, ack acker) {
	started := time.Now()
	eventType := eventTypeOf(body)
	lg := c.lg.With().Str("message_id", messageID).Str("type", eventType).Logger()

	isDuplicate, err := c.idem.CheckAndMark(ctx, messageID)
	if err != nil {
		// Cannot prove this is first delivery, so hand it back to the broker
		// rather than risk a double write.
		lg.Error().Err(err).Msg("idempotency check failed, requeueing")
		c.noteError()
		_ = ack.Nack(false, true)
		return
	}
	if isDuplicate {
		metrics.RecordIdempotencyHit()
		lg.Info().Msg("duplicate delivery suppressed")
		_ = ack.Ack(false)
		return
	}
	metrics.RecordIdempotencyMiss()

	attempt := 0
	err = retry.Do(ctx, c.cfg.Retry, func() error {
		if attempt > 0 {
			metrics.RecordRetryAttempt(eventType)
		}
		attempt++
		return c.handler.Handle(ctx, body)
	})

	if err == nil {
		metrics.RecordMessageProcessed(eventType, time.Since(started))
		c.noteProcessed()
		_ = ack.Ack(false)
		return
	}

	c.noteError()
	reason := domain.KindOf(err)
	lg.Error().Err(err).Int("attempts", attempt).Str("reason", string(reason)).
		Msg("processing failed terminally, dead-lettering")

	if dlqErr := c.dlq.Publish(ctx, body, err); dlqErr != nil {
		// Last line of defense failed. Log everything needed to reconstruct
		// the message and let the broker redeliver.
		lg.Error().
			Err(dlqErr).
			Str("severity", "critical").
			Str("original_error", err.Error()).
			Str("body", string(body)).
			Msg("dead-letter publish failed, message would be lost, requeueing")
		metrics.RecordDLQMessage(eventType, "dlq_publish_failed")
		_ = c.idem.Clear(ctx, messageID)
		_ = ack.Nack(false, true)
		return
	}

	metrics.RecordDLQMessage(eventType, string(reason))
	// Unmark so an operator replay of the dead letter is not suppressed.
	_ = c.idem.Clear(ctx, messageID)
	_ = ack.Ack(false)
}

// healthLoop probes the broker on its own ticker, independent of message
// flow, so a silent connection death is noticed within one interval.
func (c *Consumer) healthLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.probe()
		}
	}
}

// probe flips the health flag; it never drives reconnection itself. A dead
// connection or channel closes the deliveries channel, which ends consumeLoop
// and makes supervise run the reconnect ladder. An unhealthy flag here is
// therefore always followed by a reconnect attempt from supervise.
func (c *Consumer) probe() {
	c.connMu.Lock()
	conn, ch := c.conn, c.ch
	c.connMu.Unlock()

	if conn == nil || conn.IsClosed() || ch == nil {
		c.setHealthy(false)
		return
	}

	q, err := ch.QueueDeclarePassive(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		c.setHealthy(false)
		c.lg.Warn().Err(err).Msg("health probe failed")
		return
	}

	c.setHealthy(true)
	c.setLag(q.Messages)
	metrics.SetConsumerLag(q.Messages)
}

// Stats returns a snapshot for the health endpoints.
func (c *Consumer) Stats() Stats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()

	var uptime time.Duration
	if !c.startedAt.IsZero() {
		uptime = time.Since(c.startedAt)
	}
	return Stats{
		State:             c.state,
		Initialized:       c.initialized,
		Healthy:           c.healthy,
		Uptime:            uptime,
		MessagesProcessed: c.processed,
		Errors:            c.errs,
		ReconnectAttempts: c.reconnects,
		LastMessageAt:     c.lastMessageAt,
		ConsumerLag:       c.lag,
	}
}

// Stop drains gracefully: stop pulling work, wait for the loops, then close
// channel and connection in that order.
func (c *Consumer) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stop) })

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.lg.Warn().Msg("shutdown grace elapsed before loops drained")
	}

	c.connMu.Lock()
	c.closeLocked()
	c.connMu.Unlock()

	c.setHealthy(false)
	c.lg.Info().Msg("consumer stopped")
	return nil
}

// closeLocked tears down channel then connection. Caller holds connMu.
func (c *Consumer) closeLocked() {
	if c.ch != nil {
		_ = c.ch.Close()
		c.ch = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Consumer) setState(s State) {
	c.statsMu.Lock()
	c.state = s
	c.statsMu.Unlock()
}

func (c *Consumer) setHealthy(h bool) {
	c.statsMu.Lock()
	c.healthy = h
	c.statsMu.Unlock()
}

func (c *Consumer) setLag(n int) {
	c.statsMu.Lock()
	c.lag = n
	c.statsMu.Unlock()
}

func (c *Consumer) noteProcessed() {
	c.statsMu.Lock()
	c.processed++
	c.lastMessageAt = time.Now()
	c.statsMu.Unlock()
}

func (c *Consumer) noteError() {
	c.statsMu.Lock()
	c.errs++
	c.lastMessageAt = time.Now()
	c.statsMu.Unlock()
}

func (c *Consumer) noteReconnect() {
	c.statsMu.Lock()
	c.reconnects++
	c.statsMu.Unlock()
}
