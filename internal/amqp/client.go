// Package amqp publishes committed ledger events to a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"

	"saldo/internal/log"
)

// Circuit breaker states
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures       = 5
	openTimeout       = 30 * time.Second
	maxBackoff        = 30 * time.Second
	publishTimeout    = 5 * time.Second
	maxPublishRetries = 3
)

var errCircuitOpen = errors.New("circuit breaker is open")

type Client struct {
	url          string
	exchangeName string
	routingKey   string
	logger       *log.Logger

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
	// gen counts successful connects; a reconnect only replaces the
	// generation its caller saw fail.
	gen uint64

	redial singleflight.Group
	dial   func(url string) (*amqp091.Connection, error)

	state        int32
	failureCount int64
	lastFailure  time.Time
}

// NewClient dials url and declares a durable topic exchange. routingKey is
// the prefix of every published routing key.
func NewClient(url, exchangeName, routingKey string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Discard()
	}
	client := &Client{
		url:          url,
		exchangeName: exchangeName,
		routingKey:   routingKey,
		logger:       logger.WithComponent(log.ComponentAMQP),
	}

	if err := client.connect(); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *Client) connect() error {
	dial := c.dial
	if dial == nil {
		dial = amqp091.Dial
	}
	conn, err := dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		c.exchangeName, // name
		"topic",        // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	c.mu.Lock()
	c.conn, c.channel = conn, channel
	c.gen++
	c.mu.Unlock()
	return nil
}

func (c *Client) reconnect(ctx context.Context, attempt int, seen uint64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(exponentialBackoff(attempt)):
	}
	return c.replace(seen)
}

// replace swaps out the connection of generation seen. Concurrent callers
// share one dial, and a caller whose generation was already replaced
// returns without dialing.
func (c *Client) replace(seen uint64) error {
	_, err, _ := c.redial.Do("reconnect", func() (any, error) {
		c.mu.Lock()
		current := c.gen
		c.mu.Unlock()
		if current != seen {
			return nil, nil
		}
		c.closeConn()
		return nil, c.connect()
	})
	return err
}

// PublishLedgerEvent publishes ev with routing key "<prefix>.<type>".
func (c *Client) PublishLedgerEvent(ctx context.Context, ev *LedgerEvent) error {
	if c.isCircuitOpen() {
		return fmt.Errorf("publish %s: %w", ev.Type, errCircuitOpen)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := ev.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := c.routingKey + "." + ev.Type

	for attempt := 0; ; attempt++ {
		var gen uint64
		gen, err = c.publish(ctx, key, ev.ID, body)
		if err == nil {
			c.recordSuccess()
			c.logger.DebugContext(ctx, "Published ledger event",
				"event_id", ev.ID,
				"type", ev.Type,
				"routing_key", key,
				log.FieldAccountID, ev.AccountID)
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		c.recordFailure()
		if !isConnectionError(err) || attempt+1 >= maxPublishRetries {
			return fmt.Errorf("publish message: %w", err)
		}
		c.logger.WarnContext(ctx, "AMQP connection lost, reconnecting",
			log.FieldAttempt, attempt+1,
			log.FieldError, err)
		if rerr := c.reconnect(ctx, attempt, gen); rerr != nil {
			c.recordFailure()
			return fmt.Errorf("reconnect: %w", rerr)
		}
	}
}

// publish sends body on the current channel and returns the connection
// generation it used.
func (c *Client) publish(ctx context.Context, key, messageID string, body []byte) (uint64, error) {
	c.mu.Lock()
	channel, gen := c.channel, c.gen
	c.mu.Unlock()
	if channel == nil {
		return gen, amqp091.ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return gen, channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		key,            // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    messageID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

func (c *Client) isCircuitOpen() bool {
	switch atomic.LoadInt32(&c.state) {
	case StateOpen:
		c.mu.Lock()
		last := c.lastFailure
		c.mu.Unlock()
		if time.Since(last) > openTimeout {
			atomic.StoreInt32(&c.state, StateHalfOpen)
			return false
		}
		return true
	default:
		return false
	}
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	c.lastFailure = time.Now()
	c.mu.Unlock()
	if atomic.AddInt64(&c.failureCount, 1) >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		atomic.StoreInt32(&c.state, StateOpen)
	}
}

// exponentialBackoff returns 1s, 2s, 4s, ... capped at 30s.
func exponentialBackoff(attempt int) time.Duration {
	if attempt >= 5 {
		return maxBackoff
	}
	d := time.Second << attempt
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"connection", "EOF", "broken pipe", "channel/connection is not open"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) Close() error {
	c.closeConn()
	return nil
}
