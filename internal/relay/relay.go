// Package relay shares job events between service instances over a
// RabbitMQ fanout exchange, so a callback handled by one instance reaches
// streams held open by another.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"points-service/internal/config"
	"points-service/internal/hub"
	"points-service/internal/metrics"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	publishTimeout       = 5 * time.Second
)

// Envelope is the message published for every pushed event.
type Envelope struct {
	Origin string    `json:"origin"`
	UserID string    `json:"user_id"`
	Event  hub.Event `json:"event"`
}

// LocalHub is the part of hub.Hub the relay delivers into.
type LocalHub interface {
	Push(userID string, ev hub.Event) int
}

type Relay struct {
	cfg     config.RabbitConfig
	log     *logrus.Logger
	hub     LocalHub
	metrics *metrics.Metrics
	origin  string

	conn      *amqp.Connection
	consumeCh *amqp.Channel
	publishCh *amqp.Channel
	queue     string
	mu        sync.RWMutex
	publishMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRelay(cfg config.RabbitConfig, h LocalHub, log *logrus.Logger, m *metrics.Metrics) *Relay {
	ctx, cancel := context.WithCancel(context.Background())

	return &Relay{
		cfg:     cfg,
		log:     log,
		hub:     h,
		metrics: m,
		origin:  uuid.NewString(),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// New connects to RabbitMQ and declares the exchange and this instance's queue.
func New(cfg config.RabbitConfig, h LocalHub, log *logrus.Logger, m *metrics.Metrics) (*Relay, error) {
	r := newRelay(cfg, h, log, m)

	if err := r.connect(); err != nil {
		r.cancel()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return r, nil
}

func (r *Relay) connect() error {
	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		r.cfg.User, r.cfg.Password, r.cfg.Host, r.cfg.Port, r.cfg.VHost)

	conn, err := amqp.Dial(dsn)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	publishCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open publish channel: %w", err)
	}

	if err := consumeCh.ExchangeDeclare(
		r.cfg.Exchange,
		amqp.ExchangeFanout,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	// every instance gets its own copy of each event
	q, err := consumeCh.QueueDeclare(
		"",    // server-named
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := consumeCh.QueueBind(q.Name, "", r.cfg.Exchange, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.consumeCh = consumeCh
	r.publishCh = publishCh
	r.queue = q.Name
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"host":     r.cfg.Host,
		"exchange": r.cfg.Exchange,
		"queue":    q.Name,
	}).Info("connected to RabbitMQ")

	go r.monitorConnection(conn)

	return nil
}

func (r *Relay) monitorConnection(conn *amqp.Connection) {
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case err := <-notifyClose:
		if err != nil {
			r.log.WithError(err).Error("RabbitMQ connection closed unexpectedly")
			r.reconnect()
		}
	case <-r.ctx.Done():
		return
	}
}

func (r *Relay) reconnect() {
	r.mu.Lock()
	r.closeLocked()
	r.mu.Unlock()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		r.log.WithField("attempt", attempt).Info("attempting to reconnect to RabbitMQ")

		if err := r.connect(); err == nil {
			r.log.Info("successfully reconnected to RabbitMQ")
			go func() {
				if err := r.Start(r.ctx); err != nil && r.ctx.Err() == nil {
					r.log.WithError(err).Error("failed to restart relay consumer after reconnect")
				}
			}()
			return
		}

		delay := reconnectDelay * time.Duration(attempt)
		r.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("reconnection failed, retrying")

		select {
		case <-time.After(delay):
		case <-r.ctx.Done():
			return
		}
	}

	r.log.Error("max reconnection attempts reached, events are delivered to local streams only")
}

// Push delivers ev to the streams on this instance and publishes it for
// the others. A failed publish is logged; local delivery is unaffected.
func (r *Relay) Push(userID string, ev hub.Event) int {
	delivered := r.hub.Push(userID, ev)

	if err := r.publish(userID, ev); err != nil {
		r.metrics.RecordRelay("publish", "error")
		r.log.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"type":    ev.Type,
		}).Warn("failed to relay event to other instances")
		return delivered
	}

	r.metrics.RecordRelay("publish", "ok")
	return delivered
}

func (r *Relay) publish(userID string, ev hub.Event) error {
	r.mu.RLock()
	ch := r.publishCh
	r.mu.RUnlock()

	if ch == nil {
		return fmt.Errorf("publish channel is not initialized")
	}

	body, err := json.Marshal(Envelope{Origin: r.origin, UserID: userID, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(r.ctx, publishTimeout)
	defer cancel()

	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	return ch.PublishWithContext(ctx, r.cfg.Exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Body:        body,
	})
}

// Start consumes relayed events until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.RLock()
	ch := r.consumeCh
	queue := r.queue
	r.mu.RUnlock()

	if ch == nil {
		return fmt.Errorf("channel is not initialized")
	}

	msgs, err := ch.Consume(
		queue,
		"",    // consumer tag
		false, // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	// a single worker keeps per-user event order
	r.wg.Add(1)
	go r.worker(ctx, msgs)

	<-ctx.Done()
	r.log.Info("stopping relay consumer")
	r.wg.Wait()

	return nil
}

func (r *Relay) worker(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-msgs:
			if !ok {
				r.log.Warn("relay message channel closed")
				return
			}

			if err := r.deliver(msg.Body); err != nil {
				r.log.WithError(err).WithField("body", string(msg.Body)).Error("failed to decode relayed event")
				_ = msg.Nack(false, false)
				continue
			}
			_ = msg.Ack(false)
		}
	}
}

// deliver pushes a relayed event into the local hub. Events this instance
// published itself were delivered locally already.
func (r *Relay) deliver(body []byte) error {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		r.metrics.RecordRelay("consume", "invalid")
		return err
	}
	if env.UserID == "" {
		r.metrics.RecordRelay("consume", "invalid")
		return fmt.Errorf("relayed event without user_id")
	}

	if env.Origin == r.origin {
		r.metrics.RecordRelay("consume", "own")
		return nil
	}

	n := r.hub.Push(env.UserID, env.Event)
	r.metrics.RecordRelay("consume", "ok")
	r.log.WithFields(logrus.Fields{
		"user_id":   env.UserID,
		"type":      env.Event.Type,
		"origin":    env.Origin,
		"delivered": n,
	}).Debug("relayed event delivered")
	return nil
}

func (r *Relay) closeLocked() {
	if r.consumeCh != nil {
		r.consumeCh.Close()
		r.consumeCh = nil
	}
	if r.publishCh != nil {
		r.publishCh.Close()
		r.publishCh = nil
	}
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}

func (r *Relay) Close() {
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()

	r.log.Info("relay closed")
}
