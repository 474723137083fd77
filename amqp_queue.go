package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

var (
	ErrQueueNotReady = errors.New("amqp: not connected")
	ErrQueueClosed   = errors.New("amqp: client closed")
	ErrPublishNacked = errors.New("amqp: publish not acknowledged")
)

const (
	reconnectDelay  = 5 * time.Second
	reInitDelay     = 2 * time.Second
	publishAttempts = 3
	publishTimeout  = 30 * time.Second
	confirmBuffer   = 8
)

// Broker keeps one confirming channel to RabbitMQ open. It redials when the
// connection drops, reopens the channel when only the channel dies, and
// declares its queues every time.
type Broker struct {
	m      *sync.Mutex
	pub    sync.Mutex
	queues []string

	conn      *amqp.Connection
	channel   *amqp.Channel
	connLost  chan *amqp.Error
	chanLost  chan *amqp.Error
	confirms  chan amqp.Confirmation
	connected bool
	ready     chan struct{}

	done   chan bool
	closed bool
}

// NewBroker dials addr in the background; use WaitReady before relying on
// the channel.
func NewBroker(addr string, queues []string) *Broker {
	b := &Broker{
		m:      &sync.Mutex{},
		queues: append([]string(nil), queues...),
		done:   make(chan bool),
		ready:  make(chan struct{}),
	}
	go b.run(addr)
	return b
}

func (b *Broker) log(level logrus.Level, err error, message string) {
	logf := LoggingFormat{Type: LogType.Queue, Function: "Broker", Level: level, Error: err, Message: message}
	logf.Print()
}

// Close shuts the channel and connection down for good.
func (b *Broker) Close() error {
	b.m.Lock()
	defer b.m.Unlock()

	if b.closed {
		return ErrQueueClosed
	}
	b.closed = true
	close(b.done)
	if !b.connected {
		return nil
	}
	b.connected = false
	if err := b.channel.Close(); err != nil {
		return err
	}
	return b.conn.Close()
}

func (b *Broker) setConnected(connected bool) {
	b.m.Lock()
	defer b.m.Unlock()
	b.connected = connected
	select {
	case <-b.ready:
		if !connected {
			b.ready = make(chan struct{})
		}
	default:
		if connected {
			close(b.ready)
		}
	}
}

// WaitReady blocks until the channel is usable.
func (b *Broker) WaitReady(ctx context.Context) error {
	b.m.Lock()
	ready := b.ready
	b.m.Unlock()
	select {
	case <-ready:
		return nil
	case <-b.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wait sleeps for d, reporting false when the broker was closed meanwhile.
func (b *Broker) wait(d time.Duration) bool {
	select {
	case <-b.done:
		return false
	case <-time.After(d):
		return true
	}
}

func (b *Broker) run(addr string) {
	for {
		b.setConnected(false)

		conn, err := amqp.Dial(addr)
		if err != nil {
			b.log(logrus.WarnLevel, err, "broker dial failed, retrying")
			if !b.wait(reconnectDelay) {
				return
			}
			continue
		}
		b.m.Lock()
		b.conn = conn
		b.connLost = conn.NotifyClose(make(chan *amqp.Error, 1))
		b.m.Unlock()
		b.log(logrus.InfoLevel, nil, "connected to broker")

		if closed := b.session(conn); closed {
			return
		}
	}
}

// session reopens the channel on conn until the connection drops (false)
// or the broker is closed (true).
func (b *Broker) session(conn *amqp.Connection) bool {
	for {
		b.setConnected(false)

		if err := b.openChannel(conn); err != nil {
			b.log(logrus.WarnLevel, err, "channel setup failed, retrying")
			select {
			case <-b.done:
				return true
			case <-b.connLost:
				b.log(logrus.WarnLevel, nil, "connection lost, redialing")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-b.done:
			return true
		case <-b.connLost:
			b.log(logrus.WarnLevel, nil, "connection lost, redialing")
			return false
		case <-b.chanLost:
			b.log(logrus.WarnLevel, nil, "channel closed, reopening")
		}
	}
}

func (b *Broker) openChannel(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		return err
	}

	b.m.Lock()
	queues := append([]string(nil), b.queues...)
	b.m.Unlock()
	if err := declare(ch, queues); err != nil {
		return err
	}

	b.m.Lock()
	b.channel = ch
	b.chanLost = ch.NotifyClose(make(chan *amqp.Error, 1))
	b.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	b.m.Unlock()

	b.setConnected(true)
	b.log(logrus.InfoLevel, nil, fmt.Sprintf("channel ready, %d queues declared", len(queues)))
	return nil
}

// declare makes durable queues on ch.
func declare(ch *amqp.Channel, queues []string) error {
	for _, queue := range queues {
		_, err := ch.QueueDeclare(
			queue,
			true,  // Durable
			false, // Delete when unused
			false, // Exclusive
			false, // No-wait
			nil,   // Arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue '%s': %w", queue, err)
		}
	}
	return nil
}

// EnsureQueues adds queues unknown so far, declaring them right away when
// connected and on every channel reopen.
func (b *Broker) EnsureQueues(queues []string) error {
	b.m.Lock()
	defer b.m.Unlock()

	known := make(map[string]bool, len(b.queues))
	for _, q := range b.queues {
		known[q] = true
	}
	var added []string
	for _, q := range queues {
		if known[q] {
			continue
		}
		known[q] = true
		added = append(added, q)
	}
	b.queues = append(b.queues, added...)
	if !b.connected || b.channel == nil || len(added) == 0 {
		return nil
	}
	return declare(b.channel, added)
}

// Publish sends data to queue and waits for the broker to confirm it. It
// gives up after publishAttempts so failover routes can move on.
func (b *Broker) Publish(ctx context.Context, queue string, data []byte) error {
	b.pub.Lock()
	defer b.pub.Unlock()

	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err := b.WaitReady(ctx); err != nil {
			return err
		}

		confirms, tag, err := b.publish(ctx, queue, data)
		if err != nil {
			lastErr = err
			logf := LoggingFormat{Type: LogType.Queue, Function: "Publish", Level: logrus.WarnLevel, Error: err, Message: "publish failed"}
			logf.AddField("queue", queue)
			logf.AddField("attempt", attempt)
			logf.Print()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reInitDelay):
			}
			continue
		}

		acked, err := awaitConfirm(ctx, confirms, tag)
		if err != nil {
			return err
		}
		if acked {
			return nil
		}
		lastErr = ErrPublishNacked
	}
	return fmt.Errorf("publishing to %s: %w", queue, lastErr)
}

// publish sends one persistent message and returns the confirm channel and
// the delivery tag it will be acknowledged with.
func (b *Broker) publish(ctx context.Context, queue string, data []byte) (<-chan amqp.Confirmation, uint64, error) {
	b.m.Lock()
	defer b.m.Unlock()

	if !b.connected || b.channel == nil {
		return nil, 0, ErrQueueNotReady
	}
	drainConfirms(b.confirms)

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	tag := b.channel.GetNextPublishSeqNo()
	err := b.channel.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         data,
	})
	return b.confirms, tag, err
}

// drainConfirms drops confirms left behind by publishes that gave up waiting.
func drainConfirms(confirms chan amqp.Confirmation) {
	for {
		select {
		case <-confirms:
		default:
			return
		}
	}
}

// awaitConfirm waits for the confirm carrying tag, skipping older ones. A
// closed channel counts as a nack.
func awaitConfirm(ctx context.Context, confirms <-chan amqp.Confirmation, tag uint64) (bool, error) {
	for {
		select {
		case confirm, ok := <-confirms:
			if !ok {
				return false, nil
			}
			if confirm.DeliveryTag < tag {
				continue
			}
			return confirm.Ack && confirm.DeliveryTag == tag, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Consume starts a manual-ack consumer on queue with prefetch unacked
// deliveries in flight.
func (b *Broker) Consume(queue string, prefetch int) (<-chan amqp.Delivery, error) {
	b.m.Lock()
	defer b.m.Unlock()

	if !b.connected || b.channel == nil {
		return nil, ErrQueueNotReady
	}
	if err := b.channel.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	return b.channel.Consume(queue, "", false, false, false, false, nil)
}
