package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetterExchange receives rejected and nacked run tasks, which are routed
// to FailedQueue(queue) for inspection or resubmission.
const DeadLetterExchange = "runs.dead_letter"

func FailedQueue(queue string) string {
	return queue + ".failed"
}

var errChannelClosed = errors.New("rabbitmq channel is closed")

func dial(ctx context.Context, url string) (*amqp.Connection, error) {
	var err error
	for attempt := 1; attempt <= MaxConnectRetry; attempt++ {
		var conn *amqp.Connection
		if conn, err = amqp.Dial(url); err == nil {
			slog.Info("connected to rabbitmq", "attempt", attempt)
			return conn, nil
		}
		slog.Warn("failed to connect to rabbitmq", "attempt", attempt, "max_attempts", MaxConnectRetry, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(RetryDelay):
		}
	}
	return nil, fmt.Errorf("failed to connect to rabbitmq after %d attempts: %w", MaxConnectRetry, err)
}

// declareTopology declares the task queues and their dead letter queues.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(DeadLetterExchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", DeadLetterExchange, err)
	}

	for _, queue := range Queues {
		failed := FailedQueue(queue)
		if _, err := ch.QueueDeclare(failed, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", failed, err)
		}
		if err := ch.QueueBind(failed, queue, DeadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", failed, err)
		}

		args := amqp.Table{"x-dead-letter-exchange": DeadLetterExchange}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", queue, err)
		}
	}
	return nil
}

// openChannel connects and declares the queues. The connection is closed on error.
func openChannel(ctx context.Context, url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := dial(ctx, url)
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// RabbitMQPublisher publishes run tasks with publisher confirms, so a
// successful publish means the broker has persisted the task.
type RabbitMQPublisher struct {
	url string

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel

	closed chan struct{}
	closer sync.Once
}

func NewRabbitMQPublisher(rabbitMQURL string) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{url: rabbitMQURL, closed: make(chan struct{})}
	if err := p.connect(context.Background()); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *RabbitMQPublisher) connect(ctx context.Context) error {
	conn, ch, err := openChannel(ctx, p.url)
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	p.conn, p.channel = conn, ch
	go p.watch(ch)

	slog.Info("rabbitmq publisher ready", "queues", Queues)
	return nil
}

func (p *RabbitMQPublisher) watch(ch *amqp.Channel) {
	closeErr, ok := <-ch.NotifyClose(make(chan *amqp.Error, 1))
	if !ok {
		return
	}
	slog.Warn("rabbitmq publisher channel closed, reconnecting", "error", closeErr)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn, p.channel = nil, nil

	for {
		select {
		case <-p.closed:
			return
		default:
		}
		if err := p.connect(context.Background()); err == nil {
			return
		}
		select {
		case <-p.closed:
			return
		case <-time.After(RetryDelay * 10):
		}
	}
}

func (p *RabbitMQPublisher) publish(ctx context.Context, queue string, runId string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", queue, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.channel == nil || p.channel.IsClosed() {
		return errChannelClosed
	}

	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    runId,
		Timestamp:    time.Now().UTC(),
		Type:         queue,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("error waiting for %s publish confirm: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("broker did not accept task for run %s on %s", runId, queue)
	}

	slog.Info("published task", "queue", queue, "run_id", runId)
	return nil
}

func (p *RabbitMQPublisher) PublishFinetuneTask(ctx context.Context, payload FinetuneTaskPayload) error {
	return p.publish(ctx, FinetuneQueue, payload.RunId, payload)
}

func (p *RabbitMQPublisher) PublishBulkTask(ctx context.Context, payload BulkTaskPayload) error {
	return p.publish(ctx, BulkQueue, payload.RunId, payload)
}

func (p *RabbitMQPublisher) Close() {
	p.closer.Do(func() {
		close(p.closed)

		p.mu.RLock()
		defer p.mu.RUnlock()
		if p.conn == nil {
			return
		}
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			slog.Error("error closing rabbitmq connection", "error", err)
		}
	})
}

type RabbitMQTask struct {
	d amqp.Delivery
}

func (t *RabbitMQTask) Type() string {
	return t.d.RoutingKey
}

func (t *RabbitMQTask) Payload() []byte {
	return t.d.Body
}

// RunId is the id the task was published under, if any.
func (t *RabbitMQTask) RunId() string {
	return t.d.MessageId
}

func (t *RabbitMQTask) Ack() error {
	return t.d.Ack(false)
}

// Nack does not requeue; the task goes to the failed queue and the run
// failure is already in the state store.
func (t *RabbitMQTask) Nack() error {
	return t.d.Nack(false, false)
}

func (t *RabbitMQTask) Reject() error {
	return t.d.Reject(false)
}

// RabbitMQReceiver consumes run tasks, one unacked task at a time.
type RabbitMQReceiver struct {
	url   string
	tasks chan Task

	stop   chan struct{}
	closer sync.Once
}

func NewRabbitMQReceiver(rabbitMQURL string) (*RabbitMQReceiver, error) {
	r := &RabbitMQReceiver{
		url:   rabbitMQURL,
		tasks: make(chan Task),
		stop:  make(chan struct{}),
	}
	if err := r.subscribe(context.Background()); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQReceiver) subscribe(ctx context.Context) error {
	conn, ch, err := openChannel(ctx, r.url)
	if err != nil {
		return err
	}

	// one run at a time per worker
	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set channel qos: %w", err)
	}

	for _, queue := range Queues {
		deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to consume from %s: %w", queue, err)
		}
		go r.forward(deliveries)
	}

	go r.watch(conn, ch)

	slog.Info("rabbitmq receiver ready", "queues", Queues)
	return nil
}

func (r *RabbitMQReceiver) forward(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		select {
		case r.tasks <- &RabbitMQTask{d: d}:
		case <-r.stop:
			return
		}
	}
}

func (r *RabbitMQReceiver) watch(conn *amqp.Connection, ch *amqp.Channel) {
	select {
	case closeErr, ok := <-ch.NotifyClose(make(chan *amqp.Error, 1)):
		if !ok {
			return
		}
		slog.Warn("rabbitmq receiver channel closed, resubscribing", "error", closeErr)

		for {
			if err := r.subscribe(context.Background()); err == nil {
				return
			}
			select {
			case <-r.stop:
				return
			case <-time.After(RetryDelay * 10):
			}
		}

	case <-r.stop:
		slog.Info("stopping rabbitmq receiver")
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			slog.Error("error closing rabbitmq connection", "error", err)
		}
	}
}

func (r *RabbitMQReceiver) Tasks() <-chan Task {
	return r.tasks
}

func (r *RabbitMQReceiver) Close() {
	r.closer.Do(func() { close(r.stop) })
}
