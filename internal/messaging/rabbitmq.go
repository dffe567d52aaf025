package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const connectionName = "ml-workbench"

func connectToRabbitMQ(url string) (*amqp.Connection, error) {
	config := amqp.Config{
		Properties: amqp.NewConnectionProperties(),
		Heartbeat:  10 * time.Second,
	}
	config.Properties.SetClientConnectionName(connectionName)

	var lastErr error
	for attempt := 1; attempt <= MaxConnectRetry; attempt++ {
		conn, err := amqp.DialConfig(url, config)
		if err == nil {
			slog.Info("connected to rabbitmq", "attempt", attempt)
			return conn, nil
		}
		lastErr = err
		slog.Warn("failed to connect to rabbitmq", "attempt", attempt, "max_attempts", MaxConnectRetry, "error", err)
		time.Sleep(RetryDelay)
	}
	return nil, fmt.Errorf("failed to connect to rabbitmq after %d attempts: %w", MaxConnectRetry, lastErr)
}

// declareQueues declares every task queue along with the queue its failed
// deliveries are dead-lettered to.
func declareQueues(channel *amqp.Channel) error {
	for _, queue := range queues {
		failed := FailedQueue(queue)
		if _, err := channel.QueueDeclare(failed, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare rabbitmq queue %s: %w", failed, err)
		}

		args := amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": failed,
		}
		if _, err := channel.QueueDeclare(queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("failed to declare rabbitmq queue %s: %w", queue, err)
		}
	}
	return nil
}

func openChannel(conn *amqp.Connection) (*amqp.Channel, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	if err := declareQueues(channel); err != nil {
		return nil, err
	}
	return channel, nil
}

type RabbitMQPublisher struct {
	url string

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

func NewRabbitMQPublisher(rabbitMQURL string) (*RabbitMQPublisher, error) {
	p := &RabbitMQPublisher{url: rabbitMQURL}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

// connect must be called with p.mu held or before p is shared.
func (p *RabbitMQPublisher) connect() error {
	conn, err := connectToRabbitMQ(p.url)
	if err != nil {
		return err
	}

	channel, err := openChannel(conn)
	if err != nil {
		conn.Close()
		return err
	}

	p.conn, p.channel = conn, channel
	slog.Info("rabbitmq publisher ready", "queues", queues)

	go p.handleReconnect(channel.NotifyClose(make(chan *amqp.Error, 1)))
	return nil
}

func (p *RabbitMQPublisher) handleReconnect(notifyClose chan *amqp.Error) {
	err, ok := <-notifyClose
	if !ok {
		return
	}

	slog.Warn("rabbitmq publisher channel closed, reconnecting", "error", err)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.conn, p.channel = nil, nil
	for !p.closed {
		if err := p.connect(); err == nil {
			slog.Info("rabbitmq publisher reconnected")
			return
		}
		time.Sleep(RetryDelay * 10)
	}
}

func (p *RabbitMQPublisher) publishTaskInternal(ctx context.Context, queueName string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", queueName, err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrQueueClosed
	}
	if p.channel == nil || p.channel.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         queueName,
		Body:         body,
	}
	if err := p.channel.PublishWithContext(ctx, "", queueName, false, false, msg); err != nil {
		slog.Error("failed to publish task", "queue", queueName, "error", err)
		return fmt.Errorf("failed to publish %s: %w", queueName, err)
	}

	slog.Debug("published task", "queue", queueName, "message_id", msg.MessageId)
	return nil
}

func (p *RabbitMQPublisher) PublishDatasetTask(ctx context.Context, payload DatasetTaskPayload) error {
	return p.publishTaskInternal(ctx, DatasetQueue, payload)
}

func (p *RabbitMQPublisher) PublishTrainingTask(ctx context.Context, payload TrainingTaskPayload) error {
	return p.publishTaskInternal(ctx, TrainingQueue, payload)
}

func (p *RabbitMQPublisher) PublishDeployTask(ctx context.Context, payload DeployTaskPayload) error {
	return p.publishTaskInternal(ctx, DeployQueue, payload)
}

func (p *RabbitMQPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			slog.Error("error closing rabbitmq connection", "error", err)
		}
	}
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

func (t *RabbitMQTask) Ack() error {
	return t.d.Ack(false)
}

// Nack does not requeue. The delivery moves to the failed queue and the
// processor records the failure on the resource.
func (t *RabbitMQTask) Nack() error {
	return t.d.Nack(false, false)
}

func (t *RabbitMQTask) Reject() error {
	return t.d.Reject(false)
}

type RabbitMQReceiver struct {
	url    string
	tasks  chan Task
	stop   chan struct{}
	closer sync.Once
}

func NewRabbitMQReceiver(rabbitMQURL string) (*RabbitMQReceiver, error) {
	r := &RabbitMQReceiver{
		url:   rabbitMQURL,
		tasks: make(chan Task),
		stop:  make(chan struct{}),
	}

	if err := r.receiveTasks(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RabbitMQReceiver) consume(msgs <-chan amqp.Delivery) {
	for d := range msgs {
		select {
		case r.tasks <- &RabbitMQTask{d: d}:
		case <-r.stop:
			return
		}
	}
}

func (r *RabbitMQReceiver) receiveTasks() error {
	conn, err := connectToRabbitMQ(r.url)
	if err != nil {
		return err
	}

	channel, err := openChannel(conn)
	if err != nil {
		conn.Close()
		return err
	}

	// One unacked message per worker; training and deploy tasks block for minutes.
	if err := channel.Qos(1, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set channel qos: %w", err)
	}

	for _, queue := range queues {
		msgs, err := channel.Consume(queue, "", false, false, false, false, nil)
		if err != nil {
			conn.Close()
			return fmt.Errorf("failed to consume from rabbitmq queue %s: %w", queue, err)
		}
		go r.consume(msgs)
	}

	slog.Info("rabbitmq consumer started", "queues", queues)

	go r.handleReconnect(conn, channel.NotifyClose(make(chan *amqp.Error, 1)))
	return nil
}

func (r *RabbitMQReceiver) handleReconnect(conn *amqp.Connection, notifyClose chan *amqp.Error) {
	select {
	case err, ok := <-notifyClose:
		if !ok {
			return
		}

		slog.Warn("rabbitmq consumer channel closed, reconnecting", "error", err)

		for {
			select {
			case <-r.stop:
				return
			default:
			}
			if err := r.receiveTasks(); err == nil {
				slog.Info("rabbitmq consumer reconnected")
				return
			}
			time.Sleep(RetryDelay * 10)
		}
	case <-r.stop:
		slog.Info("stopping rabbitmq consumer")
		if err := conn.Close(); err != nil {
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
