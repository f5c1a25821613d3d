package queue

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const retryHeader = "x-retry-count"

// AMQPQueue is a Queue backed by RabbitMQ. Topics are durable queue names and
// payloads travel as JSON. Subscribers receive the raw message body.
type AMQPQueue struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	mu         sync.Mutex
	declared   map[string]bool
	maxRetries int
	logger     *zap.Logger
}

func DialAMQP(url string, maxRetries int, logger *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(16, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &AMQPQueue{
		conn:       conn,
		ch:         ch,
		declared:   make(map[string]bool),
		maxRetries: maxRetries,
		logger:     logger.With(zap.String("component", "amqp")),
	}, nil
}

func (q *AMQPQueue) declare(name string) error {
	if q.declared[name] {
		return nil
	}
	_, err := q.ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	q.declared[name] = true
	return nil
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return q.publishRaw(topic, body, 0)
}

func (q *AMQPQueue) publishRaw(topic string, body []byte, retries int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.declare(topic); err != nil {
		return err
	}
	return q.ch.Publish(
		"",
		topic,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{retryHeader: int32(retries)},
			Body:         body,
		},
	)
}

// Subscribe consumes topic with manual acks. A failed message is republished
// with a bumped retry header until maxRetries, then dropped.
func (q *AMQPQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	if err := q.declare(topic); err != nil {
		q.mu.Unlock()
		return err
	}
	msgs, err := q.ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	go func() {
		for d := range msgs {
			q.handle(topic, d, handler)
		}
		q.logger.Info("consumer stopped", zap.String("queue", topic))
	}()
	return nil
}

func (q *AMQPQueue) handle(topic string, d amqp.Delivery, handler func(payload any) error) {
	err := handler(d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	retries := RetryCount(d.Headers)
	if retries < q.maxRetries {
		if perr := q.publishRaw(topic, d.Body, retries+1); perr != nil {
			q.logger.Error("failed to requeue message", zap.String("queue", topic), zap.Error(perr))
			_ = d.Nack(false, true)
			return
		}
		q.logger.Warn("message failed, requeued",
			zap.String("queue", topic),
			zap.Int("retry", retries+1),
			zap.Error(err),
		)
	} else {
		q.logger.Error("message dropped after retries", zap.String("queue", topic), zap.Error(err))
	}
	_ = d.Ack(false)
}

// RetryCount reads the retry header whatever integer type the broker delivered.
func RetryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	}
	return 0
}

func (q *AMQPQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}
