package queue

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Queue interface
type Queue interface {
	Publish(topic string, payload any) error
	Subscribe(topic string, handler func(payload any) error) error
}

// JobPayload wraps a message payload with retry info
type JobPayload struct {
	Payload    any
	RetryCount int
	MaxRetries int
}

type Options struct {
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
	// DeadLetter receives payloads whose handler kept failing.
	DeadLetter func(topic string, payload any, err error)
	Logger     *zap.Logger
}

type topicState struct {
	items    []JobPayload
	handlers []func(payload any) error
}

// InMemoryQueue delivers each topic's messages in publish order to a fixed
// pool of workers. A failing handler is retried with linear backoff.
type InMemoryQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	topics map[string]*topicState
	opts   Options
	logger *zap.Logger
	closed bool
	wg     sync.WaitGroup
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(opts Options) *InMemoryQueue {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &InMemoryQueue{
		topics: make(map[string]*topicState),
		opts:   opts,
		logger: logger.With(zap.String("component", "queue")),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Publish appends a message to the topic's FIFO.
func (q *InMemoryQueue) Publish(topic string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("queue closed")
	}
	t, ok := q.topics[topic]
	if !ok || len(t.handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}
	t.items = append(t.items, JobPayload{
		Payload:    payload,
		MaxRetries: q.opts.MaxRetries,
	})
	q.cond.Broadcast()
	return nil
}

// Subscribe adds a handler for a topic. The first subscription starts the topic's workers.
func (q *InMemoryQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("queue closed")
	}
	t, ok := q.topics[topic]
	if !ok {
		t = &topicState{}
		q.topics[topic] = t
	}
	t.handlers = append(t.handlers, handler)
	if len(t.handlers) == 1 {
		for i := 0; i < q.opts.Workers; i++ {
			q.wg.Add(1)
			go q.work(topic, t)
		}
	}
	return nil
}

// Pending returns how many messages wait for a worker.
func (q *InMemoryQueue) Pending(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.topics[topic]; ok {
		return len(t.items)
	}
	return 0
}

// Close stops the workers once their current message is done. Undelivered messages are dropped.
func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *InMemoryQueue) work(topic string, t *topicState) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(t.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		job := t.items[0]
		t.items = t.items[1:]
		handlers := append([]func(payload any) error(nil), t.handlers...)
		q.mu.Unlock()

		for _, h := range handlers {
			q.processJob(topic, h, job)
		}
	}
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(topic string, handler func(payload any) error, job JobPayload) {
	for {
		err := handler(job.Payload)
		if err == nil {
			return
		}

		job.RetryCount++
		if job.RetryCount > job.MaxRetries {
			q.logger.Warn("job permanently failed",
				zap.String("topic", topic),
				zap.Int("attempts", job.RetryCount),
				zap.Error(err),
			)
			if q.opts.DeadLetter != nil {
				q.opts.DeadLetter(topic, job.Payload, err)
			}
			return
		}
		q.logger.Debug("job failed, retrying",
			zap.String("topic", topic),
			zap.Int("retry", job.RetryCount),
			zap.Int("max_retries", job.MaxRetries),
			zap.Error(err),
		)
		time.Sleep(time.Duration(job.RetryCount) * q.opts.RetryDelay)
	}
}
