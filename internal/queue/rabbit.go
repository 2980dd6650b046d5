package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueueName is the durable queue sync jobs are published to.
const DefaultQueueName = "calsync-sync-jobs"

// amqpChannel is the part of *amqp.Channel the queue uses.
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

// Rabbit shares jobs between instances through RabbitMQ. Messages are
// persistent; duplicate jobs for one calendar are not coalesced here and are
// absorbed by the calendar sync lease instead.
type Rabbit struct {
	queue   string
	channel func() (amqpChannel, error)
	close   func() error
}

// NewRabbit connects to url and declares a durable queue.
func NewRabbit(url, queueName string) (*Rabbit, error) {
	if queueName == "" {
		queueName = DefaultQueueName
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}
	ch.Close()
	return &Rabbit{
		queue:   q.Name,
		channel: func() (amqpChannel, error) { return conn.Channel() },
		close:   conn.Close,
	}, nil
}

func (r *Rabbit) Publish(ctx context.Context, job Job) (bool, error) {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("encode job: %w", err)
	}
	ch, err := r.channel()
	if err != nil {
		return false, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	defer ch.Close()
	err = ch.PublishWithContext(ctx, "", r.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    job.EnqueuedAt,
		Body:         body,
	})
	if err != nil {
		return false, fmt.Errorf("publish job: %w", err)
	}
	return true, nil
}

// Consume acknowledges a message once a worker has taken the job. Messages that
// do not decode are dropped.
func (r *Rabbit) Consume(ctx context.Context) (<-chan Job, error) {
	ch, err := r.channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	msgs, err := ch.Consume(r.queue, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", r.queue, err)
	}
	out := make(chan Job)
	go func() {
		defer ch.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				var job Job
				if err := json.Unmarshal(d.Body, &job); err != nil || job.CalendarID == 0 {
					log.Printf("[WARN] dropping malformed sync job: %q", d.Body)
					_ = d.Nack(false, false)
					continue
				}
				select {
				case out <- job:
					_ = d.Ack(false)
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Rabbit) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}
