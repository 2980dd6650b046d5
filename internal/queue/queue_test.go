package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func receive(t *testing.T, jobs <-chan Job) Job {
	t.Helper()
	select {
	case job, ok := <-jobs:
		if !ok {
			t.Fatal("jobs channel closed")
		}
		return job
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job")
	}
	return Job{}
}

func TestMemoryCoalescesPendingCalendar(t *testing.T) {
	q := NewMemory(4)
	ctx := context.Background()

	if ok, err := q.Publish(ctx, Job{CalendarID: 1, Reason: ReasonWebhook}); err != nil || !ok {
		t.Fatalf("first Publish() = %v, %v", ok, err)
	}
	if ok, err := q.Publish(ctx, Job{CalendarID: 1, Reason: ReasonManual}); err != nil || ok {
		t.Fatalf("duplicate Publish() = %v, %v; expected coalesced", ok, err)
	}
	if ok, _ := q.Publish(ctx, Job{CalendarID: 2}); !ok {
		t.Fatal("other calendar should be accepted")
	}
	if q.Len() != 2 {
		t.Fatalf("expected 2 pending jobs, got %d", q.Len())
	}
}

func TestMemoryIsBounded(t *testing.T) {
	q := NewMemory(2)
	ctx := context.Background()
	_, _ = q.Publish(ctx, Job{CalendarID: 1})
	_, _ = q.Publish(ctx, Job{CalendarID: 2})
	if _, err := q.Publish(ctx, Job{CalendarID: 3}); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("rejected job must not be marked pending, got %d", q.Len())
	}
}

func TestMemoryReleasesCalendarOnConsume(t *testing.T) {
	q := NewMemory(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, _ = q.Publish(ctx, Job{CalendarID: 7, Reason: ReasonWebhook})
	jobs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume() error: %v", err)
	}
	job := receive(t, jobs)
	if job.CalendarID != 7 || job.EnqueuedAt.IsZero() {
		t.Fatalf("unexpected job %+v", job)
	}
	if ok, _ := q.Publish(ctx, Job{CalendarID: 7}); !ok {
		t.Fatal("calendar should be publishable again once its job was taken")
	}
}

func TestMemoryDeliversEachJobOnce(t *testing.T) {
	q := NewMemory(16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := int64(1); i <= 10; i++ {
		_, _ = q.Publish(ctx, Job{CalendarID: i})
	}

	var mu sync.Mutex
	seen := map[int64]int{}
	var wg sync.WaitGroup
	for w := 0; w < 3; w++ {
		jobs, _ := q.Consume(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				mu.Lock()
				seen[job.CalendarID]++
				mu.Unlock()
			}
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for q.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	_ = q.Close()
	wg.Wait()

	if len(seen) != 10 {
		t.Fatalf("expected 10 distinct jobs, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("calendar %d delivered %d times", id, n)
		}
	}
}

func TestMemoryClosed(t *testing.T) {
	q := NewMemory(1)
	_ = q.Close()
	if _, err := q.Publish(context.Background(), Job{CalendarID: 1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

type fakeAck struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (f *fakeAck) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, tag)
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAck) Reject(tag uint64, requeue bool) error { return nil }

type fakeChannel struct {
	published  []amqp.Publishing
	deliveries chan amqp.Delivery
	prefetch   int
	closed     bool
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func newTestRabbit(ch *fakeChannel) *Rabbit {
	return &Rabbit{queue: DefaultQueueName, channel: func() (amqpChannel, error) { return ch, nil }}
}

func TestRabbitPublishPersistsJSON(t *testing.T) {
	ch := &fakeChannel{}
	r := newTestRabbit(ch)
	ok, err := r.Publish(context.Background(), Job{CalendarID: 42, Reason: ReasonWebhook})
	if err != nil || !ok {
		t.Fatalf("Publish() = %v, %v", ok, err)
	}
	if len(ch.published) != 1 {
		t.Fatalf("expected one message, got %d", len(ch.published))
	}
	msg := ch.published[0]
	if msg.DeliveryMode != amqp.Persistent || msg.ContentType != "application/json" {
		t.Fatalf("unexpected publishing %+v", msg)
	}
	var job Job
	if err := json.Unmarshal(msg.Body, &job); err != nil || job.CalendarID != 42 || job.Reason != ReasonWebhook {
		t.Fatalf("unexpected body %s (%v)", msg.Body, err)
	}
	if !ch.closed {
		t.Fatal("publish channel should be closed")
	}
}

func TestRabbitConsumeAcksAndDropsMalformed(t *testing.T) {
	ack := &fakeAck{}
	ch := &fakeChannel{deliveries: make(chan amqp.Delivery, 2)}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("{not json")}
	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`{"calendarId":9,"reason":"webhook"}`)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	jobs, err := newTestRabbit(ch).Consume(ctx)
	if err != nil {
		t.Fatalf("Consume() error: %v", err)
	}
	job := receive(t, jobs)
	if job.CalendarID != 9 {
		t.Fatalf("unexpected job %+v", job)
	}
	close(ch.deliveries)
	for range jobs {
	}

	ack.mu.Lock()
	defer ack.mu.Unlock()
	if len(ack.nacked) != 1 || ack.nacked[0] != 1 || ack.requeue[0] {
		t.Fatalf("malformed message should be dropped without requeue: %+v", ack)
	}
	if len(ack.acked) != 1 || ack.acked[0] != 2 {
		t.Fatalf("expected delivery 2 to be acked, got %v", ack.acked)
	}
	if ch.prefetch != 1 {
		t.Fatalf("expected prefetch 1, got %d", ch.prefetch)
	}
}
