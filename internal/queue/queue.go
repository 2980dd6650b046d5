// Package queue carries calendar sync jobs from triggers (webhooks, manual
// requests) to the worker pool.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrFull is returned when the in-memory queue has no room left.
var ErrFull = errors.New("queue: full")

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue: closed")

// Job asks for an incremental sync of one calendar.
type Job struct {
	CalendarID int64     `json:"calendarId"`
	AccountID  int64     `json:"accountId,omitempty"`
	Reason     string    `json:"reason"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Reasons recorded on jobs.
const (
	ReasonWebhook = "webhook"
	ReasonManual  = "manual"
)

// Client is implemented by the memory and RabbitMQ queues.
type Client interface {
	// Publish enqueues job. It reports false when an identical pending job
	// already exists and this one was coalesced into it.
	Publish(ctx context.Context, job Job) (bool, error)
	// Consume streams jobs until ctx ends or the queue closes.
	Consume(ctx context.Context) (<-chan Job, error)
	Close() error
}
