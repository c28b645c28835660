/*
queue.go - Durable distribution queue abstraction

PURPOSE:
  Decouples the triggering event from the crediting work. The queue is
  at-least-once: a delivered job that is not acknowledged becomes visible
  again after its lease expires, so a crashed worker's job is redelivered.
  Idempotent handlers (ApplyReward) make redelivery safe.

DELIVERY MODEL:
  Dequeue leases one job to the caller. The caller then either:
  - Ack:  the job succeeded (or was a benign duplicate) - delete it
  - Nack: the job failed - release it; redelivery is governed by the
          recovery service (the job only becomes visible again at the
          not-before time recovery schedules)

  An unknown-outcome credit (timeout mid-operation) is Nacked, never
  Acked: redelivery plus idempotency is the safety net, not cancellation.

IMPLEMENTATIONS:
  - store/sqlite: durable jobs table with leases (production)
  - referral/store: in-memory queue (tests, dev)
*/
package referral

import (
	"context"
	"time"
)

// Delivery is one leased job. The receipt ties an Ack/Nack to a specific
// delivery, so a lease that already expired cannot acknowledge the job
// out from under its redelivery.
type Delivery struct {
	Job     Job
	Receipt string
}

// Queue carries reward jobs with at-least-once delivery.
type Queue interface {
	// Enqueue adds a job, visible from notBefore (zero time = now).
	// Enqueueing the same key twice is allowed; idempotent handlers make
	// the duplicate harmless.
	Enqueue(ctx context.Context, job Job, notBefore time.Time) error

	// Dequeue leases the next visible job, blocking until one is
	// available, wait elapses (returns nil, nil), or ctx is done.
	Dequeue(ctx context.Context, wait time.Duration) (*Delivery, error)

	// Ack removes a delivered job permanently.
	Ack(ctx context.Context, d Delivery) error

	// Nack releases a delivered job for redelivery at notBefore.
	Nack(ctx context.Context, d Delivery, notBefore time.Time) error

	// Contains reports whether a live job (queued or leased) exists for an
	// idempotency key. The recovery sweep uses this to distinguish
	// "PENDING row with a job in flight" from "PENDING row orphaned by a
	// crash".
	Contains(ctx context.Context, key string) (bool, error)
}
