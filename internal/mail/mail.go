// Package mail renders and delivers the challenge verification messages. The
// HTTP service only enqueues; delivery happens in the worker.
package mail

import (
	"context"

	"github.com/gatehouse-auth/gatehouse/internal/challenge"
)

// Message is a rendered email ready for SMTP delivery.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Request describes a verification email before rendering. The code is the
// plaintext verifier; it exists only in flight and in the recipient's inbox.
type Request struct {
	To   string         `json:"to"`
	Flow challenge.Flow `json:"flow"`
	Code string         `json:"code"`
}

// Enqueuer hands a verification email to the delivery queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req Request) error
}

// Sender performs the actual delivery. Implemented by the SMTP client in the
// worker and by fakes in tests.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}
