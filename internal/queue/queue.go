// Package queue defines the transport-independent message envelope that
// sits between the kafka broker and the workers. Acknowledgment is
// per-message: Ack marks the task fully processed, Nack hands the
// message back to the transport's redelivery policy.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/IliaW/site-crawl-worker/internal/model"
)

// Logical queue sources. A message carries the source it was consumed
// from so one handler loop can serve several topics.
const (
	SourceCrawlTasks    = "crawl-tasks"
	SourceCallbackTasks = "callback-tasks"
)

type Message struct {
	Source string
	Body   []byte
	ack    func() error
	nack   func()
}

func NewMessage(source string, body []byte, ack func() error, nack func()) *Message {
	return &Message{Source: source, Body: body, ack: ack, nack: nack}
}

// Ack acknowledges the message. Called only after the task fully
// completed; a crash before Ack leaves the message for redelivery.
func (m *Message) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// Nack returns the message to the transport without acknowledging it.
func (m *Message) Nack() {
	if m.nack != nil {
		m.nack()
	}
}

// Handler processes one message body. A returned error means the task
// did not complete and the message must not be acknowledged.
type Handler func(ctx context.Context, body []byte) error

// Router dispatches messages to handlers by source. A message from an
// unrecognized source is an ErrUnknownQueueSource - it is nacked and
// surfaced, never silently swallowed.
type Router struct {
	handlers map[string]Handler
	log      *slog.Logger
}

func NewRouter(log *slog.Logger) *Router {
	return &Router{handlers: make(map[string]Handler), log: log}
}

func (r *Router) Handle(source string, h Handler) {
	r.handlers[source] = h
}

func (r *Router) Dispatch(ctx context.Context, msg *Message) error {
	h, ok := r.handlers[msg.Source]
	if !ok {
		msg.Nack()
		return fmt.Errorf("%w: %s", model.ErrUnknownQueueSource, msg.Source)
	}
	if err := h(ctx, msg.Body); err != nil {
		msg.Nack()
		return err
	}
	if err := msg.Ack(); err != nil {
		r.log.Error("failed to ack message.", slog.String("source", msg.Source),
			slog.String("err", err.Error()))
	}
	return nil
}
