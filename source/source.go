package source

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message is one unit of queue delivery.
//
// Message is a value: once received it is never mutated. Receipt is the opaque
// handle required to acknowledge or release the delivery.
type Message struct {
	ID         string
	Receipt    string
	Body       string
	ReceivedAt time.Time
}

// Sourcer fetches messages and acknowledges them in batches.
//
// Fetch blocks for at most the source's long-poll wait and returns an empty
// slice, not an error, when nothing arrived. It never returns more than max
// messages.
//
// AckBatch is best effort per message: a failure for one receipt does not stop
// the others from being attempted. The returned error, if any, is an *AckError
// describing every failed receipt.
type Sourcer interface {
	Fetch(ctx context.Context, max int) ([]Message, error)
	AckBatch(ctx context.Context, msgs []Message) error
}

// Releaser can make fetched-but-unacknowledged messages visible again after
// the given number of seconds, so a failed batch is redelivered sooner than the
// full visibility window.
type Releaser interface {
	ReleaseBatch(ctx context.Context, msgs []Message, visibilitySeconds int32) error
}

// AckFailure describes one message that could not be acknowledged.
type AckFailure struct {
	Msg    Message
	Code   string
	Reason string
}

// AckError aggregates per-message acknowledgement failures.
type AckError struct {
	Failed []AckFailure
}

func (e *AckError) Error() string {
	if len(e.Failed) == 0 {
		return "ack failed"
	}
	parts := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		parts = append(parts, fmt.Sprintf("id=%s code=%s message=%s", f.Msg.ID, f.Code, f.Reason))
	}
	return fmt.Sprintf("ack failed for %d message(s): %s", len(e.Failed), strings.Join(parts, "; "))
}

// Messages returns the messages that failed, in order.
func (e *AckError) Messages() []Message {
	out := make([]Message, len(e.Failed))
	for i, f := range e.Failed {
		out[i] = f.Msg
	}
	return out
}

// AckGroup accumulates messages that should be acknowledged together.
type AckGroup struct {
	msgs []Message
}

// Add appends a message to the group.
func (g *AckGroup) Add(m Message) {
	g.msgs = append(g.msgs, m)
}

// Len returns the number of messages in the group.
func (g *AckGroup) Len() int { return len(g.msgs) }

// Messages returns the grouped messages. The slice must not be modified.
func (g *AckGroup) Messages() []Message { return g.msgs }

// Receipts returns the receipt handles of the grouped messages in order.
func (g *AckGroup) Receipts() []string {
	out := make([]string, len(g.msgs))
	for i, m := range g.msgs {
		out[i] = m.Receipt
	}
	return out
}

// Commit acknowledges the group against the given Source.
func (g *AckGroup) Commit(ctx context.Context, src Sourcer) error {
	if len(g.msgs) == 0 {
		return nil
	}
	return src.AckBatch(ctx, g.msgs)
}

// Clear resets the group and releases references to messages. Receipts must
// not be reused once a group has been committed.
func (g *AckGroup) Clear() {
	g.msgs = nil
}
