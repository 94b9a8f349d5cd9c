package source

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	id        string
	body      string
	receipt   string
	visibleAt time.Time
	receives  int
}

// Memory is an in-process queue with SQS-like visibility semantics: a fetched
// message stays invisible for Visibility and is redelivered with a new receipt
// unless acknowledged. Only the latest receipt of a message is valid.
type Memory struct {
	// Wait bounds how long Fetch blocks when nothing is visible.
	Wait time.Duration
	// Visibility is how long a fetched message stays hidden.
	Visibility time.Duration

	mu      sync.Mutex
	entries []*memEntry
	acked   []string
	seq     int
	closed  bool
	signal  chan struct{}
	now     func() time.Time
}

var (
	_ Sourcer  = (*Memory)(nil)
	_ Releaser = (*Memory)(nil)
)

// NewMemory returns an empty queue with the given long-poll wait and a 30s
// visibility window.
func NewMemory(wait time.Duration) *Memory {
	return &Memory{
		Wait:       wait,
		Visibility: 30 * time.Second,
		signal:     make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Push enqueues a message body and returns its id.
func (q *Memory) Push(body string) string {
	q.mu.Lock()
	q.seq++
	id := "m-" + strconv.Itoa(q.seq)
	q.entries = append(q.entries, &memEntry{id: id, body: body})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return id
}

func (q *Memory) Fetch(ctx context.Context, max int) ([]Message, error) {
	if max < 1 {
		panic("max must be at least 1")
	}

	timer := time.NewTimer(q.Wait)
	defer timer.Stop()

	for {
		out, err := q.take(max)
		if err != nil || len(out) > 0 {
			return out, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return q.take(max)
		case <-q.signal:
		}
	}
}

func (q *Memory) take(max int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	now := q.now()
	var out []Message
	for _, e := range q.entries {
		if len(out) == max {
			break
		}
		if now.Before(e.visibleAt) {
			continue
		}
		e.receives++
		e.receipt = e.id + "#" + strconv.Itoa(e.receives)
		e.visibleAt = now.Add(q.Visibility)
		out = append(out, Message{ID: e.id, Receipt: e.receipt, Body: e.body, ReceivedAt: now})
	}
	return out, nil
}

func (q *Memory) AckBatch(ctx context.Context, msgs []Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var failed []AckFailure
	for _, m := range msgs {
		idx := q.indexOfReceipt(m.Receipt)
		if idx < 0 {
			failed = append(failed, AckFailure{Msg: m, Code: "ReceiptHandleIsInvalid", Reason: "unknown receipt"})
			continue
		}
		q.acked = append(q.acked, q.entries[idx].id)
		q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	}
	if len(failed) > 0 {
		return &AckError{Failed: failed}
	}
	return nil
}

func (q *Memory) ReleaseBatch(ctx context.Context, msgs []Message, visibilitySeconds int32) error {
	q.mu.Lock()
	now := q.now()
	for _, m := range msgs {
		if idx := q.indexOfReceipt(m.Receipt); idx >= 0 {
			q.entries[idx].visibleAt = now.Add(time.Duration(visibilitySeconds) * time.Second)
		}
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

func (q *Memory) indexOfReceipt(receipt string) int {
	for i, e := range q.entries {
		if e.receipt != "" && e.receipt == receipt {
			return i
		}
	}
	return -1
}

// Acked returns the ids of acknowledged messages in acknowledgement order.
func (q *Memory) Acked() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

// Len returns the number of messages not yet acknowledged, visible or not.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close makes subsequent Fetch calls return ErrClosed.
func (q *Memory) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
