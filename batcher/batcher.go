// Package batcher assembles the messages of one fetch into a Batch of object
// references paired with the acknowledgements they gate.
package batcher

import (
	"github.com/baldanca/s3-table-ingestor/event"
	"github.com/baldanca/s3-table-ingestor/source"
)

// ParseFunc extracts object references from a message body. It must not fail:
// unusable bodies yield no references.
type ParseFunc func(body string) []event.ObjectRef

// Batch is the unit of work of one cycle.
//
// Refs keeps fetch order and may contain duplicates. Acks holds every fetched
// message, including those that produced no reference; it is retained only for
// acknowledgement.
type Batch struct {
	Refs  []event.ObjectRef
	Acks  source.AckGroup
	Empty int // messages that yielded no reference
}

// HasRefs reports whether the Loader has anything to do.
func (b *Batch) HasRefs() bool { return len(b.Refs) > 0 }

// Messages returns the number of messages in the batch.
func (b *Batch) Messages() int { return b.Acks.Len() }

// Batcher turns fetched messages into a Batch.
type Batcher struct {
	parse ParseFunc
}

// NewBatcher returns a Batcher using parse, or event.Parse when parse is nil.
func NewBatcher(parse ParseFunc) *Batcher {
	if parse == nil {
		parse = event.Parse
	}
	return &Batcher{parse: parse}
}

// Accumulate parses msgs in order. A message is always added to the ack group,
// whether or not it yielded references.
func (b *Batcher) Accumulate(msgs []source.Message) Batch {
	var out Batch
	for _, m := range msgs {
		refs := b.parse(m.Body)
		if len(refs) == 0 {
			out.Empty++
		}
		out.Refs = append(out.Refs, refs...)
		out.Acks.Add(m)
	}
	return out
}

// Accumulate is a convenience for NewBatcher(nil).Accumulate(msgs).
func Accumulate(msgs []source.Message) Batch {
	return NewBatcher(nil).Accumulate(msgs)
}
