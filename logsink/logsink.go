// Package logsink archives pipeline errors to an external log service.
package logsink

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"

	"github.com/efficientgo/core/errors"
)

// Record is one archived error.
type Record struct {
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	StackTrace   string `json:"stack_trace"`
}

// NewRecord describes err. ErrorType names the innermost wrapped error and
// StackTrace is the %+v rendering, which carries stacks recorded by
// github.com/efficientgo/core/errors.
func NewRecord(err error) Record {
	if err == nil {
		err = errors.New("nil error")
	}
	root := err
	for {
		next := stderrors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	return Record{
		ErrorType:    fmt.Sprintf("%T", root),
		ErrorMessage: err.Error(),
		StackTrace:   fmt.Sprintf("%+v", err),
	}
}

// JSON renders r as the archived message.
func (r Record) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		return r.ErrorMessage
	}
	return string(b)
}

// Sink archives records. Archive never fails the caller: delivery problems
// are logged and dropped.
type Sink interface {
	Archive(ctx context.Context, rec Record)
}

// Nop discards every record.
type Nop struct{}

func (Nop) Archive(context.Context, Record) {}
