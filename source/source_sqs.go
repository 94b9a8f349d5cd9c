package source

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// ErrClosed is returned when Fetch is called after the source has been closed.
var ErrClosed = errors.New("source closed")

// maxSQSBatch is the service limit for ReceiveMessage and the *Batch calls.
const maxSQSBatch = 10

type SourceSQSConfig struct {
	// WaitTimeSeconds is the long-poll wait of the first receive of a Fetch.
	WaitTimeSeconds int32
	// MaxMessages caps a single ReceiveMessage call (1..10).
	MaxMessages int32
	// VisibilityTO overrides the queue's visibility timeout when > 0.
	VisibilityTO int32
}

func (c *SourceSQSConfig) validate() {
	if c.WaitTimeSeconds < 0 || c.WaitTimeSeconds > 20 {
		panic("wait time seconds must be between 0 and 20")
	}
	if c.MaxMessages < 1 || c.MaxMessages > maxSQSBatch {
		panic("max messages must be between 1 and 10")
	}
	if c.VisibilityTO < 0 {
		panic("visibility timeout must be non-negative")
	}
}

var DefaultSourceSQSConfig = SourceSQSConfig{
	WaitTimeSeconds: 20,
	MaxMessages:     10,
}

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// SourceSQS is a synchronous SQS queue client. It performs no background
// polling: messages are only received inside Fetch, so nothing becomes
// invisible to other consumers unless a cycle asked for it.
type SourceSQS struct {
	cfg SourceSQSConfig

	client      sqsAPI
	queueURL    string
	queueURLPtr *string

	now func() time.Time
}

var (
	_ Sourcer  = (*SourceSQS)(nil)
	_ Releaser = (*SourceSQS)(nil)
)

func NewSQS(client sqsAPI, queueURL string) *SourceSQS {
	return NewWithConfig(client, queueURL, DefaultSourceSQSConfig)
}

func NewWithConfig(client sqsAPI, queueURL string, cfg SourceSQSConfig) *SourceSQS {
	if client == nil {
		panic("sqs client is required")
	}
	if queueURL == "" {
		panic("queue url is required")
	}
	cfg.validate()

	s := &SourceSQS{
		cfg:      cfg,
		client:   client,
		queueURL: queueURL,
		now:      time.Now,
	}
	s.queueURLPtr = &s.queueURL
	return s
}

// Fetch long-polls for up to max messages.
//
// The first receive waits up to WaitTimeSeconds. While receives come back full
// and max is not reached, further receives are issued without waiting so one
// Fetch can gather more than the per-call service limit.
func (s *SourceSQS) Fetch(ctx context.Context, max int) ([]Message, error) {
	if max < 1 {
		panic("max must be at least 1")
	}

	var out []Message
	wait := s.cfg.WaitTimeSeconds
	for len(out) < max {
		n := int32(max - len(out))
		if n > s.cfg.MaxMessages {
			n = s.cfg.MaxMessages
		}

		reqCtx, cancel := context.WithTimeout(ctx, time.Duration(wait+5)*time.Second)
		in := &sqs.ReceiveMessageInput{
			QueueUrl:            s.queueURLPtr,
			MaxNumberOfMessages: n,
			WaitTimeSeconds:     wait,
		}
		if s.cfg.VisibilityTO > 0 {
			in.VisibilityTimeout = s.cfg.VisibilityTO
		}
		resp, err := s.client.ReceiveMessage(reqCtx, in)
		cancel()
		if err != nil {
			if len(out) > 0 {
				// Messages already received are invisible to others; hand them
				// out rather than leaving them to time out.
				return out, nil
			}
			return nil, err
		}

		received := s.now()
		for i := range resp.Messages {
			m := &resp.Messages[i]
			out = append(out, Message{
				ID:         aws.ToString(m.MessageId),
				Receipt:    aws.ToString(m.ReceiptHandle),
				Body:       aws.ToString(m.Body),
				ReceivedAt: received,
			})
		}

		if int32(len(resp.Messages)) < n {
			break
		}
		wait = 0
	}
	return out, nil
}

// AckBatch deletes msgs in chunks of ten. A failing chunk or entry is recorded
// and the remaining chunks are still attempted.
func (s *SourceSQS) AckBatch(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}

	entries := make([]sqstypes.DeleteMessageBatchRequestEntry, 0, maxSQSBatch)
	in := sqs.DeleteMessageBatchInput{QueueUrl: s.queueURLPtr}
	var failed []AckFailure

	for i := 0; i < len(msgs); i += maxSQSBatch {
		end := i + maxSQSBatch
		if end > len(msgs) {
			end = len(msgs)
		}
		chunk := msgs[i:end]

		entries = entries[:0]
		var ids [maxSQSBatch]string
		var rhs [maxSQSBatch]string
		for j := range chunk {
			// Entry ids only need to be unique per request; the index maps
			// failures back to messages.
			ids[j] = strconv.Itoa(j)
			rhs[j] = chunk[j].Receipt
			entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{Id: &ids[j], ReceiptHandle: &rhs[j]})
		}

		in.Entries = entries
		out, err := s.client.DeleteMessageBatch(ctx, &in)
		if err != nil {
			for _, m := range chunk {
				failed = append(failed, AckFailure{Msg: m, Code: "RequestFailed", Reason: err.Error()})
			}
			continue
		}
		mark := len(failed)
		for _, f := range out.Failed {
			j, convErr := strconv.Atoi(aws.ToString(f.Id))
			if convErr != nil || j < 0 || j >= len(chunk) {
				// Unattributable: none of the chunk is known to be deleted.
				failed = failed[:mark]
				for _, m := range chunk {
					failed = append(failed, AckFailure{
						Msg:    m,
						Code:   aws.ToString(f.Code),
						Reason: fmt.Sprintf("unknown entry id %q: %s", aws.ToString(f.Id), aws.ToString(f.Message)),
					})
				}
				break
			}
			failed = append(failed, AckFailure{Msg: chunk[j], Code: aws.ToString(f.Code), Reason: aws.ToString(f.Message)})
		}
	}

	if len(failed) > 0 {
		return &AckError{Failed: failed}
	}
	return nil
}

// ReleaseBatch changes the visibility timeout of msgs so they are redelivered
// after visibilitySeconds. Zero makes them visible immediately.
func (s *SourceSQS) ReleaseBatch(ctx context.Context, msgs []Message, visibilitySeconds int32) error {
	if len(msgs) == 0 {
		return nil
	}
	if visibilitySeconds < 0 {
		visibilitySeconds = 0
	}

	in := sqs.ChangeMessageVisibilityBatchInput{QueueUrl: s.queueURLPtr}
	entries := make([]sqstypes.ChangeMessageVisibilityBatchRequestEntry, 0, maxSQSBatch)
	var errs []error

	for i := 0; i < len(msgs); i += maxSQSBatch {
		end := i + maxSQSBatch
		if end > len(msgs) {
			end = len(msgs)
		}

		entries = entries[:0]
		var ids [maxSQSBatch]string
		var rhs [maxSQSBatch]string
		for j := i; j < end; j++ {
			k := j - i
			ids[k] = strconv.Itoa(k)
			rhs[k] = msgs[j].Receipt
			entries = append(entries, sqstypes.ChangeMessageVisibilityBatchRequestEntry{
				Id:                &ids[k],
				ReceiptHandle:     &rhs[k],
				VisibilityTimeout: visibilitySeconds,
			})
		}

		in.Entries = entries
		out, err := s.client.ChangeMessageVisibilityBatch(ctx, &in)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var failed []AckFailure
		for _, f := range out.Failed {
			k, convErr := strconv.Atoi(aws.ToString(f.Id))
			if convErr != nil || k < 0 || i+k >= end {
				continue
			}
			failed = append(failed, AckFailure{
				Msg:    msgs[i+k],
				Code:   aws.ToString(f.Code),
				Reason: "visibility change failed: " + aws.ToString(f.Message),
			})
		}
		if len(failed) > 0 {
			errs = append(errs, &AckError{Failed: failed})
		}
	}
	return errors.Join(errs...)
}
