package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

//
// Fakes
//

type fakeSQSAPI struct {
	mu sync.Mutex

	recv      []*sqs.ReceiveMessageOutput
	recvErr   error
	recvCalls int
	recvIn    []sqs.ReceiveMessageInput

	delErrAt      map[int]error // call index -> error
	delFailIDs    map[string]bool
	delBadID      string // reported as the Id of failed entries when set
	delCalls      int
	delBatchSizes []int
	delHandles    []string

	visErr      error
	visCalls    int
	visHandles  []string
	visTimeouts []int32
}

func newFakeSQSAPI() *fakeSQSAPI {
	return &fakeSQSAPI{delErrAt: map[int]error{}, delFailIDs: map[string]bool{}}
}

func (f *fakeSQSAPI) pushMessages(n int, prefix string) {
	out := &sqs.ReceiveMessageOutput{}
	for i := 0; i < n; i++ {
		out.Messages = append(out.Messages, sqstypes.Message{
			MessageId:     aws.String(fmt.Sprintf("%s-%d", prefix, i)),
			ReceiptHandle: aws.String(fmt.Sprintf("rh-%s-%d", prefix, i)),
			Body:          aws.String(fmt.Sprintf("body-%s-%d", prefix, i)),
		})
	}
	f.recv = append(f.recv, out)
}

func (f *fakeSQSAPI) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.recvCalls++
	f.recvIn = append(f.recvIn, *in)
	if f.recvErr != nil {
		return nil, f.recvErr
	}
	if len(f.recv) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	out := f.recv[0]
	f.recv = f.recv[1:]
	return out, nil
}

func (f *fakeSQSAPI) DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	call := f.delCalls
	f.delCalls++
	f.delBatchSizes = append(f.delBatchSizes, len(in.Entries))
	if err := f.delErrAt[call]; err != nil {
		return nil, err
	}

	out := &sqs.DeleteMessageBatchOutput{}
	for _, e := range in.Entries {
		rh := aws.ToString(e.ReceiptHandle)
		if f.delFailIDs[rh] {
			id := e.Id
			if f.delBadID != "" {
				id = aws.String(f.delBadID)
			}
			out.Failed = append(out.Failed, sqstypes.BatchResultErrorEntry{
				Id:      id,
				Code:    aws.String("ReceiptHandleIsInvalid"),
				Message: aws.String("boom"),
			})
			continue
		}
		f.delHandles = append(f.delHandles, rh)
	}
	return out, nil
}

func (f *fakeSQSAPI) ChangeMessageVisibilityBatch(ctx context.Context, in *sqs.ChangeMessageVisibilityBatchInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.visCalls++
	if f.visErr != nil {
		return nil, f.visErr
	}
	for _, e := range in.Entries {
		f.visHandles = append(f.visHandles, aws.ToString(e.ReceiptHandle))
		f.visTimeouts = append(f.visTimeouts, e.VisibilityTimeout)
	}
	return &sqs.ChangeMessageVisibilityBatchOutput{}, nil
}

func testMessages(n int) []Message {
	out := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Message{ID: fmt.Sprintf("id-%d", i), Receipt: fmt.Sprintf("rh-%d", i)})
	}
	return out
}

//
// Tests
//

func TestSourceSQSConfig_validatePanics(t *testing.T) {
	cases := map[string]SourceSQSConfig{
		"wait too long":        {WaitTimeSeconds: 21, MaxMessages: 10},
		"max too large":        {WaitTimeSeconds: 1, MaxMessages: 11},
		"max zero":             {WaitTimeSeconds: 1, MaxMessages: 0},
		"negative visibility": {WaitTimeSeconds: 1, MaxMessages: 1, VisibilityTO: -1},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic")
				}
			}()
			NewWithConfig(newFakeSQSAPI(), "q", cfg)
		})
	}
}

func TestNewSQS_PanicsOnMissingArgs(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	NewSQS(newFakeSQSAPI(), "")
}

func TestSourceSQS_Fetch_EmptyIsNotAnError(t *testing.T) {
	f := newFakeSQSAPI()
	src := NewSQS(f, "q")

	msgs, err := src.Fetch(context.Background(), 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages, got %d", len(msgs))
	}
	if f.recvCalls != 1 {
		t.Fatalf("recvCalls=%d want 1", f.recvCalls)
	}
	if f.recvIn[0].WaitTimeSeconds != 20 || f.recvIn[0].MaxNumberOfMessages != 10 {
		t.Fatalf("unexpected receive input: %+v", f.recvIn[0])
	}
	if aws.ToString(f.recvIn[0].QueueUrl) != "q" {
		t.Fatalf("queue url: %q", aws.ToString(f.recvIn[0].QueueUrl))
	}
}

func TestSourceSQS_Fetch_MapsMessages(t *testing.T) {
	f := newFakeSQSAPI()
	f.pushMessages(2, "a")
	src := NewSQS(f, "q")

	msgs, err := src.Fetch(context.Background(), 10)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len=%d want 2", len(msgs))
	}
	if msgs[0].ID != "a-0" || msgs[0].Receipt != "rh-a-0" || msgs[0].Body != "body-a-0" {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}
	if msgs[0].ReceivedAt.IsZero() {
		t.Fatalf("expected ReceivedAt set")
	}
	// a short receive ends the fetch
	if f.recvCalls != 1 {
		t.Fatalf("recvCalls=%d want 1", f.recvCalls)
	}
}

func TestSourceSQS_Fetch_NeverMoreThanMax(t *testing.T) {
	f := newFakeSQSAPI()
	f.pushMessages(3, "a")
	src := NewSQS(f, "q")

	msgs, err := src.Fetch(context.Background(), 3)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len=%d want 3", len(msgs))
	}
	if f.recvIn[0].MaxNumberOfMessages != 3 {
		t.Fatalf("MaxNumberOfMessages=%d want 3", f.recvIn[0].MaxNumberOfMessages)
	}
	if f.recvCalls != 1 {
		t.Fatalf("recvCalls=%d want 1", f.recvCalls)
	}
}

func TestSourceSQS_Fetch_GathersBeyondServiceLimit(t *testing.T) {
	f := newFakeSQSAPI()
	f.pushMessages(10, "a")
	f.pushMessages(10, "b")
	f.pushMessages(4, "c")
	src := NewSQS(f, "q")

	msgs, err := src.Fetch(context.Background(), 25)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(msgs) != 24 {
		t.Fatalf("len=%d want 24", len(msgs))
	}
	if f.recvCalls != 3 {
		t.Fatalf("recvCalls=%d want 3", f.recvCalls)
	}
	if f.recvIn[0].WaitTimeSeconds != 20 {
		t.Fatalf("first receive should long-poll")
	}
	if f.recvIn[1].WaitTimeSeconds != 0 || f.recvIn[2].WaitTimeSeconds != 0 {
		t.Fatalf("follow-up receives must not wait")
	}
	if f.recvIn[2].MaxNumberOfMessages != 5 {
		t.Fatalf("last receive asked for %d want 5", f.recvIn[2].MaxNumberOfMessages)
	}
}

func TestSourceSQS_Fetch_ErrorOnFirstReceive(t *testing.T) {
	f := newFakeSQSAPI()
	boom := errors.New("throttled")
	f.recvErr = boom
	src := NewSQS(f, "q")

	if _, err := src.Fetch(context.Background(), 10); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestSourceSQS_Fetch_VisibilityOverride(t *testing.T) {
	f := newFakeSQSAPI()
	cfg := DefaultSourceSQSConfig
	cfg.VisibilityTO = 120
	src := NewWithConfig(f, "q", cfg)

	if _, err := src.Fetch(context.Background(), 1); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if f.recvIn[0].VisibilityTimeout != 120 {
		t.Fatalf("VisibilityTimeout=%d want 120", f.recvIn[0].VisibilityTimeout)
	}
}

func TestSourceSQS_AckBatch_SendsAllInChunksOf10(t *testing.T) {
	f := newFakeSQSAPI()
	src := NewSQS(f, "q")

	if err := src.AckBatch(context.Background(), testMessages(25)); err != nil {
		t.Fatalf("AckBatch: %v", err)
	}

	if f.delCalls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.delCalls)
	}
	if f.delBatchSizes[0] != 10 || f.delBatchSizes[1] != 10 || f.delBatchSizes[2] != 5 {
		t.Fatalf("unexpected batch sizes: %#v", f.delBatchSizes)
	}
	if len(f.delHandles) != 25 || f.delHandles[24] != "rh-24" {
		t.Fatalf("unexpected handles: %#v", f.delHandles)
	}
}

func TestSourceSQS_AckBatch_FailedEntryDoesNotStopOthers(t *testing.T) {
	f := newFakeSQSAPI()
	f.delFailIDs["rh-3"] = true
	src := NewSQS(f, "q")

	err := src.AckBatch(context.Background(), testMessages(12))

	var ackErr *AckError
	if !errors.As(err, &ackErr) {
		t.Fatalf("expected *AckError, got %v", err)
	}
	if len(ackErr.Failed) != 1 || ackErr.Failed[0].Msg.Receipt != "rh-3" || ackErr.Failed[0].Code != "ReceiptHandleIsInvalid" {
		t.Fatalf("unexpected failures: %+v", ackErr.Failed)
	}
	if len(f.delHandles) != 11 {
		t.Fatalf("expected 11 deleted, got %d", len(f.delHandles))
	}
}

func TestSourceSQS_AckBatch_FailedCallDoesNotStopLaterChunks(t *testing.T) {
	f := newFakeSQSAPI()
	f.delErrAt[0] = errors.New("network")
	src := NewSQS(f, "q")

	err := src.AckBatch(context.Background(), testMessages(15))

	var ackErr *AckError
	if !errors.As(err, &ackErr) {
		t.Fatalf("expected *AckError, got %v", err)
	}
	if len(ackErr.Failed) != 10 {
		t.Fatalf("expected 10 failures, got %d", len(ackErr.Failed))
	}
	if got := ackErr.Messages(); got[0].Receipt != "rh-0" || got[9].Receipt != "rh-9" {
		t.Fatalf("unexpected failed messages: %+v", got)
	}
	if f.delCalls != 2 || len(f.delHandles) != 5 {
		t.Fatalf("second chunk not attempted: calls=%d deleted=%d", f.delCalls, len(f.delHandles))
	}
}

func TestSourceSQS_AckBatch_UnknownFailedIDFailsChunk(t *testing.T) {
	f := newFakeSQSAPI()
	f.delFailIDs["rh-3"] = true
	f.delFailIDs["rh-12"] = true
	f.delBadID = "bogus"
	src := NewSQS(f, "q")

	err := src.AckBatch(context.Background(), testMessages(15))

	var ackErr *AckError
	if !errors.As(err, &ackErr) {
		t.Fatalf("expected *AckError, got %v", err)
	}
	// Neither failure maps to a message, so both chunks count as failed.
	if len(ackErr.Failed) != 15 {
		t.Fatalf("expected 15 failures, got %d", len(ackErr.Failed))
	}
	got := ackErr.Messages()
	if got[0].Receipt != "rh-0" || got[14].Receipt != "rh-14" {
		t.Fatalf("unexpected failed messages: %+v", got)
	}
	if ackErr.Failed[0].Code != "ReceiptHandleIsInvalid" || !strings.Contains(ackErr.Failed[0].Reason, "bogus") {
		t.Fatalf("unexpected failure: %+v", ackErr.Failed[0])
	}
}

func TestSourceSQS_AckBatch_EmptyIsNoop(t *testing.T) {
	f := newFakeSQSAPI()
	src := NewSQS(f, "q")
	if err := src.AckBatch(context.Background(), nil); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if f.delCalls != 0 {
		t.Fatalf("delCalls=%d want 0", f.delCalls)
	}
}

func TestSourceSQS_ReleaseBatch(t *testing.T) {
	f := newFakeSQSAPI()
	src := NewSQS(f, "q")

	if err := src.ReleaseBatch(context.Background(), testMessages(11), 5); err != nil {
		t.Fatalf("ReleaseBatch: %v", err)
	}
	if f.visCalls != 2 {
		t.Fatalf("visCalls=%d want 2", f.visCalls)
	}
	if len(f.visHandles) != 11 || f.visTimeouts[0] != 5 {
		t.Fatalf("unexpected visibility changes: %v %v", f.visHandles, f.visTimeouts)
	}
}

func TestSourceSQS_ReleaseBatch_PropagatesError(t *testing.T) {
	f := newFakeSQSAPI()
	boom := errors.New("boom")
	f.visErr = boom
	src := NewSQS(f, "q")

	if err := src.ReleaseBatch(context.Background(), testMessages(1), 0); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
