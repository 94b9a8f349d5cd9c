package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

var (
	_ s3API       = (*fakeS3API)(nil)
	_ uploaderAPI = (*fakeUploader)(nil)
)

func TestSink_Write_BuildsKeyWithPrefixWithoutCleaning(t *testing.T) {
	f := newFakeS3API()
	s := New(f, "bkt", "/pfx/")

	data := []byte("abc")
	err := s.Write(context.Background(), WriteRequest{
		Key:         "/a/../b/x.parquet",
		Data:        data,
		ContentType: "application/octet-stream",
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.putCalls != 1 {
		t.Fatalf("expected 1 call, got %d", f.putCalls)
	}
	if aws.ToString(f.lastIn.Bucket) != "bkt" {
		t.Fatalf("bucket: %q", aws.ToString(f.lastIn.Bucket))
	}
	if aws.ToString(f.lastIn.Key) != "pfx/a/../b/x.parquet" {
		t.Fatalf("key: %q", aws.ToString(f.lastIn.Key))
	}
	if aws.ToString(f.lastIn.ContentType) != "application/octet-stream" {
		t.Fatalf("content-type: %q", aws.ToString(f.lastIn.ContentType))
	}
	if f.lastIn.ContentLength == nil || *f.lastIn.ContentLength != int64(len(data)) {
		t.Fatalf("content-length: %#v", f.lastIn.ContentLength)
	}
	if f.lastIn.IfNoneMatch != nil {
		t.Fatalf("unconditional write must not set If-None-Match")
	}
	if !bytes.Equal(f.objects["pfx/a/../b/x.parquet"], data) {
		t.Fatalf("body mismatch")
	}
}

func TestSink_Write_EmptyKeyReturnsError(t *testing.T) {
	s := New(newFakeS3API(), "bkt", "")
	if err := s.Write(context.Background(), WriteRequest{Key: ""}); err == nil {
		t.Fatalf("expected error")
	}
	if err := s.WriteIfAbsent(context.Background(), WriteRequest{Key: ""}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSink_Write_PropagatesPutError(t *testing.T) {
	boom := errors.New("boom")
	f := newFakeS3API()
	f.putErr = boom
	s := New(f, "bkt", "p")
	if err := s.Write(context.Background(), WriteRequest{Key: "x", Data: []byte("1")}); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}

func TestSink_WriteIfAbsent(t *testing.T) {
	f := newFakeS3API()
	s := New(f, "bkt", "wh")
	ctx := context.Background()

	if err := s.WriteIfAbsent(ctx, WriteRequest{Key: "m/v1.json", Data: []byte("a")}); err != nil {
		t.Fatalf("first WriteIfAbsent: %v", err)
	}
	if aws.ToString(f.lastIn.IfNoneMatch) != "*" {
		t.Fatalf("expected If-None-Match *, got %q", aws.ToString(f.lastIn.IfNoneMatch))
	}

	err := s.WriteIfAbsent(ctx, WriteRequest{Key: "m/v1.json", Data: []byte("b")})
	if !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	got, err := s.Read(ctx, "m/v1.json")
	if err != nil || string(got) != "a" {
		t.Fatalf("Read=%q err=%v, want first write to win", got, err)
	}
}

func TestSink_WriteIfAbsent_ConditionalConflict(t *testing.T) {
	f := newFakeS3API()
	f.putErr = &smithy.GenericAPIError{Code: "ConditionalRequestConflict"}
	s := New(f, "bkt", "")
	if err := s.WriteIfAbsent(context.Background(), WriteRequest{Key: "k"}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestSink_Read_NotFound(t *testing.T) {
	s := New(newFakeS3API(), "bkt", "")
	if _, err := s.Read(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSink_List_PaginatesAndStripsPrefix(t *testing.T) {
	f := newFakeS3API()
	f.pageSize = 2
	s := New(f, "bkt", "wh")
	ctx := context.Background()
	for _, k := range []string{"t/metadata/3", "t/metadata/1", "t/metadata/2", "t/data/x", "other/y"} {
		if err := s.Write(ctx, WriteRequest{Key: k}); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.List(ctx, "t/metadata/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if strings.Join(keys, ",") != "t/metadata/1,t/metadata/2,t/metadata/3" {
		t.Fatalf("keys=%v", keys)
	}
	if f.listCalls < 2 {
		t.Fatalf("expected paginated listing, got %d calls", f.listCalls)
	}
}

func TestSink_URI(t *testing.T) {
	s := New(newFakeS3API(), "bkt", "wh/")
	if got := s.URI("t/data/f.parquet"); got != "s3://bkt/wh/t/data/f.parquet" {
		t.Fatalf("URI=%q", got)
	}
}

func TestSink_WithUploader(t *testing.T) {
	f := newFakeS3API()
	u := &fakeUploader{}
	s := New(f, "bkt", "p").WithUploader(u)
	ctx := context.Background()

	if err := s.Write(ctx, WriteRequest{Key: "d/f.parquet", Data: []byte("xyz"), ContentType: "ct"}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if f.putCalls != 0 {
		t.Fatalf("expected upload path, got %d PutObject calls", f.putCalls)
	}
	if u.key != "p/d/f.parquet" || string(u.body) != "xyz" || u.contentType != "ct" {
		t.Fatalf("unexpected upload: %+v", u)
	}

	// conditional writes bypass the uploader
	if err := s.WriteIfAbsent(ctx, WriteRequest{Key: "m/v1"}); err != nil {
		t.Fatalf("WriteIfAbsent: %v", err)
	}
	if f.putCalls != 1 {
		t.Fatalf("expected PutObject for conditional write")
	}

	u.err = errors.New("multipart failed")
	if err := s.Write(ctx, WriteRequest{Key: "d/g"}); !errors.Is(err, u.err) {
		t.Fatalf("expected upload error, got %v", err)
	}
}

func TestSink_WriteStream(t *testing.T) {
	f := newFakeS3API()
	s := New(f, "bkt", "")
	err := s.WriteStream(context.Background(), StreamWriteRequest{Key: "k", Writer: stringWriter("hello")})
	if err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	if string(f.objects["k"]) != "hello" {
		t.Fatalf("body=%q", f.objects["k"])
	}
}

func TestSink_WriteStream_Uploader(t *testing.T) {
	f := newFakeS3API()
	u := &fakeUploader{}
	s := New(f, "bkt", "p").WithUploader(u)
	ctx := context.Background()

	err := s.WriteStream(ctx, StreamWriteRequest{Key: "d/f.parquet", ContentType: "ct", Writer: stringWriter("streamed")})
	if err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	if u.key != "p/d/f.parquet" || string(u.body) != "streamed" || u.contentType != "ct" {
		t.Fatalf("unexpected upload: %+v", u)
	}
	if f.putCalls != 0 {
		t.Fatalf("expected no PutObject calls, got %d", f.putCalls)
	}

	boom := errors.New("encode failed")
	err = s.WriteStream(ctx, StreamWriteRequest{Key: "d/g", Writer: failingWriter{boom}})
	if err == nil {
		t.Fatalf("expected writer error to fail the upload")
	}

	u.err = errors.New("multipart failed")
	err = s.WriteStream(ctx, StreamWriteRequest{Key: "d/h", Writer: stringWriter("x")})
	if !errors.Is(err, u.err) {
		t.Fatalf("expected upload error, got %v", err)
	}
}

func TestSink_WriteStream_UploadErrorWaitsForWriter(t *testing.T) {
	u := &fakeUploader{err: errors.New("multipart failed")}
	s := New(newFakeS3API(), "bkt", "p").WithUploader(u)

	w := &blockingWriter{}
	err := s.WriteStream(context.Background(), StreamWriteRequest{Key: "d/f", Writer: w})
	if !errors.Is(err, u.err) {
		t.Fatalf("expected upload error, got %v", err)
	}
	if !w.returned.Load() {
		t.Fatalf("WriteStream returned while the writer was still running")
	}
	if !errors.Is(w.err, errUploadStopped) {
		t.Fatalf("writer err=%v, want errUploadStopped", w.err)
	}
}

type failingWriter struct{ err error }

// blockingWriter writes until the reader goes away, then records the error.
type blockingWriter struct {
	err      error
	returned atomic.Bool
}

func (w *blockingWriter) WriteTo(dst io.Writer) error {
	defer w.returned.Store(true)
	chunk := make([]byte, 1024)
	for {
		if _, err := dst.Write(chunk); err != nil {
			w.err = err
			return err
		}
	}
}

func (w failingWriter) WriteTo(io.Writer) error { return w.err }

func TestNew_Panics(t *testing.T) {
	cases := map[string]func(){
		"nil client":   func() { New(nil, "b", "") },
		"empty bucket": func() { New(newFakeS3API(), " ", "") },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic")
				}
			}()
			fn()
		})
	}
}

func BenchmarkSink_Write(b *testing.B) {
	for _, size := range []int{0, 1024, 256 * 1024} {
		b.Run(fmt.Sprintf("size=%s", strconv.Itoa(size)), func(b *testing.B) {
			s := New(newFakeS3API(), "bkt", "pfx")
			req := WriteRequest{Key: "x.parquet", Data: make([]byte, size), ContentType: "application/octet-stream"}
			ctx := context.Background()

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := s.Write(ctx, req); err != nil {
					b.Fatalf("write: %v", err)
				}
			}
		})
	}
}

//
// Fakes
//

type stringWriter string

func (s stringWriter) WriteTo(w io.Writer) error {
	_, err := io.WriteString(w, string(s))
	return err
}

type fakeS3API struct {
	mu sync.Mutex

	objects   map[string][]byte
	putCalls  int
	listCalls int
	lastIn    *s3.PutObjectInput
	pageSize  int

	putErr error
}

func newFakeS3API() *fakeS3API {
	return &fakeS3API{objects: map[string][]byte{}}
}

func (f *fakeS3API) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	f.lastIn = in
	if f.putErr != nil {
		return nil, f.putErr
	}

	key := aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, ok := f.objects[key]; ok {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
		}
	}
	var b []byte
	if in.Body != nil {
		b, _ = io.ReadAll(in.Body)
	}
	f.objects[key] = b
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3API) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3API) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := len(keys)
	if f.pageSize > 0 && start+f.pageSize < end {
		end = start + f.pageSize
	}

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

type fakeUploader struct {
	key         string
	body        []byte
	contentType string
	err         error
}

func (u *fakeUploader) UploadObject(_ context.Context, in *transfermanager.UploadObjectInput, _ ...func(*transfermanager.Options)) (*transfermanager.UploadObjectOutput, error) {
	if u.err != nil {
		return nil, u.err
	}
	u.key = aws.ToString(in.Key)
	u.body, _ = io.ReadAll(in.Body)
	u.contentType = aws.ToString(in.ContentType)
	return &transfermanager.UploadObjectOutput{}, nil
}
