package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// errUploadStopped is seen by a stream writer whose upload returned first.
var errUploadStopped = errors.New("upload stopped reading")

var (
	_ Store       = (*Sink)(nil)
	_ StreamSinkr = (*Sink)(nil)
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type uploaderAPI interface {
	UploadObject(ctx context.Context, input *transfermanager.UploadObjectInput, opts ...func(*transfermanager.Options)) (*transfermanager.UploadObjectOutput, error)
}

type Sink struct {
	client   s3API
	uploader uploaderAPI

	bucket    string
	bucketPtr *string
	prefix    string
}

func New(client s3API, bucket, prefix string) *Sink {
	if client == nil {
		panic("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		panic("bucket is required")
	}

	s := &Sink{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
	// Stable pointer, avoids the allocation of aws.String.
	s.bucketPtr = &s.bucket
	return s
}

// WithUploader routes unconditional writes through a multipart uploader.
// Conditional writes keep using PutObject.
func (s *Sink) WithUploader(u uploaderAPI) *Sink {
	s.uploader = u
	return s
}

func (s *Sink) key(k string) string {
	// Keep S3 semantics (no path-clean).
	k = strings.TrimLeft(k, "/")
	if s.prefix != "" {
		return s.prefix + "/" + k
	}
	return k
}

func (s *Sink) URI(key string) string {
	return "s3://" + s.bucket + "/" + s.key(key)
}

func (s *Sink) Write(ctx context.Context, req WriteRequest) error {
	if req.Key == "" {
		return fmt.Errorf("empty key")
	}
	key := s.key(req.Key)

	if s.uploader != nil {
		in := transfermanager.UploadObjectInput{
			Bucket: s.bucketPtr,
			Key:    &key,
			Body:   bytes.NewReader(req.Data),
		}
		if req.ContentType != "" {
			ct := req.ContentType
			in.ContentType = &ct
		}
		if _, err := s.uploader.UploadObject(ctx, &in); err != nil {
			return fmt.Errorf("upload s3 object key=%q: %w", key, err)
		}
		return nil
	}

	if _, err := s.put(ctx, key, req, false); err != nil {
		return fmt.Errorf("put s3 object key=%q: %w", key, err)
	}
	return nil
}

func (s *Sink) WriteStream(ctx context.Context, req StreamWriteRequest) error {
	if req.Key == "" {
		return fmt.Errorf("empty key")
	}
	if s.uploader == nil {
		var buf bytes.Buffer
		if err := req.Writer.WriteTo(&buf); err != nil {
			return err
		}
		return s.Write(ctx, WriteRequest{Key: req.Key, Data: buf.Bytes(), ContentType: req.ContentType})
	}

	// The uploader reads the pipe in parts while the writer fills it.
	key := s.key(req.Key)
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(req.Writer.WriteTo(pw))
	}()

	in := transfermanager.UploadObjectInput{
		Bucket: s.bucketPtr,
		Key:    &key,
		Body:   pr,
	}
	if req.ContentType != "" {
		ct := req.ContentType
		in.ContentType = &ct
	}
	_, err := s.uploader.UploadObject(ctx, &in)
	// Unblocks the writer if the upload stopped reading early.
	pr.CloseWithError(errUploadStopped)
	<-done
	if err != nil {
		return fmt.Errorf("upload s3 object key=%q: %w", key, err)
	}
	return nil
}

func (s *Sink) WriteIfAbsent(ctx context.Context, req WriteRequest) error {
	if req.Key == "" {
		return fmt.Errorf("empty key")
	}
	key := s.key(req.Key)
	if _, err := s.put(ctx, key, req, true); err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("%w: s3://%s/%s", ErrExists, s.bucket, key)
		}
		return fmt.Errorf("put s3 object key=%q: %w", key, err)
	}
	return nil
}

func (s *Sink) put(ctx context.Context, key string, req WriteRequest, ifAbsent bool) (*s3.PutObjectOutput, error) {
	keyVar := key
	cl := int64(len(req.Data))

	var body bytes.Reader
	body.Reset(req.Data)

	input := s3.PutObjectInput{
		Bucket:        s.bucketPtr,
		Key:           &keyVar,
		Body:          &body,
		ContentLength: &cl,
	}
	if req.ContentType != "" {
		ct := req.ContentType
		input.ContentType = &ct
	}
	if ifAbsent {
		star := "*"
		input.IfNoneMatch = &star
	}
	return s.client.PutObject(ctx, &input)
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}

func (s *Sink) Read(ctx context.Context, key string) ([]byte, error) {
	k := s.key(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: s.bucketPtr, Key: &k})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrNotFound, s.bucket, k)
		}
		return nil, fmt.Errorf("get s3 object key=%q: %w", k, err)
	}
	defer out.Body.Close()

	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 object key=%q: %w", k, err)
	}
	return b, nil
}

func (s *Sink) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.key(prefix)
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: s.bucketPtr,
		Prefix: &full,
	})

	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3 prefix=%q: %w", full, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			k := *obj.Key
			if s.prefix != "" {
				k = strings.TrimPrefix(k, s.prefix+"/")
			}
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
