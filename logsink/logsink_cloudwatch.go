package logsink

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

var _ Sink = (*CloudWatch)(nil)

const DefaultLogGroup = "/aws/ingestor/errors"

type cloudWatchAPI interface {
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatch writes records to one log stream named log-stream-<uuid>, created
// on first use and reused for the life of the process.
type CloudWatch struct {
	client cloudWatchAPI
	group  string
	stream string
	logger log.Logger
	now    func() time.Time

	mu      sync.Mutex
	created bool
}

func NewCloudWatch(client cloudWatchAPI, group string, logger log.Logger) *CloudWatch {
	if client == nil {
		panic("cloudwatch logs client is required")
	}
	if strings.TrimSpace(group) == "" {
		group = DefaultLogGroup
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &CloudWatch{
		client: client,
		group:  group,
		stream: "log-stream-" + uuid.NewString(),
		logger: logger,
		now:    time.Now,
	}
}

// Stream returns the log stream name.
func (c *CloudWatch) Stream() string { return c.stream }

func (c *CloudWatch) ensureStream(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.created {
		return nil
	}
	_, err := c.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  &c.group,
		LogStreamName: &c.stream,
	})
	if err != nil {
		var exists *cwtypes.ResourceAlreadyExistsException
		if !errors.As(err, &exists) {
			return errors.Wrapf(err, "create log stream %s/%s", c.group, c.stream)
		}
	}
	c.created = true
	level.Debug(c.logger).Log("msg", "using log stream", "group", c.group, "stream", c.stream)
	return nil
}

func (c *CloudWatch) Archive(ctx context.Context, rec Record) {
	if err := c.put(ctx, rec); err != nil {
		level.Warn(c.logger).Log("msg", "failed to archive error record", "group", c.group, "err", err)
	}
}

func (c *CloudWatch) put(ctx context.Context, rec Record) error {
	if err := c.ensureStream(ctx); err != nil {
		return err
	}
	msg := rec.JSON()
	ts := c.now().UnixMilli()
	_, err := c.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  &c.group,
		LogStreamName: &c.stream,
		LogEvents:     []cwtypes.InputLogEvent{{Message: &msg, Timestamp: &ts}},
	})
	if err != nil {
		return errors.Wrapf(err, "put log events to %s/%s", c.group, c.stream)
	}
	return nil
}
