// Package config loads the YAML startup configuration of the ingestor and the
// GPS producer. Configuration is read once and never mutated at runtime.
package config

import (
	"bytes"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/efficientgo/core/errors"
	"gopkg.in/yaml.v3"

	"github.com/baldanca/s3-table-ingestor/encoder"
	"github.com/baldanca/s3-table-ingestor/transformer"
)

// Failure policies of the pipeline driver.
const (
	OnFailureFail     = "fail"
	OnFailureContinue = "continue"
)

// Log sink types.
const (
	LogSinkNone       = "none"
	LogSinkCloudWatch = "cloudwatch"
)

type Config struct {
	Queue     Queue            `yaml:"queue"`
	Table     Table            `yaml:"table"`
	Transform transformer.Spec `yaml:"transform"`
	Read      Read             `yaml:"read"`
	Pipeline  Pipeline         `yaml:"pipeline"`
	AWS       AWS              `yaml:"aws"`
	LogSink   LogSink          `yaml:"log_sink"`
	Metrics   Metrics          `yaml:"metrics"`
	Log       Log              `yaml:"log"`
	Producer  Producer         `yaml:"producer"`
}

type Queue struct {
	URL string `yaml:"url"`
	// MaxMessages is the batch size of one cycle.
	MaxMessages              int   `yaml:"max_messages"`
	WaitTimeSeconds          int32 `yaml:"wait_time_seconds"`
	VisibilityTimeoutSeconds int32 `yaml:"visibility_timeout_seconds"`
	// ReleaseVisibilitySeconds, when >= 0, resets the visibility of a failed
	// batch so it is redelivered after that many seconds. Negative disables.
	ReleaseVisibilitySeconds int32 `yaml:"release_visibility_seconds"`
}

type Table struct {
	Catalog   string `yaml:"catalog"`
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
	// Warehouse is s3://bucket/prefix or file:///path.
	Warehouse     string            `yaml:"warehouse"`
	PartitionBy   []string          `yaml:"partition_by"`
	Compression   string            `yaml:"compression"`
	CommitRetries int               `yaml:"commit_retries"`
	Properties    map[string]string `yaml:"properties"`
}

type Read struct {
	Concurrency        int  `yaml:"concurrency"`
	IgnoreMissing      bool `yaml:"ignore_missing"`
	SkipMalformedLines bool `yaml:"skip_malformed_lines"`
}

type Pipeline struct {
	PollInterval           time.Duration `yaml:"poll_interval"`
	OnLoadFailure          string        `yaml:"on_load_failure"`
	MaxBackoff             time.Duration `yaml:"max_backoff"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures"`
	AckAttempts            int           `yaml:"ack_attempts"`
}

type AWS struct {
	Region string `yaml:"region"`
	// Endpoint overrides every service endpoint, for LocalStack and the like.
	Endpoint string `yaml:"endpoint"`
}

type LogSink struct {
	Type     string `yaml:"type"`
	LogGroup string `yaml:"log_group"`
}

type Metrics struct {
	Listen string `yaml:"listen"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Producer struct {
	Stream     string        `yaml:"stream"`
	Interval   time.Duration `yaml:"interval"`
	RosterSize int           `yaml:"roster_size"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Queue: Queue{
			MaxMessages:              10,
			WaitTimeSeconds:          20,
			ReleaseVisibilitySeconds: -1,
		},
		Table: Table{
			Catalog:       "glue_catalog",
			Namespace:     "gps_glue_catalog",
			Name:          "gps_tracking",
			Compression:   "snappy",
			CommitRetries: 4,
		},
		Read: Read{Concurrency: 8},
		Pipeline: Pipeline{
			PollInterval:  10 * time.Second,
			OnLoadFailure: OnFailureFail,
			MaxBackoff:    5 * time.Minute,
			AckAttempts:   3,
		},
		AWS:     AWS{Region: "us-east-1"},
		LogSink: LogSink{Type: LogSinkNone, LogGroup: "/aws/ingestor/errors"},
		Log:     Log{Level: "info", Format: "logfmt"},
		Producer: Producer{
			Stream:     "GPS-Tracking-Data-Stream",
			Interval:   3 * time.Second,
			RosterSize: 20,
		},
	}
}

// Load reads path. An empty path returns the defaults, which do not validate
// until a queue URL and warehouse are set.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	cfg, err := Parse(b)
	if err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "decode yaml")
	}
	return cfg, nil
}

// Validate checks the settings the ingestor needs.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Queue.URL) == "" {
		return errors.New("queue.url is required")
	}
	if c.Queue.MaxMessages < 1 || c.Queue.MaxMessages > 10 {
		return errors.Newf("queue.max_messages must be between 1 and 10, got %d", c.Queue.MaxMessages)
	}
	if c.Queue.WaitTimeSeconds < 0 || c.Queue.WaitTimeSeconds > 20 {
		return errors.Newf("queue.wait_time_seconds must be between 0 and 20, got %d", c.Queue.WaitTimeSeconds)
	}
	if c.Queue.VisibilityTimeoutSeconds < 0 {
		return errors.New("queue.visibility_timeout_seconds must be >= 0")
	}

	for _, p := range []struct{ key, v string }{
		{"table.catalog", c.Table.Catalog},
		{"table.namespace", c.Table.Namespace},
		{"table.name", c.Table.Name},
	} {
		if strings.TrimSpace(p.v) == "" {
			return errors.Newf("%s is required", p.key)
		}
	}
	if _, err := ParseWarehouse(c.Table.Warehouse); err != nil {
		return err
	}
	if err := encoder.ValidateCompression(c.Table.Compression); err != nil {
		return errors.Wrap(err, "table.compression")
	}
	if c.Table.CommitRetries < 0 {
		return errors.New("table.commit_retries must be >= 0")
	}

	if c.Read.Concurrency < 1 {
		return errors.New("read.concurrency must be >= 1")
	}

	if c.Pipeline.PollInterval < 0 {
		return errors.New("pipeline.poll_interval must be >= 0")
	}
	switch c.Pipeline.OnLoadFailure {
	case OnFailureFail, OnFailureContinue:
	default:
		return errors.Newf("pipeline.on_load_failure must be %q or %q, got %q", OnFailureFail, OnFailureContinue, c.Pipeline.OnLoadFailure)
	}
	if c.Pipeline.MaxBackoff < c.Pipeline.PollInterval {
		return errors.New("pipeline.max_backoff must be >= pipeline.poll_interval")
	}
	if c.Pipeline.MaxConsecutiveFailures < 0 {
		return errors.New("pipeline.max_consecutive_failures must be >= 0")
	}
	if c.Pipeline.AckAttempts < 1 {
		return errors.New("pipeline.ack_attempts must be >= 1")
	}

	switch c.LogSink.Type {
	case LogSinkNone:
	case LogSinkCloudWatch:
		if strings.TrimSpace(c.LogSink.LogGroup) == "" {
			return errors.New("log_sink.log_group is required for cloudwatch")
		}
	default:
		return errors.Newf("log_sink.type must be %q or %q, got %q", LogSinkNone, LogSinkCloudWatch, c.LogSink.Type)
	}

	switch c.Log.Format {
	case "logfmt", "json":
	default:
		return errors.Newf("log.format must be logfmt or json, got %q", c.Log.Format)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	return nil
}

// Validate checks the settings the GPS producer needs.
func (p Producer) Validate() error {
	if strings.TrimSpace(p.Stream) == "" {
		return errors.New("producer.stream is required")
	}
	if p.Interval <= 0 {
		return errors.New("producer.interval must be > 0")
	}
	if p.RosterSize < 1 {
		return errors.New("producer.roster_size must be >= 1")
	}
	return nil
}

// Warehouse is a parsed warehouse location.
type Warehouse struct {
	// Scheme is "s3" or "file".
	Scheme string
	Bucket string
	// Prefix is the key prefix inside Bucket for s3, or the root directory for file.
	Prefix string
}

func ParseWarehouse(s string) (Warehouse, error) {
	if strings.TrimSpace(s) == "" {
		return Warehouse{}, errors.New("table.warehouse is required")
	}
	u, err := url.Parse(s)
	if err != nil {
		return Warehouse{}, errors.Wrapf(err, "table.warehouse %q", s)
	}
	switch u.Scheme {
	case "s3":
		if u.Host == "" {
			return Warehouse{}, errors.Newf("table.warehouse %q has no bucket", s)
		}
		return Warehouse{Scheme: "s3", Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
	case "file":
		if u.Path == "" {
			return Warehouse{}, errors.Newf("table.warehouse %q has no path", s)
		}
		return Warehouse{Scheme: "file", Prefix: u.Path}, nil
	default:
		return Warehouse{}, errors.Newf("table.warehouse %q must use s3:// or file://", s)
	}
}
