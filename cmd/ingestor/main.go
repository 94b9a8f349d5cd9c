// Command ingestor loads S3 objects announced on an SQS queue into a table,
// deleting each notification only after its objects are committed.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/automaxprocs/maxprocs"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/baldanca/s3-table-ingestor/config"
	"github.com/baldanca/s3-table-ingestor/dataset"
	"github.com/baldanca/s3-table-ingestor/ingestor"
	"github.com/baldanca/s3-table-ingestor/loader"
	"github.com/baldanca/s3-table-ingestor/logsink"
	"github.com/baldanca/s3-table-ingestor/sink"
	"github.com/baldanca/s3-table-ingestor/source"
	"github.com/baldanca/s3-table-ingestor/table"
	"github.com/baldanca/s3-table-ingestor/transformer"
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Loads S3 objects announced on an SQS queue into a transactional table.")
	app.HelpFlag.Short('h')
	configFile := app.Flag("config.file", "Path to the YAML configuration.").Required().ExistingFile()
	logLevel := app.Flag("log.level", "Overrides log.level: debug, info, warn or error.").String()
	queueURL := app.Flag("queue.url", "Overrides queue.url.").String()
	metricsListen := app.Flag("metrics.listen", "Overrides metrics.listen, e.g. :9090.").String()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(2)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *queueURL != "" {
		cfg.Queue.URL = *queueURL
	}
	if *metricsListen != "" {
		cfg.Metrics.Listen = *metricsListen
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	if err := runIngestor(cfg, logger); err != nil {
		level.Error(logger).Log("msg", "ingestor stopped", "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "exiting")
}

func runIngestor(cfg config.Config, logger log.Logger) error {
	undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		level.Debug(logger).Log("msg", fmt.Sprintf(format, args...))
	}))
	defer undo()
	if err != nil {
		level.Warn(logger).Log("msg", "failed to set GOMAXPROCS", "err", err)
	}

	ctx := context.Background()
	awsCfg, err := loadAWSConfig(ctx, cfg.AWS)
	if err != nil {
		return err
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.AWS.Endpoint != ""
	})

	store, err := newWarehouse(cfg.Table.Warehouse, s3Client)
	if err != nil {
		return err
	}
	cat, err := table.NewCatalog(store, table.CatalogConfig{
		Compression:   cfg.Table.Compression,
		CommitRetries: cfg.Table.CommitRetries,
	}, logger)
	if err != nil {
		return err
	}

	rd, err := dataset.NewS3Reader(s3Client, dataset.ReaderConfig{
		Concurrency:        cfg.Read.Concurrency,
		IgnoreMissing:      cfg.Read.IgnoreMissing,
		SkipMalformedLines: cfg.Read.SkipMalformedLines,
	}, logger)
	if err != nil {
		return err
	}

	var tr transformer.Transformer
	if !cfg.Transform.Empty() {
		c, err := transformer.NewCEL(cfg.Transform)
		if err != nil {
			return fmt.Errorf("transform: %w", err)
		}
		tr = c
	}

	ld, err := loader.New(rd, cat, tr, loader.Config{
		Table:       table.Ident{Catalog: cfg.Table.Catalog, Namespace: cfg.Table.Namespace, Name: cfg.Table.Name},
		PartitionBy: cfg.Table.PartitionBy,
		Compression: cfg.Table.Compression,
		Properties:  cfg.Table.Properties,
	}, logger)
	if err != nil {
		return err
	}

	src := source.NewWithConfig(sqs.NewFromConfig(awsCfg), cfg.Queue.URL, source.SourceSQSConfig{
		WaitTimeSeconds: cfg.Queue.WaitTimeSeconds,
		MaxMessages:     int32(cfg.Queue.MaxMessages),
		VisibilityTO:    cfg.Queue.VisibilityTimeoutSeconds,
	})

	ing, err := ingestor.NewIngestor(ingestor.Config{
		BatchSize:                cfg.Queue.MaxMessages,
		PollInterval:             cfg.Pipeline.PollInterval,
		MaxBackoff:               cfg.Pipeline.MaxBackoff,
		OnLoadFailure:            ingestor.FailurePolicy(cfg.Pipeline.OnLoadFailure),
		MaxConsecutiveFailures:   cfg.Pipeline.MaxConsecutiveFailures,
		ReleaseVisibilitySeconds: cfg.Queue.ReleaseVisibilitySeconds,
	}, src, ld, logger)
	if err != nil {
		return err
	}
	ing.SetAckRetryPolicy(ingestor.SimpleRetry{
		Attempts:  cfg.Pipeline.AckAttempts,
		BaseDelay: 200 * time.Millisecond,
		MaxDelay:  5 * time.Second,
		Jitter:    true,
	})
	if cfg.LogSink.Type == config.LogSinkCloudWatch {
		ing.SetLogSink(logsink.NewCloudWatch(cloudwatchlogs.NewFromConfig(awsCfg), cfg.LogSink.LogGroup, logger))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := ingestor.NewMetrics(reg)
	if err != nil {
		return err
	}
	ing.SetMetrics(m)

	var g run.Group
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			level.Info(logger).Log("msg", "starting pipeline", "queue", cfg.Queue.URL, "table", cfg.Table.Catalog+"."+cfg.Table.Namespace+"."+cfg.Table.Name)
			return ing.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Add(func() error {
			level.Info(logger).Log("msg", "serving metrics", "addr", cfg.Metrics.Listen)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		level.Info(logger).Log("msg", "received signal", "signal", sigErr.Signal)
		return nil
	}
	return err
}

func loadAWSConfig(ctx context.Context, c config.AWS) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	if c.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(c.Endpoint)
	}
	return awsCfg, nil
}

func newWarehouse(location string, s3Client *s3.Client) (sink.Store, error) {
	wh, err := config.ParseWarehouse(location)
	if err != nil {
		return nil, err
	}
	switch wh.Scheme {
	case "s3":
		return sink.New(s3Client, wh.Bucket, wh.Prefix).WithUploader(transfermanager.New(s3Client)), nil
	case "file":
		if err := os.MkdirAll(wh.Prefix, 0o755); err != nil {
			return nil, fmt.Errorf("create warehouse dir: %w", err)
		}
		return sink.NewDir(wh.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported warehouse scheme %q", wh.Scheme)
	}
}
