// Command gps-producer pushes synthetic vehicle GPS readings to a Kinesis
// stream at a fixed interval.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/baldanca/s3-table-ingestor/config"
	"github.com/baldanca/s3-table-ingestor/producer"
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Pushes synthetic GPS readings to a Kinesis stream.")
	app.HelpFlag.Short('h')
	configFile := app.Flag("config.file", "Path to the YAML configuration. Defaults apply when omitted.").String()
	logLevel := app.Flag("log.level", "Overrides log.level: debug, info, warn or error.").String()
	stream := app.Flag("stream", "Overrides producer.stream.").String()
	interval := app.Flag("interval", "Overrides producer.interval.").Duration()
	seed := app.Flag("seed", "Random seed; 0 uses the current time.").Uint64()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(2)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *stream != "" {
		cfg.Producer.Stream = *stream
	}
	if *interval > 0 {
		cfg.Producer.Interval = *interval
	}
	if err := cfg.Producer.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		level.Error(logger).Log("msg", "load aws config", "err", err)
		os.Exit(1)
	}
	client := kinesis.NewFromConfig(awsCfg, func(o *kinesis.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = &cfg.AWS.Endpoint
		}
	})

	s := *seed
	if s == 0 {
		s = uint64(time.Now().UnixNano())
	}
	roster := producer.NewRoster(cfg.Producer.RosterSize)
	p := producer.New(
		producer.NewGenerator(roster, s),
		producer.NewKinesisStreamer(client, cfg.Producer.Stream),
		cfg.Producer.Interval,
		logger,
	)

	var g run.Group
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			level.Info(logger).Log("msg", "producing", "stream", cfg.Producer.Stream, "vehicles", roster.Len(), "interval", cfg.Producer.Interval)
			sent, err := p.Run(ctx)
			level.Info(logger).Log("msg", "producer stopped", "sent", sent)
			return err
		}, func(error) {
			cancel()
		})
	}
	g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))

	var sigErr run.SignalError
	if err := g.Run(); err != nil && !errors.As(err, &sigErr) {
		level.Error(logger).Log("msg", "producer failed", "err", err)
		os.Exit(1)
	}
}
