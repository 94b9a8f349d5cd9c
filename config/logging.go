package config

import (
	"os"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// NewLogger builds the process logger on stderr with the configured format
// and level filter.
func (l Log) NewLogger() (log.Logger, error) {
	var logger log.Logger
	switch l.Format {
	case "json":
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	case "logfmt", "":
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	default:
		return nil, errors.Newf("unknown log format %q", l.Format)
	}

	var lvl level.Option
	switch strings.ToLower(l.Level) {
	case "debug":
		lvl = level.AllowDebug()
	case "info", "":
		lvl = level.AllowInfo()
	case "warn":
		lvl = level.AllowWarn()
	case "error":
		lvl = level.AllowError()
	default:
		return nil, errors.Newf("unknown log level %q", l.Level)
	}

	logger = level.NewFilter(logger, lvl)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}
