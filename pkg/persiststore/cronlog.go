package persiststore

import (
	"github.com/robfig/cron/v3"

	"github.com/lk2023060901/routenode/pkg/logger"
)

// cronLogger 将 cron 内部日志转接到项目日志
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, logger.Fields(keysAndValues...)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(logger.Fields(keysAndValues...), logger.Err(err))...)
}

var _ cron.Logger = cronLogger{}
