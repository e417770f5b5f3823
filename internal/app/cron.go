package service

import (
	"context"

	"github.com/okian/statuswatch/pkg/logger"
)

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	l logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(context.Background(), msg, kv(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(context.Background(), msg, append(kv(keysAndValues), logger.Error(err))...)
}

func kv(pairs []interface{}) []logger.Field {
	fields := make([]logger.Field, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, logger.Any(key, pairs[i+1]))
	}
	return fields
}
