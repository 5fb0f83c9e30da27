package logx

import (
	"fmt"

	"github.com/robfig/cron/v3"
)

type cronLogger struct{ log Logger }

// CronLogger adapts a Logger to robfig/cron's logging interface.
// cron's Info chatter (schedule/wake/run) is demoted to debug.
func CronLogger(l Logger) cron.Logger { return cronLogger{log: l} }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append(kvFields(keysAndValues), Err(err))
	c.log.Error("cron: "+msg, fields...)
}

func kvFields(kv []interface{}) []Field {
	fields := make([]Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		fields = append(fields, Any(k, kv[i+1]))
	}
	return fields
}
