package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/szibis/telemetry-courier/internal/logging"
	otellog "go.opentelemetry.io/otel/log"
)

// NewLogHook returns a logging.Hook that mirrors every courier log line to
// the OTLP log exporter. Returns nil when self-telemetry is disabled.
func (t *Telemetry) NewLogHook() logging.Hook {
	if !t.Enabled() {
		return nil
	}
	logger := t.logger
	return func(level logging.Level, msg string, attrs map[string]interface{}) {
		logger.Emit(context.Background(), buildRecord(level, msg, attrs))
	}
}

// buildRecord converts one courier log line into an OTEL log record. The
// severity numbers in internal/logging already follow the OTEL log data
// model, so the mapping is a direct cast.
func buildRecord(level logging.Level, msg string, attrs map[string]interface{}) otellog.Record {
	var rec otellog.Record
	rec.SetTimestamp(time.Now())
	rec.SetBody(otellog.StringValue(msg))
	rec.SetSeverityText(string(level))
	rec.SetSeverity(otellog.Severity(logging.SeverityNumber(level)))
	for k, v := range attrs {
		rec.AddAttributes(otellog.KeyValue{Key: k, Value: attrValue(v)})
	}
	return rec
}

func attrValue(v interface{}) otellog.Value {
	switch val := v.(type) {
	case nil:
		return otellog.StringValue("")
	case string:
		return otellog.StringValue(val)
	case bool:
		return otellog.BoolValue(val)
	case int:
		return otellog.IntValue(val)
	case int64:
		return otellog.Int64Value(val)
	case uint64:
		return otellog.Int64Value(int64(val))
	case float64:
		return otellog.Float64Value(val)
	case time.Duration:
		return otellog.StringValue(val.String())
	case error:
		return otellog.StringValue(val.Error())
	default:
		return otellog.StringValue(fmt.Sprintf("%v", val))
	}
}
