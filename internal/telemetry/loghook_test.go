package telemetry

import (
	"testing"
	"time"

	"github.com/szibis/telemetry-courier/internal/logging"
	otellog "go.opentelemetry.io/otel/log"
)

func TestBuildRecordSeverityMapping(t *testing.T) {
	tests := []struct {
		level logging.Level
		want  otellog.Severity
	}{
		{logging.LevelDebug, otellog.SeverityDebug},
		{logging.LevelInfo, otellog.SeverityInfo},
		{logging.LevelWarn, otellog.SeverityWarn},
		{logging.LevelError, otellog.SeverityError},
		{logging.LevelFatal, otellog.SeverityFatal},
	}
	for _, tt := range tests {
		rec := buildRecord(tt.level, "msg", nil)
		if rec.Severity() != tt.want {
			t.Errorf("severity for %s = %v, want %v", tt.level, rec.Severity(), tt.want)
		}
		if rec.SeverityText() != string(tt.level) {
			t.Errorf("severity text = %q, want %q", rec.SeverityText(), tt.level)
		}
	}
}

func TestBuildRecordAttributes(t *testing.T) {
	rec := buildRecord(logging.LevelInfo, "upload done", map[string]interface{}{
		"count":    int64(3),
		"duration": 250 * time.Millisecond,
		"ok":       true,
	})

	if rec.Body().AsString() != "upload done" {
		t.Errorf("body = %q", rec.Body().AsString())
	}
	if rec.Timestamp().IsZero() {
		t.Error("record missing timestamp")
	}

	got := map[string]otellog.Value{}
	rec.WalkAttributes(func(kv otellog.KeyValue) bool {
		got[kv.Key] = kv.Value
		return true
	})
	if got["count"].AsInt64() != 3 {
		t.Errorf("count = %v", got["count"])
	}
	if got["duration"].AsString() != "250ms" {
		t.Errorf("duration = %v", got["duration"])
	}
	if !got["ok"].AsBool() {
		t.Error("ok attribute lost")
	}
}

func TestNewLogHookDisabled(t *testing.T) {
	var tel *Telemetry
	if tel.NewLogHook() != nil {
		t.Error("disabled telemetry must not install a hook")
	}
}
