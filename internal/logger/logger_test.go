package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug level", "debug", "console"},
		{"info level", "info", "console"},
		{"warn level", "warn", "console"},
		{"error level", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
	Setup("info", "console")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"Error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"verbose", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONFieldsAndComponent(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "json")
	defer Setup("info", "console")

	Component("fusion").Info("merged", "batch", 2, "fused_len", 7, "err", errors.New("boom"))

	var event map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &event); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if event["component"] != "fusion" {
		t.Errorf("component = %v", event["component"])
	}
	if event["fused_len"] != float64(7) {
		t.Errorf("fused_len = %v", event["fused_len"])
	}
	if event["err"] != "boom" {
		t.Errorf("err = %v", event["err"])
	}
	if event["message"] != "merged" {
		t.Errorf("message = %v", event["message"])
	}
}

func TestOddArgsDropsDanglingKey(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "info", "json")
	defer Setup("info", "console")

	Log.Info("odd", "a", 1, "dangling")
	if strings.Contains(buf.String(), "dangling") {
		t.Errorf("dangling key should not be written: %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetupWriter(&buf, "warn", "json")
	defer Setup("info", "console")

	Log.Info("hidden")
	Log.Debug("hidden too")
	if buf.Len() != 0 {
		t.Errorf("expected nothing below warn, got %s", buf.String())
	}
	if Log.DebugEnabled() {
		t.Error("debug should be disabled at warn level")
	}
	Log.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn event missing: %s", buf.String())
	}
}
