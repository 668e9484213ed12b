package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

// TestParseLevel verifies level names and the fallback for unknown input.
func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"TRACE", LevelTrace, false},
		{"debug", LevelDebug, false},
		{" Info ", LevelInfo, false},
		{"WARN", LevelWarning, false},
		{"warning", LevelWarning, false},
		{"ERROR", LevelError, false},
		{"FATAL", LevelFatal, false},
		{"", LevelInfo, true},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

// TestSetLevel verifies the process level can be changed at runtime.
func TestSetLevel(t *testing.T) {
	prev := GetLevel()
	defer SetLevel(prev)

	SetLevel(LevelError)
	if GetLevel() != LevelError {
		t.Errorf("GetLevel() = %v, want %v", GetLevel(), LevelError)
	}
	if Logger.Enabled(context.Background(), LevelWarning) {
		t.Error("warnings should be disabled at error level")
	}
}

// TestTraceFollowsLevel verifies trace output only appears at trace level.
func TestTraceFollowsLevel(t *testing.T) {
	prevLevel := GetLevel()
	prevLogger := Logger
	defer func() {
		SetLevel(prevLevel)
		Logger = prevLogger
	}()

	var buf bytes.Buffer
	Logger = slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: programLevel}))

	SetLevel(LevelDebug)
	if TraceEnabled() {
		t.Error("TraceEnabled() = true at debug level")
	}
	Trace("hidden detail")

	SetLevel(LevelTrace)
	if !TraceEnabled() {
		t.Error("TraceEnabled() = false at trace level")
	}
	Trace("shown detail", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden detail") {
		t.Errorf("trace written below trace level: %s", out)
	}
	if !strings.Contains(out, "shown detail") || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("trace missing at trace level: %s", out)
	}
}

// TestCountersIgnoreSampling verifies counters move even when output is sampled away.
func TestCountersIgnoreSampling(t *testing.T) {
	SetErrorSampleRate(1_000_000)
	defer SetErrorSampleRate(1)

	warnings := TotalWarnings.Load()
	failures := RuleFailures.Load()
	client := Total4xxErrors.Load()
	server := Total5xxErrors.Load()

	for i := 0; i < 10; i++ {
		WarnRuleFailure("rule failed", "i", i)
	}
	WarnHttp4xx()
	ErrorHttp5xx()

	if got := RuleFailures.Load() - failures; got != 10 {
		t.Errorf("RuleFailures delta = %d, want 10", got)
	}
	if got := TotalWarnings.Load() - warnings; got != 11 {
		t.Errorf("TotalWarnings delta = %d, want 11", got)
	}
	if Total4xxErrors.Load()-client != 1 || Total5xxErrors.Load()-server != 1 {
		t.Error("HTTP counters not incremented")
	}
}

// TestShouldSample verifies a rate of one always samples.
func TestShouldSample(t *testing.T) {
	SetErrorSampleRate(0)
	for i := 0; i < 100; i++ {
		if !shouldSample() {
			t.Fatal("rate 1 must log every message")
		}
	}
}
