// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
)

func resetGlobal() {
	global = nil
	once = sync.Once{}
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

// TestInit verifies logger initialization.
func TestInit(t *testing.T) {
	resetGlobal()
	var buf bytes.Buffer
	Init(&buf, LevelInfo)

	logger := Get()
	if logger == nil {
		t.Fatal("Get() returned nil after Init()")
	}
	if logger.out != &buf {
		t.Error("Init() did not set output writer correctly")
	}
	if logger.minLevel != LevelInfo {
		t.Errorf("minLevel = %v, want LevelInfo", logger.minLevel)
	}
}

// TestInit_idempotent verifies a second Init is ignored.
func TestInit_idempotent(t *testing.T) {
	resetGlobal()

	var buf1, buf2 bytes.Buffer
	Init(&buf1, LevelInfo)
	first := Get()
	Init(&buf2, LevelDebug)

	if Get() != first {
		t.Error("Second Init() should be ignored, different logger returned")
	}
	if Get().out != &buf1 {
		t.Error("Second Init() should be ignored, output writer changed")
	}
}

// TestGet_default verifies default logger creation.
func TestGet_default(t *testing.T) {
	resetGlobal()

	logger := Get()
	if logger.out != os.Stdout {
		t.Error("Get() should default to os.Stdout")
	}
	if logger.minLevel != LevelInfo {
		t.Errorf("minLevel = %v, want LevelInfo", logger.minLevel)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{" warn ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"info", LevelInfo},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// TestLogLevel_shouldLog verifies log level filtering.
func TestLogLevel_shouldLog(t *testing.T) {
	tests := []struct {
		name     string
		minLevel LogLevel
		logLevel LogLevel
		expected bool
	}{
		{"debug logs at debug", LevelDebug, LevelDebug, true},
		{"debug logs at info", LevelInfo, LevelDebug, false},
		{"info logs at info", LevelInfo, LevelInfo, true},
		{"info logs at warn", LevelWarn, LevelInfo, false},
		{"warn logs at error", LevelError, LevelWarn, false},
		{"error logs at error", LevelError, LevelError, true},
		{"error logs at debug", LevelDebug, LevelError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := &Logger{minLevel: tt.minLevel}
			if got := logger.shouldLog(tt.logLevel); got != tt.expected {
				t.Errorf("shouldLog(%v) at minLevel %v = %v, want %v",
					tt.logLevel, tt.minLevel, got, tt.expected)
			}
		})
	}
}

func TestLogger_Error_includesErrorField(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)

	l.Error("store write failed", errors.New("disk full"), map[string]interface{}{"owner_id": "u1"})

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Level != "ERROR" || e.Message != "store write failed" || e.Error != "disk full" {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.Context["owner_id"] != "u1" {
		t.Errorf("context owner_id = %v, want u1", e.Context["owner_id"])
	}
}

func TestLogger_filtersBelowMinLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debug("hidden")
	l.Info("hidden")
	l.Warn("shown")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 || entries[0].Message != "shown" {
		t.Errorf("entries = %+v, want only the warning", entries)
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	parent := New(&buf, LevelInfo)
	child := parent.With(map[string]interface{}{"component": "broadcaster"})
	grandchild := child.With(map[string]interface{}{"conn_id": "c1"})

	grandchild.Info("relayed", map[string]interface{}{"table": "inventory"})
	parent.Info("plain")

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	ctx := entries[0].Context
	if ctx["component"] != "broadcaster" || ctx["conn_id"] != "c1" || ctx["table"] != "inventory" {
		t.Errorf("merged context = %v", ctx)
	}
	if entries[1].Context != nil {
		t.Errorf("parent should not inherit child fields, got %v", entries[1].Context)
	}
}

func TestLogger_concurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)
	child := l.With(map[string]interface{}{"k": "v"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); l.Info("parent") }()
		go func() { defer wg.Done(); child.Info("child") }()
	}
	wg.Wait()

	if got := len(decodeLines(t, &buf)); got != 100 {
		t.Errorf("got %d lines, want 100", got)
	}
}
