package logging

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level   string
		wantLvl zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},        // default
		{"unknown", zapcore.InfoLevel}, // default
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.wantLvl {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, got, tt.wantLvl)
			}
			l, err := New(tt.level)
			if err != nil {
				t.Fatalf("New(%q) returned error: %v", tt.level, err)
			}
			if l == nil {
				t.Fatalf("New(%q) returned nil logger", tt.level)
			}
		})
	}
}

func TestNewWithFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.log")
	l, err := NewWithOptions(Options{Level: "info", Output: path, MaxSize: 1})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	l.Info("written to file", zap.String("operation", "ListShelves"))
	l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected log output in file")
	}
}

func swapGlobal(t *testing.T, level zapcore.Level) *observer.ObservedLogs {
	t.Helper()
	original := Global()
	core, obs := observer.New(level)
	SetGlobal(zap.New(core))
	t.Cleanup(func() { SetGlobal(original) })
	return obs
}

func TestGlobalHelpers(t *testing.T) {
	tests := []struct {
		name    string
		min     zapcore.Level
		wantMsg []string
	}{
		{"debug", zapcore.DebugLevel, []string{"check", "token", "report", "proxy"}},
		{"warn", zapcore.WarnLevel, []string{"report", "proxy"}},
		{"error", zapcore.ErrorLevel, []string{"proxy"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := swapGlobal(t, tt.min)
			Debug("check")
			Info("token")
			Warn("report")
			Error("proxy")

			entries := obs.All()
			if len(entries) != len(tt.wantMsg) {
				t.Fatalf("expected %d entries, got %d", len(tt.wantMsg), len(entries))
			}
			for i, msg := range tt.wantMsg {
				if entries[i].Message != msg {
					t.Errorf("entry %d = %q, want %q", i, entries[i].Message, msg)
				}
			}
		})
	}
}

func TestWithCarriesFields(t *testing.T) {
	obs := swapGlobal(t, zapcore.InfoLevel)

	With(zap.String("service", "bookstore.example.com")).Info("check done", zap.String("operation", "GetBook"))

	entries := obs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["service"] != "bookstore.example.com" || ctx["operation"] != "GetBook" {
		t.Errorf("unexpected fields %v", ctx)
	}
}
