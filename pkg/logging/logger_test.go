package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func captureLogger(level logrus.Level) *bytes.Buffer {
	var buf bytes.Buffer
	Logger = logrus.New()
	Logger.SetOutput(&buf)
	Logger.SetLevel(level)
	Logger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	return &buf
}

func TestInit_Levels(t *testing.T) {
	tests := []struct {
		level    string
		expected logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"verbose", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			Logger = logrus.New()
			if err := Init(tt.level, ""); err != nil {
				t.Fatalf("Init() error = %v", err)
			}
			if Logger.GetLevel() != tt.expected {
				t.Errorf("level = %v, want %v", Logger.GetLevel(), tt.expected)
			}
		})
	}
}

func TestInit_WithNestedLogFile(t *testing.T) {
	Logger = logrus.New()
	logFile := filepath.Join(t.TempDir(), "kiosk", "logs", "facegate.log")

	if err := Init("info", logFile); err != nil {
		t.Fatalf("Init with log file failed: %v", err)
	}

	Info("session started")

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("log file not readable: %v", err)
	}
	if !strings.Contains(string(data), "session started") {
		t.Errorf("log file missing entry, got %q", data)
	}
}

func TestSetLevel_IgnoresUnknown(t *testing.T) {
	Logger = logrus.New()
	SetLevel("warn")
	SetLevel("loud")

	if Logger.GetLevel() != logrus.WarnLevel {
		t.Errorf("level = %v, want warn", Logger.GetLevel())
	}
}

func TestSetFormat_JSON(t *testing.T) {
	buf := captureLogger(logrus.InfoLevel)
	SetFormat("json")

	Component("verify").WithField("session", "abc").Info("frame dropped")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["component"] != "verify" {
		t.Errorf("component = %v, want verify", entry["component"])
	}
	if entry["msg"] != "frame dropped" {
		t.Errorf("msg = %v", entry["msg"])
	}
}

func TestSetFormat_TextFallback(t *testing.T) {
	buf := captureLogger(logrus.InfoLevel)
	SetFormat("json")
	SetFormat("pretty")

	Info("plain")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

func TestLoggingFunctions(t *testing.T) {
	buf := captureLogger(logrus.DebugLevel)

	tests := []struct {
		name string
		log  func()
		want string
	}{
		{"Debug", func() { Debug("debug message") }, "debug message"},
		{"Debugf", func() { Debugf("debug %s", "formatted") }, "debug formatted"},
		{"Info", func() { Info("info message") }, "info message"},
		{"Infof", func() { Infof("info %d", 42) }, "info 42"},
		{"Warn", func() { Warn("warn message") }, "warn message"},
		{"Warnf", func() { Warnf("warn %s", "test") }, "warn test"},
		{"Error", func() { Error("error message") }, "error message"},
		{"Errorf", func() { Errorf("error %s", "occurred") }, "error occurred"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.log()
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("%s output %q missing %q", tt.name, buf.String(), tt.want)
			}
		})
	}
}

func TestStructuredEntries(t *testing.T) {
	buf := captureLogger(logrus.InfoLevel)

	WithFields(Fields{"key": "kiosk-7", "status": "ACCEPTED"}).Info("outcome")
	WithField("score", 0.91).Info("scored")
	WithError(&testError{msg: "store offline"}).Error("load failed")
	Component("storage").Info("initialized")

	out := buf.String()
	for _, want := range []string{
		"key=kiosk-7", "status=ACCEPTED", "score=0.91",
		"store offline", "component=storage",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestLogLevel_Filtering(t *testing.T) {
	buf := captureLogger(logrus.ErrorLevel)

	Debug("debug")
	Info("info")
	Warn("warn")
	if buf.Len() > 0 {
		t.Errorf("below-error entries logged: %q", buf.String())
	}

	Error("error")
	if buf.Len() == 0 {
		t.Error("Error should be logged at Error level")
	}
}

type testError struct {
	msg string
}

func (e *testError) Error() string {
	return e.msg
}

func BenchmarkComponentWithFields(b *testing.B) {
	Logger = logrus.New()
	Logger.SetOutput(&bytes.Buffer{})
	Logger.SetLevel(logrus.InfoLevel)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Component("verify").WithFields(Fields{
			"session": "s",
			"seq":     i,
		}).Info("frame")
	}
}
