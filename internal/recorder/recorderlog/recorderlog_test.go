package recorderlog

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mikeyg42/precam/internal/recorder/config"
)

func TestNamedAndWith(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core)).Named("circular").Named("video").With(String("session", "abc"))

	l.Info("drained", Int("chunks", 3), Duration("span", 2*time.Second))
	l.Error("write failed", Error(errors.New("disk full")))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].LoggerName != "circular.video" {
		t.Fatalf("logger name = %q", entries[0].LoggerName)
	}
	ctx := entries[0].ContextMap()
	if ctx["session"] != "abc" || ctx["chunks"] != int64(3) {
		t.Fatalf("unexpected context: %v", ctx)
	}
	if entries[1].Level != zapcore.ErrorLevel {
		t.Fatalf("level = %s", entries[1].Level)
	}
	if entries[1].ContextMap()["error"] != "disk full" {
		t.Fatalf("error field = %v", entries[1].ContextMap()["error"])
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New(config.LogConfig{Level: "loud"}); err == nil {
		t.Fatal("expected error for bad level")
	}
	if _, err := New(config.LogConfig{Level: "info", Format: "xml"}); err == nil {
		t.Fatal("expected error for bad format")
	}
	l, err := New(config.LogConfig{Level: "warn", Format: "console", OutputPaths: []string{"stderr"}})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Debug("dropped")
}

func TestReplaceGlobal(t *testing.T) {
	prev := L()
	defer ReplaceGlobal(prev)

	core, logs := observer.New(zapcore.InfoLevel)
	ReplaceGlobal(FromZap(zap.New(core)))
	ReplaceGlobal(nil) // ignored

	L().Info("hello")
	if logs.Len() != 1 {
		t.Fatalf("global logger not replaced")
	}
}
