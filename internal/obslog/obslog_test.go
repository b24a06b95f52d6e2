package obslog

import (
	"context"
	"log/slog"
	"testing"
)

func TestSetDebugChangesHandlerLevel(t *testing.T) {
	SetDebug(false)
	if Handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("handler should not be enabled for debug before SetDebug(true)")
	}
	SetDebug(true)
	if !Handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("handler should be enabled for debug after SetDebug(true)")
	}
	SetDebug(false)
	if !Handler.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("handler should still be enabled for info after SetDebug(false)")
	}
}

func TestNewReturnsWorkingLogger(t *testing.T) {
	logger := New()
	logger.Info("test message", "key", "value")
}
