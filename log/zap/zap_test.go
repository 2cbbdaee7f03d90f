package zap

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/unkn0wn-root/spdcache"
)

func TestZapLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := ZapLogger{L: zap.New(core)}

	l.Warn("policy generation bump failed", spdcache.Fields{"err": errors.New("redis down"), "dir": "out"})
	l.Debug("bundles pruned", nil)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("logged %d entries, want 2", len(entries))
	}
	e := entries[0]
	if e.Level != zapcore.WarnLevel || e.Message != "policy generation bump failed" {
		t.Fatalf("entry = %v %q", e.Level, e.Message)
	}
	ctx := e.ContextMap()
	if ctx["err"] != "redis down" || ctx["dir"] != "out" {
		t.Fatalf("fields = %v", ctx)
	}
	if e.Context[0].Key != "dir" {
		t.Fatalf("fields not in key order: %v", e.Context)
	}
}
