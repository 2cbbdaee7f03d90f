package slog

import (
	"bytes"
	stdslog "log/slog"
	"strings"
	"testing"

	"github.com/unkn0wn-root/spdcache"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	l := Logger{L: stdslog.New(stdslog.NewTextHandler(&buf, &stdslog.HandlerOptions{Level: stdslog.LevelInfo}))}

	l.Debug("dropped", spdcache.Fields{"x": 1})
	l.Info("policy hash resized", spdcache.Fields{"dir": "out", "buckets": 16})

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatalf("debug line written at info level: %s", out)
	}
	if !strings.Contains(out, `msg="policy hash resized" buckets=16 dir=out`) {
		t.Fatalf("unexpected line: %s", out)
	}
}
