package logrus

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/unkn0wn-root/spdcache"
)

func TestLogrusLogger(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	l := LogrusLogger{E: logrus.NewEntry(base)}

	boom := errors.New("boom")
	l.Error("policy killed twice", spdcache.Fields{"index": uint32(9), "err": boom})

	e := hook.LastEntry()
	if e == nil || e.Level != logrus.ErrorLevel || e.Message != "policy killed twice" {
		t.Fatalf("entry = %+v", e)
	}
	if e.Data[logrus.ErrorKey] != boom || e.Data["index"] != uint32(9) {
		t.Fatalf("data = %v", e.Data)
	}
	if _, dup := e.Data["err"]; dup {
		t.Fatalf("err logged twice")
	}
}
