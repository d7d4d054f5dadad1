package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(globalLevel)
	prev := globalLogger.Load()
	globalLogger.Store(zap.New(core))
	t.Cleanup(func() {
		globalLogger.Store(prev)
		globalLevel.SetLevel(zapcore.InfoLevel)
	})
	return logs
}

func TestSetLevel(t *testing.T) {
	logs := observe(t)

	Debug("hidden")
	SetLevel("debug")
	Debug("shown")
	SetLevel("bogus")
	Debug("still shown")

	if n := logs.FilterMessage("hidden").Len(); n != 0 {
		t.Errorf("debug logged at info level")
	}
	if n := logs.FilterMessage("shown").Len() + logs.FilterMessage("still shown").Len(); n != 2 {
		t.Errorf("got %d debug entries, want 2", n)
	}
}

func TestForSlave(t *testing.T) {
	logs := observe(t)

	ForSlave("s1").Info("connected", zap.String("addr", "10.0.0.1:1099"))
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	if got := entries[0].ContextMap()["slave"]; got != "s1" {
		t.Errorf("slave field = %v", got)
	}
}

func TestMiddleware(t *testing.T) {
	logs := observe(t)
	SetLevel("debug")

	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("nope"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ls?path=/x", nil))

	entries := logs.FilterMessage("status request").All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusNotFound) || fields["size"] != int64(4) || fields["path"] != "/ls" {
		t.Errorf("fields = %v", fields)
	}
}
