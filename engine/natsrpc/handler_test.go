package natsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/PenroseAI/penrose/engine/reason"
	"github.com/PenroseAI/penrose/engine/telemetry"
	"github.com/PenroseAI/penrose/pkg/metrics"
)

func startTestNATS(t *testing.T) *natsserver.Server {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

type mockInvoker struct {
	reply string
	err   error
	calls int
}

func (m *mockInvoker) Invoke(_ context.Context, _, _ string) (string, error) {
	m.calls++
	return m.reply, m.err
}

func startHandler(t *testing.T, srv *natsserver.Server, inv Invoker) *Handler {
	t.Helper()
	h := New(inv, telemetry.NewRecorder(metrics.New()), Options{
		URL:        srv.ClientURL(),
		Subject:    "penrose.request",
		QueueGroup: "penrose_workers",
	}, slog.Default())
	if err := h.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := h.Subscribe(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Close)
	return h
}

func request(t *testing.T, srv *natsserver.Server, payload string) map[string]any {
	t.Helper()
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	msg, err := nc.Request("penrose.request", []byte(payload), 3*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestRequestReply_Success(t *testing.T) {
	srv := startTestNATS(t)
	startHandler(t, srv, &mockInvoker{reply: "hi"})

	out := request(t, srv, `{"user_id":"u1","text":"hello"}`)
	if out["user_id"] != "u1" || out["text"] != "hi" {
		t.Errorf("unexpected reply: %v", out)
	}
	if _, ok := out["latency_ms"]; !ok {
		t.Error("latency_ms missing")
	}
}

func TestRequestReply_GracefulBecomesErrorReply(t *testing.T) {
	srv := startTestNATS(t)
	apology := "I'm unable to process your request at the moment (retried 3 times). Please try again later."
	startHandler(t, srv, &mockInvoker{err: &reason.GracefulError{Message: apology}})

	out := request(t, srv, `{"user_id":"u1","text":"hello"}`)
	if out["error"] != apology {
		t.Errorf("expected apology in error key: %v", out)
	}
	if _, ok := out["text"]; ok {
		t.Error("error replies must not carry text")
	}
}

func TestRequestReply_UnhandledBecomesErrorReply(t *testing.T) {
	srv := startTestNATS(t)
	startHandler(t, srv, &mockInvoker{err: &reason.UnhandledError{Err: errors.New("crash")}})

	out := request(t, srv, `{"user_id":"u1","text":"hello"}`)
	errStr, _ := out["error"].(string)
	if !strings.Contains(errStr, "crash") {
		t.Errorf("expected error reply, got %v", out)
	}
}

func TestRequestReply_ValidationError(t *testing.T) {
	srv := startTestNATS(t)
	inv := &mockInvoker{reply: "unused"}
	startHandler(t, srv, inv)

	for _, payload := range []string{
		`{"user_id":"u1","text":""}`,
		`{"text":"hi"}`,
		`not json`,
	} {
		out := request(t, srv, payload)
		if _, ok := out["error"]; !ok {
			t.Errorf("payload %q: expected error reply, got %v", payload, out)
		}
	}
	if inv.calls != 0 {
		t.Errorf("pipeline must not run for invalid payloads, ran %d times", inv.calls)
	}
}

func TestFireAndForget_Discarded(t *testing.T) {
	srv := startTestNATS(t)
	inv := &mockInvoker{reply: "hi"}
	h := startHandler(t, srv, inv)

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	defer nc.Close()

	// No reply subject: outcome is discarded, nothing blows up.
	if err := nc.Publish("penrose.request", []byte(`{"user_id":"u1","text":"hello"}`)); err != nil {
		t.Fatal(err)
	}
	nc.Flush()

	deadline := time.After(2 * time.Second)
	for inv.calls == 0 {
		select {
		case <-deadline:
			t.Fatal("message never processed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	rendered := h.rec.Registry().Render()
	if !strings.Contains(rendered, `penrose_requests_total{transport="nats"} 1`) {
		t.Errorf("requests_total not incremented:\n%s", rendered)
	}
}

func TestIsConnected(t *testing.T) {
	srv := startTestNATS(t)
	h := startHandler(t, srv, &mockInvoker{reply: "hi"})
	if !h.IsConnected() {
		t.Error("expected connected")
	}
	h.Close()
	if h.IsConnected() {
		t.Error("expected disconnected after close")
	}
}
