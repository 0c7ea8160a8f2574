package plugins

import (
	"context"
	"testing"

	"github.com/adred-codev/multiplex/internal/multiplexerr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestHealthHandlerReportsLiveProcess(t *testing.T) {
	h := NewHealth()
	res, err := h.Handler()(context.Background(), nil)
	if err != nil {
		t.Fatalf("health handler: %v", err)
	}
	m, ok := res.(map[string]any)
	if !ok {
		t.Fatalf("unexpected result type %T", res)
	}
	if m["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", m["status"])
	}
	if g, ok := m["goroutines"].(int); !ok || g <= 0 {
		t.Fatalf("expected positive goroutine count, got %v", m["goroutines"])
	}
}

func TestMetricsObserveRPCIncrementsCounters(t *testing.T) {
	m := NewMetrics()
	m.ObserveRPC("echo", "", 0)
	m.ObserveRPC("echo", multiplexerr.ValidationFailed, 0)

	if got := testutil.ToFloat64(m.rpcCallsTotal.WithLabelValues("echo")); got != 2 {
		t.Fatalf("expected 2 rpc calls recorded, got %v", got)
	}
	if got := testutil.ToFloat64(m.rpcErrorsTotal.WithLabelValues("echo", string(multiplexerr.ValidationFailed))); got != 1 {
		t.Fatalf("expected 1 rpc error recorded, got %v", got)
	}
}

func TestMetricsConnectionGaugeTracksOpenClose(t *testing.T) {
	m := NewMetrics()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	res, err := m.RPCHandler()(context.Background(), nil)
	if err != nil {
		t.Fatalf("metrics rpc handler: %v", err)
	}
	snap := res.(map[string]any)
	if snap["connectionsActive"] != int64(1) {
		t.Fatalf("expected 1 active connection, got %v", snap["connectionsActive"])
	}
}

func TestAuditorPublishWithoutSenderIsNoop(t *testing.T) {
	a := NewAuditor("", "", zerolog.Nop())
	defer a.Close()

	// No sender configured yet: Publish must not panic or block.
	a.Publish(AuditEvent{Kind: "rpc_error", Message: "boom"})
}

func TestAuditorPublishDeliversThroughSender(t *testing.T) {
	a := NewAuditor("", "", zerolog.Nop())
	defer a.Close()

	delivered := make(chan AuditEvent, 1)
	a.SetSender(func(message any) error {
		delivered <- message.(AuditEvent)
		return nil
	})

	a.Hook()("echo", multiplexerr.ValidationFailed, "bad input")

	select {
	case ev := <-delivered:
		if ev.Endpoint != "echo" || ev.Code != string(multiplexerr.ValidationFailed) {
			t.Fatalf("unexpected audit event: %#v", ev)
		}
	default:
		t.Fatal("expected audit event to be delivered synchronously")
	}
}
