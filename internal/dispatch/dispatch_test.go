package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/adred-codev/multiplex/internal/descriptor"
	"github.com/adred-codev/multiplex/internal/multiplexerr"
)

func echoDescriptor() descriptor.Descriptor {
	return descriptor.Descriptor{
		Endpoints: []descriptor.Endpoint{
			{
				Name:          "echo",
				Type:          descriptor.RPC,
				RequestSchema: json.RawMessage(`{"type":"string"}`),
				ReplySchema:   json.RawMessage(`{"type":"string"}`),
			},
		},
	}
}

func TestNewRegistryFailsOnMissingHandler(t *testing.T) {
	_, err := NewRegistry(echoDescriptor(), map[string]Handler{})
	if err == nil {
		t.Fatalf("expected MISSING_HANDLER error")
	}
	if !multiplexerr.As(err, multiplexerr.MissingHandler) {
		t.Fatalf("expected MISSING_HANDLER code, got %v", err)
	}
}

func TestInvokeSuccess(t *testing.T) {
	reg, err := NewRegistry(echoDescriptor(), map[string]Handler{
		"echo": func(ctx context.Context, input any) (any, error) {
			return strings.ToUpper(input.(string)), nil
		},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	raw, wireErr := reg.Invoke(context.Background(), "echo", json.RawMessage(`"hello"`))
	if wireErr != nil {
		t.Fatalf("unexpected error: %+v", wireErr)
	}
	var result string
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result != "HELLO" {
		t.Fatalf("expected HELLO, got %s", result)
	}
}

func TestInvokeUnknownEndpoint(t *testing.T) {
	reg, err := NewRegistry(echoDescriptor(), map[string]Handler{
		"echo": func(ctx context.Context, input any) (any, error) { return input, nil },
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	_, wireErr := reg.Invoke(context.Background(), "missing", json.RawMessage(`"x"`))
	if wireErr == nil || wireErr.Code != multiplexerr.UnknownEndpoint {
		t.Fatalf("expected UNKNOWN_ENDPOINT, got %+v", wireErr)
	}
}

func TestInvokeValidationFailure(t *testing.T) {
	reg, err := NewRegistry(echoDescriptor(), map[string]Handler{
		"echo": func(ctx context.Context, input any) (any, error) { return input, nil },
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	_, wireErr := reg.Invoke(context.Background(), "echo", json.RawMessage(`42`))
	if wireErr == nil || wireErr.Code != multiplexerr.ValidationFailed {
		t.Fatalf("expected VALIDATION_FAILED, got %+v", wireErr)
	}
}

func TestInvokeHandlerErrorCarriesEndpoint(t *testing.T) {
	reg, err := NewRegistry(echoDescriptor(), map[string]Handler{
		"echo": func(ctx context.Context, input any) (any, error) {
			return nil, multiplexerr.New(multiplexerr.Timeout, "handler timed out")
		},
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	_, wireErr := reg.Invoke(context.Background(), "echo", json.RawMessage(`"x"`))
	if wireErr == nil {
		t.Fatalf("expected error")
	}
	if wireErr.Code != multiplexerr.Timeout || wireErr.Endpoint != "echo" {
		t.Fatalf("unexpected wire error: %+v", wireErr)
	}
}

func TestLimiterBlocksAfterBurst(t *testing.T) {
	l := NewLimiter(0, 2)
	if !l.Allow() {
		t.Fatalf("expected first call allowed")
	}
	if !l.Allow() {
		t.Fatalf("expected second call allowed (burst=2)")
	}
	if l.Allow() {
		t.Fatalf("expected third call blocked (sustained rate 0)")
	}
}
