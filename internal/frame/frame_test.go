package frame

import (
	"encoding/json"
	"testing"

	"github.com/adred-codev/multiplex/internal/multiplexerr"
)

func TestDecodeDispatchesOnType(t *testing.T) {
	raw := []byte(`{"type":"sub","endpoint":"Counter"}`)
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != Sub {
		t.Fatalf("expected Sub, got %s", env.Type)
	}
	f, err := env.DecodeSub()
	if err != nil {
		t.Fatalf("decode sub: %v", err)
	}
	if f.Endpoint != "Counter" {
		t.Fatalf("expected endpoint Counter, got %s", f.Endpoint)
	}
}

func TestDecodeMalformedJSONIsFatal(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	if err == nil {
		t.Fatalf("expected error on malformed JSON")
	}
}

func TestDecodeMissingTypeIsFatal(t *testing.T) {
	_, err := Decode([]byte(`{"endpoint":"x"}`))
	if err == nil {
		t.Fatalf("expected error on missing type field")
	}
}

func TestRPCResFrameOmitsResOnError(t *testing.T) {
	f := RPCResFrame{
		Type:     RPCRes,
		ID:       1,
		Endpoint: "echo",
		Err: &multiplexerr.Wire{
			Name:    string(multiplexerr.UnknownEndpoint),
			Message: "no such endpoint",
			Code:    multiplexerr.UnknownEndpoint,
		},
	}
	raw, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := decoded["res"]; present {
		t.Fatalf("expected res to be omitted on error, got %v", decoded["res"])
	}
	if decoded["err"] == nil {
		t.Fatalf("expected err to be present")
	}
}

func TestRPCReqRoundTrip(t *testing.T) {
	req := RPCReqFrame{Type: RPCReq, ID: 42, Endpoint: "echo", Input: json.RawMessage(`"hello"`)}
	raw, err := Encode(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != RPCReq {
		t.Fatalf("expected rpc:req, got %s", env.Type)
	}
	got, err := env.DecodeRPCReq()
	if err != nil {
		t.Fatalf("decode rpc:req: %v", err)
	}
	if got.ID != 42 || got.Endpoint != "echo" {
		t.Fatalf("unexpected decoded frame: %+v", got)
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	raw, err := Encode(HeartbeatFrame{Type: Heartbeat, FrequencyMs: 5000})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	hb, err := env.DecodeHeartbeat()
	if err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if hb.FrequencyMs != 5000 {
		t.Fatalf("expected frequencyMs 5000, got %d", hb.FrequencyMs)
	}
}
