// Package frame defines the wire protocol (spec §4.4, C4): every frame
// crossing the transport is a single UTF-8 JSON text object discriminated
// by its "type" field. Decode is crash-fast — a malformed frame is a
// protocol violation the mux does not try to recover from.
package frame

import (
	"encoding/json"
	"fmt"

	"github.com/adred-codev/multiplex/internal/multiplexerr"
)

// Type discriminates a frame's purpose (spec §4.4 table).
type Type string

const (
	Sub       Type = "sub"
	Unsub     Type = "unsub"
	RPCReq    Type = "rpc:req"
	RPCRes    Type = "rpc:res"
	Message   Type = "message"
	Init      Type = "init"
	Update    Type = "update"
	Heartbeat Type = "heartbeat"
)

// Envelope is the minimal shape every frame shares: enough to dispatch on
// Type before unmarshaling the rest into a typed payload.
type Envelope struct {
	Type Type            `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// Sub/Unsub carry only the endpoint name.
type SubFrame struct {
	Type     Type   `json:"type"`
	Endpoint string `json:"endpoint"`
}

// RPCReqFrame is a client-to-server RPC invocation.
type RPCReqFrame struct {
	Type     Type            `json:"type"`
	ID       int64           `json:"id"`
	Endpoint string          `json:"endpoint"`
	Input    json.RawMessage `json:"input"`
}

// RPCResFrame is a server-to-client RPC reply. Err is nil on success; Res
// is omitted (not merely null) on failure, matching spec §4.4/§4.5.
type RPCResFrame struct {
	Type     Type               `json:"type"`
	ID       int64              `json:"id"`
	Endpoint string             `json:"endpoint"`
	Err      *multiplexerr.Wire `json:"err"`
	Res      json.RawMessage    `json:"res,omitempty"`
}

// MessageFrame carries a PubSub or PushPull delivery.
type MessageFrame struct {
	Type     Type            `json:"type"`
	Endpoint string          `json:"endpoint"`
	Message  json.RawMessage `json:"message"`
}

// InitFrame carries a SharedObject's full snapshot and the version it was
// taken at.
type InitFrame struct {
	Type     Type            `json:"type"`
	Endpoint string          `json:"endpoint"`
	Data     json.RawMessage `json:"data"`
	V        int64           `json:"v"`
}

// UpdateFrame carries a SharedObject delta.
type UpdateFrame struct {
	Type     Type            `json:"type"`
	Endpoint string          `json:"endpoint"`
	Diffs    json.RawMessage `json:"diffs"`
	V        int64           `json:"v"`
	Now      string          `json:"now"`
}

// HeartbeatFrame announces the server's heartbeat interval.
type HeartbeatFrame struct {
	Type        Type  `json:"type"`
	FrequencyMs int64 `json:"frequencyMs"`
}

// Decode reads the discriminator out of raw without error-tolerant
// recovery: any parse failure is returned verbatim for the caller to treat
// as a fatal protocol violation (connection teardown).
func Decode(raw []byte) (Envelope, error) {
	var probe struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Envelope{}, fmt.Errorf("frame: malformed JSON: %w", err)
	}
	if probe.Type == "" {
		return Envelope{}, fmt.Errorf("frame: missing type field")
	}
	return Envelope{Type: probe.Type, Raw: raw}, nil
}

// DecodeSub parses a sub/unsub frame.
func (e Envelope) DecodeSub() (SubFrame, error) {
	var f SubFrame
	if err := json.Unmarshal(e.Raw, &f); err != nil {
		return SubFrame{}, fmt.Errorf("frame: malformed %s: %w", e.Type, err)
	}
	return f, nil
}

// DecodeRPCReq parses an rpc:req frame.
func (e Envelope) DecodeRPCReq() (RPCReqFrame, error) {
	var f RPCReqFrame
	if err := json.Unmarshal(e.Raw, &f); err != nil {
		return RPCReqFrame{}, fmt.Errorf("frame: malformed rpc:req: %w", err)
	}
	return f, nil
}

// DecodeRPCRes parses an rpc:res frame.
func (e Envelope) DecodeRPCRes() (RPCResFrame, error) {
	var f RPCResFrame
	if err := json.Unmarshal(e.Raw, &f); err != nil {
		return RPCResFrame{}, fmt.Errorf("frame: malformed rpc:res: %w", err)
	}
	return f, nil
}

// DecodeMessage parses a message frame.
func (e Envelope) DecodeMessage() (MessageFrame, error) {
	var f MessageFrame
	if err := json.Unmarshal(e.Raw, &f); err != nil {
		return MessageFrame{}, fmt.Errorf("frame: malformed message: %w", err)
	}
	return f, nil
}

// DecodeInit parses an init frame.
func (e Envelope) DecodeInit() (InitFrame, error) {
	var f InitFrame
	if err := json.Unmarshal(e.Raw, &f); err != nil {
		return InitFrame{}, fmt.Errorf("frame: malformed init: %w", err)
	}
	return f, nil
}

// DecodeUpdate parses an update frame.
func (e Envelope) DecodeUpdate() (UpdateFrame, error) {
	var f UpdateFrame
	if err := json.Unmarshal(e.Raw, &f); err != nil {
		return UpdateFrame{}, fmt.Errorf("frame: malformed update: %w", err)
	}
	return f, nil
}

// DecodeHeartbeat parses a heartbeat frame.
func (e Envelope) DecodeHeartbeat() (HeartbeatFrame, error) {
	var f HeartbeatFrame
	if err := json.Unmarshal(e.Raw, &f); err != nil {
		return HeartbeatFrame{}, fmt.Errorf("frame: malformed heartbeat: %w", err)
	}
	return f, nil
}

// Encode marshals any of the typed frame structs above back to wire bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
