package plugins

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/adred-codev/multiplex/internal/descriptor"
	"github.com/adred-codev/multiplex/internal/multiplexerr"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// AuditEndpoint describes the reserved `_audit` PubSub endpoint: a stream
// of failed RPC calls, such as handler errors and input/output validation
// failures, clients may subscribe to for out-of-band observability (spec
// §12 / §13). Nothing in this module publishes SharedObject or PushPull
// events on it.
func AuditEndpoint() descriptor.Endpoint {
	return descriptor.Endpoint{
		Name: "_audit",
		Type: descriptor.PubSub,
		MessageSchema: []byte(`{
			"type": "object",
			"properties": {
				"kind": {"type": "string"},
				"endpoint": {"type": "string"},
				"code": {"type": "string"},
				"message": {"type": "string"},
				"at": {"type": "string", "format": "date-time"}
			},
			"required": ["kind", "message", "at"]
		}`),
	}
}

// AuditEvent is one entry published on the _audit endpoint.
type AuditEvent struct {
	Kind     string    `json:"kind"`
	Endpoint string    `json:"endpoint,omitempty"`
	Code     string    `json:"code,omitempty"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Auditor mirrors handler/validation failures onto the _audit PubSub
// endpoint and, when configured with a NATS URL, onto an external NATS
// subject too, grounded on go-server/pkg/nats/client.go's nats.go
// connection/reconnect-handler pattern — the mirror is deliberately
// best-effort: a down NATS server must never take the service itself down.
type Auditor struct {
	logger zerolog.Logger

	mu     sync.Mutex
	send   func(message any) error
	nc     *nats.Conn
	subject string
}

// NewAuditor constructs an Auditor. If natsURL is non-empty it dials NATS
// before returning; a failed or lost NATS connection only disables the
// external mirror; the in-protocol _audit endpoint is unaffected.
func NewAuditor(natsURL, subject string, logger zerolog.Logger) *Auditor {
	a := &Auditor{logger: logger.With().Str("component", "audit").Logger(), subject: subject}
	if natsURL == "" {
		return a
	}
	if subject == "" {
		a.subject = "multiplex.audit"
	}
	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				a.logger.Warn().Err(err).Msg("NATS audit mirror disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			a.logger.Info().Msg("NATS audit mirror reconnected")
		}),
	)
	if err != nil {
		a.logger.Warn().Err(err).Msg("NATS audit mirror unavailable; publishing to _audit only")
		return a
	}
	a.nc = nc
	return a
}

// SetSender wires the PubSub delivery function (normally
// service.Service.PubSub("_audit").Send), set once after the Service owning
// this endpoint is constructed.
func (a *Auditor) SetSender(send func(message any) error) {
	a.mu.Lock()
	a.send = send
	a.mu.Unlock()
}

// Hook adapts Auditor.Publish to the signature service.Options.AuditHook
// expects, publishing each failure as an "rpc_error" event.
func (a *Auditor) Hook() func(endpoint string, code multiplexerr.Code, message string) {
	return func(endpoint string, code multiplexerr.Code, message string) {
		a.Publish(AuditEvent{Kind: "rpc_error", Endpoint: endpoint, Code: string(code), Message: message, At: time.Now().UTC()})
	}
}

// Publish mirrors ev onto the _audit endpoint and, if configured, the
// external NATS subject. Both deliveries are best-effort: a failure is
// logged, never returned, since auditing must not perturb the caller.
func (a *Auditor) Publish(ev AuditEvent) {
	a.mu.Lock()
	send := a.send
	nc := a.nc
	subject := a.subject
	a.mu.Unlock()

	if send != nil {
		if err := send(ev); err != nil {
			a.logger.Warn().Err(err).Msg("failed to publish _audit event")
		}
	}
	if nc != nil {
		raw, err := json.Marshal(ev)
		if err != nil {
			a.logger.Warn().Err(err).Msg("failed to marshal audit event for NATS mirror")
			return
		}
		if err := nc.Publish(subject, raw); err != nil {
			a.logger.Warn().Err(err).Msg("failed to publish audit event to NATS")
		}
	}
}

// Close releases the NATS connection, if any.
func (a *Auditor) Close() {
	a.mu.Lock()
	nc := a.nc
	a.nc = nil
	a.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
}
