// Package feedwire is the push transport between a session host and the
// pipeline daemon. Control rides websocket text messages as JSON
// envelopes; session output rides binary messages framed by
// internal/frame, so the bytes move without base64 inflation. The
// daemon side of a connection is a Link, the host side a Client.
package feedwire

import (
	"fmt"

	"github.com/canopyide/termflow/schema"
)

// ProtocolVersion is negotiated in the hello/welcome exchange.
const ProtocolVersion = 1

// MessageType identifies a control envelope.
type MessageType string

const (
	// TypeHello opens a link: host → daemon.
	TypeHello MessageType = "hello"
	// TypeWelcome confirms the protocol: daemon → host.
	TypeWelcome MessageType = "welcome"
	// TypeCreate asks the daemon to register a session the host will run.
	TypeCreate MessageType = "create"
	// TypeStart tells the host to launch the session process.
	TypeStart MessageType = "start"
	// TypeStarted reports the launch outcome back to the daemon.
	TypeStarted MessageType = "started"
	// TypeInput carries keyboard bytes: daemon → host.
	TypeInput MessageType = "input"
	// TypeResize carries a new geometry: daemon → host.
	TypeResize MessageType = "resize"
	// TypeMode switches the host's streaming mode for a session.
	TypeMode MessageType = "mode"
	// TypeStop tells the host to terminate a session process.
	TypeStop MessageType = "stop"
	// TypeWake requests a screen reconstruction: daemon → host.
	TypeWake MessageType = "wake"
	// TypeWoke answers a wake with the serialized state.
	TypeWoke MessageType = "woke"
	// TypeAck credits consumed output bytes for flow control.
	TypeAck MessageType = "ack"
	// TypeExited reports a session process exit: host → daemon.
	TypeExited MessageType = "exited"
	// TypeReject reports a failed create: daemon → host.
	TypeReject MessageType = "reject"
)

// Envelope is one control message. Fields are populated per type;
// output bytes never ride an envelope, they travel as binary frames.
type Envelope struct {
	Type    MessageType      `json:"type"`
	Seq     uint64           `json:"seq,omitempty"`
	Session schema.SessionID `json:"session,omitempty"`

	// hello / welcome
	Proto int    `json:"proto,omitempty"`
	Host  string `json:"host,omitempty"`

	// create / start
	Name    string            `json:"name,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cols    int               `json:"cols,omitempty"`
	Rows    int               `json:"rows,omitempty"`
	Tier    string            `json:"tier,omitempty"`

	// input / woke
	Data []byte `json:"data,omitempty"`

	// mode
	Mode string `json:"mode,omitempty"`

	// ack
	Bytes int `json:"bytes,omitempty"`

	// exited
	Code int `json:"code,omitempty"`

	// woke
	OK bool `json:"ok,omitempty"`

	// started / woke / reject
	Error string `json:"error,omitempty"`
}

// sessionSpec converts a create or start envelope into the request the
// pipeline and the host process engine share.
func (e Envelope) sessionSpec() schema.CreateSessionRequest {
	req := schema.CreateSessionRequest{
		SessionID: e.Session,
		Name:      e.Name,
		Command:   e.Command,
		Args:      e.Args,
		Dir:       e.Dir,
		Env:       e.Env,
		Geometry:  schema.Geometry{Cols: e.Cols, Rows: e.Rows},
	}
	if tier, err := schema.ParseTier(e.Tier); err == nil {
		req.Tier = tier
	}
	return req
}

// specEnvelope is the inverse of sessionSpec.
func specEnvelope(t MessageType, req schema.CreateSessionRequest) Envelope {
	env := Envelope{
		Type:    t,
		Session: req.SessionID,
		Name:    req.Name,
		Command: req.Command,
		Args:    req.Args,
		Dir:     req.Dir,
		Env:     req.Env,
		Cols:    req.Geometry.Cols,
		Rows:    req.Geometry.Rows,
	}
	if req.Tier.Valid() {
		env.Tier = req.Tier.String()
	}
	return env
}

// checkHello validates the opening envelope of a link.
func checkHello(e Envelope) error {
	if e.Type != TypeHello {
		return fmt.Errorf("%w: expected hello, got %q", schema.ErrInvalidRequest, e.Type)
	}
	if e.Proto != ProtocolVersion {
		return fmt.Errorf("%w: protocol %d, want %d", schema.ErrInvalidRequest, e.Proto, ProtocolVersion)
	}
	return nil
}
