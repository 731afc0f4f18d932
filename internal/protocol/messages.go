// Package protocol defines the JSON wire messages spoken between the relay,
// devices, and controllers. One JSON document per websocket text frame; the
// "type" field discriminates where present, and untyped messages (commands,
// responses, acks) are routed by shape.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Command lifecycle states, tracked relay-side only.
const (
	StateQueued    = "queued"
	StateForwarded = "forwarded"
	StateCompleted = "completed"
	StateExpired   = "expired"
)

// Error codes carried in ErrorMessage.
const (
	CodeOutdatedClient  = "outdated_client"
	CodeOutdatedRemote  = "outdated_remote"
	CodeBothOutdated    = "both_outdated"
	CodeRateLimited     = "rate_limited"
	CodeQueueFull       = "queue_full"
	CodePayloadTooLarge = "payload_too_large"
	CodeDraining        = "draining"
)

// Peer roles declared in the auth message.
const (
	RoleDevice     = "device"
	RoleController = "controller"
)

// Auth is the first message a peer must send after connecting.
// Devices declare their own device_id and the last command id they have
// acknowledged; controllers declare the device they want to drive.
type Auth struct {
	Type           string   `json:"type"` // "auth"
	Credential     string   `json:"credential"`
	Role           string   `json:"role"`
	DeviceID       string   `json:"device_id,omitempty"`
	TargetDeviceID string   `json:"target_device_id,omitempty"`
	LastAck        int64    `json:"last_ack"`
	Version        *Version `json:"version,omitempty"`
}

// AuthOK acknowledges a successful auth. ResumeFrom tells a device which
// commands will be replayed; DeviceConnected tells a controller whether its
// target currently has a live connection.
type AuthOK struct {
	Type            string `json:"type"` // "auth_ok"
	ResumeFrom      int64  `json:"resume_from"`
	DeviceConnected *bool  `json:"device_connected,omitempty"`
}

// AuthFail rejects an auth attempt. The connection is closed afterwards.
type AuthFail struct {
	Type  string `json:"type"` // "auth_fail"
	Error string `json:"error"`
}

// Command is a relay-assigned unit of work sent to a device. IDs are unique
// and strictly increasing per device. State is relay-internal bookkeeping and
// never serialized to peers.
type Command struct {
	ID     int64           `json:"id"`
	Cmd    string          `json:"cmd"`
	Params json.RawMessage `json:"params,omitempty"`
	State  string          `json:"-"`
}

// ControllerCommand is a controller's submission, before an id is assigned.
type ControllerCommand struct {
	Cmd    string          `json:"cmd"`
	Params json.RawMessage `json:"params,omitempty"`
}

// CmdAccepted confirms a submission to the controller with the assigned id.
// The device's response arrives later, keyed by the same id.
type CmdAccepted struct {
	Type string `json:"type"` // "cmd_accepted"
	ID   int64  `json:"id"`
}

// Response is a device's report on an executed command. Result and Error are
// opaque to the relay and passed through verbatim.
type Response struct {
	ID     int64           `json:"id"`
	Status string          `json:"status"` // "ok" or "error"
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Ack is the shorthand acknowledgment a device may send instead of a full
// response: {"ack": 7}.
type Ack struct {
	Ack int64 `json:"ack"`
}

// Ping and Pong are the liveness frames. The relay pings; peers pong.
type Ping struct {
	Type string `json:"type"` // "ping"
}

type Pong struct {
	Type string `json:"type"` // "pong"
}

// DeviceStatus is pushed to controllers when their target device attaches or
// detaches.
type DeviceStatus struct {
	Type      string `json:"type"` // "device_status"
	Connected bool   `json:"connected"`
}

// ErrorMessage is a structured error sent before closing (or as a synchronous
// rejection of a submission).
type ErrorMessage struct {
	Type      string `json:"type"` // "error"
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	UpdateURL string `json:"update_url,omitempty"`
}

// --- Constructors ---

func NewAuthOKDevice(resumeFrom int64) AuthOK {
	return AuthOK{Type: "auth_ok", ResumeFrom: resumeFrom}
}

func NewAuthOKController(deviceConnected bool) AuthOK {
	return AuthOK{Type: "auth_ok", DeviceConnected: &deviceConnected}
}

func NewAuthFail(reason string) AuthFail {
	return AuthFail{Type: "auth_fail", Error: reason}
}

func NewCmdAccepted(id int64) CmdAccepted {
	return CmdAccepted{Type: "cmd_accepted", ID: id}
}

func NewPing() Ping { return Ping{Type: "ping"} }

func NewDeviceStatus(connected bool) DeviceStatus {
	return DeviceStatus{Type: "device_status", Connected: connected}
}

func NewError(code, message string) ErrorMessage {
	return ErrorMessage{Type: "error", Code: code, Message: message}
}

// --- Parsing ---

// PeerMessage is the decoded form of an inbound frame from an authenticated
// peer. Exactly one field is non-nil.
type PeerMessage struct {
	Auth     *Auth
	Ack      *Ack
	Response *Response
	Command  *ControllerCommand
	Pong     bool
}

// ParsePeerMessage routes an inbound frame by its type field, falling back to
// shape: a bare "ack" field is an Ack, "id"+"status" is a Response, and a
// "cmd" field is a controller submission.
func ParsePeerMessage(data []byte) (*PeerMessage, error) {
	var probe struct {
		Type   string           `json:"type"`
		Ack    *int64           `json:"ack"`
		ID     *int64           `json:"id"`
		Status *string          `json:"status"`
		Cmd    *string          `json:"cmd"`
		Params json.RawMessage  `json:"params"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}

	switch probe.Type {
	case "auth":
		var a Auth
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("parsing auth: %w", err)
		}
		return &PeerMessage{Auth: &a}, nil
	case "pong":
		return &PeerMessage{Pong: true}, nil
	}

	if probe.Ack != nil {
		return &PeerMessage{Ack: &Ack{Ack: *probe.Ack}}, nil
	}
	if probe.ID != nil && probe.Status != nil {
		var r Response
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("parsing response: %w", err)
		}
		return &PeerMessage{Response: &r}, nil
	}
	if probe.Cmd != nil {
		return &PeerMessage{Command: &ControllerCommand{Cmd: *probe.Cmd, Params: probe.Params}}, nil
	}

	return nil, fmt.Errorf("unrecognized message shape")
}

// Marshal serializes any protocol message, panicking on the impossible case
// of an unmarshalable struct. Used on the write path where every value is one
// of the types above.
func Marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", v, err))
	}
	return data
}
