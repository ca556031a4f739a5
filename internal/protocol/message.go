// Package protocol defines the JSON frames exchanged over the broker's
// WebSocket endpoints. Every frame is a flat object carrying a "type" tag;
// there is no envelope. SDP payloads and ammunition bags pass through as
// raw JSON and are never interpreted here.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame types on the worker socket. answer and done flow worker → broker;
// the same types are re-emitted to client subscribers without the job_id.
const (
	TypeHello    = "hello"
	TypeHelloAck = "hello_ack"
	TypeOffer    = "offer"
	TypeAnswer   = "answer"
	TypeDone     = "done"
	TypeBusy     = "busy"
	TypeStop     = "stop"
)

// Frame types pushed only to client subscribers.
const (
	TypeQueuePosition = "queue_position"
	TypeAssigned      = "assigned"
	TypeError         = "error"
)

// Error frame reasons.
const (
	ReasonWorkerDisconnected = "worker_disconnected"
	ReasonUnknownJob         = "unknown_job"
)

// Decode peeks at the type tag of a raw frame. Callers unmarshal the same
// bytes into the matching frame struct once they know the type.
func Decode(data []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("unmarshal frame: %w", err)
	}
	return probe.Type, nil
}

// --- Worker → Broker ---

// Hello is the first frame a worker sends after connecting. A worker that
// reconnects may supply its previous id to be re-adopted.
type Hello struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id,omitempty"`
}

// Answer carries a worker's SDP answer for an assigned job. When the broker
// relays it to the job's subscribers the job_id is dropped.
type Answer struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
	SDP   string `json:"sdp"`
}

// Done reports that a worker finished (or finished tearing down) a job.
// The client-facing echo is a bare {"type":"done"}.
type Done struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Busy is a worker's refusal of an offer; the job returns to the queue head.
type Busy struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// --- Broker → Worker ---

// HelloAck confirms registration and tells the worker its adopted id.
type HelloAck struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id"`
}

// Offer dispatches a job. Ammunition and payload are forwarded verbatim.
type Offer struct {
	Type       string          `json:"type"`
	JobID      string          `json:"job_id"`
	SessionID  string          `json:"session_id"`
	Filename   string          `json:"filename"`
	Ammunition json.RawMessage `json:"ammunition"`
	Payload    json.RawMessage `json:"payload"`
}

// Stop asks a worker to tear down a job.
type Stop struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	SessionID string `json:"session_id"`
}

// --- Broker → Client ---

// QueuePosition reports a job's 0-based place in the queue, or -1 once the
// job is no longer queued.
type QueuePosition struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
}

// Assigned tells subscribers which worker took their job.
type Assigned struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id"`
}

// Error is a terminal failure frame for client subscribers.
type Error struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// NewHelloAck builds a hello_ack frame.
func NewHelloAck(workerID string) HelloAck {
	return HelloAck{Type: TypeHelloAck, WorkerID: workerID}
}

// NewOffer builds an offer frame for dispatch.
func NewOffer(jobID, sessionID, filename string, ammunition, payload json.RawMessage) Offer {
	return Offer{
		Type:       TypeOffer,
		JobID:      jobID,
		SessionID:  sessionID,
		Filename:   filename,
		Ammunition: ammunition,
		Payload:    payload,
	}
}

// NewStop builds a stop frame.
func NewStop(jobID, sessionID string) Stop {
	return Stop{Type: TypeStop, JobID: jobID, SessionID: sessionID}
}

// NewQueuePosition builds a queue_position frame.
func NewQueuePosition(position int) QueuePosition {
	return QueuePosition{Type: TypeQueuePosition, Position: position}
}

// NewAssigned builds an assigned frame.
func NewAssigned(workerID string) Assigned {
	return Assigned{Type: TypeAssigned, WorkerID: workerID}
}

// NewAnswer builds the client-facing answer frame (no job_id).
func NewAnswer(sdp string) Answer {
	return Answer{Type: TypeAnswer, SDP: sdp}
}

// NewDone builds the client-facing done frame.
func NewDone() Done {
	return Done{Type: TypeDone}
}

// NewError builds an error frame.
func NewError(reason string) Error {
	return Error{Type: TypeError, Reason: reason}
}
