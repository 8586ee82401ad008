package taskwire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConnectData is the payload of a connect envelope.
type ConnectData struct {
	ClientName string `json:"client_name"`
}

// StatusData is the payload of a status envelope.
type StatusData struct {
	Status     string    `json:"status"`
	ClientID   string    `json:"client_id,omitempty"`
	ServerTime time.Time `json:"server_time,omitempty"`
}

// ErrorData is the payload of an error envelope.
type ErrorData struct {
	Error string `json:"error"`
}

// HeartbeatData is the payload of a heartbeat envelope.
type HeartbeatData struct {
	Sequence int64 `json:"sequence"`
}

// StatusConnected is the status value acknowledging a handshake.
const StatusConnected = "connected"

// NewEnvelope builds an envelope with a fresh id and the current time.
func NewEnvelope(kind MessageKind, clientID string, data any) (Envelope, error) {
	return newEnvelope(uuid.NewString(), kind, clientID, data)
}

func newEnvelope(id string, kind MessageKind, clientID string, data any) (Envelope, error) {
	var raw json.RawMessage
	switch d := data.(type) {
	case nil:
		raw = json.RawMessage("{}")
	case json.RawMessage:
		raw = d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s data: %w", kind, err)
		}
		raw = b
	}
	return Envelope{
		ID:        id,
		Kind:      kind,
		ClientID:  clientID,
		Timestamp: time.Now().UTC().Round(0),
		Data:      raw,
	}, nil
}

// NewConnectEnvelope opens a session for clientID under a display name.
func NewConnectEnvelope(clientID, name string) (Envelope, error) {
	return NewEnvelope(KindConnect, clientID, ConnectData{ClientName: name})
}

// NewDisconnectEnvelope announces an orderly close.
func NewDisconnectEnvelope(clientID string) (Envelope, error) {
	return NewEnvelope(KindDisconnect, clientID, nil)
}

// NewHeartbeatEnvelope is sent periodically by a connected client.
func NewHeartbeatEnvelope(clientID string, seq int64) (Envelope, error) {
	return NewEnvelope(KindHeartbeat, clientID, HeartbeatData{Sequence: seq})
}

// NewStatusEnvelope acknowledges a handshake.
func NewStatusEnvelope(clientID, status string) (Envelope, error) {
	return NewEnvelope(KindStatus, clientID, StatusData{
		Status:     status,
		ClientID:   clientID,
		ServerTime: time.Now().UTC().Round(0),
	})
}

// NewErrorEnvelope reports a protocol problem to the peer.
func NewErrorEnvelope(clientID string, err error) (Envelope, error) {
	return NewEnvelope(KindError, clientID, ErrorData{Error: err.Error()})
}

// NewTaskRequestEnvelope wraps req. The envelope id is the correlation id.
func NewTaskRequestEnvelope(clientID string, req TaskRequest) (Envelope, error) {
	return NewEnvelope(KindTaskRequest, clientID, req)
}

// NewTaskResponseEnvelope answers the request with id requestID.
// The response reuses that id so the client can correlate it.
func NewTaskResponseEnvelope(requestID, clientID string, resp TaskResponse) (Envelope, error) {
	return newEnvelope(requestID, KindTaskResponse, clientID, resp)
}

// Describe returns a short human readable summary of the request for logs.
func (r TaskRequest) Describe() string {
	switch r.Kind {
	case TaskSumArrays:
		var p SumArraysParams
		if json.Unmarshal(r.Parameters, &p) == nil {
			return fmt.Sprintf("sum arrays (%d and %d elements)", len(p.Array1), len(p.Array2))
		}
	case TaskRotateMatrix:
		var p RotateMatrixParams
		if json.Unmarshal(r.Parameters, &p) == nil {
			dir := p.Direction
			if dir == "" {
				dir = DirectionClockwise
			}
			cols := 0
			if len(p.Matrix) > 0 {
				cols = len(p.Matrix[0])
			}
			return fmt.Sprintf("rotate %dx%d matrix %s", len(p.Matrix), cols, dir)
		}
	case TaskCommonNumbers:
		var p CommonNumbersParams
		if json.Unmarshal(r.Parameters, &p) == nil {
			return fmt.Sprintf("common numbers (%d and %d elements)", len(p.Array1), len(p.Array2))
		}
	case TaskGenerateArray:
		return "generate random array"
	case TaskGenerateMatrix:
		return "generate random matrix"
	case TaskValidateData:
		var p ValidateDataParams
		if json.Unmarshal(r.Parameters, &p) == nil && p.Type != "" {
			return "validate " + p.Type
		}
		return "validate data"
	}
	return string(r.Kind)
}
