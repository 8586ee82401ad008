package taskwire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformedEnvelope is returned when envelope text cannot be parsed into the expected field set.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrFrameTooLarge is returned when a length prefix exceeds the configured maximum frame size.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrParameter marks task parameters that are missing or inconsistent.
	ErrParameter = errors.New("invalid task parameters")
	// ErrUnknownTaskKind is returned for a task kind outside the supported set.
	ErrUnknownTaskKind = errors.New("unknown task kind")
	// ErrNotConnected is returned by client operations that need an active session.
	ErrNotConnected = errors.New("not connected")
	// ErrResponseTimeout is returned when a synchronous task gets no reply in time.
	ErrResponseTimeout = errors.New("timed out waiting for task response")
	// ErrHandshake is returned when the server does not acknowledge CONNECT with STATUS.
	ErrHandshake = errors.New("handshake failed")
	// ErrServerClosed is returned by Server operations after Stop.
	ErrServerClosed = errors.New("server closed")
)

// MessageKind identifies the kind of an envelope on the wire.
type MessageKind string

const (
	KindConnect      MessageKind = "connect"
	KindDisconnect   MessageKind = "disconnect"
	KindTaskRequest  MessageKind = "task_request"
	KindTaskResponse MessageKind = "task_response"
	KindStatus       MessageKind = "status"
	KindError        MessageKind = "error"
	KindHeartbeat    MessageKind = "heartbeat"
)

// Valid reports whether k is one of the seven protocol message kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindConnect, KindDisconnect, KindTaskRequest, KindTaskResponse,
		KindStatus, KindError, KindHeartbeat:
		return true
	}
	return false
}

// UnmarshalJSON rejects kinds outside the protocol set.
func (k *MessageKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	kind := MessageKind(s)
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown message type %q", ErrMalformedEnvelope, s)
	}
	*k = kind
	return nil
}

// TaskKind identifies one of the computations the server can run.
type TaskKind string

const (
	TaskSumArrays      TaskKind = "sum_arrays"
	TaskRotateMatrix   TaskKind = "rotate_matrix"
	TaskCommonNumbers  TaskKind = "common_numbers"
	TaskGenerateArray  TaskKind = "generate_array"
	TaskGenerateMatrix TaskKind = "generate_matrix"
	TaskValidateData   TaskKind = "validate_data"
)

// TaskKinds lists every supported task kind in a stable order.
var TaskKinds = []TaskKind{
	TaskSumArrays,
	TaskRotateMatrix,
	TaskCommonNumbers,
	TaskGenerateArray,
	TaskGenerateMatrix,
	TaskValidateData,
}

// Valid reports whether k is a supported task kind.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskSumArrays, TaskRotateMatrix, TaskCommonNumbers,
		TaskGenerateArray, TaskGenerateMatrix, TaskValidateData:
		return true
	}
	return false
}

// ParseTaskKind converts a user supplied name into a TaskKind.
func ParseTaskKind(s string) (TaskKind, error) {
	k := TaskKind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskKind, s)
	}
	return k, nil
}

// Envelope is the unit of wire transmission.
// Data holds the kind-specific payload as raw JSON.
type Envelope struct {
	ID        string          `json:"id"`
	Kind      MessageKind     `json:"type"`
	ClientID  string          `json:"client_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// DecodeData unmarshals the envelope payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s envelope has no data", ErrMalformedEnvelope, e.Kind)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformedEnvelope, e.Kind, err)
	}
	return nil
}

// TaskRequest is the payload of a task_request envelope.
type TaskRequest struct {
	Kind       TaskKind        `json:"task_kind"`
	Parameters json.RawMessage `json:"parameters"`
}

// NewTaskRequest marshals params into a TaskRequest of the given kind.
// params may be one of the *Params structs, a map, or json.RawMessage.
func NewTaskRequest(kind TaskKind, params any) (TaskRequest, error) {
	if !kind.Valid() {
		return TaskRequest{}, fmt.Errorf("%w: %q", ErrUnknownTaskKind, kind)
	}
	if params == nil {
		return TaskRequest{Kind: kind, Parameters: json.RawMessage("{}")}, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return TaskRequest{Kind: kind, Parameters: raw}, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return TaskRequest{}, fmt.Errorf("marshal %s parameters: %w", kind, err)
	}
	return TaskRequest{Kind: kind, Parameters: b}, nil
}

// TaskResponse is the payload of a task_response envelope.
// Result is meaningful only when Success is true, ErrorMessage only when it is false.
type TaskResponse struct {
	Success       bool            `json:"success"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ExecutionTime float64         `json:"execution_time"`
}

// DecodeResult unmarshals a successful result into v.
func (r *TaskResponse) DecodeResult(v any) error {
	if !r.Success {
		return fmt.Errorf("task failed: %s", r.ErrorMessage)
	}
	return json.Unmarshal(r.Result, v)
}

// PanicError wraps a panic value to be returned as an error.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Parameter payloads for each task kind.

type SumArraysParams struct {
	Array1 []float64 `json:"array1"`
	Array2 []float64 `json:"array2"`
}

type RotateMatrixParams struct {
	Matrix    [][]float64 `json:"matrix"`
	Direction string      `json:"direction,omitempty"`
}

type CommonNumbersParams struct {
	Array1 []int64 `json:"array1"`
	Array2 []int64 `json:"array2"`
}

type GenerateArrayParams struct {
	Size   *int `json:"size,omitempty"`
	MinVal *int `json:"min_val,omitempty"`
	MaxVal *int `json:"max_val,omitempty"`
}

type GenerateMatrixParams struct {
	Rows   *int `json:"rows,omitempty"`
	Cols   *int `json:"cols,omitempty"`
	MinVal *int `json:"min_val,omitempty"`
	MaxVal *int `json:"max_val,omitempty"`
}

type ValidateDataParams struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// IntPtr is a helper for the optional integer fields of the generate params.
func IntPtr(v int) *int { return &v }

// Result payloads for each task kind.

type SumArraysResult struct {
	Result     []float64 `json:"result"`
	InputSize  int       `json:"input_size"`
	ResultSize int       `json:"result_size"`
}

type RotateMatrixResult struct {
	Result             [][]float64 `json:"result"`
	OriginalDimensions string      `json:"original_dimensions"`
	ResultDimensions   string      `json:"result_dimensions"`
	Direction          string      `json:"direction"`
}

type CommonNumbersResult struct {
	Result      []int64 `json:"result"`
	CommonCount int     `json:"common_count"`
	InputSizes  [2]int  `json:"input_sizes"`
}

type GenerateArrayResult struct {
	Array []int `json:"array"`
	Size  int   `json:"size"`
	Min   int   `json:"min"`
	Max   int   `json:"max"`
}

type GenerateMatrixResult struct {
	Matrix        [][]int `json:"matrix"`
	Rows          int     `json:"rows"`
	Cols          int     `json:"cols"`
	Dimensions    string  `json:"dimensions"`
	TotalElements int     `json:"total_elements"`
	Min           int     `json:"min"`
	Max           int     `json:"max"`
}

type ValidateDataResult struct {
	IsValid  bool   `json:"is_valid"`
	DataType string `json:"data_type"`
	Size     int    `json:"size,omitempty"`
	Rows     int    `json:"rows,omitempty"`
	Cols     int    `json:"cols,omitempty"`
	Error    string `json:"error,omitempty"`
}
