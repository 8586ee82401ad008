package taskwire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// headerSize is the width of the big-endian length prefix.
const headerSize = 4

// DefaultMaxFrameSize bounds a single frame payload.
const DefaultMaxFrameSize = 16 << 20

// wireEnvelope mirrors Envelope with pointer fields so missing keys can be detected.
type wireEnvelope struct {
	ID        *string          `json:"id"`
	Kind      *MessageKind     `json:"type"`
	ClientID  *string          `json:"client_id"`
	Timestamp *time.Time       `json:"timestamp"`
	Data      *json.RawMessage `json:"data"`
}

// Encode serializes an envelope to its JSON text form.
// A nil payload is sent as an empty object so every kind carries a data field.
func Encode(e Envelope) ([]byte, error) {
	if !e.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformedEnvelope, e.Kind)
	}
	if len(e.Data) == 0 {
		e.Data = json.RawMessage("{}")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.Kind, err)
	}
	return b, nil
}

// Decode parses envelope text produced by Encode.
// Every error wraps ErrMalformedEnvelope.
func Decode(b []byte) (Envelope, error) {
	var w wireEnvelope
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		if errors.Is(err, ErrMalformedEnvelope) {
			return Envelope{}, err
		}
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Envelope{}, fmt.Errorf("%w: trailing data after envelope", ErrMalformedEnvelope)
	}
	switch {
	case w.ID == nil || *w.ID == "":
		return Envelope{}, fmt.Errorf("%w: missing id", ErrMalformedEnvelope)
	case w.Kind == nil:
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	case w.ClientID == nil:
		return Envelope{}, fmt.Errorf("%w: missing client_id", ErrMalformedEnvelope)
	case w.Timestamp == nil:
		return Envelope{}, fmt.Errorf("%w: missing timestamp", ErrMalformedEnvelope)
	case w.Data == nil || bytes.Equal(*w.Data, []byte("null")):
		return Envelope{}, fmt.Errorf("%w: missing data", ErrMalformedEnvelope)
	}
	return Envelope{
		ID:        *w.ID,
		Kind:      *w.Kind,
		ClientID:  *w.ClientID,
		Timestamp: *w.Timestamp,
		Data:      *w.Data,
	}, nil
}

// WriteFrame writes one length-prefixed payload.
// Prefix and payload go out in a single Write so concurrent writers
// serialized by the caller never interleave partial frames.
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed payload.
// It returns io.EOF untouched when the peer closed cleanly before a new frame,
// and io.ErrUnexpectedEOF when the stream ends inside a frame.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if maxSize > 0 && length > maxSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrFrameTooLarge, length, maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	return payload, nil
}

// WriteEnvelope encodes e and writes it as one frame.
func WriteEnvelope(w io.Writer, e Envelope) error {
	b, err := Encode(e)
	if err != nil {
		return err
	}
	return WriteFrame(w, b)
}

// ReadEnvelope reads one frame and decodes it.
// A decode failure is returned together with a nil transport error so callers
// can tell a bad message inside an intact frame from a broken stream.
func ReadEnvelope(r io.Reader, maxSize uint32) (env Envelope, decodeErr error, err error) {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return Envelope{}, nil, err
	}
	env, decodeErr = Decode(payload)
	return env, decodeErr, nil
}
