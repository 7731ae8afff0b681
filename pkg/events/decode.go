package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrMalformedFrame is returned for frames that are not a JSON object (after unwrapping).
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrMissingThreadID is returned for frames that do not name a thread.
	ErrMissingThreadID = errors.New("frame has no thread_id")
)

// DecodeFrame turns the text payload of one inbound frame into a typed event.
//
// The payload may be a JSON object, or a JSON string whose contents is the object
// (the backend double-encodes stream frames). Unknown types decode into *UnknownEvent.
func DecodeFrame(raw []byte) (Event, error) {
	b, err := unwrapFrame(raw)
	if err != nil {
		return nil, err
	}

	var hdr struct {
		Type     EventType `json:"type"`
		ThreadID string    `json:"thread_id"`
	}
	if err := json.Unmarshal(b, &hdr); err != nil {
		return nil, errors.Wrapf(ErrMalformedFrame, "header: %v", err)
	}
	if hdr.ThreadID == "" {
		return nil, ErrMissingThreadID
	}

	switch hdr.Type {
	case EventTypeStream:
		ret := &StreamEvent{}
		if err := json.Unmarshal(b, ret); err != nil {
			return nil, errors.Wrapf(ErrMalformedFrame, "stream: %v", err)
		}
		ret.payload = b
		return ret, nil
	case EventTypeSource:
		ret := &SourceEvent{}
		if err := json.Unmarshal(b, ret); err != nil {
			return nil, errors.Wrapf(ErrMalformedFrame, "source: %v", err)
		}
		ret.payload = b
		return ret, nil
	default:
		return &UnknownEvent{
			EventImpl: EventImpl{
				Type_:     hdr.Type,
				ThreadID_: hdr.ThreadID,
				payload:   b,
			},
			Raw: b,
		}, nil
	}
}

// unwrapFrame strips one level of JSON string encoding if present.
func unwrapFrame(raw []byte) ([]byte, error) {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 {
		return nil, errors.Wrap(ErrMalformedFrame, "empty frame")
	}
	if b[0] != '"' {
		return b, nil
	}
	var inner string
	if err := json.Unmarshal(b, &inner); err != nil {
		return nil, errors.Wrapf(ErrMalformedFrame, "string payload: %v", err)
	}
	b = bytes.TrimSpace([]byte(inner))
	if len(b) == 0 || b[0] != '{' {
		return nil, errors.Wrap(ErrMalformedFrame, "string payload is not an object")
	}
	return b, nil
}

// EncodeFrame serializes an event for the wire. With doubleEncode the object is
// wrapped into a JSON string, the way the backend sends stream frames.
func EncodeFrame(ev Event, doubleEncode bool) ([]byte, error) {
	b, err := marshalNoEscape(ev)
	if err != nil {
		return nil, errors.Wrap(err, "encode frame")
	}
	if !doubleEncode {
		return b, nil
	}
	return marshalNoEscape(string(b))
}

// UserFrame is the outbound frame sent for every user message.
type UserFrame struct {
	ThreadID       string    `json:"thread_id"`
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	Role           string    `json:"role"`
	Timestamp      time.Time `json:"timestamp"`
	IsFileUploaded bool      `json:"isFileUploaded"`
}

func EncodeUserFrame(f UserFrame) (string, error) {
	if f.Role == "" {
		f.Role = "user"
	}
	b, err := marshalNoEscape(f)
	if err != nil {
		return "", errors.Wrap(err, "encode user frame")
	}
	return string(b), nil
}

func DecodeUserFrame(raw []byte) (UserFrame, error) {
	var f UserFrame
	b, err := unwrapFrame(raw)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(b, &f); err != nil {
		return f, errors.Wrapf(ErrMalformedFrame, "user frame: %v", err)
	}
	if f.ThreadID == "" {
		return f, ErrMissingThreadID
	}
	return f, nil
}

func marshalNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return []byte(strings.TrimSuffix(buf.String(), "\n")), nil
}

// DropReason classifies a DecodeFrame error into a short label for diagnostics.
func DropReason(err error) string {
	switch {
	case errors.Is(err, ErrMissingThreadID):
		return "missing_thread_id"
	case errors.Is(err, ErrMalformedFrame):
		return "malformed"
	default:
		return "other"
	}
}
