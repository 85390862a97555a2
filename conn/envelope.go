package conn

import (
	"encoding/json"
	"fmt"
)

const (
	eventMessage  = "message"
	eventRequest  = "request"
	eventResponse = "response"
	eventError    = "error"
)

// Envelope is one decoded protocol message: Message, Request, Response or Error.
type Envelope interface {
	isEnvelope()
}

type Message struct {
	Payload json.RawMessage
}

type Request struct {
	ID      uint64
	Payload json.RawMessage
}

type Response struct {
	ID      uint64
	Payload json.RawMessage
}

type Error struct {
	Err RemoteError
}

func (Message) isEnvelope()  {}
func (Request) isEnvelope()  {}
func (Response) isEnvelope() {}
func (Error) isEnvelope()    {}

// wireEnvelope is the JSON form. Only the field named by Event is set.
type wireEnvelope struct {
	Event    string          `json:"event"`
	ID       uint64          `json:"id,omitempty"`
	Message  json.RawMessage `json:"message,omitempty"`
	Request  json.RawMessage `json:"request,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
	Error    *RemoteError    `json:"error,omitempty"`
}

func Encode(env Envelope) (json.RawMessage, error) {
	var w wireEnvelope
	switch e := env.(type) {
	case Message:
		w = wireEnvelope{Event: eventMessage, Message: orNull(e.Payload)}
	case Request:
		w = wireEnvelope{Event: eventRequest, ID: e.ID, Request: orNull(e.Payload)}
	case Response:
		w = wireEnvelope{Event: eventResponse, ID: e.ID, Response: orNull(e.Payload)}
	case Error:
		rerr := e.Err
		w = wireEnvelope{Event: eventError, Error: &rerr}
	default:
		return nil, fmt.Errorf("encoding %T: %w", env, ErrUnknownEvent)
	}
	return json.Marshal(w)
}

// Decode parses a wire envelope. Unrecognized events, and requests or responses without an id, return ErrUnknownEvent.
func Decode(b json.RawMessage) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	switch w.Event {
	case eventMessage:
		return Message{Payload: orNull(w.Message)}, nil
	case eventRequest:
		if w.ID == 0 {
			return nil, fmt.Errorf("request without id: %w", ErrUnknownEvent)
		}
		return Request{ID: w.ID, Payload: orNull(w.Request)}, nil
	case eventResponse:
		if w.ID == 0 {
			return nil, fmt.Errorf("response without id: %w", ErrUnknownEvent)
		}
		return Response{ID: w.ID, Payload: orNull(w.Response)}, nil
	case eventError:
		var rerr RemoteError
		if w.Error != nil {
			rerr = *w.Error
		}
		return Error{Err: rerr}, nil
	default:
		return nil, fmt.Errorf("event %q: %w", w.Event, ErrUnknownEvent)
	}
}

func orNull(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}

func marshalPayload(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return b, nil
}
