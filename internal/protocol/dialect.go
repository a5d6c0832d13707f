package protocol

import (
	"fmt"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// Frame is one decoded inbound message.
type Frame struct {
	// ID is set on responses.
	ID        int64
	Response  bool
	SessionID string
	// Method and Params are set on events.
	Method string
	Params jsontext.Value
	Result jsontext.Value
	Err    *RemoteError
}

// Dialect encodes commands and classifies inbound frames for one wire protocol.
type Dialect interface {
	Name() string
	Encode(id int64, sessionID, method string, params any) ([]byte, error)
	Decode(data []byte) (Frame, error)
}

// CDP is the Chrome DevTools Protocol framing, with flat-mode session ids.
var CDP Dialect = cdpDialect{}

// BiDi is the WebDriver BiDi framing. It has no flat session ids.
var BiDi Dialect = bidiDialect{}

type cdpDialect struct{}

type cdpRequest struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type cdpMessage struct {
	ID        int64          `json:"id,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Method    string         `json:"method,omitempty"`
	Params    jsontext.Value `json:"params,omitempty"`
	Result    jsontext.Value `json:"result,omitempty"`
	Error     *struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
		Data    string `json:"data,omitempty"`
	} `json:"error,omitempty"`
}

func (cdpDialect) Name() string { return "cdp" }

func (cdpDialect) Encode(id int64, sessionID, method string, params any) ([]byte, error) {
	return json.Marshal(cdpRequest{ID: id, Method: method, Params: params, SessionID: sessionID})
}

func (cdpDialect) Decode(data []byte) (Frame, error) {
	var m cdpMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Frame{}, fmt.Errorf("malformed cdp frame: %w", err)
	}
	f := Frame{ID: m.ID, SessionID: m.SessionID, Method: m.Method, Params: m.Params, Result: m.Result}
	if m.Method == "" {
		f.Response = true
	}
	if m.Error != nil {
		f.Err = &RemoteError{Code: m.Error.Code, Message: m.Error.Message, Data: m.Error.Data}
	}
	return f, nil
}

type bidiDialect struct{}

type bidiRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type bidiMessage struct {
	Type       string         `json:"type"`
	ID         int64          `json:"id,omitempty"`
	Method     string         `json:"method,omitempty"`
	Params     jsontext.Value `json:"params,omitempty"`
	Result     jsontext.Value `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Message    string         `json:"message,omitempty"`
	Stacktrace string         `json:"stacktrace,omitempty"`
}

func (bidiDialect) Name() string { return "bidi" }

func (bidiDialect) Encode(id int64, _ string, method string, params any) ([]byte, error) {
	if params == nil {
		// BiDi requires a params object on every command.
		params = struct{}{}
	}
	return json.Marshal(bidiRequest{ID: id, Method: method, Params: params})
}

func (bidiDialect) Decode(data []byte) (Frame, error) {
	var m bidiMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Frame{}, fmt.Errorf("malformed bidi frame: %w", err)
	}
	switch m.Type {
	case "success":
		return Frame{ID: m.ID, Response: true, Result: m.Result}, nil
	case "error":
		return Frame{ID: m.ID, Response: true, Err: &RemoteError{Message: m.Message, Data: m.Error}}, nil
	case "event":
		return Frame{Method: m.Method, Params: m.Params}, nil
	}
	return Frame{}, fmt.Errorf("unknown bidi frame type %q", m.Type)
}
