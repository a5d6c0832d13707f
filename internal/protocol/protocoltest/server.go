// Package protocoltest provides an in-process remote debugging endpoint for tests.
package protocoltest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// ReplyFunc answers one command. A nil result answers with an empty object; a RemoteError result
// answers with an error; drop closes the connection without answering.
type ReplyFunc func(conn int, sessionID, method string, params jsontext.Value) (result any, drop bool)

// RemoteError makes the server answer a command with a protocol error.
type RemoteError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// Command is one recorded inbound command.
type Command struct {
	SessionID string
	Method    string
	Params    jsontext.Value
}

// Server speaks CDP framing, or WebDriver BiDi framing when created with NewBiDi.
type Server struct {
	t      *testing.T
	bidi   bool
	server *httptest.Server

	mu       sync.Mutex
	commands [][]Command
	conns    []*websocket.Conn
	reply    ReplyFunc
	version  map[string]string

	gate  chan struct{}
	count atomic.Int32
}

type inbound struct {
	ID        int64          `json:"id"`
	Method    string         `json:"method"`
	SessionID string         `json:"sessionId,omitempty"`
	Params    jsontext.Value `json:"params,omitempty"`
}

// New starts a CDP endpoint. It also serves /json/version pointing at itself.
func New(t *testing.T) *Server { return start(t, false) }

// NewBiDi starts a WebDriver BiDi endpoint on /session.
func NewBiDi(t *testing.T) *Server { return start(t, true) }

func start(t *testing.T, bidi bool) *Server {
	t.Helper()
	s := &Server{t: t, bidi: bidi}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/json/version" {
			s.serveVersion(w)
			return
		}
		n := int(s.count.Add(1)) - 1
		s.mu.Lock()
		gate := s.gate
		s.mu.Unlock()
		if n > 0 && gate != nil {
			<-gate
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		for len(s.commands) <= n {
			s.commands = append(s.commands, nil)
		}
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		s.serve(n, conn)
	}))
	t.Cleanup(s.server.Close)
	return s
}

// HTTPURL is the http base url, as passed to protocol.FetchVersion.
func (s *Server) HTTPURL() string { return s.server.URL }

// URL is the websocket url of the endpoint.
func (s *Server) URL() string {
	u := "ws" + strings.TrimPrefix(s.server.URL, "http")
	if s.bidi {
		return u + "/session"
	}
	return u + "/devtools/browser/protocoltest"
}

// SetReply installs the command handler.
func (s *Server) SetReply(fn ReplyFunc) {
	s.mu.Lock()
	s.reply = fn
	s.mu.Unlock()
}

// SetVersion overrides fields of the /json/version payload.
func (s *Server) SetVersion(fields map[string]string) {
	s.mu.Lock()
	s.version = fields
	s.mu.Unlock()
}

// HoldReconnects blocks every connection after the first until the returned func is called.
func (s *Server) HoldReconnects() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gate = gate
	s.mu.Unlock()
	var once sync.Once
	release = func() { once.Do(func() { close(gate) }) }
	s.t.Cleanup(release)
	return release
}

// Connections returns the number of websocket connections accepted so far.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) serveVersion(w http.ResponseWriter) {
	payload := map[string]string{
		"Browser":              "Chrome/120.0.6099.71",
		"Protocol-Version":     "1.3",
		"User-Agent":           "protocoltest",
		"webSocketDebuggerUrl": s.URL(),
	}
	s.mu.Lock()
	for k, v := range s.version {
		payload[k] = v
	}
	s.mu.Unlock()
	raw, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

func (s *Server) serve(n int, conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		s.mu.Lock()
		s.commands[n] = append(s.commands[n], Command{SessionID: msg.SessionID, Method: msg.Method, Params: msg.Params})
		reply := s.reply
		s.mu.Unlock()

		var result any = map[string]any{}
		if reply != nil {
			res, drop := reply(n, msg.SessionID, msg.Method, msg.Params)
			if drop {
				return
			}
			if res != nil {
				result = res
			}
		}
		if err := s.write(conn, s.response(msg, result)); err != nil {
			return
		}
	}
}

func (s *Server) response(msg inbound, result any) map[string]any {
	re, isErr := result.(RemoteError)
	if s.bidi {
		if isErr {
			return map[string]any{"type": "error", "id": msg.ID, "error": "unknown error", "message": re.Message}
		}
		return map[string]any{"type": "success", "id": msg.ID, "result": result}
	}
	out := map[string]any{"id": msg.ID, "result": result}
	if isErr {
		out = map[string]any{"id": msg.ID, "error": re}
	}
	if msg.SessionID != "" {
		out["sessionId"] = msg.SessionID
	}
	return out
}

func (s *Server) write(conn *websocket.Conn, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Emit pushes an event on the most recent connection.
func (s *Server) Emit(sessionID, method string, params any) {
	s.t.Helper()
	s.mu.Lock()
	conns := s.conns
	s.mu.Unlock()
	require.NotEmpty(s.t, conns, "no connection to emit on")
	conn := conns[len(conns)-1]

	out := map[string]any{"method": method, "params": params}
	if s.bidi {
		out["type"] = "event"
	} else if sessionID != "" {
		out["sessionId"] = sessionID
	}
	require.NoError(s.t, s.write(conn, out))
}

// Received returns the commands recorded on connection n.
func (s *Server) Received(n int) []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n >= len(s.commands) {
		return nil
	}
	return append([]Command(nil), s.commands[n]...)
}

// Methods returns the method names recorded on connection n.
func (s *Server) Methods(n int) []string {
	cmds := s.Received(n)
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.Method
	}
	return out
}

// Called reports whether method was received on any connection.
func (s *Server) Called(method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cmds := range s.commands {
		for _, c := range cmds {
			if c.Method == method {
				return true
			}
		}
	}
	return false
}

// CloseConnections drops every open connection, simulating a browser that went away.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := s.conns
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
