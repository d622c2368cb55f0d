package testutil

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MockCameraDaemon simulates the camera daemon websocket server for testing.
type MockCameraDaemon struct {
	listener net.Listener
	server   *http.Server

	mu          sync.Mutex
	writeMu     sync.Mutex
	conn        *websocket.Conn
	connected   bool
	mode        string
	password    string
	version     string
	rpcVersion  int
	responses   map[string]map[string]interface{}
	requests    []RecordedRequest
	bindingSeq  int
	binding     string
	focusResult bool
	picture     []byte
	chunks      [][]byte
	finalizeErr string
	recordings  map[string]time.Time
	identifies  int
}

// RecordedRequest is one request the daemon received.
type RecordedRequest struct {
	Type string
	Data map[string]interface{}
}

// Failure modes
const (
	ModeNormal     = "normal"
	ModeCode204    = "code204"
	ModeBusy       = "busy"
	ModeTimeout    = "timeout"
	ModeDisconnect = "disconnect"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewMockCameraDaemon creates a mock daemon with a back and a front camera.
func NewMockCameraDaemon() *MockCameraDaemon {
	return &MockCameraDaemon{
		mode:        ModeNormal,
		version:     "1.4.0",
		rpcVersion:  1,
		responses:   make(map[string]map[string]interface{}),
		focusResult: true,
		picture:     []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0xFF, 0xD9},
		recordings:  make(map[string]time.Time),
	}
}

// Start begins listening on a dynamic port
func (m *MockCameraDaemon) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	m.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", m.handleWebSocket)
	m.server = &http.Server{Handler: mux}

	go func() {
		_ = m.server.Serve(m.listener)
	}()
	return nil
}

// Stop shuts down the server
func (m *MockCameraDaemon) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.server != nil {
		_ = m.server.Close()
	}
	m.connected = false
	return nil
}

// Addr returns the listening address
func (m *MockCameraDaemon) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// URL returns the websocket URL clients dial.
func (m *MockCameraDaemon) URL() string {
	return "ws://" + m.Addr()
}

// SetFailureMode configures how requests are answered
func (m *MockCameraDaemon) SetFailureMode(mode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// SetPassword requires authentication with password.
func (m *MockCameraDaemon) SetPassword(password string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.password = password
}

// SetVersion changes what Hello and GetVersion report.
func (m *MockCameraDaemon) SetVersion(version string, rpc int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version = version
	m.rpcVersion = rpc
}

// SetFocusResult sets the success flag of FocusCompleted events.
func (m *MockCameraDaemon) SetFocusResult(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.focusResult = ok
}

// SetPicture sets the bytes TakePicture returns.
func (m *MockCameraDaemon) SetPicture(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.picture = data
}

// SetRecordingChunks sets the chunks streamed when a recording stops.
func (m *MockCameraDaemon) SetRecordingChunks(chunks ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = chunks
}

// SetFinalizeError makes the next finalizes report msg.
func (m *MockCameraDaemon) SetFinalizeError(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalizeErr = msg
}

// QueueResponse overrides the responseData of a request type.
func (m *MockCameraDaemon) QueueResponse(requestType string, data map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[requestType] = data
}

// Requests returns the requests received so far.
func (m *MockCameraDaemon) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedRequest(nil), m.requests...)
}

// RequestTypes returns the types of the requests received so far.
func (m *MockCameraDaemon) RequestTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.requests))
	for i, r := range m.requests {
		out[i] = r.Type
	}
	return out
}

// Binding returns the currently held binding id, or "".
func (m *MockCameraDaemon) Binding() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.binding
}

// Identifies counts completed handshakes.
func (m *MockCameraDaemon) Identifies() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identifies
}

// Connected returns whether a client is currently connected
func (m *MockCameraDaemon) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// EmitEvent pushes an event to the connected client.
func (m *MockCameraDaemon) EmitEvent(eventType string, data map[string]interface{}) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("no client connected")
	}
	return m.write(conn, event(eventType, data))
}

// EmitStatus reports the recorded duration of a live recording.
func (m *MockCameraDaemon) EmitStatus(recordingID string, ms int64) error {
	return m.EmitEvent("RecordStatus", map[string]interface{}{"recordingId": recordingID, "durationMs": ms})
}

// Drop closes the client connection with code.
func (m *MockCameraDaemon) Drop(code int) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}
	m.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, "dropped"), time.Now().Add(time.Second))
	m.writeMu.Unlock()
	_ = conn.Close()
}

func (m *MockCameraDaemon) write(conn *websocket.Conn, msg map[string]interface{}) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

func (m *MockCameraDaemon) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.conn = conn
	m.connected = true
	password := m.password
	hello := map[string]interface{}{
		"daemonVersion": m.version,
		"rpcVersion":    m.rpcVersion,
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
			m.connected = false
			m.binding = ""
		}
		m.mu.Unlock()
		_ = conn.Close()
	}()

	const challenge, salt = "testchallenge", "testsalt"
	if password != "" {
		hello["authentication"] = map[string]interface{}{"challenge": challenge, "salt": salt}
	}
	if err := m.write(conn, map[string]interface{}{"op": 0, "d": hello}); err != nil {
		return
	}

	var identify struct {
		Op int `json:"op"`
		D  struct {
			Authentication string `json:"authentication"`
		} `json:"d"`
	}
	if err := conn.ReadJSON(&identify); err != nil || identify.Op != 1 {
		return
	}
	if password != "" && identify.D.Authentication != authResponse(password, salt, challenge) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(4008, "authentication failed"), time.Now().Add(time.Second))
		return
	}
	if err := m.write(conn, map[string]interface{}{"op": 2, "d": map[string]interface{}{"negotiatedRpcVersion": 1}}); err != nil {
		return
	}
	m.mu.Lock()
	m.identifies++
	m.mu.Unlock()

	for {
		var msg struct {
			Op int `json:"op"`
			D  struct {
				RequestType string                 `json:"requestType"`
				RequestID   string                 `json:"requestId"`
				RequestData map[string]interface{} `json:"requestData"`
			} `json:"d"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Op != 6 {
			continue
		}

		m.mu.Lock()
		mode := m.mode
		m.requests = append(m.requests, RecordedRequest{Type: msg.D.RequestType, Data: msg.D.RequestData})
		m.mu.Unlock()

		switch mode {
		case ModeTimeout:
			continue
		case ModeDisconnect:
			return
		}

		resp, followUps := m.handleRequest(mode, msg.D.RequestType, msg.D.RequestData)
		resp["requestType"] = msg.D.RequestType
		resp["requestId"] = msg.D.RequestID
		if err := m.write(conn, map[string]interface{}{"op": 7, "d": resp}); err != nil {
			return
		}
		for _, f := range followUps {
			if err := m.write(conn, f); err != nil {
				return
			}
		}
	}
}

// handleRequest builds the response body and the events that follow it.
func (m *MockCameraDaemon) handleRequest(mode, requestType string, data map[string]interface{}) (map[string]interface{}, []map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch mode {
	case ModeCode204:
		return status(false, 204, "InvalidRequestType", nil), nil
	case ModeBusy:
		if requestType == "Bind" {
			return status(false, 409, "camera in use", nil), nil
		}
	}

	if queued, ok := m.responses[requestType]; ok {
		return status(true, 100, "", queued), nil
	}

	str := func(key string) string {
		v, _ := data[key].(string)
		return v
	}

	switch requestType {
	case "GetVersion":
		return status(true, 100, "", map[string]interface{}{
			"daemonVersion": m.version,
			"rpcVersion":    m.rpcVersion,
			"cameras":       []string{"back", "front"},
		}), nil

	case "Bind":
		if m.binding != "" {
			return status(false, 409, "camera already bound", nil), nil
		}
		m.bindingSeq++
		m.binding = fmt.Sprintf("binding-%d", m.bindingSeq)
		return status(true, 100, "", map[string]interface{}{
			"bindingId": m.binding,
			"previewId": fmt.Sprintf("preview-%s-%d", str("selector"), m.bindingSeq),
		}), nil

	case "UnbindAll":
		m.binding = ""
		return status(true, 100, "", nil), nil

	case "FocusAndMeter":
		if !m.bound(str("bindingId")) {
			return status(false, 404, "unknown binding", nil), nil
		}
		return status(true, 100, "", nil), []map[string]interface{}{
			event("FocusCompleted", map[string]interface{}{"focusId": str("focusId"), "success": m.focusResult}),
		}

	case "SetLinearZoom":
		if !m.bound(str("bindingId")) {
			return status(false, 404, "unknown binding", nil), nil
		}
		return status(true, 100, "", nil), nil

	case "TakePicture":
		if !m.bound(str("bindingId")) {
			return status(false, 404, "unknown binding", nil), nil
		}
		return status(true, 100, "", map[string]interface{}{"data": m.picture}), nil

	case "StartRecording":
		if !m.bound(str("bindingId")) {
			return status(false, 404, "unknown binding", nil), nil
		}
		id := str("recordingId")
		m.recordings[id] = time.Now()
		return status(true, 100, "", nil), []map[string]interface{}{
			event("RecordStarted", map[string]interface{}{"recordingId": id}),
		}

	case "StopRecording":
		id := str("recordingId")
		started, ok := m.recordings[id]
		if !ok {
			return status(false, 404, "unknown recording", nil), nil
		}
		delete(m.recordings, id)
		var events []map[string]interface{}
		for _, c := range m.chunks {
			events = append(events, event("RecordChunk", map[string]interface{}{"recordingId": id, "data": c}))
		}
		fin := map[string]interface{}{"recordingId": id, "durationMs": time.Since(started).Milliseconds()}
		if m.finalizeErr != "" {
			fin["error"] = m.finalizeErr
		}
		events = append(events, event("RecordFinalized", fin))
		return status(true, 100, "", nil), events

	case "CloseRecording":
		delete(m.recordings, str("recordingId"))
		return status(true, 100, "", nil), nil
	}

	return status(false, 600, "Unknown request", nil), nil
}

func (m *MockCameraDaemon) bound(id string) bool {
	return id != "" && id == m.binding
}

func status(ok bool, code int, comment string, data map[string]interface{}) map[string]interface{} {
	resp := map[string]interface{}{
		"requestStatus": map[string]interface{}{
			"result":  ok,
			"code":    code,
			"comment": comment,
		},
	}
	if data != nil {
		resp["responseData"] = data
	}
	return resp
}

func event(eventType string, data map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"op": 5,
		"d": map[string]interface{}{
			"eventType": eventType,
			"eventData": data,
		},
	}
}

func authResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	auth := sha256.Sum256([]byte(base64.StdEncoding.EncodeToString(secret[:]) + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}

// RequestsOfType filters Requests by type.
func (m *MockCameraDaemon) RequestsOfType(requestType string) []RecordedRequest {
	var out []RecordedRequest
	for _, r := range m.Requests() {
		if strings.EqualFold(r.Type, requestType) {
			out = append(out, r)
		}
	}
	return out
}

// MarshalRequests renders the request log for failure messages.
func (m *MockCameraDaemon) MarshalRequests() string {
	b, _ := json.Marshal(m.Requests())
	return string(b)
}
