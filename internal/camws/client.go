package camws

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiroq/shutter/internal/diaglog"
)

var (
	// ErrNotConnected is returned by requests issued while the session is down.
	ErrNotConnected = errors.New("camera daemon not connected")
	// ErrClosed is returned once Disconnect has been called.
	ErrClosed = errors.New("camera daemon client closed")
	// ErrConnectionLost fails requests whose connection dropped before a response.
	ErrConnectionLost = errors.New("camera daemon connection lost")
)

// CloseSessionInvalidated is sent by the daemon when another client took over
// the camera.
const CloseSessionInvalidated = 4009

// ConnectionState is the cached view of the daemon session.
type ConnectionState struct {
	Status        string    `json:"status"` // "connected", "disconnected"
	DaemonVersion string    `json:"daemon_version"`
	RPCVersion    int       `json:"rpc_version"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Client is a camera daemon websocket client.
type Client struct {
	url         string
	password    string
	conn        *websocket.Conn
	connDone    chan struct{} // closed when conn goes away
	mu          sync.RWMutex
	writeMu     sync.Mutex
	connected   bool
	identified  bool
	readyCh     chan struct{}
	readyClosed bool
	requestID   int
	requestIDMu sync.Mutex
	responses   map[int]chan *Response
	responseMu  sync.RWMutex

	logger   *diaglog.Logger
	loggerMu sync.RWMutex

	handlersMu         sync.RWMutex
	eventHandlers      []func(Event)
	disconnectHandlers []func()

	state   ConnectionState
	stateMu sync.RWMutex

	reconnectMu      sync.Mutex
	reconnectEnabled bool
	reconnecting     bool
	reconnectDelay   time.Duration
	requestTimeout   time.Duration
	stopChan         chan struct{}
	stopOnce         sync.Once

	identifiedChan chan struct{}
	helloChan      chan *HelloData
	helloErrChan   chan error
}

// Message is the websocket envelope.
type Message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type HelloData struct {
	DaemonVersion  string `json:"daemonVersion"`
	RPCVersion     int    `json:"rpcVersion"`
	Authentication struct {
		Challenge string `json:"challenge"`
		Salt      string `json:"salt"`
	} `json:"authentication"`
}

type IdentifyData struct {
	RPCVersion         int    `json:"rpcVersion"`
	Authentication     string `json:"authentication,omitempty"`
	EventSubscriptions int    `json:"eventSubscriptions"`
}

type Request struct {
	RequestType string      `json:"requestType"`
	RequestID   string      `json:"requestId"`
	RequestData interface{} `json:"requestData,omitempty"`
}

type Response struct {
	RequestType   string `json:"requestType"`
	RequestID     string `json:"requestId"`
	RequestStatus struct {
		Result  bool   `json:"result"`
		Code    int    `json:"code"`
		Comment string `json:"comment,omitempty"`
	} `json:"requestStatus"`
	ResponseData json.RawMessage `json:"responseData,omitempty"`
}

type Event struct {
	EventType string          `json:"eventType"`
	EventData json.RawMessage `json:"eventData,omitempty"`
}

// RequestError is a request the daemon answered with a failed status.
type RequestError struct {
	RequestType string
	Code        int
	Comment     string
}

func (e *RequestError) Error() string {
	if e.Code == CodeInvalidRequest {
		return fmt.Sprintf("daemon rejected request type '%s' (code %d: InvalidRequest); the daemon protocol is likely incompatible. %s", e.RequestType, e.Code, e.Comment)
	}
	return fmt.Sprintf("request failed: %s (request: %s, code: %d)", e.Comment, e.RequestType, e.Code)
}

// OpCodes for the websocket protocol
const (
	OpHello           = 0
	OpIdentify        = 1
	OpIdentified      = 2
	OpEvent           = 5
	OpRequest         = 6
	OpRequestResponse = 7
)

// Request status codes
const (
	CodeSuccess        = 100
	CodeInvalidRequest = 204
	CodeCameraBusy     = 409
)

// Event subscription flags
const (
	EventSubscriptionRecording = 1 << 0
	EventSubscriptionFocus     = 1 << 1
	EventSubscriptionAll       = EventSubscriptionRecording | EventSubscriptionFocus
)

// RPCVersion is the protocol revision this client speaks.
const RPCVersion = 1

// NewClient creates a new camera daemon client
func NewClient(url, password string) *Client {
	return &Client{
		url:              url,
		password:         password,
		readyCh:          make(chan struct{}),
		responses:        make(map[int]chan *Response),
		reconnectEnabled: true,
		reconnectDelay:   5 * time.Second,
		requestTimeout:   10 * time.Second,
		stopChan:         make(chan struct{}),
		identifiedChan:   make(chan struct{}, 1),
		helloChan:        make(chan *HelloData, 1),
		helloErrChan:     make(chan error, 1),
		state: ConnectionState{
			Status:      "disconnected",
			LastUpdated: time.Now(),
		},
	}
}

// Start connects and, if the first attempt fails, keeps retrying in the
// background. It returns the first attempt's error.
func (c *Client) Start() error {
	err := c.Connect()
	if err != nil {
		go c.reconnect()
	}
	return err
}

// Connect establishes the websocket connection and authenticates
func (c *Client) Connect() error {
	select {
	case <-c.stopChan:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
	if err != nil {
		c.updateState("disconnected", "", 0)
		return fmt.Errorf("failed to connect: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.connDone = done
	c.connected = true
	c.mu.Unlock()

	// Drain stale handshake signals from a previous session.
	select {
	case <-c.identifiedChan:
	default:
	}
	select {
	case <-c.helloChan:
	default:
	}
	select {
	case <-c.helloErrChan:
	default:
	}

	go c.readMessages(conn, done)

	select {
	case hello := <-c.helloChan:
		return c.authenticate(conn, done, hello)
	case err := <-c.helloErrChan:
		c.disconnect(conn)
		return err
	case <-done:
		return fmt.Errorf("connection closed before Hello: %w", ErrConnectionLost)
	case <-time.After(c.requestTimeout):
		c.disconnect(conn)
		return fmt.Errorf("timeout waiting for Hello message")
	}
}

// authenticate sends Identify with the auth response
func (c *Client) authenticate(conn *websocket.Conn, done <-chan struct{}, hello *HelloData) error {
	identify := IdentifyData{
		RPCVersion:         RPCVersion,
		EventSubscriptions: EventSubscriptionAll,
	}

	if hello.Authentication.Challenge != "" && c.password != "" {
		identify.Authentication = AuthResponse(c.password, hello.Authentication.Salt, hello.Authentication.Challenge)
	}

	msg := Message{Op: OpIdentify}
	msg.D, _ = json.Marshal(identify)

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.disconnect(conn)
		return err
	}

	select {
	case <-c.identifiedChan:
		c.mu.Lock()
		if c.conn != conn {
			c.mu.Unlock()
			return fmt.Errorf("handshake interrupted: %w", ErrConnectionLost)
		}
		c.identified = true
		if !c.readyClosed {
			close(c.readyCh)
			c.readyClosed = true
		}
		c.mu.Unlock()
		c.updateState("connected", hello.DaemonVersion, hello.RPCVersion)
		c.log(diaglog.LogEntry{
			Event:   diaglog.EventWSConnect,
			Payload: map[string]interface{}{"daemon_version": hello.DaemonVersion, "rpc_version": hello.RPCVersion},
		})
		return nil
	case <-done:
		return fmt.Errorf("handshake rejected: %w", ErrConnectionLost)
	case <-time.After(c.requestTimeout):
		c.disconnect(conn)
		return fmt.Errorf("timeout waiting for Identified message")
	}
}

// AuthResponse computes base64(sha256(base64(sha256(password+salt)) + challenge)).
func AuthResponse(password, salt, challenge string) string {
	secret := sha256.Sum256([]byte(password + salt))
	secretB64 := base64.StdEncoding.EncodeToString(secret[:])
	auth := sha256.Sum256([]byte(secretB64 + challenge))
	return base64.StdEncoding.EncodeToString(auth[:])
}

// readMessages reads and dispatches messages of one connection
func (c *Client) readMessages(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		wasIdentified := c.disconnect(conn)
		if wasIdentified {
			c.notifyDisconnected()
		}
		if c.reconnectAllowed() {
			c.reconnect()
		}
	}()

	for {
		select {
		case <-c.stopChan:
			return
		default:
		}

		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == CloseSessionInvalidated {
				c.log(diaglog.LogEntry{
					Event:   diaglog.EventWSDisconnect,
					Reason:  "session_invalidated",
					Payload: map[string]interface{}{"close_code": closeErr.Code, "text": closeErr.Text},
				})
			}
			return
		}

		switch msg.Op {
		case OpHello:
			var hello HelloData
			if err := json.Unmarshal(msg.D, &hello); err != nil {
				select {
				case c.helloErrChan <- err:
				default:
				}
				return
			}
			select {
			case c.helloChan <- &hello:
			default:
			}

		case OpIdentified:
			select {
			case c.identifiedChan <- struct{}{}:
			default:
			}

		case OpEvent:
			var event Event
			if err := json.Unmarshal(msg.D, &event); err == nil {
				c.log(diaglog.LogEntry{
					Event:   diaglog.EventWSRecv,
					Payload: map[string]interface{}{"event_type": event.EventType},
				})
				c.dispatchEvent(event)
			}

		case OpRequestResponse:
			var resp Response
			if err := json.Unmarshal(msg.D, &resp); err == nil {
				c.log(diaglog.LogEntry{
					Event: diaglog.EventWSRecv,
					Payload: map[string]interface{}{
						"request_type": resp.RequestType,
						"request_id":   resp.RequestID,
						"result":       resp.RequestStatus.Result,
						"code":         resp.RequestStatus.Code,
					},
				})
				c.handleResponse(&resp)
			}
		}
	}
}

// dispatchEvent runs every handler on the reader goroutine. Handlers must not
// issue requests inline.
func (c *Client) dispatchEvent(event Event) {
	c.handlersMu.RLock()
	handlers := append([]func(Event){}, c.eventHandlers...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}

func (c *Client) notifyDisconnected() {
	c.handlersMu.RLock()
	handlers := append([]func(){}, c.disconnectHandlers...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

// handleResponse routes responses to waiting request channels
func (c *Client) handleResponse(resp *Response) {
	c.responseMu.RLock()
	defer c.responseMu.RUnlock()

	var id int
	if _, err := fmt.Sscanf(resp.RequestID, "%d", &id); err != nil {
		log.Printf("Warning: failed to parse request ID: %v", err)
		return
	}

	if ch, ok := c.responses[id]; ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

// sendRequest sends a request and waits for its response
func (c *Client) sendRequest(ctx context.Context, requestType string, requestData interface{}) (*Response, error) {
	c.mu.RLock()
	if !c.connected || !c.identified {
		c.mu.RUnlock()
		return nil, fmt.Errorf("%s: %w", requestType, ErrNotConnected)
	}
	conn := c.conn
	connDone := c.connDone
	c.mu.RUnlock()

	c.requestIDMu.Lock()
	c.requestID++
	id := c.requestID
	c.requestIDMu.Unlock()
	requestID := fmt.Sprintf("%d", id)

	req := Request{
		RequestType: requestType,
		RequestID:   requestID,
		RequestData: requestData,
	}

	msg := Message{Op: OpRequest}
	msg.D, _ = json.Marshal(req)

	c.log(diaglog.LogEntry{
		Event:   diaglog.EventWSSend,
		Payload: map[string]interface{}{"request_type": requestType, "request_id": requestID},
	})

	respChan := make(chan *Response, 1)
	c.responseMu.Lock()
	c.responses[id] = respChan
	c.responseMu.Unlock()

	defer func() {
		c.responseMu.Lock()
		delete(c.responses, id)
		c.responseMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", requestType, err)
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if !resp.RequestStatus.Result {
			return nil, &RequestError{
				RequestType: requestType,
				Code:        resp.RequestStatus.Code,
				Comment:     resp.RequestStatus.Comment,
			}
		}
		return resp, nil
	case <-connDone:
		return nil, fmt.Errorf("%s: %w", requestType, ErrConnectionLost)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("request timeout after %s (request: %s)", c.requestTimeout, requestType)
	}
}

// disconnect tears down conn if it is still the current connection. It
// reports whether the torn-down session had been identified.
func (c *Client) disconnect(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn != conn {
		return false
	}
	wasIdentified := c.identified

	c.log(diaglog.LogEntry{
		Event:   diaglog.EventWSDisconnect,
		Payload: map[string]interface{}{"url": c.url},
	})
	if err := c.conn.Close(); err != nil {
		log.Printf("Warning: failed to close connection: %v", err)
	}
	close(c.connDone)
	c.conn = nil
	c.connDone = nil
	c.connected = false
	c.identified = false
	if c.readyClosed {
		c.readyCh = make(chan struct{})
		c.readyClosed = false
	}

	c.updateState("disconnected", "", 0)
	return wasIdentified
}

func (c *Client) reconnectAllowed() bool {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()
	select {
	case <-c.stopChan:
		return false
	default:
	}
	return c.reconnectEnabled
}

// reconnect retries with exponential backoff and jitter until connected or
// stopped. Only one loop runs at a time.
func (c *Client) reconnect() {
	c.reconnectMu.Lock()
	if c.reconnecting {
		c.reconnectMu.Unlock()
		return
	}
	c.reconnecting = true
	delay := c.reconnectDelay
	c.reconnectMu.Unlock()

	defer func() {
		c.reconnectMu.Lock()
		c.reconnecting = false
		c.reconnectMu.Unlock()
	}()

	// Reconnecting never rebinds the camera; the session layer owns bindings.
	attempt := 0
	for {
		select {
		case <-c.stopChan:
			return
		case <-time.After(delay):
			attempt++
			c.log(diaglog.LogEntry{
				Event:     diaglog.EventWSReconnectAttempt,
				Component: diaglog.ComponentReconnect,
				Payload:   map[string]interface{}{"attempt": attempt, "delay_ms": delay.Milliseconds()},
			})
			if err := c.Connect(); err == nil {
				c.log(diaglog.LogEntry{
					Event:     diaglog.EventWSReconnectSuccess,
					Component: diaglog.ComponentReconnect,
					Payload:   map[string]interface{}{"attempt": attempt},
				})
				log.Printf("[RECONNECT] Successfully reconnected on attempt %d", attempt)
				return
			} else {
				c.log(diaglog.LogEntry{
					Event:     diaglog.EventWSReconnectFailed,
					Component: diaglog.ComponentReconnect,
					Payload:   map[string]interface{}{"attempt": attempt, "error": err.Error()},
				})
			}

			delay = nextDelay(delay)
		}
	}
}

// nextDelay doubles d up to a minute and adds ±10% jitter, never below one second.
func nextDelay(d time.Duration) time.Duration {
	d *= 2
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	d += time.Duration(float64(d) * 0.2 * (rand.Float64() - 0.5))
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (c *Client) updateState(status, version string, rpc int) {
	c.stateMu.Lock()
	c.state.Status = status
	c.state.DaemonVersion = version
	c.state.RPCVersion = rpc
	c.state.LastUpdated = time.Now()
	c.stateMu.Unlock()
}

// Disconnect closes the connection and stops reconnection
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		c.disconnect(conn)
	}
}

// Ready blocks until the session is identified.
func (c *Client) Ready(ctx context.Context) error {
	for {
		c.mu.RLock()
		ready := c.connected && c.identified
		ch := c.readyCh
		c.mu.RUnlock()
		if ready {
			return nil
		}
		select {
		case <-ch:
		case <-c.stopChan:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SetLogger injects a diaglog.Logger. Passing nil disables structured logging.
func (c *Client) SetLogger(l *diaglog.Logger) {
	c.loggerMu.Lock()
	c.logger = l
	c.loggerMu.Unlock()
}

// log emits entry when a logger is set. Component defaults to ComponentCamWS.
func (c *Client) log(entry diaglog.LogEntry) {
	c.loggerMu.RLock()
	l := c.logger
	c.loggerMu.RUnlock()
	if l == nil {
		return
	}
	if entry.Component == "" {
		entry.Component = diaglog.ComponentCamWS
	}
	l.Log(entry)
}

// SetReconnectEnabled enables/disables automatic reconnection
func (c *Client) SetReconnectEnabled(enabled bool) {
	c.reconnectMu.Lock()
	c.reconnectEnabled = enabled
	c.reconnectMu.Unlock()
}

// SetReconnectDelay sets the first retry delay.
func (c *Client) SetReconnectDelay(d time.Duration) {
	c.reconnectMu.Lock()
	c.reconnectDelay = d
	c.reconnectMu.Unlock()
}

// SetRequestTimeout bounds handshakes and request round trips.
func (c *Client) SetRequestTimeout(d time.Duration) {
	c.requestTimeout = d
}

// OnEvent registers a handler for daemon events.
func (c *Client) OnEvent(handler func(Event)) {
	c.handlersMu.Lock()
	c.eventHandlers = append(c.eventHandlers, handler)
	c.handlersMu.Unlock()
}

// OnDisconnected registers a handler run when an identified session drops.
func (c *Client) OnDisconnected(handler func()) {
	c.handlersMu.Lock()
	c.disconnectHandlers = append(c.disconnectHandlers, handler)
	c.handlersMu.Unlock()
}

// IsConnected returns current connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.identified
}

// State returns the cached connection state.
func (c *Client) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}
