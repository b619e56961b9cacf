// Package streaming provides real-time WebSocket streaming of run progress.
package streaming

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hooplab/courtedge/pkg/metrics"
	"github.com/hooplab/courtedge/pkg/workflow"
)

// Application close codes, outside the reserved 1xxx range.
const (
	CloseAuthFailure        = 4001
	CloseTooManyConnections = 4003
)

// Subprotocol carrying the credential: the client offers
// "jwt.token.<token>" and the server echoes the bare prefix on accept.
// The token never appears in the URL or in logs.
const (
	authProtocolPrefix = "jwt.token."
	acceptedProtocol   = "jwt.token"
)

// ErrTooManyConnections is returned when an identity is at its limit.
var ErrTooManyConnections = errors.New("too many connections for identity")

// Authenticator validates a credential and resolves it to an identity.
type Authenticator interface {
	Authenticate(token string) (identity string, err error)
}

// RunReader supplies run snapshots for the on-connect catch-up message.
type RunReader interface {
	Get(id string) (workflow.Run, bool)
}

// HubConfig bounds connections and timing.
type HubConfig struct {
	MaxConnsPerIdentity int
	HeartbeatInterval   time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	SendBuffer          int
	// TerminalGrace is how long subscribers keep their connection after a
	// run reaches a terminal status, so the final events flush.
	TerminalGrace time.Duration
}

// DefaultHubConfig returns the production defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		MaxConnsPerIdentity: 2,
		HeartbeatInterval:   30 * time.Second,
		WriteTimeout:        10 * time.Second,
		ReadTimeout:         90 * time.Second,
		SendBuffer:          64,
		TerminalGrace:       5 * time.Second,
	}
}

// Hub fans orchestrator events out to per-run subscribers. It implements
// workflow.Publisher and never blocks the publishing side: a subscriber
// that cannot keep up is dropped.
type Hub struct {
	config HubConfig
	auth   Authenticator
	runs   RunReader
	m      *metrics.AnalysisMetrics // optional

	mu         sync.RWMutex
	subs       map[string]map[*conn]bool // run ID -> connections
	byIdentity map[string]int

	upgrader websocket.Upgrader
}

// conn is one subscriber connection.
type conn struct {
	ws       *websocket.Conn
	send     chan []byte
	runID    string
	identity string

	closeOnce sync.Once
}

// NewHub creates a hub. m may be nil.
func NewHub(config HubConfig, auth Authenticator, runs RunReader, m *metrics.AnalysisMetrics) *Hub {
	if config.MaxConnsPerIdentity <= 0 {
		config.MaxConnsPerIdentity = DefaultHubConfig().MaxConnsPerIdentity
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = DefaultHubConfig().SendBuffer
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHubConfig().HeartbeatInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultHubConfig().WriteTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultHubConfig().ReadTimeout
	}
	return &Hub{
		config:     config,
		auth:       auth,
		runs:       runs,
		m:          m,
		subs:       make(map[string]map[*conn]bool),
		byIdentity: make(map[string]int),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{acceptedProtocol},
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// snapshotMessage is the catch-up payload sent right after accept.
type snapshotMessage struct {
	Type string       `json:"type"`
	Run  workflow.Run `json:"run"`
}

// ServeWS upgrades the request and subscribes it to the run's events. The
// credential rides in the offered subprotocol, so rejections happen after
// the handshake with application close codes: 4001 for a bad credential,
// 4003 when the identity already holds its connection quota.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, runID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed: %v", err)
		return
	}

	identity, err := h.authenticate(r)
	if err != nil {
		log.Printf("[WS] auth rejected for run %s", runID)
		if h.m != nil {
			h.m.RecordWSRejection("auth")
		}
		closeWith(ws, CloseAuthFailure, "authentication failed")
		return
	}

	c := &conn{
		ws:       ws,
		send:     make(chan []byte, h.config.SendBuffer),
		runID:    runID,
		identity: identity,
	}

	if err := h.register(c); err != nil {
		log.Printf("[WS] connection limit reached for run %s", runID)
		if h.m != nil {
			h.m.RecordWSRejection("limit")
		}
		closeWith(ws, CloseTooManyConnections, "connection limit reached")
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// authenticate extracts the credential from the offered subprotocols.
func (h *Hub) authenticate(r *http.Request) (string, error) {
	for _, proto := range websocket.Subprotocols(r) {
		if token, ok := strings.CutPrefix(proto, authProtocolPrefix); ok && token != "" {
			return h.auth.Authenticate(token)
		}
	}
	return "", errors.New("missing credential subprotocol")
}

func (h *Hub) register(c *conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.byIdentity[c.identity] >= h.config.MaxConnsPerIdentity {
		return ErrTooManyConnections
	}
	if h.subs[c.runID] == nil {
		h.subs[c.runID] = make(map[*conn]bool)
	}
	h.subs[c.runID][c] = true
	h.byIdentity[c.identity]++
	if h.m != nil {
		h.m.WSConnections.WithLabelValues(c.runID).Inc()
	}

	// The snapshot is enqueued while still holding h.mu: nothing can close
	// the send channel until registration returns, and the fresh buffer
	// always has room.
	if run, ok := h.runs.Get(c.runID); ok {
		if data, err := json.Marshal(snapshotMessage{Type: "snapshot", Run: run}); err == nil {
			c.send <- data
		}
	}
	return nil
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

// dropLocked removes the connection and closes its send channel exactly
// once. Caller holds h.mu.
func (h *Hub) dropLocked(c *conn) {
	if !h.subs[c.runID][c] {
		return
	}
	delete(h.subs[c.runID], c)
	if len(h.subs[c.runID]) == 0 {
		delete(h.subs, c.runID)
	}
	if h.byIdentity[c.identity]--; h.byIdentity[c.identity] <= 0 {
		delete(h.byIdentity, c.identity)
	}
	c.closeOnce.Do(func() { close(c.send) })
	if h.m != nil {
		h.m.WSConnections.WithLabelValues(c.runID).Dec()
	}
}

// Publish implements workflow.Publisher. Events reach each subscriber in
// publish order; terminal events schedule a graceful close of the run's
// connections after the grace period.
func (h *Hub) Publish(runID string, ev workflow.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[WS] marshal event failed: %v", err)
		return
	}

	h.mu.Lock()
	for c := range h.subs[runID] {
		select {
		case c.send <- data:
		default:
			// Subscriber too slow, drop it.
			h.dropLocked(c)
		}
	}
	h.mu.Unlock()

	if ev.Type == workflow.EventComplete || ev.Type == workflow.EventError {
		time.AfterFunc(h.config.TerminalGrace, func() { h.CloseRun(runID) })
	}
}

// CloseRun cleanly closes every subscriber of a run.
func (h *Hub) CloseRun(runID string) {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.subs[runID]))
	for c := range h.subs[runID] {
		conns = append(conns, c)
	}
	for _, c := range conns {
		h.dropLocked(c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		closeWith(c.ws, websocket.CloseNormalClosure, "run finished")
	}
}

// SubscriberCount returns the number of connections for a run.
func (h *Hub) SubscriberCount(runID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[runID])
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *conn) {
	defer func() {
		h.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(512)
	c.ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] read error on run %s: %v", c.runID, err)
			}
			return
		}
	}
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(5 * time.Second)
	ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	ws.Close()
}
