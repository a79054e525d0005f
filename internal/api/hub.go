package api

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"sleepwake/internal/sleepwake"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second

	sendBuffer      = 32
	broadcastBuffer = 128
)

// envelope is the wire format of every websocket frame
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

type stateChangedData struct {
	State    string `json:"state"`
	Previous string `json:"previous"`
	RunID    string `json:"run_id,omitempty"`
	Activity string `json:"activity,omitempty"`
}

type rampStepData struct {
	RunID    string `json:"run_id"`
	Activity string `json:"activity"`
	Step     int    `json:"step"`
	Volume   int    `json:"volume"`
}

type rampFinishedData struct {
	RunID    string `json:"run_id"`
	Activity string `json:"activity"`
	Steps    int    `json:"steps"`
	Status   string `json:"status"`
}

func encodeEnvelope(typ string, ts time.Time, data any) ([]byte, error) {
	ts = ts.UTC()
	return json.Marshal(envelope{Type: typ, Ts: &ts, Data: data})
}

// encodeEvent converts a coordinator event to a websocket frame
func encodeEvent(ev sleepwake.Event) ([]byte, bool) {
	var data any
	switch ev.Type {
	case sleepwake.EventStateChanged:
		data = stateChangedData{
			State:    ev.State.String(),
			Previous: ev.Previous.String(),
			RunID:    ev.RunID,
			Activity: ev.Activity,
		}
	case sleepwake.EventRampStep:
		data = rampStepData{RunID: ev.RunID, Activity: ev.Activity, Step: ev.Step, Volume: ev.Volume}
	case sleepwake.EventRampFinished:
		data = rampFinishedData{RunID: ev.RunID, Activity: ev.Activity, Steps: ev.Step, Status: ev.Status}
	default:
		return nil, false
	}

	msg, err := encodeEnvelope(string(ev.Type), ev.Time, data)
	if err != nil {
		return nil, false
	}
	return msg, true
}

// Hub fans serialized frames out to connected websocket clients. Clients
// that cannot keep up are disconnected.
type Hub struct {
	logger    *zap.Logger
	broadcast chan []byte

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates a hub. Call Run to start delivering broadcasts.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:    logger.Named("ws"),
		broadcast: make(chan []byte, broadcastBuffer),
		clients:   make(map[*client]struct{}),
	}
}

// Run delivers broadcasts until ctx is cancelled, then disconnects everyone
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case msg := <-h.broadcast:
			var slow []*client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.remove(c, "slow_client")
			}
		}
	}
}

// Broadcast queues msg for every client. It never blocks; when the queue is
// full the frame is dropped.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Broadcast queue full, dropping frame", zap.Int("bytes", len(msg)))
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("Client connected", zap.String("remote_addr", c.remoteAddr), zap.Int("clients", n))
}

func (h *Hub) remove(c *client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		_ = c.conn.Close()
		h.logger.Info("Client disconnected",
			zap.String("remote_addr", c.remoteAddr),
			zap.String("reason", reason),
			zap.Int("clients", n))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		_ = c.conn.Close()
		close(c.send)
		delete(h.clients, c)
	}
}

type client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
}

func newClient(hub *Hub, conn *websocket.Conn, remoteAddr string) *client {
	return &client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		remoteAddr: remoteAddr,
	}
}

// writePump writes queued frames and keepalive pings. It exits on a write
// error or when the hub closes send.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("write", err)
				c.hub.remove(c, "write_error")
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("ping", err)
				c.hub.remove(c, "ping_error")
				return
			}
		}
	}
}

// readPump discards inbound frames so control frames are processed and
// disconnects are noticed
func (c *client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("read", err)
			c.hub.remove(c, "closed")
			return
		}
	}
}

func (c *client) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.hub.logger.Debug("Websocket closed",
			zap.String("pump", pump),
			zap.String("remote_addr", c.remoteAddr),
			zap.Int("code", ce.Code))
		return
	}
	c.hub.logger.Debug("Websocket error",
		zap.String("pump", pump),
		zap.String("remote_addr", c.remoteAddr),
		zap.Error(err))
}
