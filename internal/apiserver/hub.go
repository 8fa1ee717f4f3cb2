package apiserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	clientSendBuffer = 256
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingInterval     = 54 * time.Second
)

// event is one message pushed to every websocket subscriber: either a
// single application's sealed SyncResult or a sealed CycleSummary.
type event struct {
	Type      string      `json:"type"`
	CycleID   string      `json:"cycleId"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// hub fans live cycle events out to every connected websocket client,
// grounded on the teacher's WebSocketManager but narrowed to this
// service's single broadcast topic — there is no per-client subscription
// filtering, every client gets every event.
type hub struct {
	upgrader   websocket.Upgrader
	clients    map[*wsClient]struct{}
	clientsMu  sync.RWMutex
	broadcastC chan event
	registerC  chan *wsClient
	unregisterC chan *wsClient
	done       chan struct{}
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

func newHub() *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:     make(map[*wsClient]struct{}),
		broadcastC:  make(chan event, 256),
		registerC:   make(chan *wsClient, 32),
		unregisterC: make(chan *wsClient, 32),
		done:        make(chan struct{}),
	}
}

func (h *hub) run() {
	for {
		select {
		case <-h.done:
			h.clientsMu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
			}
			h.clients = nil
			h.clientsMu.Unlock()
			return

		case c := <-h.registerC:
			h.clientsMu.Lock()
			h.clients[c] = struct{}{}
			h.clientsMu.Unlock()

		case c := <-h.unregisterC:
			h.clientsMu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.clientsMu.Unlock()

		case ev := <-h.broadcastC:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			h.clientsMu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// slow consumer: drop it rather than block the hub.
					go func(c *wsClient) { h.unregisterC <- c }(c)
				}
			}
			h.clientsMu.RUnlock()
		}
	}
}

func (h *hub) stop() { close(h.done) }

func (h *hub) broadcast(ev event) {
	select {
	case h.broadcastC <- ev:
	default:
	}
}

func (h *hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.registerC <- c

	go h.writePump(c)
	go h.readPump(c)
}

// readPump drains (and discards) inbound frames purely to service the
// websocket control protocol — pongs, close frames — this surface is
// read-only and accepts no client-initiated messages.
func (h *hub) readPump(c *wsClient) {
	defer func() {
		h.unregisterC <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
