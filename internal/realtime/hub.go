package realtime

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Snapshotter supplies the events a freshly joined client needs so it is
// never blank: current status, and the pending QR if there is one.
type Snapshotter interface {
	JoinEvents(tenant int64) []Event
}

// joinRequest is the only inbound frame: {"action":"join","tenant_id":"12"}
type joinRequest struct {
	Action   string      `json:"action"`
	TenantID interface{} `json:"tenant_id"`
}

// Client one websocket connection
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan Event
	authTenant int64

	mu     sync.Mutex
	tenant int64
	closed bool
}

// Hub keeps websocket clients in per-tenant rooms and bridges the
// multiplexer's tenant topics to them.
type Hub struct {
	mux      *Multiplexer
	snap     Snapshotter
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[int64]map[*Client]struct{}

	dropped int64
}

func NewHub(mux *Multiplexer, snap Snapshotter) *Hub {
	return &Hub{
		mux:  mux,
		snap: snap,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		rooms: make(map[int64]map[*Client]struct{}),
	}
}

// ServeWS upgrades the request. authTenant is the tenant the HTTP layer
// authenticated; a join for any other tenant is refused. Zero disables the
// check.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, authTenant int64) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("realtime: websocket upgrade failed", zap.Error(err))
		return err
	}
	c := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan Event, sendBuffer),
		authTenant: authTenant,
	}
	go c.writePump()
	go c.readPump()
	return nil
}

// RoomSize reports connected clients for tenant.
func (h *Hub) RoomSize(tenant int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[tenant])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*Client
	for _, room := range h.rooms {
		for c := range room {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}

func (h *Hub) join(c *Client, tenant int64) {
	h.leave(c)

	h.mu.Lock()
	room, exists := h.rooms[tenant]
	if !exists {
		room = make(map[*Client]struct{})
		h.rooms[tenant] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()

	c.mu.Lock()
	c.tenant = tenant
	c.mu.Unlock()

	// subscribe outside h.mu: the bus holds its own lock while calling deliver
	if !exists {
		if err := h.mux.Subscribe(tenant, h.deliver); err != nil {
			zap.L().Warn("realtime: subscribe failed", zap.Int64("tenant", tenant), zap.Error(err))
		}
	}

	if h.snap != nil {
		for _, ev := range h.snap.JoinEvents(tenant) {
			c.enqueue(ev)
		}
	}
	zap.L().Debug("realtime: client joined", zap.Int64("tenant", tenant))
}

func (h *Hub) leave(c *Client) {
	c.mu.Lock()
	tenant := c.tenant
	c.tenant = 0
	c.mu.Unlock()
	if tenant == 0 {
		return
	}

	h.mu.Lock()
	room := h.rooms[tenant]
	delete(room, c)
	empty := len(room) == 0
	if empty {
		delete(h.rooms, tenant)
	}
	h.mu.Unlock()

	if empty {
		_ = h.mux.Unsubscribe(tenant, h.deliver)
	}
}

// deliver runs on the publisher's goroutine; it never blocks.
func (h *Hub) deliver(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[ev.Tenant] {
		if !c.enqueue(ev) {
			h.dropped++
			zap.L().Warn("realtime: slow client, frame dropped",
				zap.Int64("tenant", ev.Tenant),
				zap.String("event", ev.Name),
				zap.Int64("dropped_total", h.dropped),
			)
		}
	}
}

func (c *Client) enqueue(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.close()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var req joinRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				zap.L().Debug("realtime: read failed", zap.Error(err))
			}
			return
		}
		if req.Action != "join" {
			continue
		}
		tenant, err := cast.ToInt64E(req.TenantID)
		if err != nil || tenant <= 0 {
			c.enqueue(Event{Name: "error", Payload: map[string]string{"error": "invalid tenant_id"}, At: time.Now()})
			continue
		}
		if c.authTenant != 0 && tenant != c.authTenant {
			zap.L().Warn("realtime: cross-tenant join refused",
				zap.Int64("auth_tenant", c.authTenant),
				zap.Int64("requested", tenant),
			)
			c.enqueue(Event{Name: "error", Payload: map[string]string{"error": "forbidden"}, At: time.Now()})
			continue
		}
		c.hub.join(c, tenant)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
