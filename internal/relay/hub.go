// Package relay implements the development signaling server the role
// binaries and the end-to-end tests talk to: a WebSocket hub that assigns
// client ids, tracks camera registrations and viewers, and routes
// webrtc_signaling messages between peers, plus a small REST surface for
// registration and PIN pairing.
package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/viewbird/homecam/internal/signaling"
)

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

type cameraEntry struct {
	id        string
	name      string
	clientID  string
	streaming bool
	viewers   map[string]string // viewer id -> client id
}

// Hub routes signaling traffic between connected clients.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	cameras map[string]*cameraEntry
	aliases map[string]string // camera/viewer id -> client id
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		clients: make(map[string]*client),
		cameras: make(map[string]*cameraEntry),
		aliases: make(map[string]string),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleWebSocket upgrades the request and attaches the client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade", "err", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	go h.writePump(c)
	h.push(c, signaling.TypeClientID, signaling.ClientIDPayload{ClientID: c.id})
	go h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.detach(c)
		c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read", "client", c.id, "err", err)
			}
			return
		}

		var env signaling.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.log.Warn("malformed envelope", "client", c.id, "err", err)
			continue
		}
		h.route(c, env, data)
	}
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		}
	}
}

func (h *Hub) route(c *client, env signaling.Envelope, raw []byte) {
	switch env.Type {
	case signaling.TypeRegisterCamera:
		var p signaling.RegisterCameraPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		h.mu.Lock()
		h.cameras[p.ID] = &cameraEntry{
			id:       p.ID,
			name:     p.Name,
			clientID: c.id,
			viewers:  make(map[string]string),
		}
		h.aliases[p.ID] = c.id
		h.mu.Unlock()
		h.log.Info("camera registered", "camera", p.ID, "name", p.Name)
		h.broadcast(signaling.TypeCameraRegistered, signaling.CameraStatusPayload{ID: p.ID, Name: p.Name})

	case signaling.TypeUnregisterCamera:
		var p signaling.UnregisterCameraPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		h.mu.Lock()
		delete(h.cameras, p.ID)
		delete(h.aliases, p.ID)
		h.mu.Unlock()
		h.broadcast(signaling.TypeCameraDisconnected, signaling.CameraStatusPayload{ID: p.ID})

	case signaling.TypeStartStream:
		var p signaling.StreamControlPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		h.mu.Lock()
		if cam, ok := h.cameras[p.CameraID]; ok {
			cam.streaming = true
		}
		h.mu.Unlock()
		h.broadcast(signaling.TypeStreamStarted, signaling.StreamEventPayload{ID: p.CameraID, CameraID: p.CameraID})

	case signaling.TypeStopStream:
		var p signaling.StreamControlPayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		h.mu.Lock()
		if cam, ok := h.cameras[p.CameraID]; ok {
			cam.streaming = false
		}
		h.mu.Unlock()
		h.broadcast(signaling.TypeStreamStopped, signaling.StreamEventPayload{CameraID: p.CameraID})

	case signaling.TypeJoinStream:
		var p signaling.JoinLeavePayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		h.mu.Lock()
		cam, ok := h.cameras[p.CameraID]
		if ok {
			cam.viewers[p.ViewerID] = c.id
		}
		h.aliases[p.ViewerID] = c.id
		h.mu.Unlock()
		if !ok {
			h.push(c, signaling.TypeError, signaling.ErrorPayload{Message: "unknown camera: " + p.CameraID})
			return
		}
		h.push(c, signaling.TypeStreamJoined, signaling.StreamEventPayload{CameraID: p.CameraID, ViewerID: p.ViewerID})
		h.toAlias(p.CameraID, signaling.TypeViewerJoined, signaling.StreamEventPayload{CameraID: p.CameraID, ViewerID: p.ViewerID})
		h.fanoutCount(p.CameraID)

	case signaling.TypeLeaveStream:
		var p signaling.JoinLeavePayload
		if json.Unmarshal(env.Data, &p) != nil {
			return
		}
		h.mu.Lock()
		if cam, ok := h.cameras[p.CameraID]; ok {
			delete(cam.viewers, p.ViewerID)
		}
		h.mu.Unlock()
		h.toAlias(p.CameraID, signaling.TypeViewerLeft, signaling.StreamEventPayload{CameraID: p.CameraID, ViewerID: p.ViewerID})
		h.fanoutCount(p.CameraID)

	case signaling.TypeSignal:
		var s signaling.Signal
		if json.Unmarshal(env.Data, &s) != nil {
			return
		}
		h.mu.RLock()
		clientID, ok := h.aliases[s.To]
		target := h.clients[clientID]
		h.mu.RUnlock()
		if !ok || target == nil {
			h.log.Warn("signal for unknown peer", "to", s.To, "type", s.Type)
			return
		}
		h.deliver(target, raw)

	case signaling.TypeHeartbeat:
		h.push(c, signaling.TypePong, signaling.HeartbeatPayload{Timestamp: time.Now().UnixMilli()})

	default:
		h.log.Warn("unknown message type", "type", env.Type, "client", c.id)
	}
}

// detach removes a client, drops any cameras it registered and any viewer
// seats it held, and notifies the affected parties.
func (h *Hub) detach(c *client) {
	c.once.Do(func() { close(c.done) })

	h.mu.Lock()
	delete(h.clients, c.id)

	var droppedCameras []string
	type leftSeat struct{ cameraID, viewerID string }
	var leftSeats []leftSeat

	for id, cam := range h.cameras {
		if cam.clientID == c.id {
			delete(h.cameras, id)
			delete(h.aliases, id)
			droppedCameras = append(droppedCameras, id)
			continue
		}
		for viewerID, clientID := range cam.viewers {
			if clientID == c.id {
				delete(cam.viewers, viewerID)
				delete(h.aliases, viewerID)
				leftSeats = append(leftSeats, leftSeat{cam.id, viewerID})
			}
		}
	}
	h.mu.Unlock()

	for _, id := range droppedCameras {
		h.broadcast(signaling.TypeCameraDisconnected, signaling.CameraStatusPayload{ID: id})
	}
	for _, seat := range leftSeats {
		h.toAlias(seat.cameraID, signaling.TypeViewerLeft, signaling.StreamEventPayload{CameraID: seat.cameraID, ViewerID: seat.viewerID})
		h.fanoutCount(seat.cameraID)
	}
}

func (h *Hub) fanoutCount(cameraID string) {
	h.mu.RLock()
	cam, ok := h.cameras[cameraID]
	var count int
	var targets []*client
	if ok {
		count = len(cam.viewers)
		if owner := h.clients[cam.clientID]; owner != nil {
			targets = append(targets, owner)
		}
		for _, clientID := range cam.viewers {
			if viewer := h.clients[clientID]; viewer != nil {
				targets = append(targets, viewer)
			}
		}
	}
	h.mu.RUnlock()
	if !ok {
		return
	}

	data := marshal(signaling.TypeViewerCount, signaling.ViewerCountPayload{CameraID: cameraID, Count: count})
	for _, target := range targets {
		h.deliver(target, data)
	}
}

func (h *Hub) toAlias(id, msgType string, payload any) {
	h.mu.RLock()
	target := h.clients[h.aliases[id]]
	h.mu.RUnlock()
	if target == nil {
		return
	}
	h.deliver(target, marshal(msgType, payload))
}

func (h *Hub) broadcast(msgType string, payload any) {
	data := marshal(msgType, payload)
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.deliver(c, data)
	}
}

func (h *Hub) push(c *client, msgType string, payload any) {
	h.deliver(c, marshal(msgType, payload))
}

func (h *Hub) deliver(c *client, data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		// client buffer full, skip
	}
}

func marshal(msgType string, payload any) []byte {
	data, _ := json.Marshal(payload)
	env, _ := json.Marshal(signaling.Envelope{Type: msgType, Data: data})
	return env
}
