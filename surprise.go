// La Surprise websocket and HTTP surface.
//
// Rooms are created with an explicit request to /create, which returns a
// short code. Each participant then opens one websocket to /ws/:code and
// drives the game with a handful of commands:
// - join {name}     bind this connection to a fresh player (lobby only)
// - start           host only; bot-fill, deal, begin locking
// - restart         host only; fresh game in the same room after a finale
// - lock {cardId}   secretly commit one card from your own hand
// The server answers with hello/error messages and per-recipient state
// snapshots; everything else (rendering, audio, reveal animation) lives
// in the client.

package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// ClientMessage is the single envelope for all client->server commands.
type ClientMessage struct {
	Type   string `json:"type"`             // "join", "start", "restart", "lock"
	Name   string `json:"name,omitempty"`   // join
	CardID string `json:"cardId,omitempty"` // lock
}

type client struct {
	conn *websocket.Conn
	send chan any

	// playerID is set by the room loop when a join is accepted and read
	// by it afterwards; the pumps never touch it.
	playerID string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWS binds a websocket connection to the room named in the path.
// Rooms must already exist; this handler never creates one.
func serveWS(cfg *Config, gm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := strings.ToUpper(strings.TrimSpace(ps.ByName("code")))
		if code == "" {
			http.Error(w, "missing room code", http.StatusBadRequest)
			return
		}

		room := gm.getRoom(code)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		if room == nil {
			_ = conn.WriteJSON(errorMessage{Type: "error", Message: "Room not found. Create it first."})
			_ = conn.Close()
			return
		}

		c := &client{
			conn: conn,
			send: make(chan any, 8),
		}

		room.connect(c)

		go c.writePump()
		c.readPump(room)
	}
}

func (c *client) readPump(rm *Room) {
	defer func() {
		rm.disconnect(c)
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		rm.submit(c, msg)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func trimmedName(name string) string {
	return strings.TrimSpace(name)
}

// serveCreateRoom allocates a new room and returns its code. The table
// size is clamped to the supported range rather than rejected.
func serveCreateRoom(cfg *Config, gm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		size := 4
		if raw := r.URL.Query().Get("size"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil {
				size = parsed
			}
		}

		room := gm.createRoom(size)
		logf(cfg, "ROOMS: Created room %s (table size %d)", room.code, room.targetSize)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Code       string `json:"code"`
			TargetSize int    `json:"targetSize"`
		}{Code: room.code, TargetSize: room.targetSize})
	}
}

// qrHandler generates a PNG QR code pointing at the join link for a room.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := strings.ToUpper(strings.TrimSpace(ps.ByName("code")))
	if code == "" {
		http.Error(w, "missing room code", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	url := scheme + "://" + r.Host + "/?code=" + code

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// registerSurpriseGame sets up the game routes:
//   - /create           → allocate a room, returns {code, targetSize}
//   - /ws/:code         → per-room websocket
//   - /room/:code/qr    → PNG QR code for the join link
func registerSurpriseGame(cfg *Config, mux *httprouter.Router) {
	gm := newRoomManager(cfg)

	mux.GET(cfg.prefix+"/create", serveCreateRoom(cfg, gm))
	mux.GET(cfg.prefix+"/ws/:code", serveWS(cfg, gm))
	mux.GET(cfg.prefix+"/room/:code/qr", qrHandler)
}
