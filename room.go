// La Surprise game rooms.
//
// Each room is an isolated session identified by a short code. Players
// connect over a websocket, secretly lock one card per round, and the
// highest card (lowest on joker rounds) takes the point. All state for a
// room is owned by its run loop goroutine: connections, commands, and
// timer/bot/pacing events are delivered over channels and handled one at
// a time, so mutation between suspension points is serialized by
// construction.

package main

import (
	"crypto/rand"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Phase represents the lifecycle stage of a room.
type Phase string

const (
	// PhaseLobby is the pre-game state where players can join.
	PhaseLobby Phase = "lobby"
	// PhaseLockIn is the hidden-selection state where each player locks one card.
	PhaseLockIn Phase = "lock_in"
	// PhaseReveal is the state where locked cards are disclosed and scored.
	PhaseReveal Phase = "reveal"
	// PhaseFinished is the terminal state after the last round.
	PhaseFinished Phase = "finished"
)

const (
	minTableSize = 2
	maxTableSize = 6

	// historyLimit bounds the per-room round history, most recent first.
	historyLimit = 10
)

// Player holds server-side state for one seat, human or bot.
type Player struct {
	ID        string
	Name      string
	IsBot     bool
	Score     int
	WinStreak int
	Hand      []Card
	Locked    bool
}

// HistoryEntry records the outcome of a completed round.
type HistoryEntry struct {
	Round      int       `json:"round"`
	WinnerID   string    `json:"winnerId,omitempty"`
	Explosion  bool      `json:"explosion"`
	TopRank    int       `json:"topRank"`
	WinnerCard *cardView `json:"winnerCard,omitempty"`
	Points     int       `json:"points"`
	Joker      bool      `json:"joker"`
}

// roomEvent is an internal event delivered back into the room loop by a
// timer, bot delay, or pacing delay. Events carry the round they were
// scheduled in; stale fires are dropped by the handlers.
type roomEvent interface{ isRoomEvent() }

// dealEvent fires once the start delay after a start/restart command elapses.
type dealEvent struct{}

// botLockEvent fires when a bot's think delay elapses.
type botLockEvent struct {
	playerID string
	round    int
}

// lockTickEvent is one poll of the lock countdown.
type lockTickEvent struct{ round int }

// advanceEvent fires when the reveal pacing delay elapses.
type advanceEvent struct{ round int }

func (dealEvent) isRoomEvent()     {}
func (botLockEvent) isRoomEvent()  {}
func (lockTickEvent) isRoomEvent() {}
func (advanceEvent) isRoomEvent()  {}

type inboundMessage struct {
	client *client
	msg    ClientMessage
}

// Room holds authoritative state for one game session. Everything below
// the channel block is owned by run() and must not be touched elsewhere.
type Room struct {
	code       string
	targetSize int
	cfg        *Config
	rng        *mrand.Rand

	phase        Phase
	round        int
	roundsPlayed int
	hostID       string
	players      []*Player

	pendingPlays   map[string]Card
	lastReveal     *Reveal
	pendingAward   *award
	history        []HistoryEntry
	aftershockNext bool

	lockDeadline time.Time
	lockCancel   chan struct{}

	// Reentrancy guards across suspension points; see maybeStartReveal.
	starting  bool
	advancing bool

	clients map[*client]bool

	register chan *client
	unreg    chan *client
	inbound  chan inboundMessage
	events   chan roomEvent
	done     chan struct{}

	mu         sync.RWMutex
	lastActive time.Time
}

func newRoom(cfg *Config, code string, targetSize int, rng *mrand.Rand) *Room {
	now := time.Now()
	return &Room{
		code:         code,
		targetSize:   clampTableSize(targetSize),
		cfg:          cfg,
		rng:          rng,
		phase:        PhaseLobby,
		pendingPlays: make(map[string]Card),
		clients:      make(map[*client]bool),
		register:     make(chan *client),
		unreg:        make(chan *client),
		inbound:      make(chan inboundMessage),
		events:       make(chan roomEvent, 64),
		done:         make(chan struct{}),
		lastActive:   now,
	}
}

func clampTableSize(n int) int {
	return max(minTableSize, min(maxTableSize, n))
}

func (rm *Room) run(cfg *Config) {
	for {
		select {
		case <-rm.done:
			rm.cancelLockTimer()
			for c := range rm.clients {
				close(c.send)
				delete(rm.clients, c)
			}
			return

		case c := <-rm.register:
			rm.touch()
			rm.clients[c] = true
			rm.sendState(c)

		case c := <-rm.unreg:
			rm.touch()
			if _, ok := rm.clients[c]; ok {
				delete(rm.clients, c)
				close(c.send)
			}
			if c.playerID != "" {
				rm.handleDeparture(cfg, c.playerID)
			}

		case in := <-rm.inbound:
			rm.touch()
			rm.handleMessage(cfg, in.client, in.msg)

		case ev := <-rm.events:
			rm.handleEvent(cfg, ev)
		}
	}
}

// connect, disconnect, and submit are the only entry points for the
// websocket layer; each bails out if the room has been reaped.
func (rm *Room) connect(c *client) {
	select {
	case rm.register <- c:
	case <-rm.done:
	}
}

func (rm *Room) disconnect(c *client) {
	select {
	case rm.unreg <- c:
	case <-rm.done:
	}
}

func (rm *Room) submit(c *client, msg ClientMessage) {
	select {
	case rm.inbound <- inboundMessage{client: c, msg: msg}:
	case <-rm.done:
	}
}

// postEvent delivers a timer/bot/pacing event back into the loop.
func (rm *Room) postEvent(ev roomEvent) {
	select {
	case rm.events <- ev:
	case <-rm.done:
	}
}

func (rm *Room) touch() {
	rm.mu.Lock()
	rm.lastActive = time.Now()
	rm.mu.Unlock()
}

func (rm *Room) idleSince() time.Time {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.lastActive
}

func (rm *Room) findPlayer(id string) *Player {
	for _, p := range rm.players {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (rm *Room) humanCount() int {
	count := 0
	for _, p := range rm.players {
		if !p.IsBot {
			count++
		}
	}
	return count
}

func (rm *Room) allLocked() bool {
	for _, p := range rm.players {
		if !p.Locked {
			return false
		}
	}
	return len(rm.players) > 0
}

func (rm *Room) handleMessage(cfg *Config, c *client, msg ClientMessage) {
	switch msg.Type {
	case "join":
		rm.handleJoin(cfg, c, msg)
	case "start":
		rm.handleStart(cfg, c)
	case "restart":
		rm.handleRestart(cfg, c)
	case "lock":
		rm.handleLock(cfg, c, msg)
	default:
		rm.sendTo(c, errorMessage{Type: "error", Message: "Unknown command."})
	}
}

func (rm *Room) handleJoin(cfg *Config, c *client, msg ClientMessage) {
	// A second join on an already-bound connection is an idempotent no-op.
	if c.playerID != "" {
		return
	}

	name := trimmedName(msg.Name)
	if name == "" {
		rm.sendTo(c, errorMessage{Type: "error", Message: "Name required."})
		return
	}

	if rm.phase != PhaseLobby {
		rm.sendTo(c, errorMessage{Type: "error", Message: "Game already underway."})
		return
	}

	if len(rm.players) >= rm.targetSize {
		rm.sendTo(c, errorMessage{Type: "error", Message: "Room is full."})
		return
	}

	player := &Player{
		ID:   uuid.NewString(),
		Name: name,
	}
	rm.players = append(rm.players, player)
	c.playerID = player.ID

	// First human in becomes host.
	if rm.hostID == "" {
		rm.hostID = player.ID
	}

	logf(cfg, "GAMES: Player %q joined %s", name, rm.code)

	rm.sendTo(c, helloMessage{Type: "hello", PlayerID: player.ID})
	rm.broadcastState()
}

// handleDeparture removes a disconnected player and repairs host and
// phase state. Bots never depart; they exist only between deal and reset.
func (rm *Room) handleDeparture(cfg *Config, playerID string) {
	found := false
	dst := rm.players[:0]
	for _, p := range rm.players {
		if p.ID == playerID {
			found = true
			continue
		}
		dst = append(dst, p)
	}
	rm.players = dst

	if !found {
		return
	}

	delete(rm.pendingPlays, playerID)

	logf(cfg, "GAMES: Player %s left %s", playerID, rm.code)

	// Promote the next human, in join order, if the host left.
	if rm.hostID == playerID {
		rm.hostID = ""
		for _, p := range rm.players {
			if !p.IsBot {
				rm.hostID = p.ID
				break
			}
		}
	}

	if rm.phase != PhaseLobby && rm.humanCount() == 0 {
		rm.forceFinish()
		rm.broadcastState()
		return
	}

	// A departure during lock_in may complete the lock set.
	rm.broadcastState()
	if rm.phase == PhaseLockIn {
		rm.maybeStartReveal()
	}
}

func (rm *Room) forceFinish() {
	rm.cancelLockTimer()
	rm.phase = PhaseFinished
	rm.lastReveal = nil
	rm.pendingAward = nil
	rm.pendingPlays = make(map[string]Card)
}

// RoomManager holds all live rooms keyed by code, so each room code is
// its own isolated session. Rooms idle past idleTimeout are reaped.
type RoomManager struct {
	mu          sync.Mutex
	cfg         *Config
	rooms       map[string]*Room
	idleTimeout time.Duration
}

func newRoomManager(cfg *Config) *RoomManager {
	gm := &RoomManager{
		cfg:         cfg,
		rooms:       make(map[string]*Room),
		idleTimeout: cfg.sessionTimeout,
	}
	if gm.idleTimeout > 0 {
		go gm.reaperLoop()
	}
	return gm
}

// createRoom allocates a fresh room with a unique code. Rooms only come
// into existence through an explicit create request; the websocket
// handler never creates one implicitly.
func (gm *RoomManager) createRoom(targetSize int) *Room {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	var code string
	for {
		code = newRoomCode()
		if _, exists := gm.rooms[code]; !exists {
			break
		}
	}

	rng := mrand.New(mrand.NewSource(time.Now().UnixNano()))
	room := newRoom(gm.cfg, code, targetSize, rng)
	gm.rooms[code] = room
	go room.run(gm.cfg)

	return room
}

func (gm *RoomManager) getRoom(code string) *Room {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	return gm.rooms[code]
}

// newRoomCode generates a crypto-random 5-character room code. Bytes
// past the largest multiple of the alphabet size are rejected to keep
// the distribution uniform.
func newRoomCode() string {
	const letters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const max = byte(255 - (256 % len(letters)))
	const n = 5

	out := make([]byte, 0, n)
	buf := make([]byte, n*2)

	for {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, letters[int(b)%len(letters)])
				if len(out) == n {
					return string(out)
				}
			}
		}
	}
}

// reaperLoop periodically removes rooms that have been idle longer than
// idleTimeout, closing their run loops.
func (gm *RoomManager) reaperLoop() {
	ticker := time.NewTicker(gm.idleTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-gm.idleTimeout)

		gm.mu.Lock()
		for code, room := range gm.rooms {
			if room.idleSince().Before(cutoff) {
				delete(gm.rooms, code)
				close(room.done)
				logf(gm.cfg, "ROOMS: Reaped idle room %s", code)
			}
		}
		gm.mu.Unlock()
	}
}
