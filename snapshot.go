package main

import "time"

// publicPlayer is the roster entry every recipient may see. Hands stay
// private; only the count leaks.
type publicPlayer struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsBot     bool   `json:"isBot"`
	Score     int    `json:"score"`
	Locked    bool   `json:"locked"`
	CardsLeft int    `json:"cardsLeft"`
	WinStreak int    `json:"winStreak"`
}

// youView is the private section of a snapshot: the recipient's own
// hand, lock status, and score. Nil for spectating connections that
// haven't joined.
type youView struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	IsBot     bool       `json:"isBot"`
	Score     int        `json:"score"`
	Locked    bool       `json:"locked"`
	WinStreak int        `json:"winStreak"`
	Hand      []cardView `json:"hand"`
}

type stateMessage struct {
	Type            string         `json:"type"` // "state"
	Code            string         `json:"code"`
	Phase           Phase          `json:"phase"`
	Round           int            `json:"round"`
	RoundsPlayed    int            `json:"roundsPlayed"`
	TargetSize      int            `json:"targetSize"`
	HostID          string         `json:"hostId,omitempty"`
	Starting        bool           `json:"starting,omitempty"`
	Joker           bool           `json:"joker"`
	AftershockNext  bool           `json:"aftershockNext"`
	LockRemainingMS int64          `json:"lockRemainingMs,omitempty"`
	Players         []publicPlayer `json:"players"`
	LastReveal      *Reveal        `json:"lastReveal,omitempty"`
	History         []HistoryEntry `json:"history"`
	You             *youView       `json:"you,omitempty"`
}

type helloMessage struct {
	Type     string `json:"type"` // "hello"
	PlayerID string `json:"playerId"`
}

type errorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}

// snapshotFor renders the room as seen by one recipient: shared fields
// plus their own private section. The reveal record is only visible
// during reveal and finished phases.
func (rm *Room) snapshotFor(playerID string) stateMessage {
	players := make([]publicPlayer, 0, len(rm.players))
	for _, p := range rm.players {
		players = append(players, publicPlayer{
			ID:        p.ID,
			Name:      p.Name,
			IsBot:     p.IsBot,
			Score:     p.Score,
			Locked:    p.Locked,
			CardsLeft: len(p.Hand),
			WinStreak: p.WinStreak,
		})
	}

	msg := stateMessage{
		Type:           "state",
		Code:           rm.code,
		Phase:          rm.phase,
		Round:          rm.round,
		RoundsPlayed:   rm.roundsPlayed,
		TargetSize:     rm.targetSize,
		HostID:         rm.hostID,
		Starting:       rm.starting,
		Joker:          isJokerRound(rm.round) && rm.phase != PhaseLobby,
		AftershockNext: rm.aftershockNext,
		Players:        players,
		History:        rm.history,
	}

	if rm.phase == PhaseReveal || rm.phase == PhaseFinished {
		msg.LastReveal = rm.lastReveal
	}

	if rm.phase == PhaseLockIn && !rm.lockDeadline.IsZero() {
		if remaining := time.Until(rm.lockDeadline); remaining > 0 {
			msg.LockRemainingMS = remaining.Milliseconds()
		}
	}

	if you := rm.findPlayer(playerID); you != nil {
		hand := make([]cardView, 0, len(you.Hand))
		for _, c := range you.Hand {
			hand = append(hand, c.view())
		}
		msg.You = &youView{
			ID:        you.ID,
			Name:      you.Name,
			IsBot:     you.IsBot,
			Score:     you.Score,
			Locked:    you.Locked,
			WinStreak: you.WinStreak,
			Hand:      hand,
		}
	}

	return msg
}

// broadcastState fans a fresh snapshot out to every connection. Slow or
// dead connections are dropped without stalling the rest of the room.
func (rm *Room) broadcastState() {
	for c := range rm.clients {
		select {
		case c.send <- rm.snapshotFor(c.playerID):
		default:
			rm.dropClient(c)
		}
	}
}

// dropClient removes a connection whose outbox overflowed. Closing the
// outbox ends its write pump; the read pump unregisters as usual and
// finds the client already gone.
func (rm *Room) dropClient(c *client) {
	delete(rm.clients, c)
	close(c.send)
}

// sendState pushes a snapshot to a single connection.
func (rm *Room) sendState(c *client) {
	rm.sendTo(c, rm.snapshotFor(c.playerID))
}

// sendTo writes one message to a registered connection, dropping the
// connection if its outbox is full. A pruned connection's read pump can
// still deliver in-flight commands, so replies to unregistered clients
// are discarded rather than sent on a closed outbox. Must only be
// called from the room loop.
func (rm *Room) sendTo(c *client, msg any) {
	if !rm.clients[c] {
		return
	}

	select {
	case c.send <- msg:
	default:
		rm.dropClient(c)
	}
}
