package main

import (
	"math/rand"
	"time"
)

// jokerInterval controls how often the low card wins instead of the high
// card: every jokerInterval-th round.
const jokerInterval = 5

func isJokerRound(round int) bool {
	return round > 0 && round%jokerInterval == 0
}

// playedCard pairs a player with the card they locked, in reveal order.
type playedCard struct {
	PlayerID string   `json:"playerId"`
	Card     cardView `json:"card"`
}

// Reveal is the payload published the moment all players are locked. The
// order is a uniform permutation used only for presentation pacing.
type Reveal struct {
	Round     int          `json:"round"`
	Joker     bool         `json:"joker"`
	Order     []string     `json:"order"`
	Plays     []playedCard `json:"plays"`
	WinnerID  string       `json:"winnerId,omitempty"`
	Explosion bool         `json:"explosion"`
	TopIDs    []string     `json:"topIds"`
	TopRank   int          `json:"topRank"`
	Points    int          `json:"points"`
}

// award is the score mutation computed at reveal time but applied only
// after the pacing delay, so slower clients see the reveal before the
// scoreboard moves.
type award struct {
	round      int
	joker      bool
	winnerID   string
	winnerCard Card
	points     int
	explosion  bool
	topRank    int
}

func (rm *Room) handleStart(cfg *Config, c *client) {
	you := rm.findPlayer(c.playerID)
	if you == nil {
		rm.sendTo(c, errorMessage{Type: "error", Message: "Join first."})
		return
	}

	if you.ID != rm.hostID {
		rm.sendTo(c, errorMessage{Type: "error", Message: "Only the host can start the game."})
		return
	}

	if rm.phase != PhaseLobby {
		rm.sendTo(c, errorMessage{Type: "error", Message: "Game already underway."})
		return
	}

	if rm.starting {
		return
	}

	rm.beginDealCountdown(cfg)
}

func (rm *Room) handleRestart(cfg *Config, c *client) {
	you := rm.findPlayer(c.playerID)
	if you == nil {
		rm.sendTo(c, errorMessage{Type: "error", Message: "Join first."})
		return
	}

	if you.ID != rm.hostID {
		rm.sendTo(c, errorMessage{Type: "error", Message: "Only the host can restart the game."})
		return
	}

	if rm.phase != PhaseFinished {
		rm.sendTo(c, errorMessage{Type: "error", Message: "The game is still in progress."})
		return
	}

	if rm.starting {
		return
	}

	rm.beginDealCountdown(cfg)
}

// beginDealCountdown arms the short pause between the start (or restart)
// command and the deal. The starting flag guards against a double fire
// while the countdown is a suspension point.
func (rm *Room) beginDealCountdown(cfg *Config) {
	rm.starting = true
	rm.broadcastState()

	time.AfterFunc(cfg.startDelay, func() {
		rm.postEvent(dealEvent{})
	})
}

// deal resets the room for a fresh game: bots are discarded and
// regenerated, scores and streaks cleared, hands dealt evenly. Entered
// from lobby (start) or finished (restart); restart skips the lobby.
func (rm *Room) deal(cfg *Config) {
	if !rm.starting {
		return
	}
	rm.starting = false

	if rm.phase != PhaseLobby && rm.phase != PhaseFinished {
		return
	}

	if rm.humanCount() < 1 {
		return
	}

	// Bots exist only for the duration of one game.
	humans := rm.players[:0]
	for _, p := range rm.players {
		if !p.IsBot {
			humans = append(humans, p)
		}
	}
	rm.players = humans

	for len(rm.players) < rm.targetSize {
		bots := 0
		for _, p := range rm.players {
			if p.IsBot {
				bots++
			}
		}
		rm.players = append(rm.players, newBot(bots+1))
	}

	rm.round = 1
	rm.roundsPlayed = 0
	rm.pendingPlays = make(map[string]Card)
	rm.lastReveal = nil
	rm.pendingAward = nil
	rm.history = nil
	rm.aftershockNext = false
	rm.cancelLockTimer()

	for _, p := range rm.players {
		p.Score = 0
		p.WinStreak = 0
		p.Locked = false
	}

	deck := shuffleDeck(newDeck(cfg.classicDeck), rm.rng)
	hands := dealEqually(deck, len(rm.players))
	for i, p := range rm.players {
		p.Hand = hands[i]
	}

	rm.phase = PhaseLockIn
	rm.scheduleBots(cfg, false)

	logf(cfg, "GAMES: Dealt %d cards each to %d players in %s",
		len(hands[0]), len(rm.players), rm.code)

	rm.broadcastState()
}

func (rm *Room) handleLock(cfg *Config, c *client, msg ClientMessage) {
	you := rm.findPlayer(c.playerID)
	if you == nil {
		rm.sendTo(c, errorMessage{Type: "error", Message: "Join first."})
		return
	}

	if rm.phase != PhaseLockIn {
		rm.sendTo(c, errorMessage{Type: "error", Message: "Locking is closed."})
		return
	}

	if you.Locked {
		rm.sendTo(c, errorMessage{Type: "error", Message: "Already locked in."})
		return
	}

	hand, chosen, ok := removeCard(you.Hand, msg.CardID)
	if !ok {
		rm.sendTo(c, errorMessage{Type: "error", Message: "You don't have that card."})
		return
	}

	you.Hand = hand
	rm.pendingPlays[you.ID] = chosen
	you.Locked = true

	rm.startLockTimer(cfg)

	// A human committing is the cue for the table to pick up the pace.
	rm.scheduleBots(cfg, true)

	rm.broadcastState()
	rm.maybeStartReveal()
}

func (rm *Room) handleEvent(cfg *Config, ev roomEvent) {
	switch ev := ev.(type) {
	case dealEvent:
		rm.deal(cfg)

	case botLockEvent:
		rm.botLock(cfg, ev)

	case lockTickEvent:
		if rm.phase != PhaseLockIn || ev.round != rm.round || rm.lockDeadline.IsZero() {
			return
		}
		if time.Now().Before(rm.lockDeadline) {
			return
		}
		rm.autoLockStragglers(cfg)

	case advanceEvent:
		rm.advance(cfg, ev)
	}
}

// startLockTimer begins the auto-lock countdown on the first lock of a
// lock_in phase. Each round gets a fresh timer goroutine; the previous
// one is torn down via its own cancel channel.
func (rm *Room) startLockTimer(cfg *Config) {
	if rm.lockCancel != nil {
		return
	}

	rm.lockDeadline = time.Now().Add(cfg.lockTimeout)
	cancel := make(chan struct{})
	rm.lockCancel = cancel
	round := rm.round

	go func() {
		ticker := time.NewTicker(cfg.lockPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-cancel:
				return
			case <-ticker.C:
				rm.postEvent(lockTickEvent{round: round})
			}
		}
	}()
}

func (rm *Room) cancelLockTimer() {
	if rm.lockCancel != nil {
		close(rm.lockCancel)
		rm.lockCancel = nil
	}
	rm.lockDeadline = time.Time{}
}

// autoLockStragglers plays a uniformly random card for every player who
// missed the deadline, then runs the usual post-lock checks.
func (rm *Room) autoLockStragglers(cfg *Config) {
	rm.cancelLockTimer()

	for _, p := range rm.players {
		if p.Locked || len(p.Hand) == 0 {
			continue
		}

		idx := rm.rng.Intn(len(p.Hand))
		chosen := p.Hand[idx]
		p.Hand = append(p.Hand[:idx:idx], p.Hand[idx+1:]...)
		rm.pendingPlays[p.ID] = chosen
		p.Locked = true
	}

	logf(cfg, "GAMES: Lock deadline reached in %s round %d", rm.code, rm.round)

	rm.broadcastState()
	rm.maybeStartReveal()
}

// maybeStartReveal advances lock_in -> reveal once every seated player is
// locked. The advancing flag is the single-writer guard across the pacing
// delay: only one reveal computation may be in flight per room.
func (rm *Room) maybeStartReveal() {
	if rm.phase != PhaseLockIn || !rm.allLocked() || rm.advancing {
		return
	}

	rm.advancing = true
	rm.cancelLockTimer()
	rm.phase = PhaseReveal

	reveal, aw := computeReveal(rm.players, rm.pendingPlays, rm.round, rm.aftershockNext, rm.rng)
	rm.lastReveal = reveal
	rm.pendingAward = aw

	rm.broadcastState()

	// Score, streak, and history mutations wait for the pacing delay so
	// every client gets the same animation window.
	round := rm.round
	time.AfterFunc(rm.revealPacing(), func() {
		rm.postEvent(advanceEvent{round: round})
	})
}

func (rm *Room) revealPacing() time.Duration {
	seats := max(1, len(rm.players))
	return rm.cfg.revealDelay + time.Duration(seats)*rm.cfg.revealDelayPerPlayer
}

// computeReveal resolves the round: reveal order, extremal rank, winner
// or explosion, and the point value to apply after the pacing delay.
func computeReveal(players []*Player, pending map[string]Card, round int, aftershock bool, rng *rand.Rand) (*Reveal, *award) {
	joker := isJokerRound(round)

	order := make([]string, 0, len(players))
	for _, p := range players {
		order = append(order, p.ID)
	}
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	plays := make([]playedCard, 0, len(order))
	cards := make(map[string]Card, len(order))
	for _, pid := range order {
		card, ok := pending[pid]
		if !ok {
			// Defensive: should be unreachable given the lock invariants.
			card = sentinelCard
		}
		cards[pid] = card
		plays = append(plays, playedCard{PlayerID: pid, Card: card.view()})
	}

	topRank := 0
	for i, pid := range order {
		rank := cards[pid].Rank
		if i == 0 || (joker && rank < topRank) || (!joker && rank > topRank) {
			topRank = rank
		}
	}

	topIDs := make([]string, 0, 1)
	for _, pid := range order {
		if cards[pid].Rank == topRank {
			topIDs = append(topIDs, pid)
		}
	}

	explosion := len(topIDs) > 1

	aw := &award{
		round:     round,
		joker:     joker,
		explosion: explosion,
		topRank:   topRank,
	}

	reveal := &Reveal{
		Round:     round,
		Joker:     joker,
		Order:     order,
		Plays:     plays,
		Explosion: explosion,
		TopIDs:    topIDs,
		TopRank:   topRank,
	}

	if !explosion && len(topIDs) == 1 {
		winnerID := topIDs[0]
		aw.winnerID = winnerID
		aw.winnerCard = cards[winnerID]
		aw.points = pointValue(players, winnerID, aftershock)
		reveal.WinnerID = winnerID
		reveal.Points = aw.points
	}

	return reveal, aw
}

// pointValue computes what a win is worth: 2 during an aftershock round
// or on a third-plus consecutive win, otherwise 1.
func pointValue(players []*Player, winnerID string, aftershock bool) int {
	if aftershock {
		return 2
	}
	for _, p := range players {
		if p.ID == winnerID && p.WinStreak >= 2 {
			return 2
		}
	}
	return 1
}

// advance applies the deferred award and moves the room to the next
// round or to finished. Stale fires (force-finish, round mismatch) only
// release the guard.
func (rm *Room) advance(cfg *Config, ev advanceEvent) {
	rm.advancing = false

	if rm.phase != PhaseReveal || ev.round != rm.round || rm.pendingAward == nil {
		return
	}

	aw := rm.pendingAward

	if aw.explosion {
		for _, p := range rm.players {
			p.WinStreak = 0
		}
		rm.aftershockNext = true
	} else {
		for _, p := range rm.players {
			if p.ID == aw.winnerID {
				p.Score += aw.points
				p.WinStreak++
			} else {
				p.WinStreak = 0
			}
		}
		rm.aftershockNext = false
	}

	entry := HistoryEntry{
		Round:     aw.round,
		WinnerID:  aw.winnerID,
		Explosion: aw.explosion,
		TopRank:   aw.topRank,
		Points:    aw.points,
		Joker:     aw.joker,
	}
	if aw.winnerID != "" {
		view := aw.winnerCard.view()
		entry.WinnerCard = &view
	}
	rm.history = append([]HistoryEntry{entry}, rm.history...)
	if len(rm.history) > historyLimit {
		rm.history = rm.history[:historyLimit]
	}

	rm.roundsPlayed++

	for _, p := range rm.players {
		p.Locked = false
	}
	rm.pendingPlays = make(map[string]Card)
	rm.lastReveal = nil
	rm.pendingAward = nil

	stillHasCards := false
	for _, p := range rm.players {
		if len(p.Hand) > 0 {
			stillHasCards = true
			break
		}
	}

	if !stillHasCards {
		rm.phase = PhaseFinished
		logf(cfg, "GAMES: Game over in %s after %d rounds", rm.code, rm.roundsPlayed)
		rm.broadcastState()
		return
	}

	rm.round++
	rm.phase = PhaseLockIn
	rm.scheduleBots(cfg, false)
	rm.broadcastState()
}
