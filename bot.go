package main

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Bot pressure tuning. Pressure in [0,1] skews card choice toward the
// top of the rank-sorted hand; joker rounds invert it.
const (
	pressureLeading     = 0.30
	pressureEven        = 0.45
	pressureTrailing    = 0.65
	pressureTrailingFar = 0.90

	// Trailing this far behind the leader triggers the desperate tier.
	trailingFarAt = 3

	// Endgame ramp: shrinking hands push the pressure up.
	endgameRampShort = 0.30
	endgameRampMid   = 0.15
	pressureCap      = 0.98

	pressureJitter   = 0.12
	pressureExponent = 1.2

	// Tie-risk model: ranks near the deck midpoint are the most
	// contested, more so at fuller tables.
	tieRiskMidpoint  = 8.5
	tieRiskHalfSpan  = tieRiskMidpoint - minRank
	tieRiskThreshold = 0.35
)

func newBot(ordinal int) *Player {
	return &Player{
		ID:    uuid.NewString(),
		Name:  fmt.Sprintf("Bot %d", ordinal),
		IsBot: true,
	}
}

// scheduleBots arms a think delay for every bot that hasn't locked yet.
// hurry shortens the window once a human has committed, so the table
// doesn't dawdle. A bot that already locked is never rescheduled.
func (rm *Room) scheduleBots(cfg *Config, hurry bool) {
	lo, hi := cfg.botDelayMin, cfg.botDelayMax
	if hurry {
		lo, hi = cfg.botHurryMin, cfg.botHurryMax
	}

	round := rm.round
	for _, p := range rm.players {
		if !p.IsBot || p.Locked {
			continue
		}

		delay := randDuration(rm.rng, lo, hi)
		playerID := p.ID
		time.AfterFunc(delay, func() {
			rm.postEvent(botLockEvent{playerID: playerID, round: round})
		})
	}
}

func randDuration(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rng.Int63n(int64(hi-lo)))
}

// botLock runs when a bot's think delay fires. Delays left over from an
// earlier round or phase are dropped here.
func (rm *Room) botLock(cfg *Config, ev botLockEvent) {
	if rm.phase != PhaseLockIn || ev.round != rm.round {
		return
	}

	bot := rm.findPlayer(ev.playerID)
	if bot == nil || bot.Locked || len(bot.Hand) == 0 {
		return
	}

	chosen := chooseBotCard(bot, rm.players, rm.round, rm.rng)
	bot.Hand, _, _ = removeCard(bot.Hand, chosen.ID())
	rm.pendingPlays[bot.ID] = chosen
	bot.Locked = true

	rm.startLockTimer(cfg)

	rm.broadcastState()
	rm.maybeStartReveal()
}

// chooseBotCard picks a card from the bot's rank-sorted hand using a
// pressure heuristic: the further behind the leader and the shorter the
// hand, the higher the card. Joker rounds flip the target to low cards.
func chooseBotCard(bot *Player, players []*Player, round int, rng *rand.Rand) Card {
	hand := sortedByRank(bot.Hand)
	n := len(hand)
	if n == 1 {
		return hand[0]
	}

	best := 0
	for _, p := range players {
		if p.ID != bot.ID && p.Score > best {
			best = p.Score
		}
	}
	trailing := best - bot.Score

	var pressure float64
	switch {
	case trailing >= trailingFarAt:
		pressure = pressureTrailingFar
	case trailing >= 1:
		pressure = pressureTrailing
	case trailing == 0:
		pressure = pressureEven
	default:
		pressure = pressureLeading
	}

	switch {
	case n <= 2:
		pressure += endgameRampShort
	case n <= 4:
		pressure += endgameRampMid
	}

	pressure += (rng.Float64() - 0.5) * pressureJitter

	if isJokerRound(round) {
		// Lowest card wins: aim low, and aim lower still when behind.
		pressure = 1 - pressure
		if trailing >= 2 {
			pressure /= 2
		}
	}

	pressure = math.Min(pressureCap, math.Max(0, pressure))

	idx := int(math.Round(math.Pow(pressure, pressureExponent) * float64(n-1)))
	idx = max(0, min(idx, n-1))

	// Step off the most contested rank when there's room to maneuver.
	if n >= 3 && collisionRisk(hand[idx].Rank, len(players)) > tieRiskThreshold {
		if trailing > 0 && idx < n-1 {
			idx++
		} else if trailing <= 0 && idx > 0 {
			idx--
		}
	}

	return hand[idx]
}

// collisionRisk estimates how likely a rank is to tie, from its distance
// to the deck midpoint and the table size. Returns a value in [0,1].
func collisionRisk(rank, playerCount int) float64 {
	proximity := 1 - math.Abs(float64(rank)-tieRiskMidpoint)/tieRiskHalfSpan
	if proximity < 0 {
		proximity = 0
	}
	return proximity * float64(playerCount-1) / float64(maxTableSize-1)
}
