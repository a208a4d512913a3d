package main

import (
	"fmt"
	"math/rand"
	"sort"
)

// Suit is one of the four French suits, encoded as its single-letter
// wire form ("S", "H", "D", "C").
type Suit string

const (
	SuitSpades   Suit = "S"
	SuitHearts   Suit = "H"
	SuitDiamonds Suit = "D"
	SuitClubs    Suit = "C"
)

var suits = []Suit{SuitSpades, SuitHearts, SuitDiamonds, SuitClubs}

func (s Suit) Symbol() string {
	switch s {
	case SuitSpades:
		return "♠"
	case SuitHearts:
		return "♥"
	case SuitDiamonds:
		return "♦"
	case SuitClubs:
		return "♣"
	}
	return "?"
}

func (s Suit) Color() string {
	if s == SuitHearts || s == SuitDiamonds {
		return "red"
	}
	return "black"
}

const (
	minRank = 2
	// maxRank is the extended deck ceiling; rank 15 is the special "B" card
	// that outranks the ace.
	maxRank        = 15
	maxClassicRank = 14
)

// Card is an immutable value identified by its (suit, rank) pair.
// Display fields are derived, never stored.
type Card struct {
	Suit Suit
	Rank int
}

func (c Card) ID() string {
	return fmt.Sprintf("%s-%d", c.Suit, c.Rank)
}

func (c Card) Label() string {
	switch c.Rank {
	case 11:
		return "J"
	case 12:
		return "Q"
	case 13:
		return "K"
	case 14:
		return "A"
	case 15:
		return "B"
	}
	return fmt.Sprintf("%d", c.Rank)
}

// cardView is the wire form of a card, with display fields expanded for
// the presentation layer.
type cardView struct {
	ID     string `json:"id"`
	Suit   string `json:"suit"`
	Rank   int    `json:"rank"`
	Label  string `json:"label"`
	Symbol string `json:"symbol"`
	Color  string `json:"color"`
}

func (c Card) view() cardView {
	return cardView{
		ID:     c.ID(),
		Suit:   string(c.Suit),
		Rank:   c.Rank,
		Label:  c.Label(),
		Symbol: c.Suit.Symbol(),
		Color:  c.Suit.Color(),
	}
}

// sentinelCard stands in for a play that went missing; it can never win a
// normal round.
var sentinelCard = Card{Suit: SuitSpades, Rank: minRank}

// newDeck returns an unshuffled deck: the Cartesian product of the four
// suits and the configured rank range.
func newDeck(classic bool) []Card {
	top := maxRank
	if classic {
		top = maxClassicRank
	}

	deck := make([]Card, 0, 4*(top-minRank+1))
	for _, s := range suits {
		for r := minRank; r <= top; r++ {
			deck = append(deck, Card{Suit: s, Rank: r})
		}
	}
	return deck
}

// shuffleDeck returns a shuffled copy of the given deck.
func shuffleDeck(deck []Card, rng *rand.Rand) []Card {
	out := make([]Card, len(deck))
	copy(out, deck)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// dealEqually splits a fresh shuffled deck across hands of identical size.
// The remainder that doesn't divide evenly is discarded, not dealt.
func dealEqually(deck []Card, n int) [][]Card {
	if n <= 0 {
		return nil
	}

	each := len(deck) / n
	hands := make([][]Card, n)
	for i := range hands {
		hands[i] = deck[i*each : (i+1)*each]
	}
	return hands
}

// sortedByRank orders a hand by ascending rank, suits breaking ties so the
// order is stable for a given hand.
func sortedByRank(hand []Card) []Card {
	out := make([]Card, len(hand))
	copy(out, hand)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rank != out[j].Rank {
			return out[i].Rank < out[j].Rank
		}
		return out[i].Suit < out[j].Suit
	})
	return out
}

// removeCard removes the card with the given id from the hand, returning
// the card and whether it was found.
func removeCard(hand []Card, id string) ([]Card, Card, bool) {
	for i, c := range hand {
		if c.ID() == id {
			return append(hand[:i:i], hand[i+1:]...), c, true
		}
	}
	return hand, Card{}, false
}
