package main

import (
	mrand "math/rand"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startTestRoom runs a room loop with the given config, torn down when
// the test finishes.
func startTestRoom(t *testing.T, cfg *Config, targetSize int) *Room {
	t.Helper()

	rm := newRoom(cfg, "TESTR", targetSize, mrand.New(mrand.NewSource(42)))
	go rm.run(cfg)
	t.Cleanup(func() { close(rm.done) })

	return rm
}

// newTestClient returns a connectionless client with an outbox deep
// enough that broadcasts never prune it mid-test.
func newTestClient() *client {
	return &client{send: make(chan any, 1024)}
}

// joinRoom connects a client and joins it as a named player, returning
// the assigned player id.
func joinRoom(t *testing.T, rm *Room, c *client, name string) string {
	t.Helper()

	rm.connect(c)
	rm.submit(c, ClientMessage{Type: "join", Name: name})

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-c.send:
			switch msg := msg.(type) {
			case helloMessage:
				return msg.PlayerID
			case errorMessage:
				t.Fatalf("join rejected: %s", msg.Message)
			}
		case <-deadline:
			t.Fatal("timed out waiting for join to complete")
		}
	}
}

// waitForState drains a client's outbox until a state snapshot matches.
func waitForState(t *testing.T, c *client, pred func(stateMessage) bool) stateMessage {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-c.send:
			if st, ok := msg.(stateMessage); ok && pred(st) {
				return st
			}
		case <-deadline:
			t.Fatal("timed out waiting for a matching state")
			return stateMessage{}
		}
	}
}

// waitForError drains a client's outbox until an error message arrives.
func waitForError(t *testing.T, c *client) errorMessage {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-c.send:
			if e, ok := msg.(errorMessage); ok {
				return e
			}
		case <-deadline:
			t.Fatal("timed out waiting for an error message")
			return errorMessage{}
		}
	}
}

func findSeat(t *testing.T, st stateMessage, id string) publicPlayer {
	t.Helper()

	for _, p := range st.Players {
		if p.ID == id {
			return p
		}
	}
	t.Fatalf("player %s missing from snapshot", id)
	return publicPlayer{}
}

func TestClampTableSize(t *testing.T) {
	assert.Equal(t, minTableSize, clampTableSize(0))
	assert.Equal(t, minTableSize, clampTableSize(2))
	assert.Equal(t, 4, clampTableSize(4))
	assert.Equal(t, maxTableSize, clampTableSize(99))
}

func TestNewRoomCode(t *testing.T) {
	format := regexp.MustCompile(`^[A-Z0-9]{5}$`)
	for i := 0; i < 100; i++ {
		assert.Regexp(t, format, newRoomCode())
	}
}

func TestJoinAssignsHostInOrder(t *testing.T) {
	cfg := testConfig()
	rm := startTestRoom(t, cfg, 3)

	cA, cB := newTestClient(), newTestClient()
	idA := joinRoom(t, rm, cA, "Ana")
	idB := joinRoom(t, rm, cB, "Ben")

	st := waitForState(t, cB, func(st stateMessage) bool {
		return len(st.Players) == 2
	})

	assert.Equal(t, idA, st.HostID, "first human in is host")
	assert.Equal(t, PhaseLobby, st.Phase)
	assert.Equal(t, "Ana", findSeat(t, st, idA).Name)
	assert.Equal(t, "Ben", findSeat(t, st, idB).Name)
}

func TestJoinValidation(t *testing.T) {
	cfg := testConfig()
	rm := startTestRoom(t, cfg, 2)

	blank := newTestClient()
	rm.connect(blank)
	rm.submit(blank, ClientMessage{Type: "join", Name: "   "})
	assert.Equal(t, "Name required.", waitForError(t, blank).Message)

	joinRoom(t, rm, newTestClient(), "Ana")
	joinRoom(t, rm, newTestClient(), "Ben")

	late := newTestClient()
	rm.connect(late)
	rm.submit(late, ClientMessage{Type: "join", Name: "Cal"})
	assert.Equal(t, "Room is full.", waitForError(t, late).Message)
}

func TestDuplicateJoinIsSilent(t *testing.T) {
	cfg := testConfig()
	rm := startTestRoom(t, cfg, 3)

	c := newTestClient()
	joinRoom(t, rm, c, "Ana")

	// A second join on the same connection is swallowed, so the next
	// reply must be the error for the unknown command, not a hello.
	rm.submit(c, ClientMessage{Type: "join", Name: "Imposter"})
	rm.submit(c, ClientMessage{Type: "bogus"})

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-c.send:
			switch msg := msg.(type) {
			case helloMessage:
				t.Fatal("duplicate join produced a second hello")
			case errorMessage:
				assert.Equal(t, "Unknown command.", msg.Message)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the unknown command error")
		}
	}
}

func TestStartDealsAndFillsBots(t *testing.T) {
	cfg := testConfig()
	rm := startTestRoom(t, cfg, 4)

	c := newTestClient()
	id := joinRoom(t, rm, c, "Ana")

	outsider := newTestClient()
	rm.connect(outsider)
	rm.submit(outsider, ClientMessage{Type: "start"})
	assert.Equal(t, "Join first.", waitForError(t, outsider).Message)

	rm.submit(c, ClientMessage{Type: "start"})

	st := waitForState(t, c, func(st stateMessage) bool {
		return st.Phase == PhaseLockIn
	})

	require.Len(t, st.Players, 4)
	bots := 0
	for _, p := range st.Players {
		// 56 cards across 4 seats.
		assert.Equal(t, 14, p.CardsLeft)
		if p.IsBot {
			bots++
		}
	}
	assert.Equal(t, 3, bots)
	assert.Equal(t, 1, st.Round)
	require.NotNil(t, st.You)
	assert.Len(t, st.You.Hand, 14)
	assert.Equal(t, id, st.You.ID)

	// The table is closed once the deal happens.
	late := newTestClient()
	rm.connect(late)
	rm.submit(late, ClientMessage{Type: "join", Name: "Cal"})
	assert.Equal(t, "Game already underway.", waitForError(t, late).Message)
}

func TestOnlyHostStarts(t *testing.T) {
	cfg := testConfig()
	rm := startTestRoom(t, cfg, 3)

	cA, cB := newTestClient(), newTestClient()
	joinRoom(t, rm, cA, "Ana")
	joinRoom(t, rm, cB, "Ben")

	rm.submit(cB, ClientMessage{Type: "start"})
	assert.Equal(t, "Only the host can start the game.", waitForError(t, cB).Message)

	rm.submit(cB, ClientMessage{Type: "restart"})
	assert.Equal(t, "Only the host can restart the game.", waitForError(t, cB).Message)

	rm.submit(cA, ClientMessage{Type: "restart"})
	assert.Equal(t, "The game is still in progress.", waitForError(t, cA).Message)
}

func TestLockValidation(t *testing.T) {
	cfg := testConfig()
	rm := startTestRoom(t, cfg, 2)

	cA, cB := newTestClient(), newTestClient()
	joinRoom(t, rm, cA, "Ana")
	joinRoom(t, rm, cB, "Ben")

	rm.submit(cA, ClientMessage{Type: "lock", CardID: "S-5"})
	assert.Equal(t, "Locking is closed.", waitForError(t, cA).Message)

	rm.submit(cA, ClientMessage{Type: "start"})
	stA := waitForState(t, cA, func(st stateMessage) bool {
		return st.Phase == PhaseLockIn && st.You != nil && len(st.You.Hand) > 0
	})

	rm.submit(cA, ClientMessage{Type: "lock", CardID: "nope"})
	assert.Equal(t, "You don't have that card.", waitForError(t, cA).Message)

	rm.submit(cA, ClientMessage{Type: "lock", CardID: stA.You.Hand[0].ID})
	waitForState(t, cA, func(st stateMessage) bool {
		return st.You != nil && st.You.Locked
	})

	rm.submit(cA, ClientMessage{Type: "lock", CardID: stA.You.Hand[1].ID})
	assert.Equal(t, "Already locked in.", waitForError(t, cA).Message)
}

func TestFullRoundBetweenHumans(t *testing.T) {
	cfg := testConfig()
	rm := startTestRoom(t, cfg, 2)

	cA, cB := newTestClient(), newTestClient()
	idA := joinRoom(t, rm, cA, "Ana")
	idB := joinRoom(t, rm, cB, "Ben")

	rm.submit(cA, ClientMessage{Type: "start"})

	stA := waitForState(t, cA, func(st stateMessage) bool {
		return st.Phase == PhaseLockIn && st.You != nil && len(st.You.Hand) == 28
	})
	stB := waitForState(t, cB, func(st stateMessage) bool {
		return st.Phase == PhaseLockIn && st.You != nil && len(st.You.Hand) == 28
	})

	// Hands are disjoint halves of the deck.
	dealt := make(map[string]bool)
	for _, c := range append(stA.You.Hand, stB.You.Hand...) {
		assert.False(t, dealt[c.ID], "card %s dealt to both hands", c.ID)
		dealt[c.ID] = true
	}

	// Ana plays her highest card, Ben his lowest.
	high := stA.You.Hand[0]
	for _, c := range stA.You.Hand {
		if c.Rank > high.Rank {
			high = c
		}
	}
	low := stB.You.Hand[0]
	for _, c := range stB.You.Hand {
		if c.Rank < low.Rank {
			low = c
		}
	}

	rm.submit(cA, ClientMessage{Type: "lock", CardID: high.ID})
	rm.submit(cB, ClientMessage{Type: "lock", CardID: low.ID})

	reveal := waitForState(t, cA, func(st stateMessage) bool {
		return st.Phase == PhaseReveal && st.LastReveal != nil
	}).LastReveal

	require.Len(t, reveal.Plays, 2)
	assert.ElementsMatch(t, []string{idA, idB}, reveal.Order)
	assert.False(t, reveal.Joker)

	if high.Rank == low.Rank {
		assert.True(t, reveal.Explosion)

		next := waitForState(t, cA, func(st stateMessage) bool {
			return st.Phase == PhaseLockIn && st.Round == 2
		})
		assert.True(t, next.AftershockNext)
		assert.Zero(t, findSeat(t, next, idA).Score)
		return
	}

	expected := idA
	if low.Rank > high.Rank {
		expected = idB
	}
	assert.Equal(t, expected, reveal.WinnerID)
	assert.Equal(t, 1, reveal.Points)

	next := waitForState(t, cA, func(st stateMessage) bool {
		return st.Phase == PhaseLockIn && st.Round == 2
	})
	assert.Equal(t, 1, findSeat(t, next, expected).Score)
	assert.Equal(t, 1, findSeat(t, next, expected).WinStreak)
	assert.Equal(t, 27, findSeat(t, next, idA).CardsLeft)
	assert.Equal(t, 27, findSeat(t, next, idB).CardsLeft)
	require.Len(t, next.History, 1)
	assert.Equal(t, expected, next.History[0].WinnerID)
	assert.Equal(t, 1, next.History[0].Round)
}

func TestLockDeadlineAutoLocks(t *testing.T) {
	cfg := testConfig()
	cfg.lockTimeout = 50 * time.Millisecond

	rm := startTestRoom(t, cfg, 2)

	cA, cB := newTestClient(), newTestClient()
	idA := joinRoom(t, rm, cA, "Ana")
	idB := joinRoom(t, rm, cB, "Ben")

	rm.submit(cA, ClientMessage{Type: "start"})
	stA := waitForState(t, cA, func(st stateMessage) bool {
		return st.Phase == PhaseLockIn && st.You != nil && len(st.You.Hand) > 0
	})

	// Only Ana locks; Ben runs out the clock.
	rm.submit(cA, ClientMessage{Type: "lock", CardID: stA.You.Hand[0].ID})

	reveal := waitForState(t, cA, func(st stateMessage) bool {
		return st.Phase == PhaseReveal && st.LastReveal != nil
	}).LastReveal

	require.Len(t, reveal.Plays, 2)
	assert.ElementsMatch(t, []string{idA, idB}, reveal.Order)

	next := waitForState(t, cA, func(st stateMessage) bool {
		return st.Phase == PhaseLockIn && st.Round == 2
	})
	assert.Equal(t, 27, findSeat(t, next, idB).CardsLeft, "the straggler's random card is gone")
}

func TestHostMigratesOnDeparture(t *testing.T) {
	cfg := testConfig()
	rm := startTestRoom(t, cfg, 3)

	cA, cB := newTestClient(), newTestClient()
	idA := joinRoom(t, rm, cA, "Ana")
	idB := joinRoom(t, rm, cB, "Ben")

	rm.disconnect(cA)

	st := waitForState(t, cB, func(st stateMessage) bool {
		return st.HostID == idB
	})
	assert.Len(t, st.Players, 1)
	assert.NotEqual(t, idA, st.HostID)
}

func TestRoomFinishesWhenHumansLeave(t *testing.T) {
	cfg := testConfig()
	rm := startTestRoom(t, cfg, 2)

	cA, cB := newTestClient(), newTestClient()
	joinRoom(t, rm, cA, "Ana")
	joinRoom(t, rm, cB, "Ben")

	// A spectator connection observes without joining.
	watcher := newTestClient()
	rm.connect(watcher)

	rm.submit(cA, ClientMessage{Type: "start"})
	waitForState(t, watcher, func(st stateMessage) bool {
		return st.Phase == PhaseLockIn
	})

	rm.disconnect(cA)
	rm.disconnect(cB)

	st := waitForState(t, watcher, func(st stateMessage) bool {
		return st.Phase == PhaseFinished
	})
	assert.Empty(t, st.Players)
	assert.Nil(t, st.LastReveal)
}

func TestSnapshotVisibility(t *testing.T) {
	cfg := testConfig()
	rm := newRoom(cfg, "SNAPS", 4, mrand.New(mrand.NewSource(1)))
	rm.players = []*Player{
		{ID: "p1", Name: "Ana", Hand: rankedHand(4, 9), Score: 3},
		{ID: "p2", Name: "Ben", Hand: rankedHand(2, 11)},
	}
	rm.hostID = "p1"
	rm.phase = PhaseLockIn
	rm.round = 5
	rm.lockDeadline = time.Now().Add(5 * time.Second)

	st := rm.snapshotFor("p1")

	require.NotNil(t, st.You)
	assert.Equal(t, "p1", st.You.ID)
	assert.Len(t, st.You.Hand, 2)
	assert.True(t, st.Joker)
	assert.Positive(t, st.LockRemainingMS)
	assert.Nil(t, st.LastReveal, "reveal data is hidden during lock_in")

	// Other hands leak only their count.
	assert.Equal(t, 2, findSeat(t, st, "p2").CardsLeft)

	spectator := rm.snapshotFor("")
	assert.Nil(t, spectator.You)

	rm.phase = PhaseReveal
	rm.lastReveal = &Reveal{Round: 5}
	st = rm.snapshotFor("p1")
	require.NotNil(t, st.LastReveal)
	assert.Zero(t, st.LockRemainingMS)

	rm.phase = PhaseLobby
	rm.round = 0
	st = rm.snapshotFor("p1")
	assert.False(t, st.Joker)
	assert.Nil(t, st.LastReveal)
}

func TestPrunedClientCommandDoesNotPanic(t *testing.T) {
	cfg := testConfig()
	rm := newRoom(cfg, "PRUNE", 4, mrand.New(mrand.NewSource(1)))

	c := &client{send: make(chan any, 1)}
	rm.clients[c] = true
	c.send <- stateMessage{}

	// A full outbox gets the connection pruned mid-broadcast.
	rm.broadcastState()
	assert.NotContains(t, rm.clients, c)

	// A command already in flight from that connection still reaches the
	// loop; the reply must be discarded, not sent on the closed outbox.
	assert.NotPanics(t, func() {
		rm.handleMessage(cfg, c, ClientMessage{Type: "bogus"})
	})
}

func TestDirectReplyPrunesFullOutbox(t *testing.T) {
	cfg := testConfig()
	rm := newRoom(cfg, "PRUNE", 4, mrand.New(mrand.NewSource(1)))

	c := &client{send: make(chan any, 1)}
	rm.clients[c] = true
	c.send <- stateMessage{}

	rm.sendTo(c, errorMessage{Type: "error", Message: "Unknown command."})
	assert.NotContains(t, rm.clients, c)

	// The closed outbox lets the write pump drain and exit.
	<-c.send
	_, open := <-c.send
	assert.False(t, open)
}

func TestRoomManagerCreateAndGet(t *testing.T) {
	cfg := testConfig()
	cfg.sessionTimeout = 0

	gm := newRoomManager(cfg)

	room := gm.createRoom(10)
	t.Cleanup(func() { close(room.done) })

	assert.Equal(t, maxTableSize, room.targetSize)
	assert.Regexp(t, `^[A-Z0-9]{5}$`, room.code)
	assert.Same(t, room, gm.getRoom(room.code))
	assert.Nil(t, gm.getRoom("ZZZZZ"))

	small := gm.createRoom(1)
	t.Cleanup(func() { close(small.done) })
	assert.Equal(t, minTableSize, small.targetSize)
	assert.NotEqual(t, room.code, small.code)
}

func TestRoomManagerReapsIdleRooms(t *testing.T) {
	cfg := testConfig()
	cfg.sessionTimeout = 20 * time.Millisecond

	gm := newRoomManager(cfg)
	room := gm.createRoom(4)
	code := room.code

	assert.Eventually(t, func() bool {
		return gm.getRoom(code) == nil
	}, 2*time.Second, 10*time.Millisecond)

	// The reaped room's loop has shut down; entry points must not block.
	room.submit(newTestClient(), ClientMessage{Type: "join", Name: "Ana"})
}
