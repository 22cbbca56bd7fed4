package broker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"versus/server/arbitration"
	"versus/server/protocol"
	"versus/server/pubsub"
	"versus/server/registry"
	"versus/server/store"
	"versus/server/telemetry"
)

type client struct {
	conn *registry.Connection
	sub  pubsub.Subscriber
}

func (c client) id() string { return c.conn.ID }

func newBroker(t *testing.T, opts Options) (*Broker, *store.Memory) {
	t.Helper()
	mem := store.NewMemory(true)
	if opts.RelayBuffer == 0 {
		opts.RelayBuffer = 64
	}
	b := New(mem, mem, telemetry.Nop(), zap.NewNop(), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, b.Shutdown(ctx))
	})
	return b, mem
}

func open(b *Broker) client {
	c, sub := b.Open()
	return client{conn: c, sub: sub}
}

func recv(t *testing.T, c client) protocol.Envelope {
	t.Helper()
	select {
	case msg, ok := <-c.sub:
		require.True(t, ok, "subscriber closed")
		env, err := protocol.Decode(msg.Payload)
		require.NoError(t, err)
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame for %s", c.id())
		return protocol.Envelope{}
	}
}

func expect[T any](t *testing.T, c client, event string) T {
	t.Helper()
	env := recv(t, c)
	require.Equal(t, event, env.Event)
	var v T
	if len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, &v))
	}
	return v
}

func assertSilent(t *testing.T, c client) {
	t.Helper()
	select {
	case msg := <-c.sub:
		t.Fatalf("unexpected frame for %s: %s", c.id(), msg.Payload)
	case <-time.After(20 * time.Millisecond):
	}
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	out, err := json.Marshal(protocol.Envelope{Event: event, Data: raw})
	require.NoError(t, err)
	return out
}

func pair(t *testing.T, b *Broker, nameA, nameB string) (client, client, string) {
	t.Helper()
	x, y := open(b), open(b)
	require.NoError(t, b.FindOpponent(x.id(), nameA))
	expect[protocol.WaitingMsg](t, x, protocol.WaitingForOpponent)
	require.NoError(t, b.FindOpponent(y.id(), nameB))
	fx := expect[protocol.OpponentFoundMsg](t, x, protocol.OpponentFound)
	fy := expect[protocol.OpponentFoundMsg](t, y, protocol.OpponentFound)
	require.Equal(t, fx.SessionID, fy.SessionID)
	return x, y, fx.SessionID
}

func TestEndToEnd(t *testing.T) {
	b, mem := newBroker(t, Options{})
	x, y := open(b), open(b)

	b.Dispatch(x.id(), frame(t, protocol.FindOpponent, protocol.FindOpponentMsg{DisplayName: "alice"}))
	expect[protocol.WaitingMsg](t, x, protocol.WaitingForOpponent)

	b.Dispatch(y.id(), frame(t, protocol.FindOpponent, protocol.FindOpponentMsg{DisplayName: "bob"}))
	fx := expect[protocol.OpponentFoundMsg](t, x, protocol.OpponentFound)
	fy := expect[protocol.OpponentFoundMsg](t, y, protocol.OpponentFound)
	assert.Equal(t, "bob", fx.OpponentName)
	assert.Equal(t, "alice", fy.OpponentName)
	assert.Equal(t, fx.SessionID, fy.SessionID)
	sid := fx.SessionID

	assert.Equal(t, arbitration.Recorded, b.Finish(x.id(), sid, "alice", 120).Status)
	res := b.Finish(y.id(), sid, "bob", 80)
	require.Equal(t, arbitration.Finalized, res.Status)
	assert.Equal(t, "alice", res.Outcome.Winner.DisplayName)
	b.engine.Wait()

	want := protocol.SessionResultMsg{SessionID: sid, WinnerName: "alice", LoserName: "bob", WinnerScore: 120, LoserScore: 80}
	assert.Equal(t, want, expect[protocol.SessionResultMsg](t, x, protocol.SessionResult))
	assert.Equal(t, want, expect[protocol.SessionResultMsg](t, y, protocol.SessionResult))

	assert.Len(t, mem.Matches(), 1)
	assert.Equal(t, Stats{Connections: 2}, b.Stats())
}

func TestFinishThroughDispatch(t *testing.T) {
	b, _ := newBroker(t, Options{})
	x, y, sid := pair(t, b, "alice", "bob")

	score := 10
	b.Dispatch(x.id(), frame(t, protocol.Finish, protocol.FinishMsg{SessionID: sid, DisplayName: "alice", Score: &score}))
	b.Dispatch(y.id(), frame(t, protocol.Finish, protocol.FinishMsg{SessionID: sid, DisplayName: "bob", Score: &score}))
	b.engine.Wait()

	// tie goes to the second reporter
	got := expect[protocol.SessionResultMsg](t, x, protocol.SessionResult)
	assert.Equal(t, "bob", got.WinnerName)
}

func TestDisconnectBeforePairing(t *testing.T) {
	b, _ := newBroker(t, Options{})
	x := open(b)
	require.NoError(t, b.FindOpponent(x.id(), "alice"))
	expect[protocol.WaitingMsg](t, x, protocol.WaitingForOpponent)

	b.Close(x.id())
	assert.Zero(t, b.Stats().Waiting)

	z := open(b)
	require.NoError(t, b.FindOpponent(z.id(), "carol"))
	expect[protocol.WaitingMsg](t, z, protocol.WaitingForOpponent)
	assert.Equal(t, 1, b.Stats().Waiting)
	assert.Zero(t, b.Stats().ActiveSessions)
}

func TestDisconnectMidSession(t *testing.T) {
	b, _ := newBroker(t, Options{})
	x, y, sid := pair(t, b, "alice", "bob")

	b.Close(x.id())
	b.Close(x.id())

	ended := expect[protocol.SessionEndedMsg](t, y, protocol.SessionEnded)
	assert.Equal(t, protocol.SessionEndedMsg{SessionID: sid, Reason: protocol.ReasonOpponentDisconnected}, ended)
	assert.Zero(t, b.Stats().ActiveSessions)

	_, ok := <-x.sub
	assert.False(t, ok)

	res := b.Finish(y.id(), sid, "bob", 99)
	assert.Equal(t, arbitration.Ignored, res.Status)
	assertSilent(t, y)
}

func TestFinishedThenDisconnectedStillAborts(t *testing.T) {
	b, mem := newBroker(t, Options{})
	x, y, sid := pair(t, b, "alice", "bob")

	require.Equal(t, arbitration.Recorded, b.Finish(x.id(), sid, "alice", 5).Status)
	b.Close(x.id())
	expect[protocol.SessionEndedMsg](t, y, protocol.SessionEnded)
	assert.Equal(t, arbitration.Ignored, b.Finish(y.id(), sid, "bob", 1).Status)
	assert.Empty(t, mem.Matches())
}

func TestRelayReachesOnlyPeer(t *testing.T) {
	b, _ := newBroker(t, Options{})
	x, y, sid := pair(t, b, "alice", "bob")

	payload := json.RawMessage(`{"x":1,"y":[2,3]}`)
	b.Dispatch(x.id(), frame(t, protocol.StateUpdate, protocol.StateUpdateMsg{SessionID: sid, Payload: payload}))

	got := expect[protocol.RelayedStateMsg](t, y, protocol.StateUpdate)
	assert.JSONEq(t, string(payload), string(got.Payload))
	assertSilent(t, x)
}

func TestRelayFromStrangerRejected(t *testing.T) {
	b, _ := newBroker(t, Options{})
	x, y, sid := pair(t, b, "alice", "bob")
	z := open(b)

	b.Dispatch(z.id(), frame(t, protocol.StateUpdate, protocol.StateUpdateMsg{SessionID: sid, Payload: json.RawMessage(`1`)}))
	expect[protocol.ErrorMsg](t, z, protocol.Error)
	assertSilent(t, x)
	assertSilent(t, y)
}

func TestRelayToUnknownSessionIsDropped(t *testing.T) {
	b, _ := newBroker(t, Options{})
	x := open(b)
	b.Dispatch(x.id(), frame(t, protocol.StateUpdate, protocol.StateUpdateMsg{SessionID: "nope", Payload: json.RawMessage(`1`)}))
	assertSilent(t, x)
}

func TestProtocolErrorsKeepConnection(t *testing.T) {
	b, _ := newBroker(t, Options{})
	x := open(b)

	b.Dispatch(x.id(), []byte(`{not json`))
	expect[protocol.ErrorMsg](t, x, protocol.Error)

	b.Dispatch(x.id(), []byte(`{"event":"teleport","data":{}}`))
	expect[protocol.ErrorMsg](t, x, protocol.Error)

	b.Dispatch(x.id(), frame(t, protocol.FindOpponent, protocol.FindOpponentMsg{DisplayName: "  "}))
	expect[protocol.ErrorMsg](t, x, protocol.Error)

	require.NoError(t, b.FindOpponent(x.id(), "alice"))
	expect[protocol.WaitingMsg](t, x, protocol.WaitingForOpponent)
	b.Dispatch(x.id(), frame(t, protocol.FindOpponent, protocol.FindOpponentMsg{DisplayName: "alice"}))
	msg := expect[protocol.ErrorMsg](t, x, protocol.Error)
	assert.Contains(t, msg.Message, "already waiting")
	assert.Equal(t, 1, b.Stats().Connections)
}

func TestFindOpponentWhileMatched(t *testing.T) {
	b, _ := newBroker(t, Options{})
	x, _, _ := pair(t, b, "alice", "bob")

	err := b.FindOpponent(x.id(), "alice")
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Zero(t, b.Stats().Waiting)
}

func TestLateDuplicateFindOpponentKeepsQueueOpen(t *testing.T) {
	b, _ := newBroker(t, Options{})
	x, y, _ := pair(t, b, "alice", "bob")

	// A second find-opponent from x that reaches the queue after x was paired.
	_, err := b.queue.EnqueueOrPair(x.conn, "alice")
	require.Error(t, err)
	assert.Zero(t, b.Stats().Waiting)

	b.Dispatch(x.id(), frame(t, protocol.FindOpponent, protocol.FindOpponentMsg{DisplayName: "alice"}))
	msg := expect[protocol.ErrorMsg](t, x, protocol.Error)
	assert.Contains(t, msg.Message, "already matched")

	z := open(b)
	require.NoError(t, b.FindOpponent(z.id(), "carol"))
	expect[protocol.WaitingMsg](t, z, protocol.WaitingForOpponent)
	id, ok := b.queue.Waiting()
	require.True(t, ok)
	assert.Equal(t, z.id(), id)
	assertSilent(t, y)
}

func TestQueueMaxWait(t *testing.T) {
	b, _ := newBroker(t, Options{QueueMaxWait: 30 * time.Millisecond})
	x := open(b)
	require.NoError(t, b.FindOpponent(x.id(), "alice"))
	expect[protocol.WaitingMsg](t, x, protocol.WaitingForOpponent)

	got := expect[protocol.QueueTimeoutMsg](t, x, protocol.QueueTimeout)
	assert.GreaterOrEqual(t, got.WaitedMs, int64(30))
	assert.Zero(t, b.Stats().Waiting)
}

func TestForfeitOnDisconnect(t *testing.T) {
	b, mem := newBroker(t, Options{ForfeitOnDisconnect: true})
	x, y, sid := pair(t, b, "alice", "bob")

	b.Close(x.id())
	left := expect[protocol.OpponentLeftMsg](t, y, protocol.OpponentLeft)
	assert.Equal(t, protocol.OpponentLeftMsg{SessionID: sid, OpponentName: "alice"}, left)
	assert.Equal(t, 1, b.Stats().ActiveSessions)

	res := b.Finish(y.id(), sid, "bob", 0)
	require.Equal(t, arbitration.Finalized, res.Status)
	b.engine.Wait()

	got := expect[protocol.SessionResultMsg](t, y, protocol.SessionResult)
	assert.Equal(t, "bob", got.WinnerName)
	assert.Equal(t, "alice", got.LoserName)
	assert.Len(t, mem.Matches(), 1)
}

func TestForfeitBothLeave(t *testing.T) {
	b, mem := newBroker(t, Options{ForfeitOnDisconnect: true})
	x, y, _ := pair(t, b, "alice", "bob")

	b.Close(x.id())
	b.Close(y.id())
	b.engine.Wait()
	assert.Zero(t, b.Stats().ActiveSessions)
	assert.Empty(t, mem.Matches())
}

func TestConcurrentSessionsNoCrossTalk(t *testing.T) {
	b, _ := newBroker(t, Options{RelayBuffer: 512})

	const sessions = 20
	const updates = 50
	type side struct {
		self, peer client
		sid        string
	}
	var sides []side
	for i := 0; i < sessions; i++ {
		x, y, sid := pair(t, b, fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i))
		sides = append(sides, side{x, y, sid}, side{y, x, sid})
	}

	var wg sync.WaitGroup
	for _, s := range sides {
		wg.Add(1)
		go func(s side) {
			defer wg.Done()
			for n := 0; n < updates; n++ {
				p := json.RawMessage(fmt.Sprintf(`{"from":%q,"sid":%q,"n":%d}`, s.self.id(), s.sid, n))
				assert.NoError(t, b.StateUpdate(s.self.id(), s.sid, p))
			}
		}(s)
	}
	wg.Wait()

	type body struct {
		From string `json:"from"`
		SID  string `json:"sid"`
		N    int    `json:"n"`
	}
	for _, s := range sides {
		for n := 0; n < updates; n++ {
			got := expect[protocol.RelayedStateMsg](t, s.self, protocol.StateUpdate)
			var m body
			require.NoError(t, json.Unmarshal(got.Payload, &m))
			assert.Equal(t, s.peer.id(), m.From)
			assert.Equal(t, s.sid, m.SID)
			assert.Equal(t, n, m.N)
		}
		assertSilent(t, s.self)
	}
}

func TestConcurrentArrivalsPairExactlyOnce(t *testing.T) {
	b, _ := newBroker(t, Options{RelayBuffer: 8})

	const n = 40
	clients := make([]client, n)
	for i := range clients {
		clients[i] = open(b)
	}
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(i int, c client) {
			defer wg.Done()
			assert.NoError(t, b.FindOpponent(c.id(), fmt.Sprintf("p%d", i)))
		}(i, c)
	}
	wg.Wait()

	assert.Equal(t, n/2, b.Stats().ActiveSessions)
	assert.Zero(t, b.Stats().Waiting)

	partners := make(map[string]int)
	for _, c := range clients {
		var found *protocol.OpponentFoundMsg
		for found == nil {
			env := recv(t, c)
			if env.Event == protocol.OpponentFound {
				var m protocol.OpponentFoundMsg
				require.NoError(t, json.Unmarshal(env.Data, &m))
				found = &m
			}
		}
		partners[found.SessionID]++
	}
	assert.Len(t, partners, n/2)
	for sid, count := range partners {
		assert.Equal(t, 2, count, "session %s", sid)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	mem := store.NewMemory(true)
	b := New(mem, mem, telemetry.Nop(), zap.NewNop(), Options{})
	x, y, sid := pair(t, b, "alice", "bob")
	b.Finish(x.id(), sid, "alice", 1)
	b.Finish(y.id(), sid, "bob", 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	assert.Equal(t, Stats{}, b.Stats())
	assert.Len(t, mem.Matches(), 1)
}
