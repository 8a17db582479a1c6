package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jason-s-yu/escaperoom/internal/game"
	"github.com/jason-s-yu/escaperoom/internal/lobby"
	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (e *testEnv) dial(t *testing.T, code, uid string, protocols ...string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + "/lobby/ws/" + code + "?uid=" + uid
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: protocols})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

// readUntil reads messages until match accepts one, failing after a timeout.
func readUntil(t *testing.T, c *websocket.Conn, match func(map[string]interface{}) bool) map[string]interface{} {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var msg map[string]interface{}
		require.NoError(t, wsjson.Read(ctx, c, &msg))
		if match(msg) {
			return msg
		}
	}
}

func ofType(typ string) func(map[string]interface{}) bool {
	return func(m map[string]interface{}) bool { return m["type"] == typ }
}

func closeStatusOf(t *testing.T, c *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := c.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func send(t *testing.T, c *websocket.Conn, msg map[string]interface{}) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, c, msg))
}

func TestLobbyWSSnapshotOnConnect(t *testing.T) {
	env := newTestEnv(t, Options{})
	host := env.create(t, "Ada")

	c := env.dial(t, host.RoomCode, host.UserID, "lobby")
	msg := readUntil(t, c, ofType(MsgLobbySnapshot))

	state, ok := msg["state"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, state["players"], host.UserID)
	assert.NotZero(t, msg["serverTime"])
}

func TestLobbyWSCommandsFanOut(t *testing.T) {
	env := newTestEnv(t, Options{})
	host := env.create(t, "Ada")
	guest := env.join(t, host.RoomCode, "Grace")

	hc := env.dial(t, host.RoomCode, host.UserID, "lobby")
	gc := env.dial(t, host.RoomCode, guest.UserID, "lobby")
	readUntil(t, hc, ofType(MsgLobbySnapshot))
	readUntil(t, gc, ofType(MsgLobbySnapshot))

	send(t, gc, map[string]interface{}{"type": "ready"})

	res := readUntil(t, gc, ofType(MsgResult))
	assert.Equal(t, "ready", res["command"])
	assert.Equal(t, true, res["applied"])

	readUntil(t, hc, func(m map[string]interface{}) bool {
		if m["type"] != MsgLobbySnapshot {
			return false
		}
		state, _ := m["state"].(map[string]interface{})
		players, _ := state["players"].(map[string]interface{})
		p, _ := players[guest.UserID].(map[string]interface{})
		return p["isReady"] == true
	})

	send(t, hc, map[string]interface{}{"type": "vote", "candidateId": guest.UserID})
	vote := readUntil(t, hc, ofType(MsgResult))
	require.Contains(t, vote, "vote")
	assert.Equal(t, true, vote["vote"].(map[string]interface{})["elected"])
	assert.Equal(t, guest.UserID, vote["vote"].(map[string]interface{})["leader"])
}

func TestLobbyWSErrors(t *testing.T) {
	env := newTestEnv(t, Options{})
	host := env.create(t, "Ada")
	c := env.dial(t, host.RoomCode, host.UserID, "lobby")
	readUntil(t, c, ofType(MsgLobbySnapshot))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte("{nope")))
	msg := readUntil(t, c, ofType(MsgError))
	assert.Equal(t, "Invalid JSON format", msg["message"])

	send(t, c, map[string]interface{}{"type": "dance"})
	msg = readUntil(t, c, ofType(MsgError))
	assert.Contains(t, msg["message"], "dance")
	assert.Nil(t, msg["retryable"])
}

func TestLobbyWSRejections(t *testing.T) {
	env := newTestEnv(t, Options{})
	host := env.create(t, "Ada")

	c := env.dial(t, host.RoomCode, host.UserID)
	assert.Equal(t, BadSubprotocolError, closeStatusOf(t, c))

	c = env.dial(t, "ZZZZZZ", host.UserID, "lobby")
	assert.Equal(t, InvalidLobbyIDError, closeStatusOf(t, c))

	c = env.dial(t, host.RoomCode, "someone-else", "lobby")
	assert.Equal(t, InvalidUserIDError, closeStatusOf(t, c))
}

func TestLobbyWSRequiresToken(t *testing.T) {
	env := newTestEnv(t, Options{RequireToken: true})
	host := env.create(t, "Ada")

	c := env.dial(t, host.RoomCode, host.UserID, "lobby")
	assert.Equal(t, InvalidAuthTokenError, closeStatusOf(t, c))

	c = env.dial(t, host.RoomCode, host.UserID+"&token="+host.Token, "lobby")
	readUntil(t, c, ofType(MsgLobbySnapshot))
}

func TestLobbyWSClosedWhenDestroyed(t *testing.T) {
	env := newTestEnv(t, Options{})
	host := env.create(t, "Ada")
	c := env.dial(t, host.RoomCode, host.UserID, "lobby")
	readUntil(t, c, ofType(MsgLobbySnapshot))

	_, err := env.server.Lobbies.Leave(context.Background(), host.RoomCode, host.UserID)
	require.NoError(t, err)

	msg := readUntil(t, c, ofType(MsgLobbyClosed))
	assert.Equal(t, closedDestroyed, msg["reason"])
	assert.Equal(t, InvalidLobbyIDError, closeStatusOf(t, c))
}

func TestLobbyWSLeave(t *testing.T) {
	env := newTestEnv(t, Options{})
	host := env.create(t, "Ada")
	guest := env.join(t, host.RoomCode, "Grace")

	hc := env.dial(t, host.RoomCode, host.UserID, "lobby")
	readUntil(t, hc, ofType(MsgLobbySnapshot))

	gc := env.dial(t, host.RoomCode, guest.UserID, "lobby")
	readUntil(t, gc, ofType(MsgLobbySnapshot))
	send(t, gc, map[string]interface{}{"type": "leave_lobby"})
	status := closeStatusOf(t, gc)
	assert.Contains(t, []websocket.StatusCode{websocket.StatusNormalClosure, InvalidUserIDError}, status)

	readUntil(t, hc, func(m map[string]interface{}) bool {
		if m["type"] != MsgLobbySnapshot {
			return false
		}
		state, _ := m["state"].(map[string]interface{})
		players, _ := state["players"].(map[string]interface{})
		_, still := players[guest.UserID]
		return !still
	})
	assert.Eventually(t, func() bool { return env.server.Conns.Count(host.RoomCode) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWritePumpSendsLatestSnapshotPastBacklog(t *testing.T) {
	conn := lobby.NewLobbyConnection("p1", "Ada", func() {}, nil)
	for i := 0; i < cap(conn.OutChan); i++ {
		conn.OutChan <- map[string]interface{}{"type": MsgCue, "cue": "filler"}
	}
	conn.SetSnapshot(map[string]interface{}{"type": MsgLobbySnapshot, "state": "stale"})
	conn.SetSnapshot(map[string]interface{}{"type": MsgLobbySnapshot, "state": "current"})

	pumpCtx, stop := context.WithCancel(context.Background())
	t.Cleanup(stop)
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		writePump(pumpCtx, c, conn, log)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })

	var snapshots []interface{}
	for i := 0; i < cap(conn.OutChan)+1; i++ {
		var msg map[string]interface{}
		require.NoError(t, wsjson.Read(ctx, c, &msg))
		if msg["type"] == MsgLobbySnapshot {
			snapshots = append(snapshots, msg["state"])
		}
	}
	assert.Equal(t, []interface{}{"current"}, snapshots)

	conn.SetSnapshot(map[string]interface{}{"type": MsgLobbySnapshot, "state": "final"})
	msg := readUntil(t, c, ofType(MsgLobbySnapshot))
	assert.Equal(t, "final", msg["state"])
}

func TestDeliverDoesNotWaitForFullQueue(t *testing.T) {
	env := newTestEnv(t, Options{})
	host := env.create(t, "Ada")
	ctx := context.Background()

	conn := lobby.NewLobbyConnection(host.UserID, "Ada", func() {}, nil)
	for i := 0; i < cap(conn.OutChan); i++ {
		conn.OutChan <- map[string]interface{}{"type": MsgCue, "cue": "filler"}
	}
	viewer := env.server.Director.Viewer(host.RoomCode, host.UserID)
	snapshot := func() store.Snapshot {
		v, err := env.store.Get(ctx, store.LobbyPath(host.RoomCode))
		require.NoError(t, err)
		return store.Snapshot{Path: store.LobbyPath(host.RoomCode), Value: v}
	}

	env.server.deliver(ctx, host.RoomCode, conn, viewer, snapshot())
	guest := env.join(t, host.RoomCode, "Grace")
	env.server.deliver(ctx, host.RoomCode, conn, viewer, snapshot())

	msg, ok := conn.TakeSnapshot()
	require.True(t, ok)
	state, _ := msg["state"].(map[string]interface{})
	assert.Contains(t, state["players"], guest.UserID)
}

func TestLobbyWSUnloadLeavesBeforeStart(t *testing.T) {
	env := newTestEnv(t, Options{})
	host := env.create(t, "Ada")
	guest := env.join(t, host.RoomCode, "Grace")

	gc := env.dial(t, host.RoomCode, guest.UserID, "lobby")
	readUntil(t, gc, ofType(MsgLobbySnapshot))
	_ = gc.Close(websocket.StatusGoingAway, "page unloaded")

	assert.Eventually(t, func() bool {
		l, err := env.server.Lobbies.Get(context.Background(), host.RoomCode)
		if err != nil {
			return false
		}
		_, still := l.Players[guest.UserID]
		return !still
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLobbyWSUnloadKeepsPlayerDuringGame(t *testing.T) {
	env := newTestEnv(t, Options{})
	host := env.create(t, "Ada")
	guest := env.join(t, host.RoomCode, "Grace")
	reply, err := env.server.Engine.Handle(context.Background(), host.RoomCode, host.UserID, game.Command{Type: game.CmdStartGame})
	require.NoError(t, err)
	require.True(t, reply.Applied)

	gc := env.dial(t, host.RoomCode, guest.UserID, "lobby")
	readUntil(t, gc, ofType(MsgLobbySnapshot))
	_ = gc.Close(websocket.StatusGoingAway, "page unloaded")

	assert.Eventually(t, func() bool { return env.server.Conns.Count(host.RoomCode) == 0 }, 2*time.Second, 10*time.Millisecond)
	l, err := env.server.Lobbies.Get(context.Background(), host.RoomCode)
	require.NoError(t, err)
	assert.Contains(t, l.Players, guest.UserID, "a player in a running game may come back")
}
