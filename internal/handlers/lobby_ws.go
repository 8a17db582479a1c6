// internal/handlers/lobby_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/escaperoom/internal/game"
	"github.com/jason-s-yu/escaperoom/internal/lobby"
	"github.com/jason-s-yu/escaperoom/internal/middleware"
	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

// Server to client message types.
const (
	MsgLobbySnapshot = "lobby_snapshot"
	MsgCue           = "cue"
	MsgResult        = "result"
	MsgError         = "error"
	MsgLobbyClosed   = "lobby_closed"
)

// Reasons carried by lobby_closed.
const (
	closedDestroyed = "destroyed"
	closedRemoved   = "removed"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 5 * time.Second
	leaveTimeout = 5 * time.Second
)

// errGoingAway reports a client that closed the socket because its page unloaded.
var errGoingAway = errors.New("client went away")

// LobbyWSHandler upgrades /lobby/ws/:code?uid=&name= to the lobby socket. Every write
// to the lobby tree is pushed as a lobby_snapshot, followed by the cues this session
// has not played. Client messages are commands applied through the Engine.
func (s *Server) LobbyWSHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		remoteAddr := r.RemoteAddr
		code := lobby.NormalizeCode(ps.ByName("code"))
		uid := r.URL.Query().Get("uid")

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"lobby"},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			s.log.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "lobby" {
			c.Close(BadSubprotocolError, "client must speak the lobby subprotocol")
			return
		}
		if s.opts.RequireToken {
			if err := s.Sessions.AuthenticateFor(tokenFromRequest(r), uid, code); err != nil {
				s.log.WithField("lobby", code).Warnf("Rejected socket for %q: %v", uid, err)
				c.Close(InvalidAuthTokenError, "invalid auth token")
				return
			}
		}

		if !lobby.ValidCode(code) {
			c.Close(InvalidLobbyIDError, "invalid room code")
			return
		}
		lob, err := s.Lobbies.Get(r.Context(), code)
		if errors.Is(err, lobby.ErrLobbyNotFound) {
			c.Close(InvalidLobbyIDError, "lobby not found")
			return
		}
		if err != nil {
			s.log.WithField("lobby", code).Warnf("Could not load lobby for socket: %v", err)
			c.Close(websocket.StatusTryAgainLater, "lobby unavailable")
			return
		}
		player, ok := lob.Players[uid]
		if !ok {
			c.Close(InvalidUserIDError, "player is not in this lobby")
			return
		}

		s.track(code)
		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		logger := s.log.WithFields(logrus.Fields{"lobby": code, "player": uid})
		conn := lobby.NewLobbyConnection(uid, player.Name, cancel, logger)
		s.Conns.Add(code, conn)
		defer s.Conns.Remove(code, conn)

		middleware.LogWebSocketConnect(s.log, remoteAddr, r.URL.Path, code, uid)

		viewer := s.Director.Viewer(code, uid)
		unsubscribe, err := s.Store.Subscribe(ctx, store.LobbyPath(code), func(snap store.Snapshot) {
			s.deliver(ctx, code, conn, viewer, snap)
		})
		if err != nil {
			logger.Warnf("Could not subscribe to lobby: %v", err)
			c.Close(websocket.StatusTryAgainLater, "lobby unavailable")
			return
		}
		defer unsubscribe()

		go writePump(ctx, c, conn, logger)
		status, reason, readErr := s.readPump(ctx, c, code, conn, logger)

		middleware.LogWebSocketDisconnect(s.log, remoteAddr, r.URL.Path, code, uid, readErr)
		if errors.Is(readErr, errGoingAway) {
			s.leaveOnUnload(r.Context(), code, conn, logger)
		}
		if status != 0 {
			c.Close(status, reason)
		}
	}
}

// leaveOnUnload removes a player whose page closed while the lobby was still
// gathering players. Once the game runs, a vanished player is left to the reaper so
// they can reconnect. A session already replaced by a newer one leaves nothing.
func (s *Server) leaveOnUnload(ctx context.Context, code string, conn *lobby.LobbyConnection, logger logrus.FieldLogger) {
	if cur, ok := s.Conns.Get(code, conn.PlayerID); !ok || cur != conn {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
	defer cancel()

	lob, err := s.Lobbies.Get(ctx, code)
	if err != nil {
		if !errors.Is(err, lobby.ErrLobbyNotFound) {
			logger.Warnf("Lobby %s: could not load lobby after unload: %v", code, err)
		}
		return
	}
	if lob.GameState != models.GameStateLobby {
		return
	}
	if _, err := s.Engine.Handle(ctx, code, conn.PlayerID, game.Command{Type: game.CmdLeaveLobby}); err != nil {
		logger.Warnf("Lobby %s: leave after unload failed for player %s: %v", code, conn.PlayerID, err)
		return
	}
	logger.Infof("Lobby %s: player %s left with their page", code, conn.PlayerID)
}

// deliver forwards one lobby snapshot and the cues it produced to the session.
// It runs on the subscription's goroutine, so the viewer sees snapshots in order.
// The snapshot replaces any the writer has not sent yet; cues and lobby_closed wait
// for room in the queue.
func (s *Server) deliver(ctx context.Context, code string, conn *lobby.LobbyConnection, viewer *game.Viewer, snap store.Snapshot) {
	if !snap.Exists() {
		_, _ = viewer.Observe(ctx, snap)
		_ = conn.Send(ctx, map[string]interface{}{"type": MsgLobbyClosed, "reason": closedDestroyed})
		return
	}
	if _, ok := store.ChildOf(snap.Value, "players/"+conn.PlayerID).(map[string]any); !ok {
		_ = conn.Send(ctx, map[string]interface{}{"type": MsgLobbyClosed, "reason": closedRemoved})
		return
	}

	cues, err := viewer.Observe(ctx, snap)
	if err != nil && ctx.Err() == nil {
		conn.Log.Warnf("Lobby %s: evaluating snapshot failed: %v", code, err)
	}

	conn.SetSnapshot(map[string]interface{}{
		"type":       MsgLobbySnapshot,
		"state":      snap.Value,
		"serverTime": s.Clock.Now().UnixMilli(),
	})
	for _, cue := range cues {
		msg := map[string]interface{}{"type": MsgCue, "cue": cue.Type}
		if cue.Penalty != nil {
			msg["penalty"] = cue.Penalty
		}
		if err := conn.Send(ctx, msg); err != nil {
			return
		}
	}
}

// readPump applies client commands until the socket closes. It returns the close
// status the handler should finish with, or 0 when the socket is already gone.
func (s *Server) readPump(ctx context.Context, c *websocket.Conn, code string, conn *lobby.LobbyConnection, logger logrus.FieldLogger) (websocket.StatusCode, string, error) {
	logger.Infof("Lobby %s: Starting read pump for player %s", code, conn.PlayerID)
	defer logger.Infof("Lobby %s: Exiting read pump for player %s", code, conn.PlayerID)

	for {
		typ, msg, err := c.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			switch {
			case closeStatus == websocket.StatusGoingAway:
				logger.Infof("Lobby %s: WebSocket closed by unloading page for player %s.", code, conn.PlayerID)
				return 0, "", errGoingAway
			case closeStatus == websocket.StatusNormalClosure:
				logger.Infof("Lobby %s: WebSocket closed normally for player %s.", code, conn.PlayerID)
				return 0, "", nil
			case ctx.Err() != nil:
				return 0, "", nil
			default:
				logger.Warnf("Lobby %s: Read error for player %s: %v (CloseStatus: %d)", code, conn.PlayerID, err, closeStatus)
				return 0, "", err
			}
		}

		if typ != websocket.MessageText {
			logger.Warnf("Lobby %s: Received non-text message type %d from player %s. Ignoring.", code, typ, conn.PlayerID)
			continue
		}

		var cmd game.Command
		if err := json.Unmarshal(msg, &cmd); err != nil || cmd.Type == "" {
			logger.Warnf("Lobby %s: Invalid json from player %s: %v", code, conn.PlayerID, err)
			if conn.WriteError(ctx, "Invalid JSON format") != nil {
				return 0, "", nil
			}
			continue
		}

		reply, err := s.Engine.Handle(ctx, code, conn.PlayerID, cmd)
		var sendErr error
		switch {
		case err == nil:
		case errors.Is(err, lobby.ErrLobbyNotFound):
			return InvalidLobbyIDError, "lobby not found", nil
		case errors.Is(err, game.ErrUnknownCommand):
			sendErr = conn.WriteError(ctx, "Unknown action type: "+cmd.Type)
		case game.Retryable(err):
			sendErr = conn.WriteRetryable(ctx, err.Error())
		default:
			sendErr = conn.WriteError(ctx, err.Error())
		}
		if sendErr != nil {
			return 0, "", nil
		}
		if err != nil {
			continue
		}

		if cmd.Type != game.CmdHeartbeat {
			if conn.Send(ctx, resultMessage(cmd, reply)) != nil {
				return 0, "", nil
			}
		}
		if reply.Left {
			return websocket.StatusNormalClosure, "left lobby", nil
		}
	}
}

// resultMessage acknowledges one command with the details its caller may act on.
func resultMessage(cmd game.Command, reply game.Reply) map[string]interface{} {
	msg := map[string]interface{}{
		"type":    MsgResult,
		"command": cmd.Type,
		"applied": reply.Applied,
	}
	if v := reply.Vote; v != nil {
		msg["vote"] = map[string]interface{}{
			"withdrawn": v.Withdrawn,
			"elected":   v.Elected,
			"leader":    v.Leader,
		}
	}
	if in := reply.Input; in != nil {
		res := map[string]interface{}{
			"submitted": in.Submitted,
			"solved":    in.Solved,
		}
		if in.Penalty != nil {
			res["penalty"] = in.Penalty
		}
		msg["input"] = res
	}
	if o := reply.Open; o != nil {
		msg["open"] = map[string]interface{}{
			"needsKeypad": o.NeedsKeypad,
			"escaped":     o.Escaped,
		}
	}
	return msg
}

// writePump drains conn.OutChan to the socket and keeps it alive with pings. The
// pending snapshot is written before every queued message, so a cue never reaches
// the client ahead of the state that produced it. A lobby_closed message is the last
// one written before the socket is closed.
func writePump(ctx context.Context, c *websocket.Conn, conn *lobby.LobbyConnection, logger logrus.FieldLogger) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	write := func(msg map[string]interface{}) bool {
		data, err := json.Marshal(msg)
		if err != nil {
			logger.Warnf("Lobby: Failed to marshal outgoing msg for player %s: %v", conn.PlayerID, err)
			return true
		}
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = c.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			logger.Warnf("Lobby: Failed to write to websocket for player %s: %v", conn.PlayerID, err)
			conn.Cancel()
			return false
		}
		return true
	}
	flush := func() bool {
		if snap, ok := conn.TakeSnapshot(); ok {
			return write(snap)
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Wake:
			if !flush() {
				return
			}
		case msg, ok := <-conn.OutChan:
			if !ok {
				return
			}
			if !flush() || !write(msg) {
				return
			}

			if msg["type"] == MsgLobbyClosed {
				status := InvalidLobbyIDError
				if msg["reason"] == closedRemoved {
					status = InvalidUserIDError
				}
				_ = c.Close(status, "lobby closed")
				conn.Cancel()
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				logger.Warnf("Lobby: Failed to send ping to player %s: %v. Assuming disconnect.", conn.PlayerID, err)
				conn.Cancel()
				return
			}
		}
	}
}
