// internal/handlers/lobby.go
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jason-s-yu/escaperoom/internal/game"
	"github.com/jason-s-yu/escaperoom/internal/lobby"
	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

const qrSize = 320

type nameRequest struct {
	Name string `json:"name"`
}

// sessionResponse is returned by create and join. Token is empty when sessions are disabled.
type sessionResponse struct {
	RoomCode string `json:"roomCode"`
	UserID   string `json:"userId"`
	Token    string `json:"token,omitempty"`
}

func decodeName(r *http.Request) (string, error) {
	var req nameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	if req.Name == "" {
		req.Name = r.URL.Query().Get("name")
	}
	return req.Name, nil
}

func (s *Server) respondSession(w http.ResponseWriter, status int, code string, p models.Player) {
	resp := sessionResponse{RoomCode: code, UserID: p.ID}
	if s.Sessions != nil {
		token, err := s.Sessions.CreateJWT(p.ID, code)
		if err != nil {
			s.log.WithError(err).Errorf("could not sign session for player %s", p.ID)
			http.Error(w, "could not create session", http.StatusInternalServerError)
			return
		}
		resp.Token = token
	}
	writeJSON(w, status, resp)
}

// lobbyError maps service errors onto HTTP statuses.
func (s *Server) lobbyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lobby.ErrLobbyNotFound):
		http.Error(w, "lobby not found", http.StatusNotFound)
	case errors.Is(err, lobby.ErrNameRequired):
		http.Error(w, "name is required", http.StatusBadRequest)
	case errors.Is(err, lobby.ErrPlayerNotFound):
		http.Error(w, "player not found", http.StatusNotFound)
	default:
		s.log.WithError(err).Warn("lobby request failed")
		http.Error(w, "lobby service unavailable", http.StatusServiceUnavailable)
	}
}

// CreateLobbyHandler allocates a room code and makes the caller its host.
func (s *Server) CreateLobbyHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		name, err := decodeName(r)
		if err != nil {
			http.Error(w, "bad lobby request payload", http.StatusBadRequest)
			return
		}
		code, host, err := s.Lobbies.Create(r.Context(), name)
		if err != nil {
			s.lobbyError(w, err)
			return
		}
		s.track(code)
		s.log.WithField("lobby", code).Infof("Lobby created by %s (%s)", host.Name, host.ID)
		s.respondSession(w, http.StatusCreated, code, host)
	}
}

// JoinLobbyHandler adds the caller to an existing room.
func (s *Server) JoinLobbyHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code, ok := roomCode(ps)
		if !ok {
			http.Error(w, "invalid room code", http.StatusBadRequest)
			return
		}
		name, err := decodeName(r)
		if err != nil {
			http.Error(w, "bad join request payload", http.StatusBadRequest)
			return
		}
		p, err := s.Lobbies.Join(r.Context(), code, name)
		if err != nil {
			s.lobbyError(w, err)
			return
		}
		s.track(code)
		s.log.WithField("lobby", code).Infof("Player %s (%s) joined", p.Name, p.ID)
		s.respondSession(w, http.StatusOK, code, p)
	}
}

// LeaveLobbyHandler removes ?uid from the room. Leaving twice is not an error.
func (s *Server) LeaveLobbyHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code, ok := roomCode(ps)
		if !ok {
			http.Error(w, "invalid room code", http.StatusBadRequest)
			return
		}
		uid := r.URL.Query().Get("uid")
		if uid == "" {
			http.Error(w, "missing uid", http.StatusBadRequest)
			return
		}
		if s.opts.RequireToken {
			if err := s.Sessions.AuthenticateFor(tokenFromRequest(r), uid, code); err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
		}
		reply, err := s.Engine.Handle(r.Context(), code, uid, game.Command{Type: game.CmdLeaveLobby})
		if err != nil {
			s.lobbyError(w, err)
			return
		}
		if reply.Destroyed {
			s.log.WithField("lobby", code).Info("Lobby destroyed after the last player left")
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// LobbyStateHandler returns the current lobby tree.
func (s *Server) LobbyStateHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code, ok := roomCode(ps)
		if !ok {
			http.Error(w, "invalid room code", http.StatusBadRequest)
			return
		}
		v, err := s.Store.Get(r.Context(), store.LobbyPath(code))
		if err != nil {
			s.lobbyError(w, err)
			return
		}
		if v == nil {
			http.Error(w, "lobby not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"roomCode":   code,
			"state":      v,
			"serverTime": s.Clock.Now().UnixMilli(),
		})
	}
}

// QRHandler renders a PNG QR code of the room's join link.
func (s *Server) QRHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code, ok := roomCode(ps)
		if !ok {
			http.Error(w, "invalid room code", http.StatusBadRequest)
			return
		}
		exists, err := s.Lobbies.Exists(r.Context(), code)
		if err != nil {
			s.lobbyError(w, err)
			return
		}
		if !exists {
			http.Error(w, "lobby not found", http.StatusNotFound)
			return
		}

		png, err := qrcode.Encode(s.joinURL(r, code), qrcode.Medium, qrSize)
		if err != nil {
			s.log.WithError(err).Errorf("could not encode QR code for lobby %s", code)
			http.Error(w, "could not generate QR code", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(png)
	}
}
