// internal/handlers/api_server.go
package handlers

import (
	"net/http"
	"strings"
	"sync"

	"github.com/jason-s-yu/escaperoom/internal/auth"
	"github.com/jason-s-yu/escaperoom/internal/clock"
	"github.com/jason-s-yu/escaperoom/internal/game"
	"github.com/jason-s-yu/escaperoom/internal/lobby"
	"github.com/jason-s-yu/escaperoom/internal/middleware"
	"github.com/jason-s-yu/escaperoom/internal/store"
	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"
)

// Options tune the HTTP surface.
type Options struct {
	// RequireToken makes the socket and leave endpoints demand the session token
	// handed out on create and join.
	RequireToken bool
	// PublicURL is the externally visible base URL used in join links. When empty
	// it is derived from the request.
	PublicURL string
}

// Server holds the services behind the lobby endpoints.
type Server struct {
	Store    store.Store
	Clock    clock.Clock
	Lobbies  *lobby.LobbyManager
	Engine   *game.Engine
	Director *game.Director
	Conns    *lobby.ConnectionStore
	Sessions *auth.Sessions

	opts Options
	log  logrus.FieldLogger

	mu    sync.Mutex
	known map[string]struct{}
}

// NewServer assembles a Server. sessions may be nil, in which case no tokens are issued
// and RequireToken is ignored.
func NewServer(s store.Store, c clock.Clock, lobbies *lobby.LobbyManager, engine *game.Engine, director *game.Director, sessions *auth.Sessions, opts Options, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if c == nil {
		c = clock.Real()
	}
	if sessions == nil {
		opts.RequireToken = false
	}
	opts.PublicURL = strings.TrimSuffix(opts.PublicURL, "/")
	return &Server{
		Store:    s,
		Clock:    c,
		Lobbies:  lobbies,
		Engine:   engine,
		Director: director,
		Conns:    lobby.NewConnectionStore(log),
		Sessions: sessions,
		opts:     opts,
		log:      log,
		known:    make(map[string]struct{}),
	}
}

// Routes registers every endpoint on a fresh router wrapped in request logging.
func (s *Server) Routes() http.Handler {
	mux := httprouter.New()

	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		s.log.WithField("path", r.URL.Path).Errorf("panic serving request: %v", i)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}

	mux.GET("/healthz", s.HealthHandler())

	mux.POST("/lobby/create", s.CreateLobbyHandler())
	mux.POST("/lobby/join/:code", s.JoinLobbyHandler())
	mux.POST("/lobby/leave/:code", s.LeaveLobbyHandler())
	mux.GET("/lobby/state/:code", s.LobbyStateHandler())
	mux.GET("/lobby/qr/:code", s.QRHandler())
	mux.GET("/lobby/ws/:code", s.LobbyWSHandler())

	return middleware.LogMiddleware(s.log)(mux)
}

// HealthHandler reports that the process is serving.
func (s *Server) HealthHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}
}
