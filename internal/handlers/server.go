// internal/handlers/server.go
package handlers

import (
	"net/http"

	"github.com/jason-s-yu/quizduel/internal/catalog"
	"github.com/jason-s-yu/quizduel/internal/duel"
	"github.com/jason-s-yu/quizduel/internal/matchmaking"
	"github.com/jason-s-yu/quizduel/internal/middleware"
	"github.com/jason-s-yu/quizduel/internal/notify"
	"github.com/jason-s-yu/quizduel/internal/profile"
	"github.com/sirupsen/logrus"
)

// Server holds the services the HTTP and websocket handlers call into.
type Server struct {
	Coord    *duel.Coordinator
	Engine   *matchmaking.Engine
	Notifier notify.Notifier
	Profiles profile.Store
	Catalog  catalog.Catalog
	Log      logrus.FieldLogger
}

func NewServer(coord *duel.Coordinator, engine *matchmaking.Engine, notifier notify.Notifier, profiles profile.Store, quizzes catalog.Catalog, logger logrus.FieldLogger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		Coord:    coord,
		Engine:   engine,
		Notifier: notifier,
		Profiles: profiles,
		Catalog:  quizzes,
		Log:      logger,
	}
}

// Routes registers every endpoint and wraps the mux in request logging.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /session", s.SessionHandler())
	mux.HandleFunc("GET /categories", s.ListCategoriesHandler())

	mux.HandleFunc("POST /rooms", s.CreateRoomHandler())
	mux.HandleFunc("GET /rooms", s.ListRoomsHandler())
	mux.HandleFunc("GET /rooms/{id}", s.RoomViewHandler())
	mux.HandleFunc("DELETE /rooms/{id}", s.DeleteRoomHandler())
	mux.HandleFunc("POST /rooms/{id}/join", s.JoinRoomHandler())
	mux.HandleFunc("POST /rooms/{id}/leave", s.LeaveRoomHandler())
	mux.HandleFunc("POST /rooms/{id}/ready", s.ReadyHandler())
	mux.HandleFunc("POST /rooms/{id}/start", s.StartDuelHandler())
	mux.HandleFunc("POST /rooms/{id}/answer", s.AnswerHandler())
	mux.HandleFunc("GET /rooms/{id}/ws", s.RoomWSHandler())

	mux.HandleFunc("POST /rooms/{id}/search", s.RoomSearchHandler())
	mux.HandleFunc("DELETE /rooms/{id}/search", s.CancelSearchHandler())
	mux.HandleFunc("POST /matchmaking/search", s.UserSearchHandler())
	mux.HandleFunc("DELETE /matchmaking/search", s.CancelSearchHandler())

	mux.HandleFunc("POST /rooms/{id}/invite", s.InviteHandler())
	mux.HandleFunc("POST /invitations/{id}/respond", s.RespondInvitationHandler())
	mux.HandleFunc("GET /notifications/ws", s.NotificationsWSHandler())

	mux.HandleFunc("POST /blitz", s.StartBlitzHandler())
	mux.HandleFunc("GET /blitz/{id}", s.BlitzViewHandler())
	mux.HandleFunc("POST /blitz/{id}/answer", s.BlitzAnswerHandler())
	mux.HandleFunc("DELETE /blitz/{id}", s.EndBlitzHandler())

	return middleware.LogMiddleware(s.Log)(mux)
}
