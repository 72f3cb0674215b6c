// internal/handlers/utils.go
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/auth"
	"github.com/jason-s-yu/quizduel/internal/duel"
	"github.com/jason-s-yu/quizduel/internal/models"
)

// extractCookieToken extracts a named cookie value from "Cookie" header, or returns empty if not found.
func extractCookieToken(cookieHeader, cookieName string) string {
	parts := strings.Split(cookieHeader, cookieName+"=")
	if len(parts) < 2 {
		return ""
	}
	token := parts[1]
	if idx := strings.Index(token, ";"); idx != -1 {
		token = token[:idx]
	}
	return token
}

// authenticate reads the auth_token cookie and returns the user it names.
func authenticate(r *http.Request) (uuid.UUID, int, error) {
	token := extractCookieToken(r.Header.Get("Cookie"), "auth_token")
	if token == "" {
		return uuid.Nil, http.StatusUnauthorized, errors.New("missing auth_token")
	}
	userID, err := auth.AuthenticateJWT(token)
	if err != nil {
		return uuid.Nil, http.StatusForbidden, errors.New("invalid token")
	}
	return userID, http.StatusOK, nil
}

// requireUser authenticates the request and loads the caller's profile. On failure
// the response has been written and ok is false.
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (*models.Profile, bool) {
	userID, code, err := authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), code)
		return nil, false
	}
	p, err := s.Profiles.GetProfile(r.Context(), userID)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return p, true
}

// pathID parses the {id} path segment.
func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// decodeBody fills v from a JSON body. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "bad request payload", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// staleResponse tells a client its action lost a race, with the current view to redraw.
type staleResponse struct {
	Stale   bool      `json:"stale"`
	Message string    `json:"message"`
	View    duel.View `json:"view"`
}

// outcomeResponse reports how a search ended.
type outcomeResponse struct {
	Outcome  string    `json:"outcome"`
	Message  string    `json:"message,omitempty"`
	RoomID   uuid.UUID `json:"room_id,omitempty"`
	Opponent uuid.UUID `json:"opponent,omitempty"`
	Hosted   bool      `json:"hosted,omitempty"`
}

// writeError maps a service error to a status code.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrOpponentNotFound):
		writeJSON(w, http.StatusOK, outcomeResponse{Outcome: "no_opponent", Message: "no opponent found, try again"})
	case errors.Is(err, models.ErrRoomNotFound),
		errors.Is(err, models.ErrInvitationNotFound),
		errors.Is(err, models.ErrProfileNotFound),
		errors.Is(err, models.ErrTicketNotFound),
		errors.Is(err, models.ErrNoQuiz):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrRoomFull), errors.Is(err, models.ErrStaleWrite):
		http.Error(w, fmt.Sprintf("%v, try again", err), http.StatusConflict)
	case errors.Is(err, models.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, models.ErrNotYourTurn), errors.Is(err, models.ErrDuelFinished):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.Log.WithError(err).Error("request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// writeRoomError is writeError for requests on one room. A lost turn or a finished
// duel is answered with the fresh view instead of an error.
func (s *Server) writeRoomError(w http.ResponseWriter, r *http.Request, roomID, viewer uuid.UUID, err error) {
	if errors.Is(err, models.ErrNotYourTurn) || errors.Is(err, models.ErrDuelFinished) {
		room, gerr := s.Coord.Get(r.Context(), roomID)
		if gerr != nil {
			s.writeError(w, gerr)
			return
		}
		writeJSON(w, http.StatusOK, staleResponse{
			Stale:   true,
			Message: err.Error(),
			View:    duel.Project(room, viewer, s.Coord.Now()),
		})
		return
	}
	s.writeError(w, err)
}
