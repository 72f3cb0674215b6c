// internal/handlers/matchmaking.go
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/matchmaking"
	"github.com/sirupsen/logrus"
)

// writeSearchResult reports how a search ended. Searches block the request until a
// match, a timeout, or a cancel.
func (s *Server) writeSearchResult(w http.ResponseWriter, r *http.Request, search *matchmaking.Search) {
	res, err := search.Wait(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, outcomeResponse{
			Outcome:  "matched",
			RoomID:   res.RoomID,
			Opponent: res.Opponent,
			Hosted:   res.Hosted,
		})
	case errors.Is(err, matchmaking.ErrSearchStopped), errors.Is(err, context.Canceled):
		writeJSON(w, http.StatusOK, outcomeResponse{Outcome: "cancelled", Message: "search cancelled"})
	default:
		s.writeError(w, err)
	}
}

// RoomSearchHandler lets a host look for a random opponent for their open room.
func (s *Server) RoomSearchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, code, err := authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), code)
			return
		}
		roomID, ok := pathID(w, r)
		if !ok {
			return
		}
		search, err := s.Engine.StartRoomSearch(r.Context(), roomID, userID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeSearchResult(w, r, search)
	}
}

// UserSearchHandler looks for a searching room in the requested category.
func (s *Server) UserSearchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		var req struct {
			Category string `json:"category"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Category == "" {
			http.Error(w, "category is required", http.StatusBadRequest)
			return
		}
		search, err := s.Engine.StartUserSearch(r.Context(), user, req.Category)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeSearchResult(w, r, search)
	}
}

// CancelSearchHandler stops the caller's search, whichever kind it is.
func (s *Server) CancelSearchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, code, err := authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), code)
			return
		}
		if err := s.Engine.CancelSearch(r.Context(), userID); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// InviteHandler sends an invitation to the user named in the body.
func (s *Server) InviteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		roomID, ok := pathID(w, r)
		if !ok {
			return
		}
		var req struct {
			UserID string `json:"user_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		inviteeID, err := uuid.Parse(req.UserID)
		if err != nil {
			http.Error(w, "invalid user_id", http.StatusBadRequest)
			return
		}
		invitee, err := s.Profiles.GetProfile(r.Context(), inviteeID)
		if err != nil {
			s.writeError(w, err)
			return
		}

		inv, err := s.Engine.Invite(r.Context(), roomID, host, invitee)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, inv)
	}
}

// RespondInvitationHandler accepts or declines an invitation addressed to the caller.
func (s *Server) RespondInvitationHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		invID, ok := pathID(w, r)
		if !ok {
			return
		}
		var req struct {
			Accept bool `json:"accept"`
		}
		if !decodeBody(w, r, &req) {
			return
		}

		inv, err := s.Engine.Respond(r.Context(), invID, user, req.Accept)
		if err != nil {
			s.Log.WithFields(logrus.Fields{"invitation": invID, "user": user.UID}).WithError(err).Info("invitation response failed")
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inv)
	}
}
