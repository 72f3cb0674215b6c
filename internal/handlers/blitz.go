// internal/handlers/blitz.go
package handlers

import (
	"errors"
	"net/http"

	"github.com/jason-s-yu/quizduel/internal/duel"
	"github.com/jason-s-yu/quizduel/internal/models"
)

// StartBlitzHandler opens a solo, unranked session in a category.
func (s *Server) StartBlitzHandler() http.HandlerFunc {
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
		sess, err := s.Coord.StartBlitz(r.Context(), user, req.Category)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, sess.View(s.Coord.Now()))
	}
}

type blitzAnswerResponse struct {
	Correct bool           `json:"correct"`
	Stale   bool           `json:"stale,omitempty"`
	View    duel.BlitzView `json:"view"`
}

// blitzSession resolves the {id} session owned by the caller.
func (s *Server) blitzSession(w http.ResponseWriter, r *http.Request) (*duel.BlitzSession, bool) {
	userID, code, err := authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), code)
		return nil, false
	}
	id, ok := pathID(w, r)
	if !ok {
		return nil, false
	}
	sess, err := s.Coord.Blitz(id, userID)
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) BlitzViewHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.blitzSession(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, sess.View(s.Coord.Now()))
	}
}

func (s *Server) BlitzAnswerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.blitzSession(w, r)
		if !ok {
			return
		}
		var req struct {
			QuestionIndex *int `json:"question_index"`
			Answer        *int `json:"answer"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.QuestionIndex == nil || req.Answer == nil {
			http.Error(w, "question_index and answer are required", http.StatusBadRequest)
			return
		}

		now := s.Coord.Now()
		correct, err := sess.Answer(*req.QuestionIndex, *req.Answer, now)
		stale := errors.Is(err, models.ErrNotYourTurn) || errors.Is(err, models.ErrDuelFinished)
		if err != nil && !stale {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, blitzAnswerResponse{
			Correct: correct,
			Stale:   stale,
			View:    sess.View(now),
		})
	}
}

func (s *Server) EndBlitzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := s.blitzSession(w, r)
		if !ok {
			return
		}
		s.Coord.EndBlitz(sess.ID)
		w.WriteHeader(http.StatusNoContent)
	}
}
