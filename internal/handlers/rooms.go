// internal/handlers/rooms.go
package handlers

import (
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/duel"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/jason-s-yu/quizduel/internal/store"
)

// roomSummary is one row of the room browser.
type roomSummary struct {
	ID           uuid.UUID         `json:"id"`
	Category     string            `json:"category"`
	Status       models.RoomStatus `json:"status"`
	HostUserID   uuid.UUID         `json:"host_user_id"`
	HostName     string            `json:"host_name"`
	Players      int               `json:"players"`
	Capacity     int               `json:"capacity"`
	SearchActive bool              `json:"search_active"`
	CreatedAt    time.Time         `json:"created_at"`
}

func summarize(room *models.Room) roomSummary {
	sum := roomSummary{
		ID:           room.ID,
		Category:     room.Category,
		Status:       room.Status,
		HostUserID:   room.HostUserID,
		Players:      len(room.Participants),
		Capacity:     room.Capacity,
		SearchActive: room.RandomSearchActive,
		CreatedAt:    room.CreatedAt,
	}
	if host, ok := room.Participants[room.HostUserID]; ok {
		sum.HostName = host.DisplayName
	}
	return sum
}

// CreateRoomHandler opens a room with the caller as host.
func (s *Server) CreateRoomHandler() http.HandlerFunc {
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

		roomID, err := s.Coord.CreateRoom(r.Context(), req.Category, user)
		if err != nil {
			s.writeError(w, err)
			return
		}
		room, err := s.Coord.Get(r.Context(), roomID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, duel.Project(room, user.UID, s.Coord.Now()))
	}
}

// ListRoomsHandler lists open rooms, optionally in one category.
func (s *Server) ListRoomsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, code, err := authenticate(r); err != nil {
			http.Error(w, err.Error(), code)
			return
		}
		filter := store.RoomFilter{
			Category: r.URL.Query().Get("category"),
			Status:   []models.RoomStatus{models.StatusOpen},
		}
		rooms, err := s.Coord.Rooms.List(r.Context(), filter)
		if err != nil {
			s.writeError(w, err)
			return
		}
		sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt.Before(rooms[j].CreatedAt) })

		out := make([]roomSummary, 0, len(rooms))
		for _, room := range rooms {
			out = append(out, summarize(room))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// RoomViewHandler returns the caller's projection of one room.
func (s *Server) RoomViewHandler() http.HandlerFunc {
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
		room, err := s.Coord.Get(r.Context(), roomID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, duel.Project(room, userID, s.Coord.Now()))
	}
}

func (s *Server) JoinRoomHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.requireUser(w, r)
		if !ok {
			return
		}
		roomID, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := s.Coord.JoinRoom(r.Context(), roomID, user); err != nil {
			s.writeError(w, err)
			return
		}
		room, err := s.Coord.Get(r.Context(), roomID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, duel.Project(room, user.UID, s.Coord.Now()))
	}
}

func (s *Server) LeaveRoomHandler() http.HandlerFunc {
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
		if err := s.Coord.LeaveRoom(r.Context(), roomID, userID); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// DeleteRoomHandler lets the host close a room that is not mid-duel.
func (s *Server) DeleteRoomHandler() http.HandlerFunc {
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
		if err := s.Coord.DeleteRoom(r.Context(), roomID, userID); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) ReadyHandler() http.HandlerFunc {
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
		req := struct {
			Ready *bool `json:"ready"`
		}{}
		if !decodeBody(w, r, &req) {
			return
		}
		ready := true
		if req.Ready != nil {
			ready = *req.Ready
		}

		room, err := s.Coord.SetReady(r.Context(), roomID, userID, ready)
		if err != nil {
			s.writeRoomError(w, r, roomID, userID, err)
			return
		}
		writeJSON(w, http.StatusOK, duel.Project(room, userID, s.Coord.Now()))
	}
}

func (s *Server) StartDuelHandler() http.HandlerFunc {
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
		room, err := s.Coord.StartDuel(r.Context(), roomID, userID)
		if err != nil {
			s.writeRoomError(w, r, roomID, userID, err)
			return
		}
		writeJSON(w, http.StatusOK, duel.Project(room, userID, s.Coord.Now()))
	}
}

// answerResponse is the outcome of an accepted answer.
type answerResponse struct {
	Correct bool      `json:"correct"`
	Points  int       `json:"points"`
	View    duel.View `json:"view"`
}

func (s *Server) AnswerHandler() http.HandlerFunc {
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

		res, err := s.Coord.SubmitAnswer(r.Context(), roomID, userID, *req.QuestionIndex, *req.Answer)
		if err != nil {
			s.writeRoomError(w, r, roomID, userID, err)
			return
		}
		writeJSON(w, http.StatusOK, answerResponse{
			Correct: res.Correct,
			Points:  res.Points,
			View:    duel.Project(res.Room, userID, s.Coord.Now()),
		})
	}
}

func (s *Server) ListCategoriesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cats, err := s.Catalog.Categories(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		if cats == nil {
			cats = []string{}
		}
		writeJSON(w, http.StatusOK, cats)
	}
}
