// internal/handlers/session.go
package handlers

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/auth"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/jason-s-yu/quizduel/internal/profile"
)

// SessionHandler registers a guest profile and sets its auth_token cookie. A caller
// that already holds a valid token keeps its id and has its display fields refreshed.
func (s *Server) SessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writer, ok := s.Profiles.(profile.Writer)
		if !ok {
			http.Error(w, "guest sessions are not supported", http.StatusNotImplemented)
			return
		}
		var req struct {
			DisplayName string `json:"display_name"`
			PhotoRef    string `json:"photo_ref"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		name := strings.TrimSpace(req.DisplayName)
		if name == "" {
			name = "Guest"
		}

		userID, _, err := authenticate(r)
		fresh := err != nil
		if fresh {
			userID = uuid.New()
		} else if existing, gerr := s.Profiles.GetProfile(r.Context(), userID); gerr == nil && existing.IsBlocked {
			http.Error(w, "account is blocked", http.StatusForbidden)
			return
		}

		p := &models.Profile{UID: userID, DisplayName: name, PhotoRef: req.PhotoRef}
		if err := writer.UpsertProfile(r.Context(), p); err != nil {
			s.writeError(w, err)
			return
		}

		if fresh {
			token, err := auth.CreateJWT(userID)
			if err != nil {
				s.writeError(w, err)
				return
			}
			http.SetCookie(w, &http.Cookie{
				Name:     "auth_token",
				Value:    token,
				HttpOnly: true,
				Path:     "/",
				SameSite: http.SameSiteLaxMode,
			})
		}

		stored, err := s.Profiles.GetProfile(r.Context(), userID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		code := http.StatusOK
		if fresh {
			code = http.StatusCreated
		}
		writeJSON(w, code, stored)
	}
}
