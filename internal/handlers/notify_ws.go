// internal/handlers/notify_ws.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jason-s-yu/quizduel/internal/middleware"
	"github.com/jason-s-yu/quizduel/internal/notify"
)

// NotificationsWSHandler pushes the caller's invitations and notices as they arrive.
// The socket is receive-only; invitations are answered over HTTP.
func (s *Server) NotificationsWSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"notify"},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			s.Log.WithError(err).Warn("websocket accept error")
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "notify" {
			c.Close(BadSubprotocolError, "client must speak the notify subprotocol")
			return
		}
		userID, _, err := authenticate(r)
		if err != nil {
			c.Close(InvalidAuthTokenError, "invalid auth token")
			return
		}
		middleware.LogWebSocketConnect(s.Log, r.RemoteAddr, r.URL.Path)

		// CloseRead cancels ctx once the client goes away
		ctx, cancel := context.WithCancel(c.CloseRead(r.Context()))
		defer cancel()

		err = s.Engine.ListenInvitations(ctx, userID, func(ev notify.Event) {
			writeCtx, wcancel := context.WithTimeout(ctx, 5*time.Second)
			defer wcancel()
			if werr := wsjson.Write(writeCtx, c, ev); werr != nil {
				cancel()
			}
		})
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		middleware.LogWebSocketDisconnect(s.Log, r.RemoteAddr, r.URL.Path, err)
		c.Close(websocket.StatusNormalClosure, "")
	}
}
