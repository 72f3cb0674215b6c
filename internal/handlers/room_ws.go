// internal/handlers/room_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/duel"
	"github.com/jason-s-yu/quizduel/internal/middleware"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/sirupsen/logrus"
)

// roomPacket is a client message on the room socket.
type roomPacket struct {
	Type          string `json:"type"`
	QuestionIndex int    `json:"question_index"`
	Answer        int    `json:"answer"`
}

// roomEnvelope is a server message on the room socket.
type roomEnvelope struct {
	Type    string     `json:"type"`
	View    *duel.View `json:"view,omitempty"`
	Correct *bool      `json:"correct,omitempty"`
	Points  int        `json:"points,omitempty"`
	Message string     `json:"message,omitempty"`
}

// offerView hands v to the writer, replacing a view it has not picked up yet.
// Only the reactor goroutine calls it.
func offerView(ch chan duel.View, v duel.View) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- v
}

// RoomWSHandler streams the caller's projection of a room and accepts duel actions.
// Dropping the socket during a duel forfeits it.
func (s *Server) RoomWSHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			http.Error(w, "invalid room id", http.StatusBadRequest)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"room"},
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			s.Log.WithError(err).Warn("websocket accept error")
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "room" {
			c.Close(BadSubprotocolError, "client must speak the room subprotocol")
			return
		}
		userID, _, err := authenticate(r)
		if err != nil {
			c.Close(InvalidAuthTokenError, "invalid auth token")
			return
		}
		room, err := s.Coord.Get(r.Context(), roomID)
		if err != nil {
			c.Close(InvalidRoomIDError, "room does not exist")
			return
		}
		if !room.IsMember(userID) {
			c.Close(NotAMemberError, "not a member of this room")
			return
		}

		log := s.Log.WithFields(logrus.Fields{"room": roomID, "user": userID})
		middleware.LogWebSocketConnect(s.Log, r.RemoteAddr, r.URL.Path)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		views := make(chan duel.View, 1)
		reactor := duel.NewReactor(s.Coord, roomID, userID, func(v duel.View) { offerView(views, v) })
		reactorDone := make(chan error, 1)
		go func() { reactorDone <- reactor.Run(ctx) }()
		go s.roomWritePump(ctx, c, views, reactorDone, log)

		readErr := s.roomReadPump(ctx, c, roomID, userID, log)
		cancel()

		s.forfeitOnDisconnect(r.Context(), roomID, userID, log)
		middleware.LogWebSocketDisconnect(s.Log, r.RemoteAddr, r.URL.Path, readErr)
	}
}

// roomWritePump sends every view the reactor produces. It closes the socket when the
// room is deleted.
func (s *Server) roomWritePump(ctx context.Context, c *websocket.Conn, views <-chan duel.View, reactorDone <-chan error, log logrus.FieldLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-reactorDone:
			if errors.Is(err, models.ErrRoomNotFound) {
				c.Close(RoomClosedError, "room closed")
				return
			}
			if err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("room reactor stopped")
				c.Close(websocket.StatusInternalError, "room watch failed")
			}
			return
		case v := <-views:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, c, roomEnvelope{Type: "view", View: &v})
			cancel()
			if err != nil {
				log.WithError(err).Debug("failed to write view")
				return
			}
		}
	}
}

// roomReadPump handles client packets until the socket closes.
func (s *Server) roomReadPump(ctx context.Context, c *websocket.Conn, roomID, userID uuid.UUID, log logrus.FieldLogger) error {
	for {
		typ, msg, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			continue
		}

		var packet roomPacket
		if err := json.Unmarshal(msg, &packet); err != nil {
			s.writeEnvelope(ctx, c, roomEnvelope{Type: "error", Message: "invalid json format"})
			continue
		}
		reply := s.handleRoomPacket(ctx, packet, roomID, userID)
		if reply.Type == "error" {
			log.WithField("packet", packet.Type).Debug(reply.Message)
		}
		s.writeEnvelope(ctx, c, reply)
	}
}

func (s *Server) handleRoomPacket(ctx context.Context, packet roomPacket, roomID, userID uuid.UUID) roomEnvelope {
	var err error
	switch packet.Type {
	case "ping":
		return roomEnvelope{Type: "pong"}
	case "ready", "unready":
		_, err = s.Coord.SetReady(ctx, roomID, userID, packet.Type == "ready")
	case "start":
		_, err = s.Coord.StartDuel(ctx, roomID, userID)
	case "answer":
		var res *duel.AnswerResult
		res, err = s.Coord.SubmitAnswer(ctx, roomID, userID, packet.QuestionIndex, packet.Answer)
		if err == nil {
			return roomEnvelope{Type: "answer_result", Correct: &res.Correct, Points: res.Points}
		}
	case "leave":
		err = s.Coord.LeaveRoom(ctx, roomID, userID)
	default:
		return roomEnvelope{Type: "error", Message: "unknown packet type " + packet.Type}
	}

	switch {
	case err == nil:
		return roomEnvelope{Type: "ack"}
	case errors.Is(err, models.ErrNotYourTurn), errors.Is(err, models.ErrDuelFinished):
		// the reactor already pushes the fresh view
		return roomEnvelope{Type: "stale", Message: err.Error()}
	default:
		return roomEnvelope{Type: "error", Message: err.Error()}
	}
}

func (s *Server) writeEnvelope(ctx context.Context, c *websocket.Conn, env roomEnvelope) {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = wsjson.Write(writeCtx, c, env)
}

// forfeitOnDisconnect ends a running duel in the opponent's favour.
func (s *Server) forfeitOnDisconnect(ctx context.Context, roomID, userID uuid.UUID, log logrus.FieldLogger) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	room, err := s.Coord.Get(cctx, roomID)
	if err != nil || room.Status != models.StatusInDuel || !room.IsMember(userID) {
		return
	}
	if err := s.Coord.Forfeit(cctx, roomID, userID); err != nil {
		log.WithError(err).Warn("failed to forfeit on disconnect")
		return
	}
	log.Info("duel forfeited on disconnect")
}
