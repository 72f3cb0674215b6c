// internal/handlers/handlers_test.go
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/auth"
	"github.com/jason-s-yu/quizduel/internal/catalog"
	"github.com/jason-s-yu/quizduel/internal/duel"
	"github.com/jason-s-yu/quizduel/internal/matchmaking"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/jason-s-yu/quizduel/internal/notify"
	"github.com/jason-s-yu/quizduel/internal/profile"
	"github.com/jason-s-yu/quizduel/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv      *Server
	handler  http.Handler
	rooms    *store.MemoryRoomStore
	profiles *profile.MemoryStore
	notifier *notify.MemoryNotifier
}

func historyQuiz(id string) *models.Quiz {
	q := &models.Quiz{ID: id, Title: "Quiz " + id, Category: "History", Duration: time.Minute, PointsPerQuestion: 10}
	for i := 0; i < 3; i++ {
		q.Questions = append(q.Questions, models.Question{
			ID:      fmt.Sprintf("%s-%d", id, i),
			Prompt:  fmt.Sprintf("question %d", i),
			Answers: []string{"wrong", "right"},
			Correct: 1,
		})
	}
	return q
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	require.NoError(t, auth.Init(time.Hour))
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	ts := &testServer{
		rooms:    store.NewMemoryRoomStore(),
		profiles: profile.NewMemoryStore(),
		notifier: notify.NewMemoryNotifier(),
	}
	reg := duel.NewRegistry(ts.rooms, logger)
	coord := duel.NewCoordinator(reg, catalog.NewMemoryCatalog(historyQuiz("q1")), ts.profiles, time.Minute)
	coord.SetRand(rand.New(rand.NewSource(1)))
	engine := matchmaking.NewEngine(reg, store.NewMemoryTicketStore(), ts.notifier, ts.profiles, matchmaking.Config{
		Grace:        10 * time.Millisecond,
		Timeout:      150 * time.Millisecond,
		ScanInterval: 10 * time.Millisecond,
	}, logger)

	ts.srv = NewServer(coord, engine, ts.notifier, ts.profiles, coord.Catalog, logger)
	ts.handler = ts.srv.Routes()
	return ts
}

// user registers a profile and returns it with a signed token.
func (ts *testServer) user(t *testing.T, name string) (*models.Profile, string) {
	t.Helper()
	p := &models.Profile{UID: uuid.New(), DisplayName: name}
	ts.profiles.Upsert(p)
	token, err := auth.CreateJWT(p.UID)
	require.NoError(t, err)
	return p, token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Cookie", "auth_token="+token)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// createRoom opens a History room as token's user and returns its id.
func (ts *testServer) createRoom(t *testing.T, token string) uuid.UUID {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/rooms", token, map[string]string{"category": "History"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[duel.View](t, w).RoomID
}

// readyDuel seats host and guest, readies both and starts the duel.
func (ts *testServer) readyDuel(t *testing.T, hostToken, guestToken string) uuid.UUID {
	t.Helper()
	roomID := ts.createRoom(t, hostToken)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/rooms/"+roomID.String()+"/join", guestToken, nil).Code)
	for _, tok := range []string{hostToken, guestToken} {
		require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/rooms/"+roomID.String()+"/ready", tok, map[string]bool{"ready": true}).Code)
	}
	w := ts.do(t, http.MethodPost, "/rooms/"+roomID.String()+"/start", hostToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return roomID
}

func TestSessionIssuesCookie(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodPost, "/session", "", map[string]string{"display_name": "ann"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[models.Profile](t, w)
	assert.Equal(t, "ann", created.DisplayName)

	var token string
	for _, c := range w.Result().Cookies() {
		if c.Name == "auth_token" {
			token = c.Value
		}
	}
	require.NotEmpty(t, token)
	uid, err := auth.AuthenticateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, created.UID, uid)

	// the same caller renames itself and keeps its id
	w = ts.do(t, http.MethodPost, "/session", token, map[string]string{"display_name": "annie"})
	require.Equal(t, http.StatusOK, w.Code)
	renamed := decode[models.Profile](t, w)
	assert.Equal(t, created.UID, renamed.UID)
	assert.Equal(t, "annie", renamed.DisplayName)
}

func TestRequiresAuth(t *testing.T) {
	ts := setupTestServer(t)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/rooms", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/rooms", "garbage", nil).Code)

	_, token := ts.user(t, "alice")
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/rooms/not-a-uuid", token, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/rooms/"+uuid.NewString(), token, nil).Code)
}

func TestRoomLifecycleOverHTTP(t *testing.T) {
	ts := setupTestServer(t)
	_, hostToken := ts.user(t, "alice")
	_, guestToken := ts.user(t, "bob")
	_, thirdToken := ts.user(t, "carol")

	roomID := ts.createRoom(t, hostToken)
	base := "/rooms/" + roomID.String()

	list := decode[[]roomSummary](t, ts.do(t, http.MethodGet, "/rooms?category=History", guestToken, nil))
	require.Len(t, list, 1)
	assert.Equal(t, "alice", list[0].HostName)
	assert.Empty(t, decode[[]roomSummary](t, ts.do(t, http.MethodGet, "/rooms?category=Science", guestToken, nil)))

	w := ts.do(t, http.MethodPost, base+"/join", guestToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", decode[duel.View](t, w).Opponent.DisplayName)

	w = ts.do(t, http.MethodPost, base+"/join", thirdToken, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "try again")

	// not everyone is ready yet
	ts.do(t, http.MethodPost, base+"/ready", hostToken, map[string]bool{"ready": true})
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, base+"/start", hostToken, nil).Code)

	ts.do(t, http.MethodPost, base+"/ready", guestToken, nil)
	w = ts.do(t, http.MethodPost, base+"/start", hostToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	started := decode[duel.View](t, w)
	assert.Equal(t, models.StatusInDuel, started.Status)
	assert.True(t, started.IsMyTurn)

	// out of turn is answered with the current view, not an error
	w = ts.do(t, http.MethodPost, base+"/answer", guestToken, map[string]int{"question_index": 0, "answer": 1})
	require.Equal(t, http.StatusOK, w.Code)
	stale := decode[staleResponse](t, w)
	assert.True(t, stale.Stale)
	assert.False(t, stale.View.IsMyTurn)

	w = ts.do(t, http.MethodPost, base+"/answer", hostToken, map[string]int{"question_index": 0, "answer": 1})
	require.Equal(t, http.StatusOK, w.Code)
	ans := decode[answerResponse](t, w)
	assert.True(t, ans.Correct)
	assert.Equal(t, 10, ans.Points)
	assert.Equal(t, 1, ans.View.QuestionIndex)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, base+"/answer", guestToken, map[string]int{"answer": 1}).Code)

	// the host may not delete a room mid-duel
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodDelete, base, hostToken, nil).Code)
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, base+"/leave", guestToken, nil).Code)

	view := decode[duel.View](t, ts.do(t, http.MethodGet, base, hostToken, nil))
	assert.Equal(t, models.StatusFinished, view.Status)
	assert.Equal(t, models.FinishForfeit, view.FinishReason)
}

func TestRoomSearchNoOpponentOverHTTP(t *testing.T) {
	ts := setupTestServer(t)
	_, hostToken := ts.user(t, "alice")
	roomID := ts.createRoom(t, hostToken)

	w := ts.do(t, http.MethodPost, "/rooms/"+roomID.String()+"/search", hostToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode[outcomeResponse](t, w)
	assert.Equal(t, "no_opponent", out.Outcome)
	assert.Equal(t, "no opponent found, try again", out.Message)

	view := decode[duel.View](t, ts.do(t, http.MethodGet, "/rooms/"+roomID.String(), hostToken, nil))
	assert.False(t, view.SearchActive)
	assert.Equal(t, models.StatusOpen, view.Status)

	_, guestToken := ts.user(t, "bob")
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/rooms/"+roomID.String()+"/search", guestToken, nil).Code)
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/matchmaking/search", guestToken, nil).Code)
}

func TestInviteFlowOverHTTP(t *testing.T) {
	ts := setupTestServer(t)
	_, hostToken := ts.user(t, "alice")
	guest, guestToken := ts.user(t, "bob")
	roomID := ts.createRoom(t, hostToken)

	w := ts.do(t, http.MethodPost, "/rooms/"+roomID.String()+"/invite", hostToken, map[string]string{"user_id": guest.UID.String()})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	inv := decode[notify.Invitation](t, w)
	assert.Equal(t, notify.StatusPending, inv.Status)

	// only the receiver may answer
	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/invitations/"+inv.ID.String()+"/respond", hostToken, map[string]bool{"accept": true}).Code)

	w = ts.do(t, http.MethodPost, "/invitations/"+inv.ID.String()+"/respond", guestToken, map[string]bool{"accept": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, notify.StatusAccepted, decode[notify.Invitation](t, w).Status)

	room, err := ts.rooms.Get(context.Background(), roomID)
	require.NoError(t, err)
	assert.True(t, room.IsMember(guest.UID))

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/invitations/"+uuid.NewString()+"/respond", guestToken, map[string]bool{"accept": true}).Code)
}

func TestBlitzOverHTTP(t *testing.T) {
	ts := setupTestServer(t)
	_, token := ts.user(t, "alice")
	_, otherToken := ts.user(t, "bob")

	w := ts.do(t, http.MethodPost, "/blitz", token, map[string]string{"category": "History"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	view := decode[duel.BlitzView](t, w)
	path := "/blitz/" + view.ID.String()

	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, path, otherToken, nil).Code)

	res := decode[blitzAnswerResponse](t, ts.do(t, http.MethodPost, path+"/answer", token, map[string]int{"question_index": 0, "answer": 1}))
	assert.True(t, res.Correct)
	assert.Equal(t, 10, res.View.Score)

	res = decode[blitzAnswerResponse](t, ts.do(t, http.MethodPost, path+"/answer", token, map[string]int{"question_index": 0, "answer": 1}))
	assert.True(t, res.Stale)
	assert.Equal(t, 1, res.View.QuestionIndex)

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, path, token, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, path, token, nil).Code)
}

func TestCategories(t *testing.T) {
	ts := setupTestServer(t)
	w := ts.do(t, http.MethodGet, "/categories", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"History"}, decode[[]string](t, w))
}

func TestWriteErrorMapping(t *testing.T) {
	ts := setupTestServer(t)
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("get: %w", models.ErrRoomNotFound), http.StatusNotFound},
		{models.ErrInvitationNotFound, http.StatusNotFound},
		{models.ErrRoomFull, http.StatusConflict},
		{fmt.Errorf("%w: version", models.ErrStaleWrite), http.StatusConflict},
		{models.ErrForbidden, http.StatusForbidden},
		{models.ErrOpponentNotFound, http.StatusOK},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		ts.srv.writeError(w, tc.err)
		assert.Equal(t, tc.code, w.Code, tc.err.Error())
	}
}

func dialRoom(t *testing.T, url string, roomID uuid.UUID, token string, subprotocols ...string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url+"/rooms/"+roomID.String()+"/ws", &websocket.DialOptions{
		Subprotocols: subprotocols,
		HTTPHeader:   http.Header{"Cookie": {"auth_token=" + token}},
	})
	require.NoError(t, err)
	return c
}

// readUntil reads envelopes until match accepts one.
func readUntil(t *testing.T, c *websocket.Conn, match func(roomEnvelope) bool) roomEnvelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var env roomEnvelope
		require.NoError(t, wsjson.Read(ctx, c, &env))
		if match(env) {
			return env
		}
	}
}

func TestRoomWebSocketStreamsViews(t *testing.T) {
	ts := setupTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	_, hostToken := ts.user(t, "alice")
	_, guestToken := ts.user(t, "bob")
	roomID := ts.createRoom(t, hostToken)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/rooms/"+roomID.String()+"/join", guestToken, nil).Code)

	c := dialRoom(t, srv.URL, roomID, guestToken, "room")
	defer c.Close(websocket.StatusNormalClosure, "")

	first := readUntil(t, c, func(env roomEnvelope) bool { return env.Type == "view" })
	require.NotNil(t, first.View)
	assert.Equal(t, models.NotReady, first.View.Self.ReadyState)

	require.NoError(t, wsjson.Write(context.Background(), c, roomPacket{Type: "ready"}))
	ready := readUntil(t, c, func(env roomEnvelope) bool {
		return env.Type == "view" && env.View.Self.ReadyState == models.Ready
	})
	assert.Greater(t, ready.View.Version, first.View.Version)

	// the host deletes the room and the socket is closed with a room code
	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/rooms/"+roomID.String(), hostToken, nil).Code)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var env roomEnvelope
		if err := wsjson.Read(ctx, c, &env); err != nil {
			assert.Equal(t, websocket.StatusCode(RoomClosedError), websocket.CloseStatus(err))
			break
		}
	}
}

func TestRoomWebSocketDisconnectForfeits(t *testing.T) {
	ts := setupTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	host, hostToken := ts.user(t, "alice")
	_, guestToken := ts.user(t, "bob")
	roomID := ts.readyDuel(t, hostToken, guestToken)

	c := dialRoom(t, srv.URL, roomID, guestToken, "room")
	readUntil(t, c, func(env roomEnvelope) bool { return env.Type == "view" })
	c.Close(websocket.StatusNormalClosure, "bye")

	assert.Eventually(t, func() bool {
		room, err := ts.rooms.Get(context.Background(), roomID)
		return err == nil && room.Status == models.StatusFinished && room.WinnerID == host.UID
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRoomWebSocketRejectsBadSubprotocol(t *testing.T) {
	ts := setupTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	_, token := ts.user(t, "alice")
	roomID := ts.createRoom(t, token)

	c := dialRoom(t, srv.URL, roomID, token)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(BadSubprotocolError), websocket.CloseStatus(err))
}

func TestNotificationsWebSocket(t *testing.T) {
	ts := setupTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	_, hostToken := ts.user(t, "alice")
	guest, guestToken := ts.user(t, "bob")
	roomID := ts.createRoom(t, hostToken)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, srv.URL+"/notifications/ws", &websocket.DialOptions{
		Subprotocols: []string{"notify"},
		HTTPHeader:   http.Header{"Cookie": {"auth_token=" + guestToken}},
	})
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	// the feed subscribes asynchronously, so keep inviting until one arrives
	var ev notify.Event
	got := make(chan struct{})
	go func() {
		if wsjson.Read(ctx, c, &ev) == nil {
			close(got)
		}
	}()
	assert.Eventually(t, func() bool {
		select {
		case <-got:
			return true
		default:
		}
		ts.do(t, http.MethodPost, "/rooms/"+roomID.String()+"/invite", hostToken, map[string]string{"user_id": guest.UID.String()})
		return false
	}, 3*time.Second, 50*time.Millisecond)

	select {
	case <-got:
	case <-ctx.Done():
		t.Fatal("no invitation arrived")
	}
	require.NotNil(t, ev.Invitation)
	assert.Equal(t, roomID, ev.Invitation.RoomID)
	assert.Equal(t, "alice", ev.Invitation.SenderName)
}
