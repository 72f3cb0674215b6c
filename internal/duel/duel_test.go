// internal/duel/duel_test.go
package duel

import (
	"context"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/cache"
	"github.com/jason-s-yu/quizduel/internal/catalog"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/jason-s-yu/quizduel/internal/profile"
	"github.com/jason-s-yu/quizduel/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockRecorder collects published action records.
type mockRecorder struct {
	mu      sync.Mutex
	records []cache.DuelActionRecord
}

func (m *mockRecorder) Publish(_ context.Context, rec cache.DuelActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *mockRecorder) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.records))
	for i, r := range m.records {
		out[i] = r.ActionType
	}
	return out
}

type testDuel struct {
	ctx      context.Context
	coord    *Coordinator
	rooms    *store.MemoryRoomStore
	profiles *profile.MemoryStore
	quizzes  *catalog.MemoryCatalog
	clock    *fakeClock
	actions  *mockRecorder
	host     *models.Profile
	guest    *models.Profile
}

func threeQuestionQuiz(id string, duration time.Duration) *models.Quiz {
	q := &models.Quiz{
		ID:                id,
		Title:             "Quiz " + id,
		Category:          "History",
		Duration:          duration,
		PointsPerQuestion: 10,
	}
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

// setupTestDuel wires a coordinator over in-memory collaborators with a fake clock.
func setupTestDuel(t *testing.T) *testDuel {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	td := &testDuel{
		ctx:      context.Background(),
		rooms:    store.NewMemoryRoomStore(),
		profiles: profile.NewMemoryStore(),
		quizzes:  catalog.NewMemoryCatalog(threeQuestionQuiz("q1", time.Minute)),
		clock:    &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
		actions:  &mockRecorder{},
		host:     &models.Profile{UID: uuid.New(), DisplayName: "alice"},
		guest:    &models.Profile{UID: uuid.New(), DisplayName: "bob"},
	}
	td.profiles.Upsert(td.host)
	td.profiles.Upsert(td.guest)

	reg := NewRegistry(td.rooms, logger)
	reg.Now = td.clock.Now
	reg.Actions = td.actions
	td.coord = NewCoordinator(reg, td.quizzes, td.profiles, 2*time.Minute)
	td.coord.SetRand(rand.New(rand.NewSource(7)))
	return td
}

// lobby creates a room with both participants seated and ready.
func (td *testDuel) lobby(t *testing.T) uuid.UUID {
	t.Helper()
	roomID, err := td.coord.CreateRoom(td.ctx, "History", td.host)
	require.NoError(t, err)
	require.NoError(t, td.coord.JoinRoom(td.ctx, roomID, td.guest))
	_, err = td.coord.SetReady(td.ctx, roomID, td.host.UID, true)
	require.NoError(t, err)
	_, err = td.coord.SetReady(td.ctx, roomID, td.guest.UID, true)
	require.NoError(t, err)
	return roomID
}

func (td *testDuel) startedDuel(t *testing.T) uuid.UUID {
	t.Helper()
	roomID := td.lobby(t)
	_, err := td.coord.StartDuel(td.ctx, roomID, td.host.UID)
	require.NoError(t, err)
	return roomID
}

func (td *testDuel) room(t *testing.T, id uuid.UUID) *models.Room {
	t.Helper()
	room, err := td.rooms.Get(td.ctx, id)
	require.NoError(t, err)
	return room
}

// TestCreateRoom opens a room with only the host seated and rejects blocked users.
func TestCreateRoom(t *testing.T) {
	td := setupTestDuel(t)

	roomID, err := td.coord.CreateRoom(td.ctx, "History", td.host)
	require.NoError(t, err)
	room := td.room(t, roomID)
	assert.Equal(t, models.StatusOpen, room.Status)
	assert.Equal(t, td.host.UID, room.HostUserID)
	assert.Equal(t, 2, room.Capacity)
	assert.False(t, room.RandomSearchActive)
	require.Len(t, room.Participants, 1)
	assert.Equal(t, models.NotReady, room.Participants[td.host.UID].ReadyState)

	blocked := &models.Profile{UID: uuid.New(), DisplayName: "mallory", IsBlocked: true}
	_, err = td.coord.CreateRoom(td.ctx, "History", blocked)
	assert.ErrorIs(t, err, models.ErrForbidden)
	assert.ErrorIs(t, td.coord.JoinRoom(td.ctx, roomID, blocked), models.ErrForbidden)
}

// TestJoinRoomCapacity races many joiners; exactly one gets the free seat.
func TestJoinRoomCapacity(t *testing.T) {
	td := setupTestDuel(t)
	roomID, err := td.coord.CreateRoom(td.ctx, "History", td.host)
	require.NoError(t, err)

	const joiners = 8
	var wg sync.WaitGroup
	errs := make([]error, joiners)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := &models.Profile{UID: uuid.New(), DisplayName: fmt.Sprintf("joiner-%d", i)}
			errs[i] = td.coord.JoinRoom(td.ctx, roomID, p)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, models.ErrRoomFull)
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, td.room(t, roomID).Participants, 2)

	_, err = td.rooms.Get(td.ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrRoomNotFound)
	assert.ErrorIs(t, td.coord.JoinRoom(td.ctx, uuid.New(), td.guest), models.ErrRoomNotFound)
}

// TestJoinRoomIdempotent re-joins and expects readiness and seat count untouched.
func TestJoinRoomIdempotent(t *testing.T) {
	td := setupTestDuel(t)
	roomID, err := td.coord.CreateRoom(td.ctx, "History", td.host)
	require.NoError(t, err)
	require.NoError(t, td.coord.JoinRoom(td.ctx, roomID, td.guest))
	_, err = td.coord.SetReady(td.ctx, roomID, td.guest.UID, true)
	require.NoError(t, err)

	require.NoError(t, td.coord.JoinRoom(td.ctx, roomID, td.guest))
	room := td.room(t, roomID)
	assert.Len(t, room.Participants, 2)
	assert.Equal(t, models.Ready, room.Participants[td.guest.UID].ReadyState)
}

// TestJoinRequireSearchActive only lets the join through while the search flag is set,
// and clears it in the same write.
func TestJoinRequireSearchActive(t *testing.T) {
	td := setupTestDuel(t)
	roomID, err := td.coord.CreateRoom(td.ctx, "History", td.host)
	require.NoError(t, err)

	err = td.coord.JoinRoom(td.ctx, roomID, td.guest, RequireSearchActive())
	assert.ErrorIs(t, err, models.ErrStaleWrite)

	_, err = td.rooms.Apply(td.ctx, roomID, store.Condition{}, store.Patch{RandomSearchActive: store.Ptr(true)})
	require.NoError(t, err)
	require.NoError(t, td.coord.JoinRoom(td.ctx, roomID, td.guest, RequireSearchActive()))

	room := td.room(t, roomID)
	assert.False(t, room.RandomSearchActive)
	assert.True(t, room.IsMember(td.guest.UID))
}

// TestSetReadyDoesNotClobber flips both participants concurrently; neither flip is lost.
func TestSetReadyDoesNotClobber(t *testing.T) {
	td := setupTestDuel(t)
	roomID, err := td.coord.CreateRoom(td.ctx, "History", td.host)
	require.NoError(t, err)
	require.NoError(t, td.coord.JoinRoom(td.ctx, roomID, td.guest))

	var wg sync.WaitGroup
	for _, uid := range []uuid.UUID{td.host.UID, td.guest.UID} {
		wg.Add(1)
		go func(uid uuid.UUID) {
			defer wg.Done()
			_, err := td.coord.SetReady(td.ctx, roomID, uid, true)
			assert.NoError(t, err)
		}(uid)
	}
	wg.Wait()
	assert.True(t, AllReady(td.room(t, roomID)))

	_, err = td.coord.SetReady(td.ctx, roomID, uuid.New(), true)
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestAllReady(t *testing.T) {
	host := &models.Profile{UID: uuid.New(), DisplayName: "alice"}
	room := models.NewRoom("History", host, time.Now())
	room.Participants[host.UID].ReadyState = models.Ready
	assert.False(t, AllReady(room), "one seat still empty")

	guest := uuid.New()
	room.Participants[guest] = &models.Participant{DisplayName: "bob", ReadyState: models.NotReady}
	assert.False(t, AllReady(room))

	room.Participants[guest].ReadyState = models.Ready
	assert.True(t, AllReady(room))
}

// TestStartDuel covers the host-only, all-ready gate and the initial duel state.
func TestStartDuel(t *testing.T) {
	td := setupTestDuel(t)
	roomID, err := td.coord.CreateRoom(td.ctx, "History", td.host)
	require.NoError(t, err)
	require.NoError(t, td.coord.JoinRoom(td.ctx, roomID, td.guest))

	_, err = td.coord.StartDuel(td.ctx, roomID, td.host.UID)
	assert.ErrorIs(t, err, models.ErrForbidden, "nobody is ready yet")

	_, err = td.coord.SetReady(td.ctx, roomID, td.host.UID, true)
	require.NoError(t, err)
	_, err = td.coord.SetReady(td.ctx, roomID, td.guest.UID, true)
	require.NoError(t, err)

	_, err = td.coord.StartDuel(td.ctx, roomID, td.guest.UID)
	assert.ErrorIs(t, err, models.ErrForbidden, "guest is not the host")

	room, err := td.coord.StartDuel(td.ctx, roomID, td.host.UID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInDuel, room.Status)
	assert.Equal(t, td.host.UID, room.TurnUserID)
	assert.Equal(t, 0, room.QuestionIndex)
	assert.Equal(t, 0, room.Participants[td.host.UID].Score)
	assert.Equal(t, 0, room.Participants[td.guest.UID].Score)
	require.NotNil(t, room.Quiz)
	assert.Equal(t, "q1", room.Quiz.QuizID)
	assert.Equal(t, 10, room.Quiz.Questions[0].Points)
	assert.Equal(t, td.clock.Now().Add(time.Minute), room.DuelDeadline)

	_, err = td.coord.StartDuel(td.ctx, roomID, td.host.UID)
	assert.ErrorIs(t, err, models.ErrStaleWrite)
}

// TestStartDuelPrefersUnplayedQuiz expects the quiz neither participant has played.
func TestStartDuelPrefersUnplayedQuiz(t *testing.T) {
	td := setupTestDuel(t)
	td.quizzes.Add(threeQuestionQuiz("q2", time.Minute))
	_, err := td.profiles.CreditDuel(td.ctx, profile.Settlement{
		RoomID: uuid.New(), UserID: td.guest.UID, Category: "History", QuizID: "q1", Points: 10,
	})
	require.NoError(t, err)

	room, err := td.coord.StartDuel(td.ctx, td.lobby(t), td.host.UID)
	require.NoError(t, err)
	assert.Equal(t, "q2", room.Quiz.QuizID)
}

// TestStartDuelNoQuiz fails cleanly when the category has nothing to play.
func TestStartDuelNoQuiz(t *testing.T) {
	td := setupTestDuel(t)
	roomID, err := td.coord.CreateRoom(td.ctx, "Geography", td.host)
	require.NoError(t, err)
	require.NoError(t, td.coord.JoinRoom(td.ctx, roomID, td.guest))
	_, err = td.coord.SetReady(td.ctx, roomID, td.host.UID, true)
	require.NoError(t, err)
	_, err = td.coord.SetReady(td.ctx, roomID, td.guest.UID, true)
	require.NoError(t, err)

	_, err = td.coord.StartDuel(td.ctx, roomID, td.host.UID)
	assert.ErrorIs(t, err, models.ErrNoQuiz)
	assert.Equal(t, models.StatusOpen, td.room(t, roomID).Status)
}

// TestSubmitAnswerAlternatesTurns checks scoring, index advance and turn flip per answer.
func TestSubmitAnswerAlternatesTurns(t *testing.T) {
	td := setupTestDuel(t)
	roomID := td.startedDuel(t)

	res, err := td.coord.SubmitAnswer(td.ctx, roomID, td.host.UID, 0, 1)
	require.NoError(t, err)
	assert.True(t, res.Correct)
	assert.Equal(t, 10, res.Points)
	room := res.Room
	assert.Equal(t, 10, room.Participants[td.host.UID].Score)
	assert.Equal(t, 1, room.QuestionIndex)
	assert.Equal(t, td.guest.UID, room.TurnUserID)

	// host answering again, or from a stale view, is not their turn
	_, err = td.coord.SubmitAnswer(td.ctx, roomID, td.host.UID, 1, 1)
	assert.ErrorIs(t, err, models.ErrNotYourTurn)
	_, err = td.coord.SubmitAnswer(td.ctx, roomID, td.guest.UID, 0, 1)
	assert.ErrorIs(t, err, models.ErrNotYourTurn)

	res, err = td.coord.SubmitAnswer(td.ctx, roomID, td.guest.UID, 1, 0)
	require.NoError(t, err)
	assert.False(t, res.Correct)
	room = res.Room
	assert.Equal(t, 0, room.Participants[td.guest.UID].Score)
	assert.Equal(t, 2, room.QuestionIndex)
	assert.Equal(t, td.host.UID, room.TurnUserID)
	assert.Equal(t, models.StatusInDuel, room.Status)
}

// TestSubmitAnswerSingleAcceptance fires the same answer concurrently; one wins.
func TestSubmitAnswerSingleAcceptance(t *testing.T) {
	td := setupTestDuel(t)
	roomID := td.startedDuel(t)

	const attempts = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := td.coord.SubmitAnswer(td.ctx, roomID, td.host.UID, 0, 1)
			if err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, models.ErrNotYourTurn)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	room := td.room(t, roomID)
	assert.Equal(t, 10, room.Participants[td.host.UID].Score)
	assert.Equal(t, 1, room.QuestionIndex)
}

// TestDuelFinishesOnLastQuestion answers every question and checks the final state.
func TestDuelFinishesOnLastQuestion(t *testing.T) {
	td := setupTestDuel(t)
	roomID := td.startedDuel(t)

	_, err := td.coord.SubmitAnswer(td.ctx, roomID, td.host.UID, 0, 1)
	require.NoError(t, err)
	_, err = td.coord.SubmitAnswer(td.ctx, roomID, td.guest.UID, 1, 0)
	require.NoError(t, err)
	res, err := td.coord.SubmitAnswer(td.ctx, roomID, td.host.UID, 2, 1)
	require.NoError(t, err)

	room := res.Room
	assert.Equal(t, models.StatusFinished, room.Status)
	assert.Equal(t, models.FinishExhausted, room.FinishReason)
	assert.Equal(t, td.host.UID, room.WinnerID)
	assert.Equal(t, 20, room.Participants[td.host.UID].Score)

	_, err = td.coord.SubmitAnswer(td.ctx, roomID, td.guest.UID, 3, 1)
	assert.ErrorIs(t, err, models.ErrDuelFinished)
}

// TestExpireThenSettleOnce runs out the clock mid-duel and settles twice.
func TestExpireThenSettleOnce(t *testing.T) {
	td := setupTestDuel(t)
	roomID := td.startedDuel(t)

	_, err := td.coord.SubmitAnswer(td.ctx, roomID, td.host.UID, 0, 1)
	require.NoError(t, err)

	expired, err := td.coord.Expire(td.ctx, roomID)
	require.NoError(t, err)
	assert.False(t, expired, "deadline not reached yet")

	td.clock.Advance(time.Minute)
	expired, err = td.coord.Expire(td.ctx, roomID)
	require.NoError(t, err)
	assert.True(t, expired)
	expired, err = td.coord.Expire(td.ctx, roomID)
	require.NoError(t, err)
	assert.False(t, expired, "second observer finds it already finished")

	room := td.room(t, roomID)
	assert.Equal(t, models.StatusFinished, room.Status)
	assert.Equal(t, models.FinishTimeout, room.FinishReason)
	assert.Equal(t, 1, room.QuestionIndex)
	assert.Equal(t, td.host.UID, room.WinnerID)

	report, err := td.coord.Settle(td.ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]int{td.host.UID: 10, td.guest.UID: 0}, report.Credited)

	report, err = td.coord.Settle(td.ctx, roomID)
	require.NoError(t, err)
	assert.True(t, report.AlreadySettled)

	host, err := td.profiles.GetProfile(td.ctx, td.host.UID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), host.GlobalPoints)
	assert.True(t, td.room(t, roomID).Settled)
}

// TestSettleRequiresFinishedRoom refuses to credit a running duel.
func TestSettleRequiresFinishedRoom(t *testing.T) {
	td := setupTestDuel(t)
	roomID := td.startedDuel(t)
	_, err := td.coord.Settle(td.ctx, roomID)
	assert.ErrorIs(t, err, models.ErrForbidden)
}

// TestSubmitAfterDeadline completes the expiry on the way and reports the duel finished.
func TestSubmitAfterDeadline(t *testing.T) {
	td := setupTestDuel(t)
	roomID := td.startedDuel(t)
	td.clock.Advance(2 * time.Minute)

	_, err := td.coord.SubmitAnswer(td.ctx, roomID, td.host.UID, 0, 1)
	assert.ErrorIs(t, err, models.ErrDuelFinished)
	assert.Equal(t, models.StatusFinished, td.room(t, roomID).Status)
}

// TestLeaveDuringDuelForfeits makes the guest walk out mid-duel.
func TestLeaveDuringDuelForfeits(t *testing.T) {
	td := setupTestDuel(t)
	roomID := td.startedDuel(t)

	require.NoError(t, td.coord.LeaveRoom(td.ctx, roomID, td.guest.UID))
	room := td.room(t, roomID)
	assert.Equal(t, models.StatusFinished, room.Status)
	assert.Equal(t, models.FinishForfeit, room.FinishReason)
	assert.Equal(t, td.host.UID, room.WinnerID)
	assert.True(t, room.Participants[td.guest.UID].Left)

	for _, uid := range []uuid.UUID{td.host.UID, td.guest.UID} {
		_, err := td.coord.SubmitAnswer(td.ctx, roomID, uid, 0, 1)
		assert.ErrorIs(t, err, models.ErrDuelFinished)
	}
	assert.NoError(t, td.coord.Forfeit(td.ctx, roomID, td.guest.UID), "forfeit is idempotent")
}

// TestLeaveOpenRoom removes a guest and deletes the room when the host leaves.
func TestLeaveOpenRoom(t *testing.T) {
	td := setupTestDuel(t)
	roomID, err := td.coord.CreateRoom(td.ctx, "History", td.host)
	require.NoError(t, err)
	require.NoError(t, td.coord.JoinRoom(td.ctx, roomID, td.guest))

	require.NoError(t, td.coord.LeaveRoom(td.ctx, roomID, td.guest.UID))
	room := td.room(t, roomID)
	assert.False(t, room.IsMember(td.guest.UID))
	assert.False(t, room.RandomSearchActive)

	require.NoError(t, td.coord.LeaveRoom(td.ctx, roomID, td.host.UID))
	_, err = td.rooms.Get(td.ctx, roomID)
	assert.ErrorIs(t, err, models.ErrRoomNotFound)
}

// TestLeaveFinishedRoom settles before the last participant's exit deletes the room.
func TestLeaveFinishedRoom(t *testing.T) {
	td := setupTestDuel(t)
	roomID := td.startedDuel(t)
	_, err := td.coord.SubmitAnswer(td.ctx, roomID, td.host.UID, 0, 1)
	require.NoError(t, err)
	require.NoError(t, td.coord.Forfeit(td.ctx, roomID, td.guest.UID))

	require.NoError(t, td.coord.LeaveRoom(td.ctx, roomID, td.guest.UID))
	room := td.room(t, roomID)
	assert.True(t, room.Settled)
	assert.Len(t, room.Participants, 1)

	require.NoError(t, td.coord.LeaveRoom(td.ctx, roomID, td.host.UID))
	_, err = td.rooms.Get(td.ctx, roomID)
	assert.ErrorIs(t, err, models.ErrRoomNotFound)

	host, err := td.profiles.GetProfile(td.ctx, td.host.UID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), host.GlobalPoints)
}

func TestDeleteRoomPermissions(t *testing.T) {
	td := setupTestDuel(t)
	roomID := td.startedDuel(t)

	assert.ErrorIs(t, td.coord.DeleteRoom(td.ctx, roomID, td.guest.UID), models.ErrForbidden)
	assert.ErrorIs(t, td.coord.DeleteRoom(td.ctx, roomID, td.host.UID), models.ErrForbidden)

	require.NoError(t, td.coord.Forfeit(td.ctx, roomID, td.guest.UID))
	require.NoError(t, td.coord.DeleteRoom(td.ctx, roomID, td.host.UID))
	_, err := td.rooms.Get(td.ctx, roomID)
	assert.ErrorIs(t, err, models.ErrRoomNotFound)
}

// TestActionsArePublished expects start, answer and finish records in version order.
func TestActionsArePublished(t *testing.T) {
	td := setupTestDuel(t)
	roomID := td.startedDuel(t)
	require.NoError(t, td.coord.Forfeit(td.ctx, roomID, td.guest.UID))

	assert.Eventually(t, func() bool {
		return len(td.actions.types()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{cache.ActionDuelStart, cache.ActionDuelFinish}, td.actions.types())
}

// TestSweep expires overdue duels and removes rooms past their age.
func TestSweep(t *testing.T) {
	td := setupTestDuel(t)
	running := td.startedDuel(t)
	lonely, err := td.coord.CreateRoom(td.ctx, "History", &models.Profile{UID: uuid.New(), DisplayName: "carol"})
	require.NoError(t, err)

	report, err := td.coord.Sweep(td.ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{}, *report)

	// the duel is expired first, then settled and removed along with the idle room
	td.clock.Advance(2 * time.Hour)
	report, err = td.coord.Sweep(td.ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Expired: 1, Settled: 1, Deleted: 2}, *report)
	for _, id := range []uuid.UUID{running, lonely} {
		_, err = td.rooms.Get(td.ctx, id)
		assert.ErrorIs(t, err, models.ErrRoomNotFound)
	}

	host, err := td.profiles.GetProfile(td.ctx, td.host.UID)
	require.NoError(t, err)
	assert.Zero(t, host.GlobalPoints)
}

// startOnList starts a duel right after the sweeper lists idle rooms.
type startOnList struct {
	store.RoomStore
	once  sync.Once
	start func()
}

func (s *startOnList) List(ctx context.Context, filter store.RoomFilter) ([]*models.Room, error) {
	rooms, err := s.RoomStore.List(ctx, filter)
	if slices.Contains(filter.Status, models.StatusOpen) {
		s.once.Do(s.start)
	}
	return rooms, err
}

// TestSweepSparesRoomThatStartedDuel keeps a room whose duel began after it was listed.
func TestSweepSparesRoomThatStartedDuel(t *testing.T) {
	td := setupTestDuel(t)
	roomID := td.lobby(t)
	td.clock.Advance(2 * time.Hour)

	td.coord.Rooms = &startOnList{RoomStore: td.rooms, start: func() {
		_, err := td.coord.StartDuel(td.ctx, roomID, td.host.UID)
		require.NoError(t, err)
	}}

	report, err := td.coord.Sweep(td.ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, report.Deleted)
	assert.Equal(t, models.StatusInDuel, td.room(t, roomID).Status)
}

// TestSweepEvictsIdleBlitz drops blitz sessions well past their deadline only.
func TestSweepEvictsIdleBlitz(t *testing.T) {
	td := setupTestDuel(t)
	old, err := td.coord.StartBlitz(td.ctx, td.host, "History")
	require.NoError(t, err)

	td.clock.Advance(5 * time.Minute)
	fresh, err := td.coord.StartBlitz(td.ctx, td.guest, "History")
	require.NoError(t, err)

	report, err := td.coord.Sweep(td.ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, report.Evicted, "old is past its deadline but still retained")

	td.clock.Advance(blitzRetention)
	report, err = td.coord.Sweep(td.ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Evicted)

	_, err = td.coord.Blitz(old.ID, td.host.UID)
	assert.ErrorIs(t, err, models.ErrRoomNotFound)
	_, err = td.coord.Blitz(fresh.ID, td.guest.UID)
	assert.NoError(t, err)
}

func TestBlitz(t *testing.T) {
	td := setupTestDuel(t)
	s, err := td.coord.StartBlitz(td.ctx, td.host, "History")
	require.NoError(t, err)

	got, err := td.coord.Blitz(s.ID, td.host.UID)
	require.NoError(t, err)
	assert.Same(t, s, got)
	_, err = td.coord.Blitz(s.ID, td.guest.UID)
	assert.ErrorIs(t, err, models.ErrForbidden)

	now := td.clock.Now()
	correct, err := s.Answer(0, 1, now)
	require.NoError(t, err)
	assert.True(t, correct)
	_, err = s.Answer(0, 1, now)
	assert.ErrorIs(t, err, models.ErrNotYourTurn)

	v := s.View(now)
	assert.Equal(t, 10, v.Score)
	assert.Equal(t, 1, v.QuestionIndex)
	require.NotNil(t, v.Question)

	v = s.View(now.Add(time.Minute))
	assert.True(t, v.Finished)
	assert.Equal(t, models.FinishTimeout, v.FinishReason)
	_, err = s.Answer(1, 1, now.Add(time.Minute))
	assert.ErrorIs(t, err, models.ErrDuelFinished)

	host, err := td.profiles.GetProfile(td.ctx, td.host.UID)
	require.NoError(t, err)
	assert.Zero(t, host.GlobalPoints, "blitz is unranked")

	td.coord.EndBlitz(s.ID)
	_, err = td.coord.Blitz(s.ID, td.host.UID)
	assert.ErrorIs(t, err, models.ErrRoomNotFound)
}
