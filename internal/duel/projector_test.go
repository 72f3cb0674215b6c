// internal/duel/projector_test.go
package duel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/quizduel/internal/catalog"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestProjectDeterministic projects the same document at the same instant twice,
// once from a fresh read, and expects identical views.
func TestProjectDeterministic(t *testing.T) {
	td := setupTestDuel(t)
	roomID := td.startedDuel(t)
	now := td.clock.Now().Add(10 * time.Second)

	first := Project(td.room(t, roomID), td.host.UID, now)
	second := Project(td.room(t, roomID), td.host.UID, now)
	assert.Equal(t, first, second)
}

func TestProjectDuelView(t *testing.T) {
	td := setupTestDuel(t)
	roomID := td.startedDuel(t)
	_, err := td.coord.SubmitAnswer(td.ctx, roomID, td.host.UID, 0, 1)
	require.NoError(t, err)
	room := td.room(t, roomID)
	now := td.clock.Now().Add(15 * time.Second)

	host := Project(room, td.host.UID, now)
	assert.True(t, host.IsHost)
	assert.False(t, host.IsMyTurn)
	require.NotNil(t, host.Self)
	require.NotNil(t, host.Opponent)
	assert.Equal(t, "alice", host.Self.DisplayName)
	assert.Equal(t, "bob", host.Opponent.DisplayName)
	assert.Equal(t, 45*time.Second, host.TimeRemaining)
	assert.Equal(t, int64(45000), host.TimeRemainingMs)
	assert.Equal(t, 1, host.QuestionIndex)
	assert.Equal(t, 3, host.QuestionCount)
	require.Len(t, host.Scoreboard, 2)
	assert.Equal(t, "alice", host.Scoreboard[0].DisplayName)
	assert.Equal(t, 10, host.Scoreboard[0].Score)

	guest := Project(room, td.guest.UID, now)
	assert.False(t, guest.IsHost)
	assert.True(t, guest.IsMyTurn)
	require.NotNil(t, guest.Question)
	assert.Equal(t, "question 1", guest.Question.Prompt)
	assert.Equal(t, host.Scoreboard, guest.Scoreboard)

	late := Project(room, td.guest.UID, td.clock.Now().Add(5*time.Minute))
	assert.True(t, late.Expired)
	assert.False(t, late.IsMyTurn)
	assert.Nil(t, late.Question)
	assert.Zero(t, late.TimeRemaining)
}

func TestProjectLobbyView(t *testing.T) {
	td := setupTestDuel(t)
	roomID := td.lobby(t)

	v := Project(td.room(t, roomID), td.guest.UID, td.clock.Now())
	assert.Equal(t, models.StatusOpen, v.Status)
	assert.True(t, v.AllReady)
	assert.False(t, v.IsMyTurn)
	assert.Zero(t, v.TimeRemaining)
	assert.Nil(t, v.Question)
	assert.Equal(t, models.Ready, v.Self.ReadyState)
}

// viewCollector keeps every view a reactor emits.
type viewCollector struct {
	mu    sync.Mutex
	views []View
}

func (c *viewCollector) add(v View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views = append(c.views, v)
}

func (c *viewCollector) last() (View, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.views) == 0 {
		return View{}, false
	}
	return c.views[len(c.views)-1], true
}

func (c *viewCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.views)
}

// TestReactorDiscardsStaleVersions feeds an older version after a newer one.
func TestReactorDiscardsStaleVersions(t *testing.T) {
	td := setupTestDuel(t)
	roomID := td.lobby(t)
	views := &viewCollector{}
	r := NewReactor(td.coord, roomID, td.host.UID, views.add)

	room := td.room(t, roomID)
	newer := room.Clone()
	newer.Version = 10
	older := room.Clone()
	older.Version = 9

	r.apply(context.Background(), newer)
	r.apply(context.Background(), older)
	r.apply(context.Background(), newer)
	assert.Equal(t, 1, views.count())
	assert.Equal(t, int64(10), r.LastVersion())
}

// TestReactorLastVersionWhileRunning reads the version from another goroutine while
// the reactor applies changes.
func TestReactorLastVersionWhileRunning(t *testing.T) {
	td := setupTestDuel(t)
	roomID := td.lobby(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := NewReactor(td.coord, roomID, td.host.UID, nil)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	_, err := td.coord.SetReady(td.ctx, roomID, td.guest.UID, false)
	require.NoError(t, err)
	want := td.room(t, roomID).Version

	assert.Eventually(t, func() bool { return r.LastVersion() == want }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// TestReactorCompletesDeadline lets a short duel run out with only the guest's
// reactor connected, then expects it finished and settled.
func TestReactorCompletesDeadline(t *testing.T) {
	td := setupTestDuel(t)
	td.coord.Now = time.Now
	td.coord.Catalog = catalog.NewMemoryCatalog(threeQuestionQuiz("fast", 80*time.Millisecond))
	roomID := td.startedDuel(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	views := &viewCollector{}
	done := make(chan error, 1)
	go func() {
		done <- NewReactor(td.coord, roomID, td.guest.UID, views.add).Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		v, ok := views.last()
		return ok && v.Status == models.StatusFinished && v.Settled
	}, 3*time.Second, 10*time.Millisecond)

	room := td.room(t, roomID)
	assert.Equal(t, models.FinishTimeout, room.FinishReason)

	require.NoError(t, td.coord.DeleteRoom(td.ctx, roomID, td.host.UID))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, models.ErrRoomNotFound)
	case <-time.After(2 * time.Second):
		t.Fatal("reactor did not stop after deletion")
	}
}
