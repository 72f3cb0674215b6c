// internal/duel/projector.go
package duel

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
)

// ParticipantView is one seat as a client renders it.
type ParticipantView struct {
	UserID      uuid.UUID         `json:"user_id"`
	DisplayName string            `json:"display_name"`
	PhotoRef    string            `json:"photo_ref,omitempty"`
	ReadyState  models.ReadyState `json:"ready_state"`
	Score       int               `json:"score"`
	Left        bool              `json:"left,omitempty"`
}

// QuestionView is the current question with the answer key stripped.
type QuestionView struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Answers []string `json:"answers"`
	Points  int      `json:"points"`
}

// View is the client-facing snapshot of a room for one viewer.
type View struct {
	RoomID   uuid.UUID         `json:"room_id"`
	Status   models.RoomStatus `json:"status"`
	Version  int64             `json:"version"`
	Category string            `json:"category"`
	IsHost   bool              `json:"is_host"`

	Self     *ParticipantView `json:"self,omitempty"`
	Opponent *ParticipantView `json:"opponent,omitempty"`
	IsMyTurn bool             `json:"is_my_turn"`

	TimeRemaining   time.Duration `json:"-"`
	TimeRemainingMs int64         `json:"time_remaining_ms"`
	Deadline        time.Time     `json:"deadline"`
	Expired         bool          `json:"expired"`

	Scoreboard    []ParticipantView `json:"scoreboard"`
	Question      *QuestionView     `json:"question,omitempty"`
	QuestionIndex int               `json:"question_index"`
	QuestionCount int               `json:"question_count"`

	Winner       uuid.UUID           `json:"winner"`
	FinishReason models.FinishReason `json:"finish_reason,omitempty"`
	Settled      bool                `json:"settled"`
	AllReady     bool                `json:"all_ready"`
	SearchActive bool                `json:"search_active"`
}

func participantView(id uuid.UUID, p *models.Participant) *ParticipantView {
	return &ParticipantView{
		UserID:      id,
		DisplayName: p.DisplayName,
		PhotoRef:    p.PhotoRef,
		ReadyState:  p.ReadyState,
		Score:       p.Score,
		Left:        p.Left,
	}
}

// Project derives viewer's view from the stored document and now alone.
func Project(room *models.Room, viewer uuid.UUID, now time.Time) View {
	v := View{
		RoomID:        room.ID,
		Status:        room.Status,
		Version:       room.Version,
		Category:      room.Category,
		IsHost:        room.HostUserID == viewer,
		Deadline:      room.DuelDeadline,
		QuestionIndex: room.QuestionIndex,
		QuestionCount: room.QuestionCount(),
		Winner:        room.WinnerID,
		FinishReason:  room.FinishReason,
		Settled:       room.Settled,
		AllReady:      AllReady(room),
		SearchActive:  room.RandomSearchActive,
		Scoreboard:    make([]ParticipantView, 0, len(room.Participants)),
	}

	for _, id := range room.ParticipantIDs() {
		pv := participantView(id, room.Participants[id])
		v.Scoreboard = append(v.Scoreboard, *pv)
		if id == viewer {
			v.Self = pv
		} else if v.Opponent == nil {
			v.Opponent = pv
		}
	}
	sort.SliceStable(v.Scoreboard, func(i, j int) bool {
		a, b := v.Scoreboard[i], v.Scoreboard[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.DisplayName < b.DisplayName
	})

	if room.Status == models.StatusInDuel {
		v.Expired = room.DeadlinePassed(now)
		if remaining := room.DuelDeadline.Sub(now); remaining > 0 {
			v.TimeRemaining = remaining
		}
		v.TimeRemainingMs = v.TimeRemaining.Milliseconds()

		if !v.Expired && !room.Exhausted() {
			v.IsMyTurn = room.TurnUserID == viewer
			q := room.Quiz.Questions[room.QuestionIndex]
			v.Question = &QuestionView{
				ID:      q.ID,
				Prompt:  q.Prompt,
				Answers: append([]string(nil), q.Answers...),
				Points:  q.Points,
			}
		}
	}
	return v
}
