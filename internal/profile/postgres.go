// internal/profile/postgres.go
package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/quizduel/internal/database"
	"github.com/jason-s-yu/quizduel/internal/models"
)

// PostgresStore reads profiles and applies settlements through the duel_settlements
// ledger, whose primary key makes each credit apply once.
type PostgresStore struct {
	db database.Querier
}

func NewPostgresStore(db database.Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetProfile(ctx context.Context, uid uuid.UUID) (*models.Profile, error) {
	var p models.Profile
	q := `
	SELECT uid, display_name, photo_ref, is_blocked, global_points
	FROM profiles
	WHERE uid = $1
	`
	err := s.db.QueryRow(ctx, q, uid).Scan(
		&p.UID, &p.DisplayName, &p.PhotoRef, &p.IsBlocked, &p.GlobalPoints,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %s: %w", uid, err)
	}
	return &p, nil
}

// UpsertProfile inserts or refreshes the display fields of a profile.
func (s *PostgresStore) UpsertProfile(ctx context.Context, p *models.Profile) error {
	q := `
	INSERT INTO profiles (uid, display_name, photo_ref, is_blocked)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (uid) DO UPDATE
	SET display_name = EXCLUDED.display_name, photo_ref = EXCLUDED.photo_ref, is_blocked = EXCLUDED.is_blocked
	`
	if _, err := s.db.Exec(ctx, q, p.UID, p.DisplayName, p.PhotoRef, p.IsBlocked); err != nil {
		return fmt.Errorf("failed to upsert profile %s: %w", p.UID, err)
	}
	return nil
}

func (s *PostgresStore) CreditDuel(ctx context.Context, st Settlement) (bool, error) {
	applied := false
	err := database.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		ledgerQ := `
			INSERT INTO duel_settlements (room_id, uid, points)
			VALUES ($1, $2, $3)
			ON CONFLICT (room_id, uid) DO NOTHING
		`
		tag, err := tx.Exec(ctx, ledgerQ, st.RoomID, st.UserID, st.Points)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		pointsQ := `UPDATE profiles SET global_points = global_points + $1 WHERE uid = $2`
		if _, err := tx.Exec(ctx, pointsQ, st.Points, st.UserID); err != nil {
			return err
		}

		if st.QuizID != "" {
			scoreQ := `
				INSERT INTO quiz_scores (uid, quiz_id, category, score)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (uid, quiz_id)
				DO UPDATE SET score = GREATEST(quiz_scores.score, EXCLUDED.score), played_at = NOW()
			`
			if _, err := tx.Exec(ctx, scoreQ, st.UserID, st.QuizID, st.Category, st.Points); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to credit duel %s for %s: %w", st.RoomID, st.UserID, err)
	}
	return applied, nil
}

func (s *PostgresStore) PlayedQuizzes(ctx context.Context, uids []uuid.UUID, category string) ([]string, error) {
	ids := make([]string, len(uids))
	for i, uid := range uids {
		ids[i] = uid.String()
	}
	q := `
	SELECT DISTINCT quiz_id
	FROM quiz_scores
	WHERE uid = ANY($1::uuid[]) AND category = $2
	ORDER BY quiz_id
	`
	rows, err := s.db.Query(ctx, q, ids, category)
	if err != nil {
		return nil, fmt.Errorf("failed to query played quizzes: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var quizID string
		if err := rows.Scan(&quizID); err != nil {
			return nil, fmt.Errorf("failed to scan played quiz: %w", err)
		}
		out = append(out, quizID)
	}
	return out, rows.Err()
}
