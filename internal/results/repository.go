package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-interview/voice-engine/internal/models"
)

// Repository handles interview result persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a results repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectColumns = `id, session_id, user_id, job_role, difficulty, mode, feedback, transcript, transcript_url, turn_count, started_at, ended_at, created_at`

// Save inserts res, or replaces the stored result for the same session so a
// retried completion job is idempotent.
func (r *Repository) Save(ctx context.Context, res *models.InterviewResult) error {
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	feedback := res.Feedback
	if len(feedback) == 0 {
		feedback = json.RawMessage(`{}`)
	}
	transcript, err := json.Marshal(res.Transcript)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if res.Transcript == nil {
		transcript = []byte(`[]`)
	}
	const q = `INSERT INTO interview_results (id, session_id, user_id, job_role, difficulty, mode, feedback, transcript, transcript_url, turn_count, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id) DO UPDATE SET
			feedback = EXCLUDED.feedback,
			transcript = EXCLUDED.transcript,
			transcript_url = COALESCE(EXCLUDED.transcript_url, interview_results.transcript_url),
			turn_count = EXCLUDED.turn_count,
			mode = EXCLUDED.mode,
			ended_at = EXCLUDED.ended_at
		RETURNING id, created_at`
	return r.pool.QueryRow(ctx, q, res.ID, res.SessionID, res.UserID, res.JobRole, string(res.Difficulty), string(res.Mode),
		[]byte(feedback), transcript, res.TranscriptURL, res.TurnCount, res.StartedAt, res.EndedAt).
		Scan(&res.ID, &res.CreatedAt)
}

// GetBySession returns the stored result for sessionID, or nil when none exists.
func (r *Repository) GetBySession(ctx context.Context, sessionID string) (*models.InterviewResult, error) {
	q := `SELECT ` + selectColumns + ` FROM interview_results WHERE session_id = $1`
	res, err := scanResult(r.pool.QueryRow(ctx, q, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return res, err
}

// ListByUser returns a user's results, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID string, limit int) ([]models.InterviewResult, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `SELECT ` + selectColumns + ` FROM interview_results WHERE user_id = $1 ORDER BY ended_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.InterviewResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *res)
	}
	return list, rows.Err()
}

func scanResult(row pgx.Row) (*models.InterviewResult, error) {
	var (
		res                  models.InterviewResult
		difficulty, mode     string
		feedback, transcript []byte
	)
	err := row.Scan(&res.ID, &res.SessionID, &res.UserID, &res.JobRole, &difficulty, &mode, &feedback, &transcript,
		&res.TranscriptURL, &res.TurnCount, &res.StartedAt, &res.EndedAt, &res.CreatedAt)
	if err != nil {
		return nil, err
	}
	res.Difficulty = models.Difficulty(difficulty)
	res.Mode = models.SessionMode(mode)
	res.Feedback = json.RawMessage(feedback)
	if len(transcript) > 0 {
		if err := json.Unmarshal(transcript, &res.Transcript); err != nil {
			return nil, fmt.Errorf("decode transcript: %w", err)
		}
	}
	return &res, nil
}
