// Package trust persists per-(task_type, model_id) satisfaction signals and
// aggregates them into a trust score used by the router to gate delegation
// and to reorder reroute candidates. Callers provision the eval_signals
// table via EnsureSchema before handing the *sql.DB to NewStore.
package trust

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EvalSignal is the privacy-scoped feature vector recorded for one assistant
// message. It deliberately carries no prompt, response, or tool content.
type EvalSignal struct {
	MessageID    string
	TaskType     string
	ModelID      string
	WorkerType   string
	Satisfaction int // 0 or 1
	Cost         *float64
	CreatedAt    time.Time
	Synced       bool
}

// TrustScore aggregates satisfaction counts for one (task_type, model_id)
// pair.
type TrustScore struct {
	TaskType string
	ModelID  string
	Positive int
	Negative int
}

// TrustLevel returns positive/(positive+negative), or 0 when no signals
// have been recorded.
func (t TrustScore) TrustLevel() float64 {
	total := t.Positive + t.Negative
	if total == 0 {
		return 0
	}
	return float64(t.Positive) / float64(total)
}

// IsTrusted reports whether this pair has graduated: at least 5 total
// signals and a trust level of at least 0.8.
func (t TrustScore) IsTrusted() bool {
	total := t.Positive + t.Negative
	return total >= 5 && t.TrustLevel() >= 0.8
}

// Store persists eval signals in SQLite and derives trust scores from them.
type Store struct {
	db *sql.DB
}

// NewStore wraps an existing *sql.DB. The caller owns the connection
// lifecycle and the schema.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordSignal inserts a new eval signal with synced = false.
func (s *Store) RecordSignal(ctx context.Context, sig EvalSignal) error {
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO eval_signals (message_id, task_type, model_id, worker_type, satisfaction, cost, created_at, synced)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET satisfaction = excluded.satisfaction, synced = excluded.synced
	`, sig.MessageID, sig.TaskType, sig.ModelID, sig.WorkerType, sig.Satisfaction, sig.Cost, sig.CreatedAt, sig.Synced)
	if err != nil {
		return fmt.Errorf("trust: record signal: %w", err)
	}
	return nil
}

// TrustScoreFor aggregates positive/negative counts for (task_type, model_id)
// directly from eval_signals.
func (s *Store) TrustScoreFor(ctx context.Context, taskType, modelID string) (TrustScore, error) {
	score := TrustScore{TaskType: taskType, ModelID: modelID}
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN satisfaction = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN satisfaction = 0 THEN 1 ELSE 0 END), 0)
		FROM eval_signals
		WHERE task_type = ? AND model_id = ?
	`, taskType, modelID)
	if err := row.Scan(&score.Positive, &score.Negative); err != nil {
		return score, fmt.Errorf("trust: score for %s/%s: %w", taskType, modelID, err)
	}
	return score, nil
}

// PositiveModelsFor returns model ids with at least one positive signal for
// task_type, ordered by descending positive count. Used by the router's
// reroute selector to prefer previously-successful models.
func (s *Store) PositiveModelsFor(ctx context.Context, taskType string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_id, SUM(CASE WHEN satisfaction = 1 THEN 1 ELSE 0 END) AS positives
		FROM eval_signals
		WHERE task_type = ?
		GROUP BY model_id
		HAVING positives > 0
		ORDER BY positives DESC
	`, taskType)
	if err != nil {
		return nil, fmt.Errorf("trust: positive models for %s: %w", taskType, err)
	}
	defer rows.Close()

	var models []string
	for rows.Next() {
		var modelID string
		var positives int
		if err := rows.Scan(&modelID, &positives); err != nil {
			return nil, fmt.Errorf("trust: scan positive model: %w", err)
		}
		models = append(models, modelID)
	}
	return models, rows.Err()
}
