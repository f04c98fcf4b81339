package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Activity is one audit line in activity_log.
type Activity struct {
	ID          int64           `json:"id"`
	Type        string          `json:"type"`
	ActorID     string          `json:"actorId"`
	ActorName   string          `json:"actorName"`
	Description string          `json:"description"`
	Details     json.RawMessage `json:"details"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// AppendActivity inserts a into activity_log and returns its row id.
// Empty Details are stored as "{}".
func (s *Store) AppendActivity(ctx context.Context, a Activity) (int64, error) {
	details := string(a.Details)
	if details == "" {
		details = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (type, actor_id, actor_name, description, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		a.Type,
		a.ActorID,
		a.ActorName,
		a.Description,
		details,
		a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("append activity: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append activity: %w", err)
	}
	return id, nil
}

// ListActivity returns up to limit activity lines, newest first.
// A non-positive limit returns every line.
func (s *Store) ListActivity(ctx context.Context, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, actor_id, actor_name, description, details, created_at
		FROM activity_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	out := []Activity{}
	for rows.Next() {
		var (
			a       Activity
			details string
			created int64
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.ActorID, &a.ActorName, &a.Description, &details, &created); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Details = json.RawMessage(details)
		a.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return out, nil
}
