package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/imagehive/orchestrator/pkg/domain"
)

// ActivityStore implements repository.ActivityRepository against Postgres.
type ActivityStore struct {
	*base
}

// Append records one audit entry. The activity log is append-only: an
// entry is written on every user-visible state transition.
func (r *ActivityStore) Append(ctx context.Context, entry *domain.ActivityEntry) error {
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal activity metadata: %w", err)
	}
	query := `
		INSERT INTO activity_log (actor_user_id, action, subject_type, subject_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at
	`
	err = r.q(ctx).QueryRowContext(ctx, query,
		entry.ActorUserID, entry.Action, entry.SubjectType, entry.SubjectID, meta,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append activity: %w", err)
	}
	return nil
}

func (r *ActivityStore) ListBySubject(ctx context.Context, subjectType string, subjectID int64) ([]*domain.ActivityEntry, error) {
	query := `
		SELECT id, actor_user_id, action, subject_type, subject_id, metadata, created_at
		FROM activity_log
		WHERE subject_type = $1 AND subject_id = $2
		ORDER BY created_at ASC
	`
	rows, err := r.q(ctx).QueryContext(ctx, query, subjectType, subjectID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list activity: %w", err)
	}
	defer rows.Close()

	var entries []*domain.ActivityEntry
	for rows.Next() {
		e := &domain.ActivityEntry{}
		var meta []byte
		if err := rows.Scan(&e.ID, &e.ActorUserID, &e.Action, &e.SubjectType, &e.SubjectID, &meta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan activity: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal activity metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
