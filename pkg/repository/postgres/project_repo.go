package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/imagehive/orchestrator/pkg/domain"
	"github.com/imagehive/orchestrator/pkg/orcherr"
)

// ProjectStore implements repository.ProjectRepository against Postgres.
type ProjectStore struct {
	*base
}

func (r *ProjectStore) Create(ctx context.Context, project *domain.Project) error {
	query := `
		INSERT INTO projects (user_id, name, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`
	err := r.q(ctx).QueryRowContext(ctx, query, project.UserID, project.Name).
		Scan(&project.ID, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create project: %w", err)
	}
	return nil
}

func (r *ProjectStore) GetByID(ctx context.Context, id int64) (*domain.Project, error) {
	query := `SELECT id, user_id, name, created_at, updated_at FROM projects WHERE id = $1`
	p := &domain.Project{}
	err := r.q(ctx).QueryRowContext(ctx, query, id).
		Scan(&p.ID, &p.UserID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, &orcherr.NotFoundError{Entity: "project", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get project: %w", err)
	}
	return p, nil
}

// Delete removes the project row; the schema's ON DELETE CASCADE
// rules take the project's jobs, chunks, and images with it.
func (r *ProjectStore) Delete(ctx context.Context, id int64) error {
	res, err := r.q(ctx).ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete project: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &orcherr.NotFoundError{Entity: "project", ID: id}
	}
	return nil
}

func (r *ProjectStore) CountByUser(ctx context.Context, userID int64) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM projects WHERE user_id = $1`
	if err := r.q(ctx).QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count projects by user: %w", err)
	}
	return count, nil
}
