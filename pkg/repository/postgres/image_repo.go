package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/imagehive/orchestrator/pkg/domain"
)

// ImageStore implements repository.ImageRepository against Postgres.
type ImageStore struct {
	*base
}

// BulkCreate inserts every image a worker reported for one chunk in a
// single statement per row; results arrive in batches.
func (r *ImageStore) BulkCreate(ctx context.Context, images []*domain.Image) error {
	if len(images) == 0 {
		return nil
	}
	query := `
		INSERT INTO images (job_id, chunk_index, seq_no, source_url, filename, storage_key,
			content_type, size_bytes, is_valid, is_duplicate, validation_meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for _, img := range images {
		meta, err := json.Marshal(img.ValidationMeta)
		if err != nil {
			return fmt.Errorf("postgres: marshal validation meta: %w", err)
		}
		_, err = r.q(ctx).ExecContext(ctx, query,
			img.JobID, img.Chunk, img.SeqNo, img.SourceURL, img.Filename, img.StorageKey,
			img.ContentType, img.SizeBytes, img.IsValid, img.IsDuplicate, meta,
		)
		if err != nil {
			return fmt.Errorf("postgres: bulk create image: %w", err)
		}
	}
	return nil
}

func (r *ImageStore) ListByChunk(ctx context.Context, jobID int64, chunkIndex int) ([]*domain.Image, error) {
	query := `
		SELECT job_id, chunk_index, seq_no, source_url, filename, storage_key,
		       content_type, size_bytes, is_valid, is_duplicate, validation_meta
		FROM images
		WHERE job_id = $1 AND chunk_index = $2
		ORDER BY seq_no ASC
	`
	rows, err := r.q(ctx).QueryContext(ctx, query, jobID, chunkIndex)
	if err != nil {
		return nil, fmt.Errorf("postgres: list images: %w", err)
	}
	defer rows.Close()

	var images []*domain.Image
	for rows.Next() {
		img := &domain.Image{}
		var meta []byte
		if err := rows.Scan(
			&img.JobID, &img.Chunk, &img.SeqNo, &img.SourceURL, &img.Filename, &img.StorageKey,
			&img.ContentType, &img.SizeBytes, &img.IsValid, &img.IsDuplicate, &meta,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan image: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &img.ValidationMeta); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal validation meta: %w", err)
			}
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// MergeValidationMeta merges new keys into the stored validation
// metadata rather than replacing it outright.
func (r *ImageStore) MergeValidationMeta(ctx context.Context, jobID int64, chunk int, seqNo int64, meta map[string]string) error {
	var existing []byte
	selectQuery := `SELECT validation_meta FROM images WHERE job_id = $1 AND chunk_index = $2 AND seq_no = $3`
	if err := r.q(ctx).QueryRowContext(ctx, selectQuery, jobID, chunk, seqNo).Scan(&existing); err != nil {
		return fmt.Errorf("postgres: read validation meta: %w", err)
	}

	merged := map[string]string{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &merged); err != nil {
			return fmt.Errorf("postgres: unmarshal existing validation meta: %w", err)
		}
	}
	for k, v := range meta {
		merged[k] = v
	}

	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("postgres: marshal merged validation meta: %w", err)
	}

	updateQuery := `UPDATE images SET validation_meta = $1 WHERE job_id = $2 AND chunk_index = $3 AND seq_no = $4`
	if _, err := r.q(ctx).ExecContext(ctx, updateQuery, encoded, jobID, chunk, seqNo); err != nil {
		return fmt.Errorf("postgres: update validation meta: %w", err)
	}
	return nil
}
