package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/seglab/seglab/internal/export"
	"github.com/seglab/seglab/internal/mask"
)

// AnnotationRepo persists caller-accumulated annotations until export time.
type AnnotationRepo struct {
	db *DB
}

func NewAnnotationRepo(db *DB) *AnnotationRepo {
	return &AnnotationRepo{db: db}
}

// Insert stores an annotation and fills in its assigned id.
func (r *AnnotationRepo) Insert(ctx context.Context, ann *export.Annotation) error {
	segJSON, err := json.Marshal(ann.Segmentation)
	if err != nil {
		return fmt.Errorf("failed to marshal segmentation: %w", err)
	}
	bboxJSON, err := json.Marshal(ann.BBox)
	if err != nil {
		return fmt.Errorf("failed to marshal bbox: %w", err)
	}

	query := r.db.rebind(`INSERT INTO annotations
		(image_id, category_id, category_name, segmentation, bbox, area, score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if r.db.dbType == "postgres" {
		return r.db.conn.QueryRowContext(ctx, query+" RETURNING id",
			ann.ImageID, ann.CategoryID, ann.CategoryName,
			string(segJSON), string(bboxJSON), ann.Area, ann.Score, time.Now(),
		).Scan(&ann.ID)
	}

	result, err := r.db.conn.ExecContext(ctx, query,
		ann.ImageID, ann.CategoryID, ann.CategoryName,
		string(segJSON), string(bboxJSON), ann.Area, ann.Score, time.Now())
	if err != nil {
		return fmt.Errorf("failed to insert annotation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read annotation id: %w", err)
	}
	ann.ID = id
	return nil
}

// GetByID returns one annotation, or nil when it does not exist.
func (r *AnnotationRepo) GetByID(ctx context.Context, id int64) (*export.Annotation, error) {
	row := r.db.conn.QueryRowContext(ctx, r.db.rebind(`SELECT id, image_id, category_id, category_name,
		segmentation, bbox, area, score FROM annotations WHERE id = ?`), id)

	ann, err := scanAnnotation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get annotation: %w", err)
	}
	return ann, nil
}

// ListByImage returns the annotations of one image in insertion order.
func (r *AnnotationRepo) ListByImage(ctx context.Context, imageID string) ([]export.Annotation, error) {
	rows, err := r.db.conn.QueryContext(ctx, r.db.rebind(`SELECT id, image_id, category_id, category_name,
		segmentation, bbox, area, score FROM annotations WHERE image_id = ? ORDER BY id`), imageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list annotations: %w", err)
	}
	defer rows.Close()
	return collectAnnotations(rows)
}

// ListAll returns every stored annotation in insertion order.
func (r *AnnotationRepo) ListAll(ctx context.Context) ([]export.Annotation, error) {
	rows, err := r.db.conn.QueryContext(ctx, `SELECT id, image_id, category_id, category_name,
		segmentation, bbox, area, score FROM annotations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list annotations: %w", err)
	}
	defer rows.Close()
	return collectAnnotations(rows)
}

// Delete removes one annotation and reports whether it existed.
func (r *AnnotationRepo) Delete(ctx context.Context, id int64) (bool, error) {
	result, err := r.db.conn.ExecContext(ctx, r.db.rebind(`DELETE FROM annotations WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("failed to delete annotation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteByImage removes all annotations of one image.
func (r *AnnotationRepo) DeleteByImage(ctx context.Context, imageID string) error {
	if _, err := r.db.conn.ExecContext(ctx, r.db.rebind(`DELETE FROM annotations WHERE image_id = ?`), imageID); err != nil {
		return fmt.Errorf("failed to delete annotations: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnotation(row rowScanner) (*export.Annotation, error) {
	var ann export.Annotation
	var segJSON, bboxJSON string

	if err := row.Scan(&ann.ID, &ann.ImageID, &ann.CategoryID, &ann.CategoryName,
		&segJSON, &bboxJSON, &ann.Area, &ann.Score); err != nil {
		return nil, err
	}

	var rle mask.RLE
	if err := json.Unmarshal([]byte(segJSON), &rle); err != nil {
		return nil, fmt.Errorf("failed to unmarshal segmentation: %w", err)
	}
	ann.Segmentation = rle

	if err := json.Unmarshal([]byte(bboxJSON), &ann.BBox); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bbox: %w", err)
	}
	return &ann, nil
}

func collectAnnotations(rows *sql.Rows) ([]export.Annotation, error) {
	annotations := []export.Annotation{}
	for rows.Next() {
		ann, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan annotation: %w", err)
		}
		annotations = append(annotations, *ann)
	}
	return annotations, rows.Err()
}
