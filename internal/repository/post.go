package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/foxzi/promobot/internal/db"
	"github.com/foxzi/promobot/internal/models"
)

type PostRepository struct {
	db *db.DB
}

func NewPostRepository(db *db.DB) *PostRepository {
	return &PostRepository{db: db}
}

// Create creates a new post
func (r *PostRepository) Create(ctx context.Context, p *models.Post) error {
	p.CreatedAt = now()
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(`
		INSERT INTO posts (image, description, link_to_button, created_at)
		VALUES (?, ?, ?, ?) RETURNING id`),
		p.Image, p.Description, p.LinkToButton, p.CreatedAt,
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("failed to create post: %w", err)
	}
	return nil
}

// GetByID returns a post by ID
func (r *PostRepository) GetByID(ctx context.Context, id int64) (*models.Post, error) {
	p := &models.Post{}
	err := r.db.GetContext(ctx, p, r.db.Rebind(`
		SELECT id, image, description, link_to_button, created_at
		FROM posts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Delete removes a post and its pending queue rows
func (r *PostRepository) Delete(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM post_queue WHERE post_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete post queue: %w", err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM posts WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}

	return tx.Commit()
}
