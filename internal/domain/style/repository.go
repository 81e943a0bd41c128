package style

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Repository defines style data access
type Repository interface {
	List(ctx context.Context, filter ListFilter) ([]Style, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Style, error)
	GetBySlug(ctx context.Context, slug string) (*Style, error)
	Categories(ctx context.Context) ([]Category, error)
	IncrementUsage(ctx context.Context, id uuid.UUID) error
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates style repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

const selectColumns = `
	SELECT id, slug, name, category, description, keywords, thumbnail_url, is_premium,
	       is_active, popularity, usage_count, advanced_params, created_at, updated_at
	FROM style_presets`

func (r *repository) List(ctx context.Context, filter ListFilter) ([]Style, error) {
	var (
		where []string
		args  []interface{}
	)
	where = append(where, "is_active = TRUE")
	if filter.Category != nil {
		args = append(args, strings.ToLower(string(*filter.Category)))
		where = append(where, fmt.Sprintf("LOWER(category) = $%d", len(args)))
	}
	if filter.Premium != nil {
		args = append(args, *filter.Premium)
		where = append(where, fmt.Sprintf("is_premium = $%d", len(args)))
	}

	order, ok := sortColumns[filter.Sort]
	if !ok {
		order = sortColumns["popularity"]
	}

	query := selectColumns + " WHERE " + strings.Join(where, " AND ") + " ORDER BY " + order

	styles := make([]Style, 0)
	if err := r.db.SelectContext(ctx, &styles, query, args...); err != nil {
		return nil, fmt.Errorf("list styles: %w", err)
	}
	return styles, nil
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*Style, error) {
	var s Style
	if err := r.db.GetContext(ctx, &s, selectColumns+" WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStyleNotFound
		}
		return nil, fmt.Errorf("get style: %w", err)
	}
	return &s, nil
}

func (r *repository) GetBySlug(ctx context.Context, slug string) (*Style, error) {
	var s Style
	if err := r.db.GetContext(ctx, &s, selectColumns+" WHERE slug = $1", slug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrStyleNotFound
		}
		return nil, fmt.Errorf("get style by slug: %w", err)
	}
	return &s, nil
}

func (r *repository) Categories(ctx context.Context) ([]Category, error) {
	categories := make([]Category, 0)
	err := r.db.SelectContext(ctx, &categories, `
		SELECT DISTINCT category FROM style_presets WHERE is_active = TRUE ORDER BY category
	`)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return categories, nil
}

func (r *repository) IncrementUsage(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE style_presets SET usage_count = usage_count + 1, updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("increment style usage: %w", err)
	}
	return nil
}
