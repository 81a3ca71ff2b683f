package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const projectColumns = "id, name, style, color_scheme, total_generation_cost, generation_count, created_at, updated_at"

func (s *Store) CreateProject(ctx context.Context, name, style, colorScheme string) (int64, error) {
	q := s.sql.Insert("projects").
		Columns("name", "style", "color_scheme").
		Values(name, style, colorScheme).
		Suffix("RETURNING id")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create project query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("create project: %w", err)
	}
	return id, nil
}

func (s *Store) GetProject(ctx context.Context, id int64) (Project, error) {
	q := s.sql.Select(projectColumns).From("projects").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Project{}, fmt.Errorf("build get project query: %w", err)
	}

	var p Project
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&p.ID, &p.Name, &p.Style, &p.ColorScheme,
		&p.TotalGenerationCost, &p.GenerationCount,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Project{}, ErrNotFound
		}
		return Project{}, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]Project, error) {
	q := s.sql.Select(projectColumns).From("projects").OrderBy("created_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list projects query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	out := make([]Project, 0)
	for rows.Next() {
		var p Project
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Style, &p.ColorScheme,
			&p.TotalGenerationCost, &p.GenerationCount,
			&p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateProjectStyle(ctx context.Context, id int64, style, colorScheme string) error {
	q := s.sql.Update("projects").
		Set("style", style).
		Set("color_scheme", colorScheme).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update project style query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update project style: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteProject(ctx context.Context, id int64) error {
	q := s.sql.Delete("projects").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete project query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
