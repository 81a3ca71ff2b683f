package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const characterColumns = "id, project_id, name, description, generation_prompt, generated_image_path, reference_image_path, created_at, updated_at"

func (s *Store) CreateCharacter(ctx context.Context, c Character) (int64, error) {
	q := s.sql.Insert("characters").
		Columns("project_id", "name", "description", "generation_prompt", "generated_image_path", "reference_image_path").
		Values(c.ProjectID, c.Name, c.Description, c.GenerationPrompt, c.GeneratedImagePath, c.ReferenceImagePath).
		Suffix("RETURNING id")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create character query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("create character: %w", err)
	}
	return id, nil
}

// UpsertCharacter inserts a character or refreshes its description when a
// character with the same name already exists in the project. Used by story
// processing, where re-submitting a story must not duplicate the cast.
func (s *Store) UpsertCharacter(ctx context.Context, c Character) (int64, error) {
	q := s.sql.Insert("characters").
		Columns("project_id", "name", "description", "generation_prompt", "generated_image_path", "reference_image_path").
		Values(c.ProjectID, c.Name, c.Description, c.GenerationPrompt, c.GeneratedImagePath, c.ReferenceImagePath).
		Suffix("ON CONFLICT(project_id, name) DO UPDATE SET description=excluded.description RETURNING id")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build upsert character query: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("upsert character: %w", err)
	}
	return id, nil
}

func (s *Store) GetCharacter(ctx context.Context, id int64) (Character, error) {
	q := s.sql.Select(characterColumns).From("characters").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Character{}, fmt.Errorf("build get character query: %w", err)
	}

	var c Character
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&c.ID, &c.ProjectID, &c.Name, &c.Description, &c.GenerationPrompt,
		&c.GeneratedImagePath, &c.ReferenceImagePath,
		&c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Character{}, ErrNotFound
		}
		return Character{}, fmt.Errorf("get character: %w", err)
	}
	return c, nil
}

func (s *Store) ListCharacters(ctx context.Context, projectID int64) ([]Character, error) {
	q := s.sql.Select(characterColumns).
		From("characters").
		Where(sq.Eq{"project_id": projectID}).
		OrderBy("name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list characters query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	out := make([]Character, 0)
	for rows.Next() {
		var c Character
		if err := rows.Scan(
			&c.ID, &c.ProjectID, &c.Name, &c.Description, &c.GenerationPrompt,
			&c.GeneratedImagePath, &c.ReferenceImagePath,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan character row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate character rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateCharacter(ctx context.Context, id int64, name, description string) error {
	q := s.sql.Update("characters").
		Set("name", name).
		Set("description", description).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update character query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update character: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetCharacterGeneratedImage(ctx context.Context, id int64, path, generationPrompt string) error {
	q := s.sql.Update("characters").
		Set("generated_image_path", path).
		Set("generation_prompt", generationPrompt).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set generated image query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set generated image: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetCharacterReferenceImage(ctx context.Context, id int64, path string) error {
	q := s.sql.Update("characters").
		Set("reference_image_path", path).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set reference image query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set reference image: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteCharacter(ctx context.Context, id int64) error {
	q := s.sql.Delete("characters").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete character query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete character: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
