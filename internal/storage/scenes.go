package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const sceneColumns = "id, project_id, prompt, position, final_prompt, use_custom_prompt, approved_image_path, edit_prompt, created_at, updated_at"

// CreateScene inserts a scene. A zero position is auto-assigned as
// MAX(position)+1 within the project, starting at 1; the lookup and insert
// share one transaction so concurrent creates do not collide.
func (s *Store) CreateScene(ctx context.Context, sc Scene) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin create scene tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if sc.Position <= 0 {
		q := s.sql.Select("COALESCE(MAX(position), 0)").
			From("scenes").
			Where(sq.Eq{"project_id": sc.ProjectID})
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return 0, fmt.Errorf("build max position query: %w", err)
		}
		var maxPos int
		if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&maxPos); err != nil {
			return 0, fmt.Errorf("get max scene position: %w", err)
		}
		sc.Position = maxPos + 1
	}

	q := s.sql.Insert("scenes").
		Columns("project_id", "prompt", "position", "final_prompt", "use_custom_prompt", "approved_image_path", "edit_prompt").
		Values(sc.ProjectID, sc.Prompt, sc.Position, sc.FinalPrompt, sc.UseCustomPrompt, sc.ApprovedImagePath, sc.EditPrompt).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build create scene query: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("create scene: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit create scene tx: %w", err)
	}
	return id, nil
}

func (s *Store) GetScene(ctx context.Context, id int64) (Scene, error) {
	q := s.sql.Select(sceneColumns).From("scenes").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Scene{}, fmt.Errorf("build get scene query: %w", err)
	}

	var sc Scene
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&sc.ID, &sc.ProjectID, &sc.Prompt, &sc.Position,
		&sc.FinalPrompt, &sc.UseCustomPrompt, &sc.ApprovedImagePath, &sc.EditPrompt,
		&sc.CreatedAt, &sc.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Scene{}, ErrNotFound
		}
		return Scene{}, fmt.Errorf("get scene: %w", err)
	}
	return sc, nil
}

func (s *Store) ListScenes(ctx context.Context, projectID int64) ([]Scene, error) {
	q := s.sql.Select(sceneColumns).
		From("scenes").
		Where(sq.Eq{"project_id": projectID}).
		OrderBy("position ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list scenes query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list scenes: %w", err)
	}
	defer rows.Close()

	out := make([]Scene, 0)
	for rows.Next() {
		var sc Scene
		if err := rows.Scan(
			&sc.ID, &sc.ProjectID, &sc.Prompt, &sc.Position,
			&sc.FinalPrompt, &sc.UseCustomPrompt, &sc.ApprovedImagePath, &sc.EditPrompt,
			&sc.CreatedAt, &sc.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan scene row: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scene rows: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateScenePrompt(ctx context.Context, id int64, prompt, finalPrompt string, useCustomPrompt bool) error {
	q := s.sql.Update("scenes").
		Set("prompt", prompt).
		Set("final_prompt", finalPrompt).
		Set("use_custom_prompt", useCustomPrompt).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update scene prompt query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update scene prompt: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetSceneApprovedImage(ctx context.Context, id int64, path string) error {
	q := s.sql.Update("scenes").
		Set("approved_image_path", path).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set approved image query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set approved image: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetSceneEditPrompt(ctx context.Context, id int64, editPrompt string) error {
	q := s.sql.Update("scenes").
		Set("edit_prompt", editPrompt).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set edit prompt query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("set edit prompt: %w", err)
	}
	return nil
}

// SetSceneCharacters replaces the scene's character links.
func (s *Store) SetSceneCharacters(ctx context.Context, sceneID int64, characterIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin set scene characters tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	del := s.sql.Delete("scene_characters").Where(sq.Eq{"scene_id": sceneID})
	sqlStr, args, err := del.ToSql()
	if err != nil {
		return fmt.Errorf("build clear scene characters query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("clear scene characters: %w", err)
	}

	for _, cid := range characterIDs {
		ins := s.sql.Insert("scene_characters").
			Columns("scene_id", "character_id").
			Values(sceneID, cid).
			Suffix("ON CONFLICT(scene_id, character_id) DO NOTHING")
		sqlStr, args, err := ins.ToSql()
		if err != nil {
			return fmt.Errorf("build link scene character query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("link scene character: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit set scene characters tx: %w", err)
	}
	return nil
}

// ListSceneCharacters returns the characters linked to a scene, ordered by
// name so composition output is deterministic.
func (s *Store) ListSceneCharacters(ctx context.Context, sceneID int64) ([]Character, error) {
	q := s.sql.Select(
		"c.id", "c.project_id", "c.name", "c.description", "c.generation_prompt",
		"c.generated_image_path", "c.reference_image_path", "c.created_at", "c.updated_at",
	).From("characters c").
		Join("scene_characters sc ON sc.character_id = c.id").
		Where(sq.Eq{"sc.scene_id": sceneID}).
		OrderBy("c.name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list scene characters query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list scene characters: %w", err)
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
			return nil, fmt.Errorf("scan scene character row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scene character rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteScene(ctx context.Context, id int64) error {
	q := s.sql.Delete("scenes").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete scene query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("delete scene: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
