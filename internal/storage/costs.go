package storage

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// RecordCost appends a ledger row and bumps the owning project's totals in
// one transaction. The increment is arithmetic inside the UPDATE so
// concurrent recordings against the same project never lose updates.
func (s *Store) RecordCost(ctx context.Context, c GenerationCost) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record cost tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ins := s.sql.Insert("generation_costs").
		Columns("project_id", "scene_id", "character_id", "generation_type", "cost", "currency", "prompt_preview").
		Values(c.ProjectID, c.SceneID, c.CharacterID, c.GenerationType, c.Cost, c.Currency, c.PromptPreview)
	sqlStr, args, err := ins.ToSql()
	if err != nil {
		return fmt.Errorf("build cost insert query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert cost entry: %w", err)
	}

	upd := s.sql.Update("projects").
		Set("total_generation_cost", sq.Expr("total_generation_cost + ?", c.Cost)).
		Set("generation_count", sq.Expr("generation_count + 1")).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": c.ProjectID})
	sqlStr, args, err = upd.ToSql()
	if err != nil {
		return fmt.Errorf("build project totals query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("update project totals: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record cost tx: %w", err)
	}
	return nil
}

// ListCosts returns a project's ledger, newest first.
func (s *Store) ListCosts(ctx context.Context, projectID int64) ([]GenerationCost, error) {
	q := s.sql.Select("id", "project_id", "scene_id", "character_id", "generation_type", "cost", "currency", "prompt_preview", "created_at").
		From("generation_costs").
		Where(sq.Eq{"project_id": projectID}).
		OrderBy("created_at DESC", "id DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list costs query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list costs: %w", err)
	}
	defer rows.Close()

	out := make([]GenerationCost, 0)
	for rows.Next() {
		var c GenerationCost
		if err := rows.Scan(
			&c.ID, &c.ProjectID, &c.SceneID, &c.CharacterID,
			&c.GenerationType, &c.Cost, &c.Currency, &c.PromptPreview, &c.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan cost row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cost rows: %w", err)
	}
	return out, nil
}
