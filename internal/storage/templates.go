package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	sq "github.com/Masterminds/squirrel"
)

const templateColumns = "id, type, name, text, variables_json, active, created_at, updated_at"

type defaultTemplate struct {
	Type string
	Name string
	Text string
}

var defaultTemplates = []defaultTemplate{
	{
		Type: TemplateSceneExtraction,
		Name: "Story Scene Extraction",
		Text: "Extract the main scenes of the [STORY] focusing on what could be turned into an image for the book. [STORY]: {story}",
	},
	{
		Type: TemplateCharacterExtraction,
		Name: "Character Description Extraction",
		Text: "Extract a list of the MAIN characters of the [STORY] and for each character generate description that can identify him if want to draw in a max of 15 words.\nExample:\ncharacter name: Ali\ncharacter description: a 10-year-old boy, with brown hair, wearing a red t-shirt and blue jeans.\n[STORY]: {story}",
	},
	{
		Type: TemplateImageStyleSuffix,
		Name: "Image Style Suffix",
		Text: " Draw in {style} with {color_scheme} colors.",
	},
	{
		Type: TemplateReferenceInstruction,
		Name: "Reference Image Instruction",
		Text: " Use the exact appearance of {character_names} from the provided reference image{plural}.",
	},
}

var placeholderPattern = regexp.MustCompile(`\{([^}]+)\}`)

// TemplateVariables extracts the {variable} names used in a template text.
func TemplateVariables(text string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// GetActiveTemplate returns the active template for a type, or ErrNotFound.
func (s *Store) GetActiveTemplate(ctx context.Context, templateType string) (PromptTemplate, error) {
	q := s.sql.Select(templateColumns).
		From("prompt_templates").
		Where(sq.Eq{"type": templateType, "active": true})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return PromptTemplate{}, fmt.Errorf("build get active template query: %w", err)
	}

	var t PromptTemplate
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&t.ID, &t.Type, &t.Name, &t.Text, &t.VariablesJSON, &t.Active,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PromptTemplate{}, ErrNotFound
		}
		return PromptTemplate{}, fmt.Errorf("get active template: %w", err)
	}
	return t, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]PromptTemplate, error) {
	q := s.sql.Select(templateColumns).
		From("prompt_templates").
		OrderBy("type ASC", "name ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list templates query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	out := make([]PromptTemplate, 0)
	for rows.Next() {
		var t PromptTemplate
		if err := rows.Scan(
			&t.ID, &t.Type, &t.Name, &t.Text, &t.VariablesJSON, &t.Active,
			&t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan template row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate template rows: %w", err)
	}
	return out, nil
}

// UpdateTemplateText replaces the text of the active template for a type and
// refreshes its detected variables.
func (s *Store) UpdateTemplateText(ctx context.Context, templateType, text string) error {
	vars, err := json.Marshal(TemplateVariables(text))
	if err != nil {
		return fmt.Errorf("marshal template variables: %w", err)
	}
	q := s.sql.Update("prompt_templates").
		Set("text", text).
		Set("variables_json", string(vars)).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"type": templateType, "active": true})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update template query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// SeedDefaultTemplates inserts the built-in templates for any type that has
// no row yet. Existing rows, active or not, are left alone.
func (s *Store) SeedDefaultTemplates(ctx context.Context) error {
	for _, dt := range defaultTemplates {
		exists, err := s.templateTypeExists(ctx, dt.Type)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := s.insertDefaultTemplate(ctx, dt); err != nil {
			return err
		}
	}
	return nil
}

// ResetTemplate restores a type's active template to the built-in default.
func (s *Store) ResetTemplate(ctx context.Context, templateType string) error {
	var dt defaultTemplate
	found := false
	for _, d := range defaultTemplates {
		if d.Type == templateType {
			dt = d
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("no default template for type %q", templateType)
	}

	del := s.sql.Delete("prompt_templates").Where(sq.Eq{"type": templateType})
	sqlStr, args, err := del.ToSql()
	if err != nil {
		return fmt.Errorf("build reset template delete query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete template for reset: %w", err)
	}
	return s.insertDefaultTemplate(ctx, dt)
}

func (s *Store) templateTypeExists(ctx context.Context, templateType string) (bool, error) {
	q := s.sql.Select("COUNT(1)").From("prompt_templates").Where(sq.Eq{"type": templateType})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return false, fmt.Errorf("build template exists query: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&n); err != nil {
		return false, fmt.Errorf("check template exists: %w", err)
	}
	return n > 0, nil
}

func (s *Store) insertDefaultTemplate(ctx context.Context, dt defaultTemplate) error {
	vars, err := json.Marshal(TemplateVariables(dt.Text))
	if err != nil {
		return fmt.Errorf("marshal template variables: %w", err)
	}
	q := s.sql.Insert("prompt_templates").
		Columns("type", "name", "text", "variables_json", "active").
		Values(dt.Type, dt.Name, dt.Text, string(vars), true)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert default template query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("insert default template: %w", err)
	}
	return nil
}
