package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

const settingsColumns = "id, cost_per_generation, cost_per_edit, currency, tracking_enabled, ai_provider, enc_openai_key, enc_google_key, enc_artemox_key, artemox_base_url, created_at, updated_at"

// GetOrCreateSettings returns the singleton settings row, inserting it with
// defaults on first access.
func (s *Store) GetOrCreateSettings(ctx context.Context) (GenerationSettings, error) {
	gs, err := s.getSettings(ctx)
	if err == nil {
		return gs, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return GenerationSettings{}, err
	}

	q := s.sql.Insert("generation_settings").
		Columns("id").
		Values(1).
		Suffix("ON CONFLICT(id) DO NOTHING")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return GenerationSettings{}, fmt.Errorf("build create settings query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return GenerationSettings{}, fmt.Errorf("create settings: %w", err)
	}
	return s.getSettings(ctx)
}

func (s *Store) getSettings(ctx context.Context) (GenerationSettings, error) {
	q := s.sql.Select(settingsColumns).From("generation_settings").Where(sq.Eq{"id": 1})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return GenerationSettings{}, fmt.Errorf("build get settings query: %w", err)
	}

	var gs GenerationSettings
	var openaiKey, googleKey, artemoxKey sql.NullString
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(
		&gs.ID, &gs.CostPerGeneration, &gs.CostPerEdit, &gs.Currency,
		&gs.TrackingEnabled, &gs.AIProvider,
		&openaiKey, &googleKey, &artemoxKey, &gs.ArtemoxBaseURL,
		&gs.CreatedAt, &gs.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return GenerationSettings{}, ErrNotFound
		}
		return GenerationSettings{}, fmt.Errorf("get settings: %w", err)
	}
	if openaiKey.Valid {
		gs.EncOpenAIKey = &openaiKey.String
	}
	if googleKey.Valid {
		gs.EncGoogleKey = &googleKey.String
	}
	if artemoxKey.Valid {
		gs.EncArtemoxKey = &artemoxKey.String
	}
	return gs, nil
}

// UpdateSettings overwrites the mutable fields of the singleton row.
func (s *Store) UpdateSettings(ctx context.Context, gs GenerationSettings) error {
	q := s.sql.Update("generation_settings").
		Set("cost_per_generation", gs.CostPerGeneration).
		Set("cost_per_edit", gs.CostPerEdit).
		Set("currency", gs.Currency).
		Set("tracking_enabled", gs.TrackingEnabled).
		Set("ai_provider", gs.AIProvider).
		Set("enc_openai_key", gs.EncOpenAIKey).
		Set("enc_google_key", gs.EncGoogleKey).
		Set("enc_artemox_key", gs.EncArtemoxKey).
		Set("artemox_base_url", gs.ArtemoxBaseURL).
		Set("updated_at", nowExpr(s.driver)).
		Where(sq.Eq{"id": 1})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update settings query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
