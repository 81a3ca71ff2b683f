package prompt

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/wmag777/story-book/internal/cache"
	"github.com/wmag777/story-book/internal/storage"
)

// MissingVariableError reports a {token} in a template with no supplied value.
type MissingVariableError struct {
	Key string
}

func (e *MissingVariableError) Error() string {
	return fmt.Sprintf("missing required variable: %s", e.Key)
}

var tokenPattern = regexp.MustCompile(`\{([^{}]+)\}`)

// Store resolves active template text by type, with a bounded cache in front
// of the database. The cache is a pure optimization: misses always fall back
// to the persisted row, and mutations invalidate explicitly.
type Store struct {
	db    *storage.Store
	cache *cache.Cache
	ttl   time.Duration
	log   zerolog.Logger
}

func NewStore(db *storage.Store, c *cache.Cache, ttl time.Duration, log zerolog.Logger) *Store {
	return &Store{db: db, cache: c, ttl: ttl, log: log}
}

// Get returns the active template text for a type, or "" when no active
// template exists. Missing templates are a warning here; callers decide
// whether empty text is fatal.
func (s *Store) Get(ctx context.Context, templateType string) string {
	key := cacheKey(templateType)
	if text, ok := s.cache.Get(key); ok {
		return text
	}

	tpl, err := s.db.GetActiveTemplate(ctx, templateType)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.log.Warn().Str("template_type", templateType).Msg("no active template")
		} else {
			s.log.Error().Err(err).Str("template_type", templateType).Msg("failed to load template")
		}
		return ""
	}

	s.cache.Set(key, tpl.Text, s.ttl)
	return tpl.Text
}

// Render substitutes {key} tokens into the active template for a type. A
// token with no supplied value is a MissingVariableError; a missing template
// renders to "".
func (s *Store) Render(ctx context.Context, templateType string, vars map[string]string) (string, error) {
	text := s.Get(ctx, templateType)
	if text == "" {
		return "", nil
	}
	return RenderText(text, vars)
}

// RenderText substitutes {key} tokens in raw template text.
func RenderText(text string, vars map[string]string) (string, error) {
	var missing string
	out := tokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		key := token[1 : len(token)-1]
		val, ok := vars[key]
		if !ok {
			if missing == "" {
				missing = key
			}
			return token
		}
		return val
	})
	if missing != "" {
		return "", &MissingVariableError{Key: missing}
	}
	return out, nil
}

// Invalidate drops cached text for the given types, or all known types when
// none are given.
func (s *Store) Invalidate(types ...string) {
	if len(types) == 0 {
		types = []string{
			storage.TemplateSceneExtraction,
			storage.TemplateCharacterExtraction,
			storage.TemplateImageStyleSuffix,
			storage.TemplateReferenceInstruction,
		}
	}
	keys := make([]string, 0, len(types))
	for _, t := range types {
		keys = append(keys, cacheKey(t))
	}
	s.cache.DeleteMany(keys...)
}

func cacheKey(templateType string) string {
	return "template:" + templateType
}
