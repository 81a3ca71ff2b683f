package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/wmag777/story-book/internal/storage"
)

// Composition is the deterministic output of composing a scene prompt. The
// same inputs always produce the same composition, for both previews and
// live generations.
type Composition struct {
	FinalPrompt         string
	ReferenceImagePaths []string
	ReferenceNames      []string
}

// Composer turns a scene, its project and its characters into the final
// prompt sent to the image backend, plus the reference images to attach.
type Composer struct {
	templates *Store
	log       zerolog.Logger
}

func NewComposer(templates *Store, log zerolog.Logger) *Composer {
	return &Composer{templates: templates, log: log}
}

func (c *Composer) Compose(ctx context.Context, scene storage.Scene, project storage.Project, characters []storage.Character) Composition {
	refPaths := make([]string, 0, len(characters))
	refNames := make([]string, 0, len(characters))
	referenced := make(map[string]bool, len(characters))
	for _, ch := range characters {
		if path := ch.ReferencePath(); path != "" {
			refPaths = append(refPaths, path)
			refNames = append(refNames, ch.Name)
			referenced[strings.ToLower(ch.Name)] = true
		}
	}

	// A custom prompt bypasses composition but still attaches references.
	if scene.UseCustomPrompt && scene.FinalPrompt != "" {
		return Composition{
			FinalPrompt:         scene.FinalPrompt,
			ReferenceImagePaths: refPaths,
			ReferenceNames:      refNames,
		}
	}

	final := ResolvePlaceholders(scene.Prompt, characters, referenced)
	final += c.styleSuffix(ctx, project.Style, project.ColorScheme)

	if len(refNames) > 0 {
		final += c.referenceInstruction(ctx, refNames)
	}

	return Composition{
		FinalPrompt:         final,
		ReferenceImagePaths: refPaths,
		ReferenceNames:      refNames,
	}
}

func (c *Composer) styleSuffix(ctx context.Context, style, colorScheme string) string {
	rendered, err := c.templates.Render(ctx, storage.TemplateImageStyleSuffix, map[string]string{
		"style":        style,
		"color_scheme": colorScheme,
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("style suffix template failed to render, using fallback")
	} else if rendered != "" {
		return rendered
	}
	return fmt.Sprintf(" Draw in %s with %s colors", style, colorScheme)
}

func (c *Composer) referenceInstruction(ctx context.Context, names []string) string {
	joined := JoinNames(names)
	plural := ""
	if len(names) > 1 {
		plural = "s"
	}
	rendered, err := c.templates.Render(ctx, storage.TemplateReferenceInstruction, map[string]string{
		"character_names": joined,
		"plural":          plural,
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("reference instruction template failed to render, using fallback")
	} else if rendered != "" {
		return rendered
	}
	return fmt.Sprintf(" Use the exact appearance of %s from the provided reference image%s.", joined, plural)
}

// JoinNames formats a name list as "A", "A and B", "A, B and C".
func JoinNames(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	default:
		return strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
	}
}
