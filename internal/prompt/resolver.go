package prompt

import (
	"regexp"
	"strings"

	"github.com/wmag777/story-book/internal/storage"
)

// ResolvePlaceholders expands {Name} tokens in a scene prompt. A character
// whose name is in referencedNames gets the bare name (a reference image will
// carry its appearance); otherwise the full description is substituted.
// Tokens naming unknown characters are left untouched. Matching is
// case-insensitive on the literal token, so character names must not be
// substrings of each other's tokens.
func ResolvePlaceholders(prompt string, characters []storage.Character, referencedNames map[string]bool) string {
	for _, c := range characters {
		if c.Name == "" {
			continue
		}
		pattern := regexp.MustCompile(`(?i)\{` + regexp.QuoteMeta(c.Name) + `\}`)
		replacement := c.Description
		if referencedNames[strings.ToLower(c.Name)] {
			replacement = c.Name
		}
		prompt = pattern.ReplaceAllLiteralString(prompt, replacement)
	}
	return prompt
}
