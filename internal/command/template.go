// Package command builds the external agent command lines from configured
// templates. Templates recognize a fixed set of placeholders; anything else
// is a configuration error, caught up front rather than at execution time.
package command

import (
	"fmt"
	"regexp"
	"strings"
)

// Recognized placeholders.
const (
	PlaceholderID       = "{{id}}"
	PlaceholderCategory = "{{category}}"
	PlaceholderAction   = "{{action}}"
)

var placeholderRegex = regexp.MustCompile(`\{\{[a-z_]+\}\}`)

var knownPlaceholders = map[string]bool{
	PlaceholderID:       true,
	PlaceholderCategory: true,
	PlaceholderAction:   true,
}

// Template is a command-line template with placeholder substitution.
type Template struct {
	raw string
}

// Parse validates that a template only uses recognized placeholders.
func Parse(raw string) (Template, error) {
	if strings.TrimSpace(raw) == "" {
		return Template{}, fmt.Errorf("empty command template")
	}
	for _, ph := range placeholderRegex.FindAllString(raw, -1) {
		if !knownPlaceholders[ph] {
			return Template{}, fmt.Errorf("unknown placeholder %s in command template", ph)
		}
	}
	return Template{raw: raw}, nil
}

// MustParse is Parse for templates known at compile time.
func MustParse(raw string) Template {
	t, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return t
}

// Values carries the substitution values for one issue.
type Values struct {
	ID       string
	Category string
	Action   string
}

// Render substitutes values into the template. Substitution is pure: the
// same inputs always produce the same command line.
func (t Template) Render(v Values) string {
	r := strings.NewReplacer(
		PlaceholderID, v.ID,
		PlaceholderCategory, v.Category,
		PlaceholderAction, v.Action,
	)
	return r.Replace(t.raw)
}

// String returns the raw template text.
func (t Template) String() string {
	return t.raw
}

// Line joins an optional command prefix with a rendered template into the
// final shell command line.
func Line(prefix string, t Template, v Values) string {
	rendered := t.Render(v)
	if strings.TrimSpace(prefix) == "" {
		return rendered
	}
	return strings.TrimSpace(prefix) + " " + rendered
}
