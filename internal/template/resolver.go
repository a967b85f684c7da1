// Package template resolves localized node templates with variable substitution.
package template

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
)

// DefaultLanguage is the fallback language when no exact translation exists.
const DefaultLanguage = "en"

// placeholderPattern matches {name} style named placeholders.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Resolver selects a per-language template and fills in variables.
type Resolver struct {
	defaultLang string
}

// NewResolver creates a Resolver with the given default language.
// An empty default falls back to DefaultLanguage.
func NewResolver(defaultLang string) *Resolver {
	if defaultLang == "" {
		defaultLang = DefaultLanguage
	}
	return &Resolver{defaultLang: defaultLang}
}

// Resolve picks the template for lang (exact match, else the default language,
// else the lexicographically first entry so the result is deterministic) and
// substitutes {name} placeholders from vars. Unresolved placeholders are left
// verbatim: a partially rendered message beats a dropped one.
func (r *Resolver) Resolve(templates map[string]string, lang string, vars map[string]string) string {
	if len(templates) == 0 {
		return ""
	}

	tmpl, ok := templates[lang]
	if !ok {
		tmpl, ok = templates[r.defaultLang]
	}
	if !ok {
		langs := make([]string, 0, len(templates))
		for l := range templates {
			langs = append(langs, l)
		}
		sort.Strings(langs)
		tmpl = templates[langs[0]]
		slog.Debug("template Resolve falling back to first available language", "lang", lang, "used", langs[0])
	}

	return Substitute(tmpl, vars)
}

// Substitute replaces {name} placeholders with values from vars, leaving
// unknown placeholders untouched.
func Substitute(tmpl string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(tmpl, "{") {
		return tmpl
	}
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		key := match[1 : len(match)-1]
		if val, ok := vars[key]; ok {
			return val
		}
		return match
	})
}
