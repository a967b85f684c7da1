package template

import "testing"

func TestResolveExactLanguage(t *testing.T) {
	r := NewResolver("en")
	got := r.Resolve(map[string]string{"en": "Hello", "de": "Hallo"}, "de", nil)
	if got != "Hallo" {
		t.Errorf("expected Hallo, got %q", got)
	}
}

func TestResolveFallsBackToDefaultLanguage(t *testing.T) {
	r := NewResolver("en")
	got := r.Resolve(map[string]string{"en": "Hello", "de": "Hallo"}, "fr", nil)
	if got != "Hello" {
		t.Errorf("expected Hello, got %q", got)
	}
}

func TestResolveFallsBackToFirstLanguageDeterministically(t *testing.T) {
	r := NewResolver("en")
	templates := map[string]string{"it": "Ciao", "de": "Hallo"}
	for i := 0; i < 10; i++ {
		if got := r.Resolve(templates, "fr", nil); got != "Hallo" {
			t.Fatalf("expected deterministic fallback Hallo, got %q", got)
		}
	}
}

func TestResolveEmptyTemplates(t *testing.T) {
	r := NewResolver("")
	if got := r.Resolve(nil, "en", nil); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
}

func TestSubstitute(t *testing.T) {
	cases := []struct {
		name string
		tmpl string
		vars map[string]string
		want string
	}{
		{"simple", "Hi {name}!", map[string]string{"name": "Ada"}, "Hi Ada!"},
		{"multiple", "{a}{b}", map[string]string{"a": "1", "b": "2"}, "12"},
		{"unresolved left verbatim", "Hi {name}, {missing}", map[string]string{"name": "Ada"}, "Hi Ada, {missing}"},
		{"no vars", "Hi {name}", nil, "Hi {name}"},
		{"no placeholders", "plain text", map[string]string{"name": "Ada"}, "plain text"},
		{"invalid placeholder chars untouched", "{first name}", map[string]string{"first name": "x"}, "{first name}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Substitute(tc.tmpl, tc.vars); got != tc.want {
				t.Errorf("Substitute(%q) = %q, want %q", tc.tmpl, got, tc.want)
			}
		})
	}
}

func TestResolveSubstitutesVariables(t *testing.T) {
	r := NewResolver("en")
	got := r.Resolve(map[string]string{"en": "Answer: {faqResult}"}, "en", map[string]string{"faqResult": "42"})
	if got != "Answer: 42" {
		t.Errorf("expected substituted answer, got %q", got)
	}
}
