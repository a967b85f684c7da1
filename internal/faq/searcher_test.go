package faq

import (
	"context"
	"testing"
)

func catalog() []Entry {
	return []Entry{
		{ID: "hours", Question: "What are your opening hours?", Answer: "9 to 5", Keywords: []string{"open", "hours", "time"}},
		{ID: "shipping", Question: "How long does shipping take?", Answer: "3 days", Keywords: []string{"delivery", "shipping"}},
		{ID: "billing", Service: "billing", Question: "How do I get an invoice?", Answer: "In your account", Keywords: []string{"invoice", "receipt"}},
	}
}

func TestStaticSearcherFindsBestOverlap(t *testing.T) {
	s := NewStaticSearcher(catalog())

	result, err := s.Search(context.Background(), "opening hours today", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || result.Entry.ID != "hours" {
		t.Fatalf("expected hours entry, got %+v", result)
	}
	if result.Score <= 0 || result.Score > 1 {
		t.Errorf("score out of range: %f", result.Score)
	}
}

func TestStaticSearcherNoMatch(t *testing.T) {
	s := NewStaticSearcher(catalog())
	result, err := s.Search(context.Background(), "quantum entanglement", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result, got %+v", result)
	}
}

func TestStaticSearcherEmptyQuery(t *testing.T) {
	s := NewStaticSearcher(catalog())
	result, err := s.Search(context.Background(), "   ", "")
	if err != nil || result != nil {
		t.Errorf("expected (nil, nil), got (%+v, %v)", result, err)
	}
}

func TestStaticSearcherServiceScoping(t *testing.T) {
	s := NewStaticSearcher(catalog())

	// Scoped entries are excluded for other services
	result, err := s.Search(context.Background(), "invoice please", "support")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil && result.Entry.ID == "billing" {
		t.Errorf("billing entry leaked into support scope: %+v", result)
	}

	// Matching service sees the scoped entry
	result, err = s.Search(context.Background(), "invoice please", "billing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || result.Entry.ID != "billing" {
		t.Errorf("expected billing entry in billing scope, got %+v", result)
	}
}

func TestParseScoreReply(t *testing.T) {
	cases := []struct {
		reply     string
		wantIndex int
		wantScore float64
		wantErr   bool
	}{
		{"2|0.85", 2, 0.85, false},
		{" 0 | 1.0 ", 0, 1.0, false},
		{"-1|0", -1, 0, false},
		{"3|1.7", 3, 1.0, false},  // clamped high
		{"3|-0.2", 3, 0.0, false}, // clamped low
		{"no pipe", 0, 0, true},
		{"x|0.5", 0, 0, true},
		{"1|notanumber", 0, 0, true},
	}
	for _, tc := range cases {
		index, score, err := parseScoreReply(tc.reply)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseScoreReply(%q): expected error", tc.reply)
			}
			continue
		}
		if err != nil || index != tc.wantIndex || score != tc.wantScore {
			t.Errorf("parseScoreReply(%q) = (%d, %f, %v), want (%d, %f)", tc.reply, index, score, err, tc.wantIndex, tc.wantScore)
		}
	}
}

func TestNewOpenAISearcherRequiresKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewOpenAISearcher(catalog()); err == nil {
		t.Error("expected error without API key")
	}
	if _, err := NewOpenAISearcher(catalog(), WithAPIKey("sk-test")); err != nil {
		t.Errorf("unexpected error with explicit key: %v", err)
	}
}
