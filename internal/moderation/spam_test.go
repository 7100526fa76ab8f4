package moderation

import "testing"

func TestSpamPatterns(t *testing.T) {
	f := NewFilter(nil, true)

	tests := []struct {
		name  string
		input string
		term  string // empty means clean
	}{
		{"http url", "check out http://evil.com", "url"},
		{"www url", "go to www.phishing.net", "url"},
		{"bare domain with path", "visit evil.com/free", "url"},
		{"kr domain", "festival.kr/tickets 싸게", "url"},
		{"dashed phone", "call 010-1234-5678 now", "phone"},
		{"parenthesized area code", "(555) 123-4567", "phone"},
		{"char flood", "hellooooooo", "char_flood"},
		{"exactly five", "aaaaa", "char_flood"},
		{"word flood", "BUY buy Buy", "word_flood"},

		{"version string", "upgrade to v2.0", ""},
		{"decimal", "pi is about 3.14", ""},
		{"short number", "I have 3 cats", ""},
		{"four repeats", "aaaa", ""},
		{"two words repeated", "go go", ""},
		{"money", "it costs $5.99", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.Check(tt.input)
			if result.Blocked != (tt.term != "") {
				t.Fatalf("Check(%q).Blocked = %v (term=%q), want blocked=%v",
					tt.input, result.Blocked, result.Term, tt.term != "")
			}
			if tt.term != "" {
				if result.Term != tt.term {
					t.Errorf("Check(%q).Term = %q, want %q", tt.input, result.Term, tt.term)
				}
				if result.Reason != "spam_pattern" {
					t.Errorf("Check(%q).Reason = %q, want spam_pattern", tt.input, result.Reason)
				}
			}
		})
	}
}

func TestSpamPatternsDisabled(t *testing.T) {
	f := NewFilter(nil, false)
	for _, input := range []string{"http://evil.com", "hellooooooo", "buy buy buy"} {
		if r := f.Check(input); r.Blocked {
			t.Errorf("Check(%q) blocked with spam patterns disabled (term=%q)", input, r.Term)
		}
	}
}

func TestKeywordTakesPriorityOverSpam(t *testing.T) {
	f := NewFilter([]string{"badword"}, true)

	if r := f.Check("badword http://evil.com"); r.Reason != "blocked_keyword" {
		t.Errorf("Reason = %q, want blocked_keyword", r.Reason)
	}
	if r := f.Check("visit http://evil.com"); r.Reason != "spam_pattern" || r.Term != "url" {
		t.Errorf("got %+v, want spam_pattern/url", r)
	}
}
