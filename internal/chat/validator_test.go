package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/festival/regionchat/internal/apperr"
	"github.com/festival/regionchat/internal/store"
)

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"plain", "hello", false},
		{"korean at limit", strings.Repeat("한", 500), false},
		{"over limit", strings.Repeat("a", 501), true},
		{"empty", "", true},
		{"whitespace", " \t\n", true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContent(tt.content, DefaultMaxContentChars)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateContent() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("error kind = %v, want validation", apperr.KindOf(err))
			}
		})
	}
}

func TestValidateRegion(t *testing.T) {
	got, err := ValidateRegion("  seoul ")
	if err != nil || got != "seoul" {
		t.Fatalf("ValidateRegion() = %q, %v", got, err)
	}
	if _, err := ValidateRegion(""); err == nil {
		t.Error("empty region accepted")
	}
	if _, err := ValidateRegion(strings.Repeat("r", MaxRegionChars+1)); err == nil {
		t.Error("long region accepted")
	}
}

func TestGuard_Window(t *testing.T) {
	s := store.NewMemoryStore()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return t0 })
	ctx := context.Background()
	if _, err := s.AppendMessage(ctx, store.NewMessage{Region: "seoul", AuthorUserID: 7, Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	g := NewGuard(s, 0)

	cases := []struct {
		user    int64
		region  string
		content string
		at      time.Time
		want    bool
	}{
		{7, "seoul", "hi", t0.Add(30 * time.Second), true},
		{7, "seoul", "hi", t0.Add(61 * time.Second), false},
		{7, "busan", "hi", t0.Add(time.Second), false},
		{8, "seoul", "hi", t0.Add(time.Second), false},
		{7, "seoul", "hi!", t0.Add(time.Second), false},
	}
	for _, c := range cases {
		got, err := g.IsDuplicate(ctx, c.user, c.region, c.content, c.at)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Errorf("IsDuplicate(%d, %q, %q, +%v) = %v, want %v",
				c.user, c.region, c.content, c.at.Sub(t0), got, c.want)
		}
	}
}

func TestTruncateName(t *testing.T) {
	assert.Equal(t, "short", TruncateName("short"))
	assert.Equal(t, strings.Repeat("a", MaxDisplayNameChars), TruncateName(strings.Repeat("a", 101)))
	assert.Equal(t, strings.Repeat("名", MaxDisplayNameChars), TruncateName(strings.Repeat("名", 300)))
}
