package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/festival/regionchat/internal/apperr"
)

const (
	DefaultMaxContentChars = 500
	MaxRegionChars         = 64
	MaxDisplayNameChars    = 100
)

// ValidateContent checks that a chat message meets content requirements.
// Length is counted in characters, not bytes.
func ValidateContent(content string, maxChars int) error {
	if maxChars <= 0 {
		maxChars = DefaultMaxContentChars
	}
	if !utf8.ValidString(content) {
		return apperr.Validation("message contains invalid UTF-8")
	}
	if strings.TrimSpace(content) == "" {
		return apperr.Validation("message is empty")
	}
	if utf8.RuneCountInString(content) > maxChars {
		return apperr.Validation("message exceeds %d characters", maxChars)
	}
	return nil
}

// ValidateRegion normalizes and checks a region name.
func ValidateRegion(region string) (string, error) {
	region = strings.TrimSpace(region)
	if region == "" {
		return "", apperr.Validation("region is required")
	}
	if utf8.RuneCountInString(region) > MaxRegionChars {
		return "", apperr.Validation("region exceeds %d characters", MaxRegionChars)
	}
	return region, nil
}

// TruncateName cuts a display name to MaxDisplayNameChars characters.
func TruncateName(name string) string {
	if utf8.RuneCountInString(name) <= MaxDisplayNameChars {
		return name
	}
	r := []rune(name)
	return string(r[:MaxDisplayNameChars])
}
