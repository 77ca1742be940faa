package token

import (
	"errors"
	"regexp"
	"strings"
)

// Credential shape validation. Both lifecycle managers run their credential
// through here before attempting a connection, so obviously malformed input
// (pasted with quotes, a "Bot " prefix, or the wrong platform's token) is
// rejected without a network round trip.

var (
	ErrEmptyToken   = errors.New("token is empty")
	ErrInvalidToken = errors.New("token does not match the expected format")
)

var (
	discordTokenRegex  = regexp.MustCompile(`^[A-Za-z0-9_-]{20,}\.[A-Za-z0-9_-]{5,}\.[A-Za-z0-9_-]{20,}$`)
	telegramTokenRegex = regexp.MustCompile(`^\d{8,10}:[A-Za-z0-9_-]{35}$`)
)

// CleanDiscordToken strips decoration commonly pasted along with a bot token:
// surrounding whitespace, quotes, and a leading "Bot " prefix.
func CleanDiscordToken(raw string) string {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.Trim(cleaned, `"'`)
	cleaned = strings.TrimPrefix(cleaned, "Bot ")
	return strings.TrimSpace(cleaned)
}

// ValidateDiscordToken checks the three-segment shape of a Discord bot token.
func ValidateDiscordToken(raw string) error {
	cleaned := CleanDiscordToken(raw)
	if cleaned == "" {
		return ErrEmptyToken
	}
	if !discordTokenRegex.MatchString(cleaned) {
		return ErrInvalidToken
	}
	return nil
}

// ValidateTelegramToken checks the "<bot id>:<secret>" shape of a Telegram
// bot token.
func ValidateTelegramToken(raw string) error {
	cleaned := strings.TrimSpace(raw)
	if cleaned == "" {
		return ErrEmptyToken
	}
	if !telegramTokenRegex.MatchString(cleaned) {
		return ErrInvalidToken
	}
	return nil
}
