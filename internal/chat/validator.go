package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageBytes = 4096 // 4KB max frame size
	MaxTextChars    = 2000 // max character count
)

var (
	ErrEmptyMessage    = errors.New("chat: message text is empty")
	ErrMessageTooLong  = errors.New("chat: message too long")
	ErrInvalidEncoding = errors.New("chat: message contains invalid UTF-8")
)

// ValidateMessage checks that an outbound message body meets content
// requirements.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return ErrEmptyMessage
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("%w: exceeds %d byte limit", ErrMessageTooLong, MaxMessageBytes)
	}
	if !utf8.ValidString(text) {
		return ErrInvalidEncoding
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("%w: exceeds %d character limit", ErrMessageTooLong, MaxTextChars)
	}
	return nil
}

// PrepareMessage trims surrounding whitespace and validates the result.
func PrepareMessage(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if err := ValidateMessage(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
