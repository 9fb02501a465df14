package message

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/doebem/chat-service/internal/apperr"
)

const (
	MaxTextBytes = 4096 // 4KB max frame size
	MaxTextChars = 2000 // max character count
)

// ValidateText checks that a message body meets content requirements. All
// failures carry the validation error code.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return apperr.Validation("message text is empty")
	}
	if len(text) > MaxTextBytes {
		return apperr.Validation(fmt.Sprintf("message exceeds %d byte limit", MaxTextBytes))
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return apperr.Validation(fmt.Sprintf("message exceeds %d character limit", MaxTextChars))
	}
	if !utf8.ValidString(text) {
		return apperr.Validation("message contains invalid UTF-8")
	}
	return nil
}
