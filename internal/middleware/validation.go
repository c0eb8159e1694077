package middleware

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/capitalize-ai/bookchat/internal/model"
)

// MaxUtteranceBytes bounds one inbound chat message.
const MaxUtteranceBytes = 16 * 1024

// ParseMemberID parses a required, positive member number.
func ParseMemberID(raw string) (model.MemberID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("member number is required")
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid member number %q", raw)
	}
	return model.MemberID(n), nil
}

// ParseBookID parses an optional book id. An absent or zero value selects
// the ephemeral book.
func ParseBookID(raw string) (model.BookID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return model.EphemeralBook, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid book id %q", raw)
	}
	return model.BookID(n), nil
}

// ValidateUtterance checks an inbound chat message before it reaches the pipeline.
func ValidateUtterance(text string) error {
	if len(text) > MaxUtteranceBytes {
		return errors.New("message exceeds maximum length")
	}
	if !utf8.ValidString(text) {
		return errors.New("message must be valid UTF-8")
	}
	return nil
}
