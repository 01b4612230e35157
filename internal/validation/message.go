// Package validation holds input checks shared by the HTTP and websocket
// entry points.
package validation

import (
	"fmt"
	"math"
	"net/url"
	"strings"
	"unicode/utf8"

	"gizchat/internal/models"
)

const (
	// DefaultMaxMessageLength caps a message body in runes.
	DefaultMaxMessageLength = 4096

	maxRatio = 9.9
)

// ValidateMessageType rejects anything outside text/image/sticker/giphy.
func ValidateMessageType(t models.MessageType) error {
	if !t.Valid() {
		return fmt.Errorf("message type must be between %d and %d", models.MessageText, models.MessageGiphy)
	}
	return nil
}

// ValidateMessageBody checks the body is present and within maxLen runes.
func ValidateMessageBody(body string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLength
	}
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("message is required")
	}
	if n := utf8.RuneCountInString(body); n > maxLen {
		return fmt.Errorf("message must be at most %d characters (got %d)", maxLen, n)
	}
	return nil
}

// NormalizeRatio applies the default when ratio is omitted and enforces a
// positive value with at most one fractional digit that fits numeric(2,1).
func NormalizeRatio(ratio *float64) (float64, error) {
	if ratio == nil {
		return models.DefaultRatio, nil
	}
	r := *ratio
	if math.IsNaN(r) || math.IsInf(r, 0) || r <= 0 {
		return 0, fmt.Errorf("ratio must be positive")
	}
	if r > maxRatio {
		return 0, fmt.Errorf("ratio must be at most %.1f", maxRatio)
	}
	tenths := r * 10
	if math.Abs(tenths-math.Round(tenths)) > 1e-9 {
		return 0, fmt.Errorf("ratio must have at most one decimal place")
	}
	return math.Round(tenths) / 10, nil
}

// ValidateAttachmentURL accepts an empty value or an absolute http(s) URL.
func ValidateAttachmentURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("image must be an absolute http(s) URL")
	}
	return nil
}
