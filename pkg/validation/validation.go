package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	MaxIDLength          = 100
	MaxDisplayNameLength = 80
	MaxChatTextLength    = 4000
	MaxReactionLength    = 16
)

var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

func validateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s is required", kind)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s is too long (max %d characters)", kind, MaxIDLength)
	}
	if !idRegex.MatchString(id) {
		return fmt.Errorf("invalid %s format", kind)
	}
	return nil
}

func ValidateRoomID(roomID string) error {
	return validateID("room ID", roomID)
}

func ValidatePeerID(peerID string) error {
	return validateID("peer ID", peerID)
}

func ValidateMessageID(id string) error {
	return validateID("message ID", id)
}

// ValidateDisplayName allows empty names; the UI falls back to the peer id.
func ValidateDisplayName(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return fmt.Errorf("display name is too long (max %d characters)", MaxDisplayNameLength)
	}
	return nil
}

// ValidateChatText checks a plaintext chat body before encryption.
func ValidateChatText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("chat message is empty")
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("chat message contains invalid characters")
	}
	if utf8.RuneCountInString(text) > MaxChatTextLength {
		return fmt.Errorf("chat message is too long (max %d characters)", MaxChatTextLength)
	}
	return nil
}

// ValidateReaction accepts a short emoji or token.
func ValidateReaction(reaction string) error {
	if reaction == "" {
		return fmt.Errorf("reaction is required")
	}
	if utf8.RuneCountInString(reaction) > MaxReactionLength {
		return fmt.Errorf("reaction is too long (max %d characters)", MaxReactionLength)
	}
	return nil
}

// ValidateSignalURL validates the relay endpoint a call agent dials.
func ValidateSignalURL(urlStr string) error {
	if urlStr == "" {
		return fmt.Errorf("URL is required")
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme (must be ws or wss)")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
