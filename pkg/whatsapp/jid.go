// pkg/whatsapp/jid.go
package whatsapp

import (
	"fmt"
	"strings"
)

// Known JID servers.
const (
	UserServer  = "c.us"
	GroupServer = "g.us"
)

// JID is a WhatsApp identifier such as 5511999999999@c.us. Identity is string equality.
type JID string

// ParseJID validates s. A bare phone number is completed with the user server.
func ParseJID(s string) (JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidJID)
	}
	if !strings.Contains(s, "@") {
		s = strings.TrimPrefix(s, "+")
		if !isDigits(s) {
			return "", fmt.Errorf("%w: '%s'", ErrInvalidJID, s)
		}
		return JID(s + "@" + UserServer), nil
	}
	user, server, _ := strings.Cut(s, "@")
	if user == "" || server == "" || strings.Contains(server, "@") {
		return "", fmt.Errorf("%w: '%s'", ErrInvalidJID, s)
	}
	return JID(s), nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// User is the part before '@'.
func (j JID) User() string {
	user, _, _ := strings.Cut(string(j), "@")
	return user
}

// Server is the part after '@'.
func (j JID) Server() string {
	_, server, _ := strings.Cut(string(j), "@")
	return server
}

func (j JID) IsUser() bool  { return j.Server() == UserServer }
func (j JID) IsGroup() bool { return j.Server() == GroupServer }
func (j JID) String() string {
	return string(j)
}
