package services

import (
	"net/mail"
	"strings"

	"github.com/alimgiray/repomailer/internal/models"
)

// noReplyMarkers identify generated placeholder addresses
var noReplyMarkers = []string{
	"noreply",
	"no-reply",
	"no_reply",
	"users.noreply.github.com",
}

// AcceptAddress normalizes raw and reports whether it is a deliverable, non-placeholder address
func AcceptAddress(raw string) (string, bool) {
	addr := models.NormalizeAddress(raw)
	if addr == "" || !IsValidAddress(addr) {
		return "", false
	}
	if IsNoReply(addr) {
		return "", false
	}
	return addr, true
}

// IsValidAddress checks for a bare addr-spec with a dotted domain
func IsValidAddress(addr string) bool {
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr || parsed.Name != "" {
		return false
	}
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return false
	}
	domain := addr[at+1:]
	return strings.Contains(domain, ".") && !strings.HasPrefix(domain, ".") && !strings.HasSuffix(domain, ".")
}

// IsNoReply reports whether addr carries a provider's no-reply marker
func IsNoReply(addr string) bool {
	addr = strings.ToLower(addr)
	for _, marker := range noReplyMarkers {
		if strings.Contains(addr, marker) {
			return true
		}
	}
	return false
}
