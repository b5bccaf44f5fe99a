package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// recordNamespace scopes the deterministic record ids
var recordNamespace = uuid.MustParse("6f1c1d8e-4b8a-4f3e-9a57-0c2d7f3b9e21")

// EmailRecord is one collected address for one repository
type EmailRecord struct {
	ID          string      `json:"_id"`
	Email       string      `json:"email"`
	Name        string      `json:"name,omitempty"`
	Username    string      `json:"username,omitempty"`
	Repository  string      `json:"repository"`
	CollectedAt time.Time   `json:"collectedAt"`
	EmailSent   []SendEvent `json:"emailSent"`
}

// SendEvent records one successful delivery by one sender identity
type SendEvent struct {
	Sender      string    `json:"sender"`
	SenderEmail string    `json:"senderEmail"`
	SentAt      time.Time `json:"sentAt"`
}

// NormalizeAddress lowercases and trims an email address
func NormalizeAddress(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// SenderKey is the identity used for anti-resend checks
func SenderKey(senderEmail string) string {
	return NormalizeAddress(senderEmail)
}

// RecordID derives the stable id of the (email, repository) pair
func RecordID(email, repository string) string {
	return uuid.NewSHA1(recordNamespace, []byte(NormalizeAddress(email)+"\x00"+repository)).String()
}

// NewEmailRecord creates a record with its derived id and the given collection time
func NewEmailRecord(email, name, username, repository string, collectedAt time.Time) *EmailRecord {
	email = NormalizeAddress(email)
	return &EmailRecord{
		ID:          RecordID(email, repository),
		Email:       email,
		Name:        strings.TrimSpace(name),
		Username:    strings.TrimSpace(username),
		Repository:  repository,
		CollectedAt: collectedAt.UTC(),
		EmailSent:   []SendEvent{},
	}
}

// SentBy reports whether the record already holds a SendEvent from senderEmail
func (r *EmailRecord) SentBy(senderEmail string) bool {
	key := SenderKey(senderEmail)
	for _, ev := range r.EmailSent {
		if SenderKey(ev.SenderEmail) == key {
			return true
		}
	}
	return false
}

// Senders returns the set of sender identities that delivered to this record
func (r *EmailRecord) Senders() map[string]struct{} {
	set := make(map[string]struct{}, len(r.EmailSent))
	for _, ev := range r.EmailSent {
		set[SenderKey(ev.SenderEmail)] = struct{}{}
	}
	return set
}

// Clone returns a deep copy
func (r *EmailRecord) Clone() *EmailRecord {
	c := *r
	c.EmailSent = append([]SendEvent{}, r.EmailSent...)
	return &c
}
