package models

import "time"

// SentStatus filters records by delivery history
type SentStatus string

const (
	SentStatusAny    SentStatus = ""
	SentStatusSent   SentStatus = "sent"
	SentStatusUnsent SentStatus = "unsent"
)

// EmailFilter narrows and pages an email listing
type EmailFilter struct {
	Search        string
	Repository    string
	CollectedFrom *time.Time
	CollectedTo   *time.Time
	SentStatus    SentStatus
	Limit         int
	Offset        int
}
