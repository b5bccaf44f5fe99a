package models

import "time"

// EmailStats aggregates the collected addresses
type EmailStats struct {
	Total        int               `json:"total"`
	Recent24h    int               `json:"recent24h"`
	ByRepository []RepositoryCount `json:"byRepository"`
}

// RepositoryCount is the number of records per repository
type RepositoryCount struct {
	Repository string `json:"_id"`
	Count      int    `json:"count"`
}

// RepositorySummary is computed on read from the repository's records
type RepositorySummary struct {
	Repository      string             `json:"repository"`
	TotalEmails     int                `json:"totalEmails"`
	CollectedAt     *time.Time         `json:"collectedAt"`
	LastCollectedAt *time.Time         `json:"lastCollectedAt"`
	SendHistory     []SendHistoryEntry `json:"sendHistory"`
}

// SendHistoryEntry groups a repository's SendEvents by sender
type SendHistoryEntry struct {
	Sender      string    `json:"sender"`
	SenderEmail string    `json:"senderEmail"`
	SentAt      time.Time `json:"sentAt"`
	Count       int       `json:"count"`
}
