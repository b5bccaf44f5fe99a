package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ToTypeRepository = "repository"
	ToTypeCustom     = "custom"

	MinBatchSize = 1
	MaxBatchSize = 20
	MaxDelayMs   = 10000
)

// SMTPConfig carries the sender's transport credentials
type SMTPConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	Pass       string `json:"pass"`
	From       string `json:"from,omitempty"`
	SenderName string `json:"senderName"`
	Limit      int    `json:"limit,omitempty"`
}

// Normalize strips scheme prefixes from the host and defaults From to User
func (c *SMTPConfig) Normalize() {
	host := strings.TrimSpace(c.Host)
	for _, prefix := range []string{"http://", "https://", "smtp://", "smtps://"} {
		if len(host) >= len(prefix) && strings.EqualFold(host[:len(prefix)], prefix) {
			host = host[len(prefix):]
		}
	}
	c.Host = strings.TrimRight(host, "/")
	c.User = strings.TrimSpace(c.User)
	c.From = strings.TrimSpace(c.From)
	if c.From == "" {
		c.From = c.User
	}
	c.SenderName = strings.TrimSpace(c.SenderName)
}

// Address is host:port
func (c SMTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks the fields required to open an authenticated session
func (c SMTPConfig) Validate() error {
	switch {
	case c.Host == "":
		return &ValidationError{Field: "smtpConfig.host", Message: "SMTP host is required"}
	case c.Port <= 0 || c.Port > 65535:
		return &ValidationError{Field: "smtpConfig.port", Message: "SMTP port must be between 1 and 65535"}
	case c.User == "":
		return &ValidationError{Field: "smtpConfig.user", Message: "SMTP user is required"}
	case c.Pass == "":
		return &ValidationError{Field: "smtpConfig.pass", Message: "SMTP password is required"}
	}
	return nil
}

// AddressList accepts either a newline separated string or a JSON array of strings
type AddressList []string

func (l *AddressList) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		*l = SplitAddresses(raw)
		return nil
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("customEmails must be a string or an array of strings: %w", err)
	}
	*l = SplitAddresses(strings.Join(items, "\n"))
	return nil
}

// SplitAddresses splits on newlines and commas, trimming blanks and duplicates
func SplitAddresses(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ','
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		addr := NormalizeAddress(f)
		if addr == "" {
			continue
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// BulkSendRequest is the inbound shape of a send/bulk call
type BulkSendRequest struct {
	ToType       string      `json:"toType"`
	Repository   string      `json:"repository,omitempty"`
	CustomEmails AddressList `json:"customEmails,omitempty"`
	Subject      string      `json:"subject"`
	HTMLTemplate string      `json:"htmlTemplate"`
	TextTemplate string      `json:"textTemplate,omitempty"`
	BatchSize    int         `json:"batchSize"`
	Delay        *int        `json:"delay"`
	SMTPConfig   SMTPConfig  `json:"smtpConfig"`
}

// MessageTemplate holds the per-recipient templates of a dispatch
type MessageTemplate struct {
	Subject string
	HTML    string
	Text    string
}

// Recipient is one resolved target of a dispatch
type Recipient struct {
	Email    string
	Name     string
	Username string
	// Repository is the repository of the backing records, if any
	Repository string
	// RecordIDs are the store records that receive a SendEvent on success
	RecordIDs []string
}

// DispatchRun is the state owned by one dispatcher invocation
type DispatchRun struct {
	ID         string
	ToType     string
	Repository string
	Limit      int
	Custom     []string
	Template   MessageTemplate
	SMTP       SMTPConfig
	BatchSize  int
	DelayMs    int

	Sent   int
	Failed int
	Total  int
}

// Percentage is round(100 * (sent+failed) / total)
func (r *DispatchRun) Percentage() int {
	if r.Total == 0 {
		return 100
	}
	return (200*(r.Sent+r.Failed) + r.Total) / (2 * r.Total)
}

// BulkSendProgress is the payload of bulk-send-progress events
type BulkSendProgress struct {
	RunID      string `json:"runId"`
	Message    string `json:"message"`
	Sent       int    `json:"sent"`
	Failed     int    `json:"failed"`
	Total      int    `json:"total"`
	Percentage int    `json:"percentage"`
	Batch      int    `json:"batch"`
	Batches    int    `json:"batches"`
}

// BulkSendComplete is the payload of bulk-send-complete events
type BulkSendComplete struct {
	RunID  string `json:"runId"`
	Sent   int    `json:"sent"`
	Failed int    `json:"failed"`
	Total  int    `json:"total"`
}

// ConnectionTestResult is returned by the synchronous transport probes
type ConnectionTestResult struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	Suggestion      string `json:"suggestion,omitempty"`
	DetectedNetwork string `json:"detectedNetwork,omitempty"`
}

// OutgoingMessage is one rendered message for one recipient
type OutgoingMessage struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
}
