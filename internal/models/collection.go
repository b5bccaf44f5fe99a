package models

import (
	"fmt"
	"strings"
)

const (
	DefaultMaxCommits = 1000
	MaxMaxCommits     = 100000
)

// CollectOptions selects which sources a collection run walks
type CollectOptions struct {
	IncludeContributors *bool `json:"includeContributors"`
	IncludeCommits      *bool `json:"includeCommits"`
	MaxCommits          int   `json:"maxCommits"`
}

// Contributors reports whether the contributor list is walked (default true)
func (o CollectOptions) Contributors() bool {
	return o.IncludeContributors == nil || *o.IncludeContributors
}

// Commits reports whether commit history is walked (default true)
func (o CollectOptions) Commits() bool {
	return o.IncludeCommits == nil || *o.IncludeCommits
}

// CommitLimit returns MaxCommits bounded to 1..100000, defaulting to 1000
func (o CollectOptions) CommitLimit() int {
	switch {
	case o.MaxCommits <= 0:
		return DefaultMaxCommits
	case o.MaxCommits > MaxMaxCommits:
		return MaxMaxCommits
	default:
		return o.MaxCommits
	}
}

// Validate rejects option sets that cannot collect anything
func (o CollectOptions) Validate() error {
	if !o.Contributors() && !o.Commits() {
		return &ValidationError{Field: "options", Message: "At least one of includeContributors or includeCommits must be enabled"}
	}
	return nil
}

// CollectionRun is the state owned by one collector invocation
type CollectionRun struct {
	ID         string
	Repository string
	Owner      string
	Name       string
	Options    CollectOptions
	Token      string

	TotalFetched int
	Collected    int
	Saved        int
	Duplicates   int
	Page         int

	seen map[string]struct{}
}

// NewCollectionRun creates the run state for a repository reference
func NewCollectionRun(id, repository string, opts CollectOptions, token string) *CollectionRun {
	return &CollectionRun{
		ID:         id,
		Repository: strings.TrimSpace(repository),
		Options:    opts,
		Token:      strings.TrimSpace(token),
		seen:       make(map[string]struct{}),
	}
}

// FullName is the normalized owner/name reference
func (r *CollectionRun) FullName() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

// MarkSeen records an address for this run and reports whether it was new
func (r *CollectionRun) MarkSeen(email string) bool {
	if _, ok := r.seen[email]; ok {
		return false
	}
	r.seen[email] = struct{}{}
	return true
}

// CollectionProgress is the payload of collection-progress events
type CollectionProgress struct {
	RunID        string `json:"runId"`
	Repository   string `json:"repository"`
	Stage        string `json:"stage"`
	Message      string `json:"message"`
	TotalFetched int    `json:"totalFetched"`
	Collected    int    `json:"collected"`
	Saved        int    `json:"saved"`
	Duplicates   int    `json:"duplicates"`
	Page         int    `json:"page"`
}

// Progress snapshots the running totals
func (r *CollectionRun) Progress(stage, message string) CollectionProgress {
	return CollectionProgress{
		RunID:        r.ID,
		Repository:   r.Repository,
		Stage:        stage,
		Message:      message,
		TotalFetched: r.TotalFetched,
		Collected:    r.Collected,
		Saved:        r.Saved,
		Duplicates:   r.Duplicates,
		Page:         r.Page,
	}
}

// CollectionComplete is the payload of collection-complete events
type CollectionComplete struct {
	RunID        string `json:"runId"`
	Repository   string `json:"repository"`
	Saved        int    `json:"saved"`
	Collected    int    `json:"collected"`
	Duplicates   int    `json:"duplicates"`
	TotalFetched int    `json:"totalFetched"`
}

// RunFailure is the payload of collection-error and bulk-send-error events
type RunFailure struct {
	RunID      string    `json:"runId"`
	Repository string    `json:"repository,omitempty"`
	Error      string    `json:"error"`
	Kind       ErrorKind `json:"kind,omitempty"`
}

// Candidate is an address found by the collector before validation
type Candidate struct {
	Email    string
	Name     string
	Username string
}
