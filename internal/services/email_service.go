package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alimgiray/repomailer/internal/events"
	"github.com/alimgiray/repomailer/internal/models"
	"github.com/alimgiray/repomailer/internal/repositories"
	"github.com/alimgiray/repomailer/pkg/logger"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

const (
	ExportSheet = "Emails"

	recentWindow = 24 * time.Hour
	exportPage   = 1000
)

// NewEmailInput is a manually added address
type NewEmailInput struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	Username   string `json:"username"`
	Repository string `json:"repository"`
}

// EmailsDeleted is the payload of emails-bulk-deleted events
type EmailsDeleted struct {
	IDs        []string `json:"ids,omitempty"`
	Repository string   `json:"repository,omitempty"`
	Deleted    int64    `json:"deleted"`
}

// EmailDeleted is the payload of email-deleted events
type EmailDeleted struct {
	ID string `json:"id"`
}

// EmailService administers collected addresses
type EmailService struct {
	store   repositories.EmailStore
	emitter events.Emitter
	now     func() time.Time
}

// NewEmailService creates a new email service
func NewEmailService(store repositories.EmailStore, emitter events.Emitter) *EmailService {
	if emitter == nil {
		emitter = events.Discard
	}
	return &EmailService{store: store, emitter: emitter, now: time.Now}
}

// ListEmails returns one page of records matching filter and the total match count
func (s *EmailService) ListEmails(ctx context.Context, filter models.EmailFilter) ([]*models.EmailRecord, int, error) {
	switch filter.SentStatus {
	case models.SentStatusAny, models.SentStatusSent, models.SentStatusUnsent:
	default:
		return nil, 0, &models.ValidationError{Field: "sentStatus", Message: "sentStatus must be sent or unsent"}
	}
	if filter.CollectedFrom != nil && filter.CollectedTo != nil && filter.CollectedTo.Before(*filter.CollectedFrom) {
		return nil, 0, &models.ValidationError{Field: "collectedTo", Message: "collectedTo must not be before collectedFrom"}
	}
	filter.Search = strings.TrimSpace(filter.Search)
	filter.Repository = strings.TrimSpace(filter.Repository)
	return s.store.List(ctx, filter)
}

// GetStats aggregates the store, counting records collected within the last 24 hours
func (s *EmailService) GetStats(ctx context.Context) (*models.EmailStats, error) {
	return s.store.Stats(ctx, s.now().Add(-recentWindow))
}

// AddEmail stores a manually entered address under the collector's validation and dedup rules
func (s *EmailService) AddEmail(ctx context.Context, input NewEmailInput) (*models.EmailRecord, error) {
	if strings.TrimSpace(input.Email) == "" {
		return nil, &models.ValidationError{Field: "email", Message: "Email is required"}
	}
	repository := strings.TrimSpace(input.Repository)
	if repository == "" {
		return nil, &models.ValidationError{Field: "repository", Message: "Repository is required"}
	}
	if owner, name, err := ParseRepositoryRef(repository); err == nil {
		repository = owner + "/" + name
	}

	email, ok := AcceptAddress(input.Email)
	if !ok {
		return nil, &models.ValidationError{Field: "email", Message: "Email is not a deliverable address"}
	}

	record := models.NewEmailRecord(email, input.Name, input.Username, repository, s.now())
	inserted, err := s.store.InsertIfAbsent(ctx, record)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, models.ErrDuplicateEmail
	}

	logger.WithFields(logrus.Fields{"email_id": record.ID, "repository": repository}).Info("Email added manually")
	s.emitter.Emit(events.EmailAdded, record)
	return record, nil
}

// DeleteEmail removes one record
func (s *EmailService) DeleteEmail(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return &models.ValidationError{Field: "id", Message: "ID is required"}
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.emitter.Emit(events.EmailDeleted, EmailDeleted{ID: id})
	return nil
}

// DeleteEmails removes the records with the given ids and reports how many existed
func (s *EmailService) DeleteEmails(ctx context.Context, ids []string) (int64, error) {
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			cleaned = append(cleaned, id)
		}
	}
	if len(cleaned) == 0 {
		return 0, &models.ValidationError{Field: "ids", Message: "At least one ID is required"}
	}

	deleted, err := s.store.DeleteMany(ctx, cleaned)
	if err != nil {
		return 0, err
	}
	s.emitter.Emit(events.EmailsBulkDeleted, EmailsDeleted{IDs: cleaned, Deleted: deleted})
	return deleted, nil
}

// GetRepositorySummary returns the computed summary of a repository's records
func (s *EmailService) GetRepositorySummary(ctx context.Context, repository string) (*models.RepositorySummary, error) {
	repository = strings.Trim(strings.TrimSpace(repository), "/")
	if repository == "" {
		return nil, &models.ValidationError{Field: "repository", Message: "Repository is required"}
	}
	return s.store.RepositorySummary(ctx, repository)
}

// DeleteRepository removes exactly the records of repository
func (s *EmailService) DeleteRepository(ctx context.Context, repository string) (int64, error) {
	repository = strings.Trim(strings.TrimSpace(repository), "/")
	if repository == "" {
		return 0, &models.ValidationError{Field: "repository", Message: "Repository is required"}
	}

	deleted, err := s.store.DeleteByRepository(ctx, repository)
	if err != nil {
		return 0, err
	}
	logger.WithFields(logrus.Fields{"repository": repository, "deleted": deleted}).Info("Repository emails deleted")
	s.emitter.Emit(events.EmailsBulkDeleted, EmailsDeleted{Repository: repository, Deleted: deleted})
	return deleted, nil
}

// ExportEmails writes the matching records as a spreadsheet to w
func (s *EmailService) ExportEmails(ctx context.Context, repository string, w io.Writer) (int, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ExportSheet); err != nil {
		return 0, err
	}
	header := []interface{}{"Email", "Name", "Username", "Repository", "Collected At", "Times Sent", "Last Sent At"}
	if err := f.SetSheetRow(ExportSheet, "A1", &header); err != nil {
		return 0, err
	}

	filter := models.EmailFilter{Repository: strings.TrimSpace(repository), Limit: exportPage}
	row := 2
	for {
		records, total, err := s.store.List(ctx, filter)
		if err != nil {
			return 0, err
		}
		for _, rec := range records {
			cell, err := excelize.CoordinatesToCellName(1, row)
			if err != nil {
				return 0, err
			}
			values := exportRow(rec)
			if err := f.SetSheetRow(ExportSheet, cell, &values); err != nil {
				return 0, err
			}
			row++
		}
		filter.Offset += len(records)
		if len(records) == 0 || filter.Offset >= total {
			break
		}
	}

	if err := f.SetColWidth(ExportSheet, "A", "D", 32); err != nil {
		return 0, err
	}
	if err := f.Write(w); err != nil {
		return 0, fmt.Errorf("failed to write spreadsheet: %w", err)
	}
	return row - 2, nil
}

func exportRow(rec *models.EmailRecord) []interface{} {
	var lastSent string
	for _, ev := range rec.EmailSent {
		if ts := ev.SentAt.UTC().Format(time.RFC3339); ts > lastSent {
			lastSent = ts
		}
	}
	return []interface{}{
		rec.Email,
		rec.Name,
		rec.Username,
		rec.Repository,
		rec.CollectedAt.UTC().Format(time.RFC3339),
		len(rec.EmailSent),
		lastSent,
	}
}
